// services/prize.go
package services

import (
	"github.com/shopspring/decimal"
)

// PrizeTier names a distribution table.
type PrizeTier string

const (
	TierNone   PrizeTier = "none"
	TierSingle PrizeTier = "single"
	TierSmall  PrizeTier = "small"
	TierMedium PrizeTier = "medium"
	TierLarge  PrizeTier = "large"
	TierMega   PrizeTier = "mega"
)

const (
	smallThreshold  = 10
	mediumThreshold = 50
	largeThreshold  = 100
	megaThreshold   = 50
)

// LamportDecimals is the on-chain precision of SOL amounts.
const LamportDecimals = 9

var prizeTables = map[PrizeTier][]int{
	TierSingle: {100},
	TierSmall:  {50, 30, 20},
	TierMedium: {35, 22, 15, 12, 9, 7},
	TierLarge:  {30, 18, 12, 10, 8, 7, 6, 5, 4},
	TierMega:   {20, 12, 9, 7, 6, 5, 5, 4, 4, 3, 3, 3, 3, 3, 3, 2, 2, 2, 2, 2},
}

// PrizeShare is one paid rank.
type PrizeShare struct {
	Rank       int             `json:"rank"`
	Percentage int             `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
}

// PrizeCalculator maps participant counts to distribution tables. It holds no
// state; the zero value is ready to use.
type PrizeCalculator struct{}

// Tier picks the highest threshold the count satisfies. The mega table only
// applies to flagged tournaments with at least 50 participants.
func (PrizeCalculator) Tier(participants int, isMega bool) PrizeTier {
	switch {
	case participants <= 0:
		return TierNone
	case isMega && participants >= megaThreshold:
		return TierMega
	case participants >= largeThreshold:
		return TierLarge
	case participants >= mediumThreshold:
		return TierMedium
	case participants >= smallThreshold:
		return TierSmall
	default:
		return TierSingle
	}
}

// Table returns the ordered percentages (rank 1 first) summing to 100, or nil
// when nobody took part.
func (c PrizeCalculator) Table(participants int, isMega bool) []int {
	src := prizeTables[c.Tier(participants, isMega)]
	if src == nil {
		return nil
	}
	out := make([]int, len(src))
	copy(out, src)
	return out
}

// Split turns a table into amounts. Each amount is pool*pct/100 rounded down
// to the lamport, so the awarded sum never exceeds the pool.
func (PrizeCalculator) Split(pool decimal.Decimal, table []int) []PrizeShare {
	shares := make([]PrizeShare, 0, len(table))
	hundred := decimal.NewFromInt(100)
	for i, pct := range table {
		amount := pool.Mul(decimal.NewFromInt(int64(pct))).Div(hundred).RoundFloor(LamportDecimals)
		shares = append(shares, PrizeShare{Rank: i + 1, Percentage: pct, Amount: amount})
	}
	return shares
}

// Distribute is Table followed by Split.
func (c PrizeCalculator) Distribute(participants int, isMega bool, pool decimal.Decimal) []PrizeShare {
	return c.Split(pool, c.Table(participants, isMega))
}

// FitToRanking trims a table to the number of ranked players. Percentage left
// over by missing ranks goes to rank 1 so the table still sums to 100.
func FitToRanking(table []int, ranked int) []int {
	if ranked <= 0 || len(table) == 0 {
		return nil
	}
	if ranked >= len(table) {
		return table
	}
	out := make([]int, ranked)
	copy(out, table[:ranked])
	for _, pct := range table[ranked:] {
		out[0] += pct
	}
	return out
}

// TotalPrizePool is participants * fee * prizePoolPct / 100.
func TotalPrizePool(participants int, entryFee decimal.Decimal, prizePoolPct int) decimal.Decimal {
	return decimal.NewFromInt(int64(participants)).
		Mul(entryFee).
		Mul(decimal.NewFromInt(int64(prizePoolPct))).
		Div(decimal.NewFromInt(100))
}
