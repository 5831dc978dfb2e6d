package services_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-escrow/services"
)

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestPrizeTierSelection(t *testing.T) {
	calc := services.PrizeCalculator{}
	cases := []struct {
		count int
		mega  bool
		tier  services.PrizeTier
		ranks int
	}{
		{0, false, services.TierNone, 0},
		{1, false, services.TierSingle, 1},
		{9, false, services.TierSingle, 1},
		{10, false, services.TierSmall, 3},
		{49, false, services.TierSmall, 3},
		{50, false, services.TierMedium, 6},
		{99, false, services.TierMedium, 6},
		{100, false, services.TierLarge, 9},
		{5000, false, services.TierLarge, 9},
		{49, true, services.TierSmall, 3},
		{50, true, services.TierMega, 20},
		{250, true, services.TierMega, 20},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.tier, calc.Tier(tc.count, tc.mega), "count=%d mega=%v", tc.count, tc.mega)
		assert.Len(t, calc.Table(tc.count, tc.mega), tc.ranks, "count=%d mega=%v", tc.count, tc.mega)
	}
}

func TestPrizeTablesSumToHundredAndNeverOverpay(t *testing.T) {
	calc := services.PrizeCalculator{}
	fee := decimal.RequireFromString("0.037")

	for _, mega := range []bool{false, true} {
		for n := 1; n <= 10000; n++ {
			table := calc.Table(n, mega)
			require.Equal(t, 100, sum(table), "n=%d mega=%v", n, mega)

			pool := services.TotalPrizePool(n, fee, 85)
			awarded := decimal.Zero
			for _, share := range calc.Split(pool, table) {
				awarded = awarded.Add(share.Amount)
			}
			require.True(t, awarded.LessThanOrEqual(pool), "n=%d mega=%v awarded=%s pool=%s", n, mega, awarded, pool)
		}
	}
}

func TestTablesAreNonIncreasing(t *testing.T) {
	calc := services.PrizeCalculator{}
	for _, n := range []int{10, 50, 100} {
		for _, mega := range []bool{false, true} {
			table := calc.Table(n, mega)
			for i := 1; i < len(table); i++ {
				assert.LessOrEqual(t, table[i], table[i-1], "n=%d mega=%v rank=%d", n, mega, i+1)
			}
		}
	}
}

func TestMediumScenarioPool(t *testing.T) {
	pool := services.TotalPrizePool(50, decimal.RequireFromString("0.05"), 85)
	assert.True(t, pool.Equal(decimal.RequireFromString("2.125")), "pool=%s", pool)

	shares := services.PrizeCalculator{}.Distribute(50, false, pool)
	require.Len(t, shares, 6)
	assert.Equal(t, 1, shares[0].Rank)
	assert.True(t, shares[0].Amount.Equal(decimal.RequireFromString("0.74375")), "rank1=%s", shares[0].Amount)
	assert.True(t, shares[5].Amount.Equal(decimal.RequireFromString("0.14875")), "rank6=%s", shares[5].Amount)
}

func TestSplitRoundsDownToLamport(t *testing.T) {
	shares := services.PrizeCalculator{}.Split(decimal.RequireFromString("0.000000001"), []int{50, 30, 20})
	for _, s := range shares {
		assert.True(t, s.Amount.IsZero(), "rank %d got %s", s.Rank, s.Amount)
	}
}

func TestFitToRanking(t *testing.T) {
	assert.Equal(t, []int{70, 30}, services.FitToRanking([]int{50, 30, 20}, 2))
	assert.Equal(t, []int{50, 30, 20}, services.FitToRanking([]int{50, 30, 20}, 7))
	assert.Nil(t, services.FitToRanking([]int{50, 30, 20}, 0))
	assert.Equal(t, 100, sum(services.FitToRanking([]int{35, 22, 15, 12, 9, 7}, 4)))
}
