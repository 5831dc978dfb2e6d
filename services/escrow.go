// services/escrow.go
package services

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"tournament-escrow/safety"
)

// Account seeds of the settlement program.
const (
	seedTournament   = "tournament"
	seedEscrow       = "escrow"
	seedRegistration = "registration"
)

// On-chain tournament status values.
const (
	chainActive    = "active"
	chainFinalized = "finalized"
	chainCancelled = "cancelled"
)

// TournamentOnChainView is the decoded tournament account.
type TournamentOnChainView struct {
	Authority             string   `json:"authority"`
	TournamentID          string   `json:"tournament_id"`
	EntryFee              uint64   `json:"entry_fee"`
	MaxPlayers            uint32   `json:"max_players"`
	CurrentPlayers        uint32   `json:"current_players"`
	PlatformFeePercentage uint8    `json:"platform_fee_percentage"`
	StartTime             int64    `json:"start_time"`
	EndTime               int64    `json:"end_time"`
	TotalPool             uint64   `json:"total_pool"`
	Status                string   `json:"status"`
	Winners               []string `json:"winners"`
	PrizePercentages      []uint8  `json:"prize_percentages"`
	Distributed           []bool   `json:"distributed"`
	FeesCollected         bool     `json:"fees_collected"`
}

// RankDistributed reports whether the prize for rank (1-based) was paid.
func (v *TournamentOnChainView) RankDistributed(rank int) bool {
	i := rank - 1
	return i >= 0 && i < len(v.Distributed) && v.Distributed[i]
}

// RegistrationView is the decoded per-wallet registration account.
type RegistrationView struct {
	Player       string `json:"player"`
	Tournament   string `json:"tournament"`
	EntryFeePaid uint64 `json:"entry_fee_paid"`
	Refunded     bool   `json:"refunded"`
	RegisteredAt int64  `json:"registered_at"`
}

type InitParams struct {
	TournamentID          string
	EntryFee              decimal.Decimal
	MaxPlayers            int
	PlatformFeePercentage int
	StartTime             time.Time
	EndTime               time.Time
}

// Validate checks the program preconditions locally so bad input never costs
// a rate-limit slot.
func (p InitParams) Validate() error {
	switch {
	case p.PlatformFeePercentage <= 0 || p.PlatformFeePercentage > 20:
		return ErrInvalidFeePercentage
	case !p.EntryFee.IsPositive():
		return ErrInvalidEntryFee
	case p.MaxPlayers <= 0 || p.MaxPlayers > 1000:
		return ErrInvalidPlayerCap
	case !p.StartTime.Before(p.EndTime):
		return ErrInvalidTimeRange
	}
	return nil
}

type InitResult struct {
	Signature          string
	TournamentAddress  string
	EscrowAddress      string
	AlreadyInitialized bool
}

type RegisterResult struct {
	Signature           string
	RegistrationAddress string
	EntryFeePaid        decimal.Decimal
}

// SettlementResult is the outcome of a money-moving instruction.
// AlreadySettled means chain state showed the work done; nothing was submitted.
type SettlementResult struct {
	Signature      string
	AlreadySettled bool
}

type EscrowConfig struct {
	ProgramID   string
	CallTimeout time.Duration
}

// EscrowClient is the typed wrapper over the settlement program. Every gateway
// round trip goes through the settlement rate limiter and circuit breaker.
type EscrowClient struct {
	gateway     SettlementGateway
	breaker     *safety.CircuitBreaker
	limiter     *safety.RateLimiter
	programID   string
	callTimeout time.Duration
	metrics     *Metrics
}

func NewEscrowClient(gw SettlementGateway, reg *safety.Registry, cfg EscrowConfig, metrics *Metrics) *EscrowClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if !gw.Available() {
		log.Printf("⚠️ [ESCROW] settlement gateway unavailable, every escrow call will fail until restart")
	}
	return &EscrowClient{
		gateway:     gw,
		breaker:     reg.Breaker(safety.DepSettlement),
		limiter:     reg.Limiter(safety.DepSettlement),
		programID:   cfg.ProgramID,
		callTimeout: cfg.CallTimeout,
		metrics:     metrics,
	}
}

func (c *EscrowClient) Available() bool { return c.gateway.Available() }

// DeriveAddress hashes the seeds with the program id and encodes the digest in
// base58. Same seeds, same address: retries hit the same accounts.
func (c *EscrowClient) DeriveAddress(seeds ...string) string {
	h := sha256.New()
	for _, s := range seeds {
		h.Write([]byte(s))
	}
	if raw, err := base58.Decode(c.programID); err == nil && len(raw) > 0 {
		h.Write(raw)
	} else {
		h.Write([]byte(c.programID))
	}
	h.Write([]byte("ProgramDerivedAddress"))
	return base58.Encode(h.Sum(nil))
}

func (c *EscrowClient) TournamentAddress(id string) string {
	return c.DeriveAddress(seedTournament, id)
}

func (c *EscrowClient) EscrowAddress(id string) string {
	return c.DeriveAddress(seedEscrow, id)
}

func (c *EscrowClient) RegistrationAddress(id, wallet string) string {
	return c.DeriveAddress(seedRegistration, id, wallet)
}

// call runs one gateway round trip: limiter, breaker admission, outer deadline.
func (c *EscrowClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Allow(); err != nil {
		c.metrics.settlementCall(op, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	sent := false
	err := guard(c.breaker, func() error {
		sent = true
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
			return unavailable(op, err)
		}
		return err
	})
	if !sent {
		c.limiter.Release()
	}
	c.metrics.settlementCall(op, err)
	return err
}

func (c *EscrowClient) submit(ctx context.Context, ix Instruction) (string, error) {
	ix.ProgramID = c.programID
	var sig string
	err := c.call(ctx, ix.Name, func(ctx context.Context) error {
		var err error
		sig, err = c.gateway.Submit(ctx, ix)
		return err
	})
	return sig, err
}

// InitializeTournament creates the tournament and escrow accounts. When the
// tournament account already exists the addresses are returned without a new
// submission.
func (c *EscrowClient) InitializeTournament(ctx context.Context, p InitParams) (*InitResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	res := &InitResult{
		TournamentAddress: c.TournamentAddress(p.TournamentID),
		EscrowAddress:     c.EscrowAddress(p.TournamentID),
	}

	_, err := c.FetchTournament(ctx, p.TournamentID)
	switch {
	case err == nil:
		res.AlreadyInitialized = true
		return res, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	sig, err := c.submit(ctx, Instruction{
		Name: "initializeTournament",
		Accounts: map[string]string{
			"tournament": res.TournamentAddress,
			"escrow":     res.EscrowAddress,
		},
		Args: map[string]interface{}{
			"tournament_id":           p.TournamentID,
			"entry_fee":               ToLamports(p.EntryFee),
			"max_players":             p.MaxPlayers,
			"platform_fee_percentage": p.PlatformFeePercentage,
			"start_time":              p.StartTime.Unix(),
			"end_time":                p.EndTime.Unix(),
		},
	})
	if err != nil {
		return nil, err
	}
	res.Signature = sig
	log.Printf("✅ [ESCROW] initialized tournament %s (%s)", p.TournamentID, sig)
	return res, nil
}

// RegisterPlayer pays the entry fee from wallet into escrow. credential is the
// wallet's pre-authorized signature, forwarded untouched.
func (c *EscrowClient) RegisterPlayer(ctx context.Context, tournamentID, wallet, credential string) (*RegisterResult, error) {
	registered, err := c.IsRegistered(ctx, tournamentID, wallet)
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, wallet)
	}

	view, err := c.FetchTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if view.Status != chainActive {
		return nil, fmt.Errorf("%w: on-chain status %s", ErrTournamentNotActive, view.Status)
	}
	if view.MaxPlayers > 0 && view.CurrentPlayers >= view.MaxPlayers {
		return nil, ErrTournamentFull
	}

	var balance uint64
	err = c.call(ctx, "getBalance", func(ctx context.Context) error {
		var err error
		balance, err = c.gateway.GetBalance(ctx, wallet)
		return err
	})
	if err != nil {
		return nil, err
	}
	if balance < view.EntryFee {
		return nil, fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientBalance, balance, view.EntryFee)
	}

	regAddr := c.RegistrationAddress(tournamentID, wallet)
	sig, err := c.submit(ctx, Instruction{
		Name: "registerPlayer",
		Accounts: map[string]string{
			"tournament":   c.TournamentAddress(tournamentID),
			"escrow":       c.EscrowAddress(tournamentID),
			"registration": regAddr,
			"player":       wallet,
		},
		SignerCredential: credential,
	})
	if err != nil {
		return nil, err
	}
	return &RegisterResult{
		Signature:           sig,
		RegistrationAddress: regAddr,
		EntryFeePaid:        FromLamports(view.EntryFee),
	}, nil
}

// FetchTournament reads the tournament account; ErrNotFound when absent.
func (c *EscrowClient) FetchTournament(ctx context.Context, tournamentID string) (*TournamentOnChainView, error) {
	var view TournamentOnChainView
	addr := c.TournamentAddress(tournamentID)
	err := c.call(ctx, "fetchTournament", func(ctx context.Context) error {
		return c.gateway.GetAccount(ctx, addr, &view)
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// FetchRegistration reads the registration account; ErrNotFound when absent.
func (c *EscrowClient) FetchRegistration(ctx context.Context, tournamentID, wallet string) (*RegistrationView, error) {
	var reg RegistrationView
	addr := c.RegistrationAddress(tournamentID, wallet)
	err := c.call(ctx, "fetchRegistration", func(ctx context.Context) error {
		return c.gateway.GetAccount(ctx, addr, &reg)
	})
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// IsRegistered treats a missing registration account as false.
func (c *EscrowClient) IsRegistered(ctx context.Context, tournamentID, wallet string) (bool, error) {
	_, err := c.FetchRegistration(ctx, tournamentID, wallet)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// FinalizeTournament records winners and percentages on chain. Skipped when
// the tournament is already finalized.
func (c *EscrowClient) FinalizeTournament(ctx context.Context, tournamentID string, winners []string, percentages []int) (*SettlementResult, error) {
	if len(winners) != len(percentages) || len(winners) == 0 {
		return nil, ErrMismatchedWinners
	}
	sum := 0
	pcts := make([]uint8, len(percentages))
	for i, p := range percentages {
		if p < 0 || p > 100 {
			return nil, ErrInvalidPrizePercentages
		}
		sum += p
		pcts[i] = uint8(p)
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPrizePercentages, sum)
	}

	view, err := c.FetchTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if view.Status == chainFinalized {
		return &SettlementResult{AlreadySettled: true}, nil
	}

	sig, err := c.submit(ctx, Instruction{
		Name: "finalizeTournament",
		Accounts: map[string]string{
			"tournament": c.TournamentAddress(tournamentID),
		},
		Args: map[string]interface{}{
			"winners":           winners,
			"prize_percentages": pcts,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Signature: sig}, nil
}

// DistributePrize pays rank (1-based) to winner. If chain state shows the rank
// already paid, nothing is submitted.
func (c *EscrowClient) DistributePrize(ctx context.Context, tournamentID string, rank int, winner string, amount decimal.Decimal) (*SettlementResult, error) {
	if rank < 1 {
		return nil, fmt.Errorf("%w: rank %d", ErrInvalidRequest, rank)
	}
	view, err := c.FetchTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if view.RankDistributed(rank) {
		return &SettlementResult{AlreadySettled: true}, nil
	}
	if view.Status != chainFinalized {
		return nil, fmt.Errorf("%w: on-chain status %s", ErrTournamentNotEnded, view.Status)
	}
	if i := rank - 1; i >= len(view.Winners) || view.Winners[i] != winner {
		return nil, fmt.Errorf("%w: rank %d winner %s", ErrMismatchedWinners, rank, winner)
	}

	sig, err := c.submit(ctx, Instruction{
		Name: "distributePrize",
		Accounts: map[string]string{
			"tournament": c.TournamentAddress(tournamentID),
			"escrow":     c.EscrowAddress(tournamentID),
			"winner":     winner,
		},
		Args: map[string]interface{}{
			"winner_index":      rank - 1,
			"expected_lamports": ToLamports(amount),
		},
	})
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Signature: sig}, nil
}

// RefundPlayer returns the entry fee to wallet. If the registration account is
// already flagged refunded, nothing is submitted.
func (c *EscrowClient) RefundPlayer(ctx context.Context, tournamentID, wallet string) (*SettlementResult, error) {
	reg, err := c.FetchRegistration(ctx, tournamentID, wallet)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, wallet)
		}
		return nil, err
	}
	if reg.Refunded {
		return &SettlementResult{AlreadySettled: true}, nil
	}

	sig, err := c.submit(ctx, Instruction{
		Name: "refundPlayer",
		Accounts: map[string]string{
			"tournament":   c.TournamentAddress(tournamentID),
			"escrow":       c.EscrowAddress(tournamentID),
			"registration": c.RegistrationAddress(tournamentID, wallet),
			"player":       wallet,
		},
	})
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Signature: sig}, nil
}

// CancelTournament flags the tournament cancelled on chain, enabling refunds.
func (c *EscrowClient) CancelTournament(ctx context.Context, tournamentID string) (*SettlementResult, error) {
	view, err := c.FetchTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if view.Status == chainCancelled {
		return &SettlementResult{AlreadySettled: true}, nil
	}
	sig, err := c.submit(ctx, Instruction{
		Name:     "cancelTournament",
		Accounts: map[string]string{"tournament": c.TournamentAddress(tournamentID)},
	})
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Signature: sig}, nil
}

// CollectPlatformFees sweeps the platform share and lamport dust.
func (c *EscrowClient) CollectPlatformFees(ctx context.Context, tournamentID string) (*SettlementResult, error) {
	view, err := c.FetchTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if view.FeesCollected {
		return &SettlementResult{AlreadySettled: true}, nil
	}
	sig, err := c.submit(ctx, Instruction{
		Name: "collectPlatformFees",
		Accounts: map[string]string{
			"tournament": c.TournamentAddress(tournamentID),
			"escrow":     c.EscrowAddress(tournamentID),
		},
	})
	if err != nil {
		return nil, err
	}
	return &SettlementResult{Signature: sig}, nil
}

var lamportsPerSOL = decimal.New(1, LamportDecimals)

// ToLamports converts SOL to lamports, truncating sub-lamport digits.
func ToLamports(sol decimal.Decimal) uint64 {
	l := sol.Mul(lamportsPerSOL).Truncate(0)
	if l.IsNegative() {
		return 0
	}
	return uint64(l.IntPart())
}

func FromLamports(l uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(l), -LamportDecimals)
}
