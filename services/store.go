// services/store.go
package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tournament-escrow/models"
)

// Store is the persistence contract of the lifecycle controller. The
// controller is the only writer of TournamentInstance.Status, and only through
// CompareAndSwapStatus.
type Store interface {
	CreateInstance(ctx context.Context, t *models.TournamentInstance) error
	GetInstance(ctx context.Context, id string) (*models.TournamentInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]models.TournamentInstance, error)
	// InstanceExists is the authoritative duplicate check for deployment slots.
	InstanceExists(ctx context.Context, variantKey string, scheduledFor time.Time) (bool, error)
	CountUpcoming(ctx context.Context) (int64, error)
	UpdateInstance(ctx context.Context, id string, u InstanceUpdate) error
	// CompareAndSwapStatus applies u and sets status to `to` only if the
	// persisted status still equals `from`. Returns false when it lost.
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.TournamentStatus, u InstanceUpdate) (bool, error)

	CreateEntry(ctx context.Context, e *models.TournamentEntry) error
	GetEntry(ctx context.Context, tournamentID, wallet string) (*models.TournamentEntry, error)
	ListEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) ([]models.TournamentEntry, error)
	CountEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) (int64, error)
	UpdateEntry(ctx context.Context, id string, u EntryUpdate) error

	// EnsureRefund inserts r unless a record for the entry exists, in which
	// case the existing one is returned with created=false.
	EnsureRefund(ctx context.Context, r *models.RefundRecord) (rec *models.RefundRecord, created bool, err error)
	UpdateRefund(ctx context.Context, id string, u SettlementUpdate) error
	ListRefunds(ctx context.Context, tournamentID string, statuses ...models.RefundStatus) ([]models.RefundRecord, error)

	EnsurePrizeDistribution(ctx context.Context, p *models.PrizeDistributionRecord) (rec *models.PrizeDistributionRecord, created bool, err error)
	UpdatePrizeDistribution(ctx context.Context, id string, u SettlementUpdate) error
	ListPrizeDistributions(ctx context.Context, tournamentID string, statuses ...models.PayoutStatus) ([]models.PrizeDistributionRecord, error)
}

// InstanceFilter narrows ListInstances. Zero value lists everything.
type InstanceFilter struct {
	Statuses   []models.TournamentStatus
	VariantKey string
	// Unsettled keeps only instances with refunds or payouts still owed.
	Unsettled bool
	Limit     int
}

// InstanceUpdate carries optional column changes for a tournament instance.
type InstanceUpdate struct {
	ParticipantCount  *int
	TotalPrizePool    *decimal.Decimal
	CancelReason      *string
	ActualStartAt     *time.Time
	ActualEndAt       *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	SettledAt         *time.Time
	TournamentAddress *string
	EscrowAddress     *string
	InitSignature     *string
}

func (u InstanceUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.ParticipantCount != nil {
		cols["participant_count"] = *u.ParticipantCount
	}
	if u.TotalPrizePool != nil {
		cols["total_prize_pool"] = *u.TotalPrizePool
	}
	if u.CancelReason != nil {
		cols["cancel_reason"] = *u.CancelReason
	}
	if u.ActualStartAt != nil {
		cols["actual_start_at"] = *u.ActualStartAt
	}
	if u.ActualEndAt != nil {
		cols["actual_end_at"] = *u.ActualEndAt
	}
	if u.CompletedAt != nil {
		cols["completed_at"] = *u.CompletedAt
	}
	if u.CancelledAt != nil {
		cols["cancelled_at"] = *u.CancelledAt
	}
	if u.SettledAt != nil {
		cols["settled_at"] = *u.SettledAt
	}
	if u.TournamentAddress != nil {
		cols["tournament_address"] = *u.TournamentAddress
	}
	if u.EscrowAddress != nil {
		cols["escrow_address"] = *u.EscrowAddress
	}
	if u.InitSignature != nil {
		cols["init_signature"] = *u.InitSignature
	}
	return cols
}

func (u InstanceUpdate) apply(t *models.TournamentInstance) {
	if u.ParticipantCount != nil {
		t.ParticipantCount = *u.ParticipantCount
	}
	if u.TotalPrizePool != nil {
		t.TotalPrizePool = *u.TotalPrizePool
	}
	if u.CancelReason != nil {
		t.CancelReason = *u.CancelReason
	}
	if u.ActualStartAt != nil {
		t.ActualStartAt = timePtr(*u.ActualStartAt)
	}
	if u.ActualEndAt != nil {
		t.ActualEndAt = timePtr(*u.ActualEndAt)
	}
	if u.CompletedAt != nil {
		t.CompletedAt = timePtr(*u.CompletedAt)
	}
	if u.CancelledAt != nil {
		t.CancelledAt = timePtr(*u.CancelledAt)
	}
	if u.SettledAt != nil {
		t.SettledAt = timePtr(*u.SettledAt)
	}
	if u.TournamentAddress != nil {
		t.TournamentAddress = *u.TournamentAddress
	}
	if u.EscrowAddress != nil {
		t.EscrowAddress = *u.EscrowAddress
	}
	if u.InitSignature != nil {
		t.InitSignature = *u.InitSignature
	}
}

// EntryUpdate carries optional column changes for an entry.
type EntryUpdate struct {
	Status    *models.EntryStatus
	FinalRank *int
	PrizeWon  *decimal.Decimal
}

func (u EntryUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.Status != nil {
		cols["status"] = *u.Status
	}
	if u.FinalRank != nil {
		cols["final_rank"] = *u.FinalRank
	}
	if u.PrizeWon != nil {
		cols["prize_won"] = *u.PrizeWon
	}
	return cols
}

func (u EntryUpdate) apply(e *models.TournamentEntry) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.FinalRank != nil {
		rank := *u.FinalRank
		e.FinalRank = &rank
	}
	if u.PrizeWon != nil {
		prize := *u.PrizeWon
		e.PrizeWon = &prize
	}
}

// SettlementUpdate records the outcome of one refund or payout attempt.
type SettlementUpdate struct {
	Status    string
	Signature string
	LastError string
	Attempted bool
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
func intPtr(i int) *int              { return &i }
