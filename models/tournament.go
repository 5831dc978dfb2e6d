package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TournamentStatus is the lifecycle position of a tournament instance.
type TournamentStatus string

const (
	StatusScheduled    TournamentStatus = "scheduled"
	StatusRegistering  TournamentStatus = "registering"
	StatusPendingStart TournamentStatus = "pending_start"
	StatusActive       TournamentStatus = "active"
	StatusEnded        TournamentStatus = "ended"
	StatusComplete     TournamentStatus = "complete"
	StatusCancelled    TournamentStatus = "cancelled"
)

var statusOrder = map[TournamentStatus]int{
	StatusScheduled:    0,
	StatusRegistering:  1,
	StatusPendingStart: 2,
	StatusActive:       3,
	StatusEnded:        4,
	StatusComplete:     5,
}

func (s TournamentStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok || s == StatusCancelled
}

// Terminal reports whether no transition can leave s.
func (s TournamentStatus) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// After reports whether s lies strictly beyond other on the main path.
// Cancelled is off the main path and is never After anything.
func (s TournamentStatus) After(other TournamentStatus) bool {
	a, okA := statusOrder[s]
	b, okB := statusOrder[other]
	return okA && okB && a > b
}

// NonTerminalStatuses is every status the sweep still has work for.
var NonTerminalStatuses = []TournamentStatus{
	StatusScheduled, StatusRegistering, StatusPendingStart, StatusActive, StatusEnded,
}

// TournamentInstance is one scheduled run of a tournament variant.
// Owned by the lifecycle controller; never deleted.
type TournamentInstance struct {
	ID           string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name         string `json:"name" gorm:"not null"`
	Slug         string `json:"slug" gorm:"type:varchar(160);index"`
	VariantKey   string `json:"variant_key" gorm:"type:varchar(64);not null;uniqueIndex:idx_instance_slot"`
	TradingStyle string `json:"trading_style" gorm:"type:varchar(32)"`
	IsMega       bool   `json:"is_mega" gorm:"default:false"`

	EntryFee              decimal.Decimal `json:"entry_fee" gorm:"type:numeric(20,9);not null"`
	MaxParticipants       int             `json:"max_participants" gorm:"not null"`
	MinParticipants       int             `json:"min_participants" gorm:"not null"`
	PrizePoolPercentage   int             `json:"prize_pool_percentage" gorm:"not null"`
	PlatformFeePercentage int             `json:"platform_fee_percentage" gorm:"not null"`
	DurationMinutes       int             `json:"duration_minutes" gorm:"not null"`

	ScheduledFor         time.Time  `json:"scheduled_for" gorm:"not null;uniqueIndex:idx_instance_slot"`
	RegistrationOpensAt  time.Time  `json:"registration_opens_at" gorm:"not null"`
	RegistrationClosesAt time.Time  `json:"registration_closes_at" gorm:"not null"`
	StartAt              time.Time  `json:"start_at" gorm:"not null"`
	EndAt                time.Time  `json:"end_at" gorm:"not null"`
	ActualStartAt        *time.Time `json:"actual_start_at,omitempty"`
	ActualEndAt          *time.Time `json:"actual_end_at,omitempty"`

	Status           TournamentStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	ParticipantCount int              `json:"participant_count" gorm:"default:0"`
	TotalPrizePool   decimal.Decimal  `json:"total_prize_pool" gorm:"type:numeric(20,9);not null"`
	CancelReason     string           `json:"cancel_reason,omitempty"`

	// On-chain anchors, derived from ID.
	TournamentAddress string `json:"tournament_address,omitempty" gorm:"type:varchar(64)"`
	EscrowAddress     string `json:"escrow_address,omitempty" gorm:"type:varchar(64)"`
	InitSignature     string `json:"init_signature,omitempty" gorm:"type:varchar(128)"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	// SettledAt is set once every refund or payout owed by the instance is done.
	SettledAt   *time.Time `json:"settled_at,omitempty" gorm:"index"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (TournamentInstance) TableName() string { return "tournament_instances" }

// EscrowReady reports whether the on-chain accounts have been initialized.
func (t *TournamentInstance) EscrowReady() bool {
	return t.TournamentAddress != "" && t.EscrowAddress != ""
}
