package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundPending RefundStatus = "pending"
	RefundSent    RefundStatus = "sent"
	RefundFailed  RefundStatus = "failed"
)

// RefundRecord is created exactly once per refunded entry. Append-only:
// rows are never deleted and only their status moves forward.
type RefundRecord struct {
	ID            string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	EntryID       string          `json:"entry_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	TournamentID  string          `json:"tournament_id" gorm:"type:varchar(64);not null;index"`
	WalletAddress string          `json:"wallet_address" gorm:"type:varchar(64);not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(20,9);not null"`
	Status        RefundStatus    `json:"status" gorm:"type:varchar(16);not null;index"`
	Signature     string          `json:"signature,omitempty" gorm:"type:varchar(128)"`
	Attempts      int             `json:"attempts" gorm:"default:0"`
	LastError     string          `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (RefundRecord) TableName() string { return "tournament_refunds" }

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// PrizeDistributionRecord is written once per (tournament, rank). Amount is
// immutable after insert; only status, signature and attempts change.
type PrizeDistributionRecord struct {
	ID            string          `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TournamentID  string          `json:"tournament_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_prize_rank"`
	ChampionID    string          `json:"champion_id" gorm:"type:varchar(64);not null"`
	WalletAddress string          `json:"wallet_address" gorm:"type:varchar(64);not null"`
	Rank          int             `json:"rank" gorm:"not null;uniqueIndex:idx_prize_rank"`
	Percentage    int             `json:"percentage" gorm:"not null"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:numeric(20,9);not null"`
	Status        PayoutStatus    `json:"status" gorm:"type:varchar(16);not null;index"`
	Signature     string          `json:"signature,omitempty" gorm:"type:varchar(128)"`
	Attempts      int             `json:"attempts" gorm:"default:0"`
	LastError     string          `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt     time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (PrizeDistributionRecord) TableName() string { return "prize_distributions" }
