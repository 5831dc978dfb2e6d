package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryStatus string

const (
	EntryRegistered EntryStatus = "registered"
	EntryRefunded   EntryStatus = "refunded"
	EntryFinalized  EntryStatus = "finalized"
)

// TournamentEntry links a wallet to a tournament instance. One per (wallet, tournament).
type TournamentEntry struct {
	ID                    string           `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TournamentID          string           `json:"tournament_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_entry_wallet;index"`
	WalletAddress         string           `json:"wallet_address" gorm:"type:varchar(64);not null;uniqueIndex:idx_entry_wallet"`
	EntryFeePaid          decimal.Decimal  `json:"entry_fee_paid" gorm:"type:numeric(20,9);not null"`
	Status                EntryStatus      `json:"status" gorm:"type:varchar(16);not null;index"`
	FinalRank             *int             `json:"final_rank,omitempty"`
	PrizeWon              *decimal.Decimal `json:"prize_won,omitempty" gorm:"type:numeric(20,9)"`
	RegistrationSignature string           `json:"registration_signature,omitempty" gorm:"type:varchar(128)"`
	RegisteredAt          time.Time        `json:"registered_at" gorm:"autoCreateTime"`
	UpdatedAt             time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}

func (TournamentEntry) TableName() string { return "tournament_entries" }
