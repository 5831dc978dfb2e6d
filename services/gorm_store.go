// services/gorm_store.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tournament-escrow/models"
)

// GormStore persists tournaments in Postgres. Open the *gorm.DB with
// TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// AutoMigrate creates or updates the settlement tables.
func (s *GormStore) AutoMigrate() error {
	return s.DB.AutoMigrate(
		&models.TournamentInstance{},
		&models.TournamentEntry{},
		&models.RefundRecord{},
		&models.PrizeDistributionRecord{},
	)
}

func translate(err error, duplicate error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case duplicate != nil && errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", duplicate, err)
	default:
		return err
	}
}

func (s *GormStore) CreateInstance(ctx context.Context, t *models.TournamentInstance) error {
	return translate(s.DB.WithContext(ctx).Create(t).Error, ErrDuplicateInstance)
}

func (s *GormStore) GetInstance(ctx context.Context, id string) (*models.TournamentInstance, error) {
	var t models.TournamentInstance
	if err := s.DB.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err, nil)
	}
	return &t, nil
}

func (s *GormStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]models.TournamentInstance, error) {
	q := s.DB.WithContext(ctx).Model(&models.TournamentInstance{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.VariantKey != "" {
		q = q.Where("variant_key = ?", filter.VariantKey)
	}
	if filter.Unsettled {
		q = q.Where("settled_at IS NULL")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var out []models.TournamentInstance
	if err := q.Order("start_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) InstanceExists(ctx context.Context, variantKey string, scheduledFor time.Time) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.TournamentInstance{}).
		Where("variant_key = ? AND scheduled_for = ?", variantKey, scheduledFor.UTC()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) CountUpcoming(ctx context.Context) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.TournamentInstance{}).
		Where("status IN ?", []models.TournamentStatus{models.StatusScheduled, models.StatusRegistering, models.StatusPendingStart}).
		Count(&count).Error
	return count, err
}

func (s *GormStore) UpdateInstance(ctx context.Context, id string, u InstanceUpdate) error {
	cols := u.columns()
	if len(cols) == 0 {
		return nil
	}
	res := s.DB.WithContext(ctx).Model(&models.TournamentInstance{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: tournament %s", ErrNotFound, id)
	}
	return nil
}

func (s *GormStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.TournamentStatus, u InstanceUpdate) (bool, error) {
	cols := u.columns()
	cols["status"] = to
	res := s.DB.WithContext(ctx).Model(&models.TournamentInstance{}).
		Where("id = ? AND status = ?", id, from).
		Updates(cols)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CreateEntry(ctx context.Context, e *models.TournamentEntry) error {
	return translate(s.DB.WithContext(ctx).Create(e).Error, ErrAlreadyRegistered)
}

func (s *GormStore) GetEntry(ctx context.Context, tournamentID, wallet string) (*models.TournamentEntry, error) {
	var e models.TournamentEntry
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND wallet_address = ?", tournamentID, wallet).
		First(&e).Error
	if err != nil {
		return nil, translate(err, nil)
	}
	return &e, nil
}

func (s *GormStore) ListEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) ([]models.TournamentEntry, error) {
	q := s.DB.WithContext(ctx).Where("tournament_id = ?", tournamentID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []models.TournamentEntry
	if err := q.Order("registered_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) CountEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) (int64, error) {
	q := s.DB.WithContext(ctx).Model(&models.TournamentEntry{}).Where("tournament_id = ?", tournamentID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

func (s *GormStore) UpdateEntry(ctx context.Context, id string, u EntryUpdate) error {
	cols := u.columns()
	if len(cols) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Model(&models.TournamentEntry{}).Where("id = ?", id).Updates(cols).Error
}

func (s *GormStore) EnsureRefund(ctx context.Context, r *models.RefundRecord) (*models.RefundRecord, bool, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entry_id"}}, DoNothing: true}).
		Create(r)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return r, true, nil
	}
	var existing models.RefundRecord
	if err := s.DB.WithContext(ctx).First(&existing, "entry_id = ?", r.EntryID).Error; err != nil {
		return nil, false, translate(err, nil)
	}
	return &existing, false, nil
}

func (s *GormStore) UpdateRefund(ctx context.Context, id string, u SettlementUpdate) error {
	return s.DB.WithContext(ctx).Model(&models.RefundRecord{}).Where("id = ?", id).Updates(settlementColumns(u)).Error
}

func (s *GormStore) ListRefunds(ctx context.Context, tournamentID string, statuses ...models.RefundStatus) ([]models.RefundRecord, error) {
	q := s.DB.WithContext(ctx).Where("tournament_id = ?", tournamentID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []models.RefundRecord
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) EnsurePrizeDistribution(ctx context.Context, p *models.PrizeDistributionRecord) (*models.PrizeDistributionRecord, bool, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "tournament_id"}, {Name: "rank"}}, DoNothing: true}).
		Create(p)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return p, true, nil
	}
	var existing models.PrizeDistributionRecord
	err := s.DB.WithContext(ctx).
		Where("tournament_id = ? AND rank = ?", p.TournamentID, p.Rank).
		First(&existing).Error
	if err != nil {
		return nil, false, translate(err, nil)
	}
	return &existing, false, nil
}

func (s *GormStore) UpdatePrizeDistribution(ctx context.Context, id string, u SettlementUpdate) error {
	return s.DB.WithContext(ctx).Model(&models.PrizeDistributionRecord{}).Where("id = ?", id).Updates(settlementColumns(u)).Error
}

func (s *GormStore) ListPrizeDistributions(ctx context.Context, tournamentID string, statuses ...models.PayoutStatus) ([]models.PrizeDistributionRecord, error) {
	q := s.DB.WithContext(ctx).Where("tournament_id = ?", tournamentID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []models.PrizeDistributionRecord
	if err := q.Order("rank ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func settlementColumns(u SettlementUpdate) map[string]interface{} {
	cols := map[string]interface{}{}
	if u.Status != "" {
		cols["status"] = u.Status
	}
	if u.Signature != "" {
		cols["signature"] = u.Signature
	}
	if u.Status != "" || u.LastError != "" {
		cols["last_error"] = u.LastError
	}
	if u.Attempted {
		cols["attempts"] = gorm.Expr("attempts + 1")
	}
	return cols
}
