// services/memory_store.go
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tournament-escrow/models"
)

// MemoryStore is an in-process Store for local runs and tests. It enforces the
// same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu       sync.Mutex
	seq      int64
	insts    map[string]*models.TournamentInstance
	entries  map[string]*models.TournamentEntry
	refunds  map[string]*models.RefundRecord
	payouts  map[string]*models.PrizeDistributionRecord
	inserted map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		insts:    make(map[string]*models.TournamentInstance),
		entries:  make(map[string]*models.TournamentEntry),
		refunds:  make(map[string]*models.RefundRecord),
		payouts:  make(map[string]*models.PrizeDistributionRecord),
		inserted: make(map[string]int64),
	}
}

func (s *MemoryStore) stamp(id string) {
	s.seq++
	s.inserted[id] = s.seq
}

func (s *MemoryStore) CreateInstance(_ context.Context, t *models.TournamentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.insts[t.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrDuplicateInstance, t.ID)
	}
	for _, existing := range s.insts {
		if existing.VariantKey == t.VariantKey && existing.ScheduledFor.Equal(t.ScheduledFor) {
			return fmt.Errorf("%w: %s at %s", ErrDuplicateInstance, t.VariantKey, t.ScheduledFor)
		}
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	s.insts[t.ID] = &cp
	s.stamp(t.ID)
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*models.TournamentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.insts[id]
	if !ok {
		return nil, fmt.Errorf("%w: tournament %s", ErrNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]models.TournamentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TournamentInstance, 0, len(s.insts))
	for _, t := range s.insts {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, t.Status) {
			continue
		}
		if filter.VariantKey != "" && t.VariantKey != filter.VariantKey {
			continue
		}
		if filter.Unsettled && t.SettledAt != nil {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartAt.Before(out[j].StartAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []models.TournamentStatus, s models.TournamentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) InstanceExists(_ context.Context, variantKey string, scheduledFor time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.insts {
		if t.VariantKey == variantKey && t.ScheduledFor.Equal(scheduledFor) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountUpcoming(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.insts {
		switch t.Status {
		case models.StatusScheduled, models.StatusRegistering, models.StatusPendingStart:
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, id string, u InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.insts[id]
	if !ok {
		return fmt.Errorf("%w: tournament %s", ErrNotFound, id)
	}
	u.apply(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompareAndSwapStatus(_ context.Context, id string, from, to models.TournamentStatus, u InstanceUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.insts[id]
	if !ok || t.Status != from {
		return false, nil
	}
	u.apply(t)
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CreateEntry(_ context.Context, e *models.TournamentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.TournamentID == e.TournamentID && existing.WalletAddress == e.WalletAddress {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.WalletAddress)
		}
	}
	now := time.Now().UTC()
	e.RegisteredAt, e.UpdatedAt = now, now
	cp := *e
	s.entries[e.ID] = &cp
	s.stamp(e.ID)
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, tournamentID, wallet string) (*models.TournamentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.TournamentID == tournamentID && e.WalletAddress == wallet {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: entry %s/%s", ErrNotFound, tournamentID, wallet)
}

func (s *MemoryStore) ListEntries(_ context.Context, tournamentID string, statuses ...models.EntryStatus) ([]models.TournamentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TournamentEntry
	for _, e := range s.entries {
		if e.TournamentID != tournamentID || !matchEntryStatus(statuses, e.Status) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return s.inserted[out[i].ID] < s.inserted[out[j].ID] })
	return out, nil
}

func matchEntryStatus(statuses []models.EntryStatus, st models.EntryStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, v := range statuses {
		if v == st {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CountEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) (int64, error) {
	entries, err := s.ListEntries(ctx, tournamentID, statuses...)
	return int64(len(entries)), err
}

func (s *MemoryStore) UpdateEntry(_ context.Context, id string, u EntryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	u.apply(e)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) EnsureRefund(_ context.Context, r *models.RefundRecord) (*models.RefundRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.refunds {
		if existing.EntryID == r.EntryID {
			cp := *existing
			return &cp, false, nil
		}
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	s.refunds[r.ID] = &cp
	s.stamp(r.ID)
	return r, true, nil
}

func (s *MemoryStore) UpdateRefund(_ context.Context, id string, u SettlementUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refunds[id]
	if !ok {
		return fmt.Errorf("%w: refund %s", ErrNotFound, id)
	}
	if u.Status != "" {
		r.Status = models.RefundStatus(u.Status)
		r.LastError = u.LastError
	} else if u.LastError != "" {
		r.LastError = u.LastError
	}
	if u.Signature != "" {
		r.Signature = u.Signature
	}
	if u.Attempted {
		r.Attempts++
	}
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListRefunds(_ context.Context, tournamentID string, statuses ...models.RefundStatus) ([]models.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RefundRecord
	for _, r := range s.refunds {
		if r.TournamentID != tournamentID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				match = match || st == r.Status
			}
			if !match {
				continue
			}
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return s.inserted[out[i].ID] < s.inserted[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) EnsurePrizeDistribution(_ context.Context, p *models.PrizeDistributionRecord) (*models.PrizeDistributionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.payouts {
		if existing.TournamentID == p.TournamentID && existing.Rank == p.Rank {
			cp := *existing
			return &cp, false, nil
		}
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	s.payouts[p.ID] = &cp
	s.stamp(p.ID)
	return p, true, nil
}

func (s *MemoryStore) UpdatePrizeDistribution(_ context.Context, id string, u SettlementUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return fmt.Errorf("%w: prize distribution %s", ErrNotFound, id)
	}
	if u.Status != "" {
		p.Status = models.PayoutStatus(u.Status)
		p.LastError = u.LastError
	} else if u.LastError != "" {
		p.LastError = u.LastError
	}
	if u.Signature != "" {
		p.Signature = u.Signature
	}
	if u.Attempted {
		p.Attempts++
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListPrizeDistributions(_ context.Context, tournamentID string, statuses ...models.PayoutStatus) ([]models.PrizeDistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PrizeDistributionRecord
	for _, p := range s.payouts {
		if p.TournamentID != tournamentID {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				match = match || st == p.Status
			}
			if !match {
				continue
			}
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}
