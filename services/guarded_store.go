// services/guarded_store.go
package services

import (
	"context"
	"time"

	"tournament-escrow/models"
	"tournament-escrow/safety"
)

// GuardedStore runs every call of an inner Store through the persistence
// circuit breaker. Domain outcomes (not found, duplicates) pass through
// without counting as failures.
type GuardedStore struct {
	inner   Store
	breaker *safety.CircuitBreaker
}

func NewGuardedStore(inner Store, reg *safety.Registry) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: reg.Breaker(safety.DepPersistence)}
}

// guard executes fn inside the breaker; only retryable errors are reported to it.
func guard(b *safety.CircuitBreaker, fn func() error) error {
	var passthrough error
	err := b.Execute(func() error {
		err := fn()
		if err != nil && !IsRetryable(err) {
			passthrough = err
			return nil
		}
		return err
	})
	if passthrough != nil {
		return passthrough
	}
	return err
}

func (s *GuardedStore) CreateInstance(ctx context.Context, t *models.TournamentInstance) error {
	return guard(s.breaker, func() error { return s.inner.CreateInstance(ctx, t) })
}

func (s *GuardedStore) GetInstance(ctx context.Context, id string) (out *models.TournamentInstance, err error) {
	err = guard(s.breaker, func() error {
		out, err = s.inner.GetInstance(ctx, id)
		return err
	})
	return out, err
}

func (s *GuardedStore) ListInstances(ctx context.Context, filter InstanceFilter) (out []models.TournamentInstance, err error) {
	err = guard(s.breaker, func() error {
		out, err = s.inner.ListInstances(ctx, filter)
		return err
	})
	return out, err
}

func (s *GuardedStore) InstanceExists(ctx context.Context, variantKey string, scheduledFor time.Time) (ok bool, err error) {
	err = guard(s.breaker, func() error {
		ok, err = s.inner.InstanceExists(ctx, variantKey, scheduledFor)
		return err
	})
	return ok, err
}

func (s *GuardedStore) CountUpcoming(ctx context.Context) (n int64, err error) {
	err = guard(s.breaker, func() error {
		n, err = s.inner.CountUpcoming(ctx)
		return err
	})
	return n, err
}

func (s *GuardedStore) UpdateInstance(ctx context.Context, id string, u InstanceUpdate) error {
	return guard(s.breaker, func() error { return s.inner.UpdateInstance(ctx, id, u) })
}

func (s *GuardedStore) CompareAndSwapStatus(ctx context.Context, id string, from, to models.TournamentStatus, u InstanceUpdate) (ok bool, err error) {
	err = guard(s.breaker, func() error {
		ok, err = s.inner.CompareAndSwapStatus(ctx, id, from, to, u)
		return err
	})
	return ok, err
}

func (s *GuardedStore) CreateEntry(ctx context.Context, e *models.TournamentEntry) error {
	return guard(s.breaker, func() error { return s.inner.CreateEntry(ctx, e) })
}

func (s *GuardedStore) GetEntry(ctx context.Context, tournamentID, wallet string) (out *models.TournamentEntry, err error) {
	err = guard(s.breaker, func() error {
		out, err = s.inner.GetEntry(ctx, tournamentID, wallet)
		return err
	})
	return out, err
}

func (s *GuardedStore) ListEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) (out []models.TournamentEntry, err error) {
	err = guard(s.breaker, func() error {
		out, err = s.inner.ListEntries(ctx, tournamentID, statuses...)
		return err
	})
	return out, err
}

func (s *GuardedStore) CountEntries(ctx context.Context, tournamentID string, statuses ...models.EntryStatus) (n int64, err error) {
	err = guard(s.breaker, func() error {
		n, err = s.inner.CountEntries(ctx, tournamentID, statuses...)
		return err
	})
	return n, err
}

func (s *GuardedStore) UpdateEntry(ctx context.Context, id string, u EntryUpdate) error {
	return guard(s.breaker, func() error { return s.inner.UpdateEntry(ctx, id, u) })
}

func (s *GuardedStore) EnsureRefund(ctx context.Context, r *models.RefundRecord) (rec *models.RefundRecord, created bool, err error) {
	err = guard(s.breaker, func() error {
		rec, created, err = s.inner.EnsureRefund(ctx, r)
		return err
	})
	return rec, created, err
}

func (s *GuardedStore) UpdateRefund(ctx context.Context, id string, u SettlementUpdate) error {
	return guard(s.breaker, func() error { return s.inner.UpdateRefund(ctx, id, u) })
}

func (s *GuardedStore) ListRefunds(ctx context.Context, tournamentID string, statuses ...models.RefundStatus) (out []models.RefundRecord, err error) {
	err = guard(s.breaker, func() error {
		out, err = s.inner.ListRefunds(ctx, tournamentID, statuses...)
		return err
	})
	return out, err
}

func (s *GuardedStore) EnsurePrizeDistribution(ctx context.Context, p *models.PrizeDistributionRecord) (rec *models.PrizeDistributionRecord, created bool, err error) {
	err = guard(s.breaker, func() error {
		rec, created, err = s.inner.EnsurePrizeDistribution(ctx, p)
		return err
	})
	return rec, created, err
}

func (s *GuardedStore) UpdatePrizeDistribution(ctx context.Context, id string, u SettlementUpdate) error {
	return guard(s.breaker, func() error { return s.inner.UpdatePrizeDistribution(ctx, id, u) })
}

func (s *GuardedStore) ListPrizeDistributions(ctx context.Context, tournamentID string, statuses ...models.PayoutStatus) (out []models.PrizeDistributionRecord, err error) {
	err = guard(s.breaker, func() error {
		out, err = s.inner.ListPrizeDistributions(ctx, tournamentID, statuses...)
		return err
	})
	return out, err
}
