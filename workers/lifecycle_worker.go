package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"tournament-escrow/models"
	"tournament-escrow/services"
)

// Lifecycle is the part of the controller the sweep drives.
type Lifecycle interface {
	Advance(ctx context.Context, id string, now time.Time) ([]services.TransitionResult, error)
	RetrySettlements(ctx context.Context, id string) (services.BatchReport, error)
}

// InstanceLister lists tournaments for a sweep.
type InstanceLister interface {
	ListInstances(ctx context.Context, filter services.InstanceFilter) ([]models.TournamentInstance, error)
}

// SweepReport summarizes one lifecycle sweep.
type SweepReport struct {
	Advanced    int                  `json:"advanced"`
	Transitions int                  `json:"transitions"`
	Errors      int                  `json:"errors"`
	Settlements services.BatchReport `json:"settlements"`
}

// LifecycleWorker moves due tournaments through their states and re-drives
// owed refunds and payouts.
type LifecycleWorker struct {
	store       InstanceLister
	lifecycle   Lifecycle
	concurrency int
	now         func() time.Time
}

func NewLifecycleWorker(store InstanceLister, lifecycle Lifecycle, concurrency int, now func() time.Time) *LifecycleWorker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if now == nil {
		now = time.Now
	}
	return &LifecycleWorker{store: store, lifecycle: lifecycle, concurrency: concurrency, now: now}
}

// owingStatuses may still have refunds or payouts outstanding.
var owingStatuses = []models.TournamentStatus{
	models.StatusCancelled,
	models.StatusEnded,
	models.StatusComplete,
}

// Sweep runs one pass. Tournaments are independent: one failing does not stop
// the others.
func (w *LifecycleWorker) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		mu     sync.Mutex
		report SweepReport
	)
	now := w.now().UTC()

	open, err := w.store.ListInstances(ctx, services.InstanceFilter{Statuses: models.NonTerminalStatuses})
	if err != nil {
		log.Printf("❌ [SWEEP] list open tournaments: %v", err)
		return report, err
	}

	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for _, t := range open {
		id := t.ID
		g.Go(func() error {
			applied, err := w.lifecycle.Advance(ctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			if len(applied) > 0 {
				report.Advanced++
				report.Transitions += len(applied)
			}
			if err != nil {
				report.Errors++
				log.Printf("⚠️ [SWEEP] advance %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	owing, err := w.store.ListInstances(ctx, services.InstanceFilter{Statuses: owingStatuses, Unsettled: true})
	if err != nil {
		log.Printf("❌ [SWEEP] list unsettled tournaments: %v", err)
		return report, err
	}

	g = new(errgroup.Group)
	g.SetLimit(w.concurrency)
	for _, t := range owing {
		id := t.ID
		g.Go(func() error {
			batch, err := w.lifecycle.RetrySettlements(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Settlements.Add(batch)
			if err != nil {
				report.Errors++
				log.Printf("⚠️ [SWEEP] settle %s: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.Transitions > 0 || report.Errors > 0 || report.Settlements.Succeeded > 0 || report.Settlements.Failed > 0 {
		log.Printf("📊 [SWEEP] open=%d transitions=%d unsettled=%d settled=%d owed=%d errors=%d",
			len(open), report.Transitions, len(owing), report.Settlements.Succeeded, report.Settlements.Failed, report.Errors)
	}
	return report, nil
}

// Start runs Sweep every interval until ctx is cancelled.
func (w *LifecycleWorker) Start(ctx context.Context, interval time.Duration) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			_, _ = w.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	sched.Start()
	log.Printf("🔄 [SWEEP] lifecycle sweep every %s", interval)

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Printf("⚠️ [SWEEP] scheduler shutdown: %v", err)
		}
	}()
	return nil
}
