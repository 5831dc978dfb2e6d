package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"tournament-escrow/config"
	"tournament-escrow/models"
	"tournament-escrow/safety"
	"tournament-escrow/services"
)

// Creator is the part of the lifecycle controller the trigger needs.
type Creator interface {
	Create(ctx context.Context, req services.CreateRequest) (*models.TournamentInstance, error)
}

// SlotStore answers the duplicate and capacity questions for a run.
type SlotStore interface {
	InstanceExists(ctx context.Context, variantKey string, scheduledFor time.Time) (bool, error)
	CountUpcoming(ctx context.Context) (int64, error)
}

// RunReport summarizes one deployment pass.
type RunReport struct {
	Created     int  `json:"created"`
	Existing    int  `json:"existing"`
	CheckFailed int  `json:"check_failed"`
	Rejected    int  `json:"rejected"`
	CapReached  bool `json:"cap_reached"`
}

// DeploymentTrigger creates upcoming tournament instances from the weekly
// schedule.
type DeploymentTrigger struct {
	schedule *config.Schedule
	store    SlotStore
	creator  Creator
	breaker  *safety.CircuitBreaker
	now      func() time.Time
}

func NewDeploymentTrigger(schedule *config.Schedule, store SlotStore, creator Creator, reg *safety.Registry, now func() time.Time) *DeploymentTrigger {
	if now == nil {
		now = time.Now
	}
	return &DeploymentTrigger{
		schedule: schedule,
		store:    store,
		creator:  creator,
		breaker:  reg.Breaker(safety.DepOrchestration),
		now:      now,
	}
}

// Run performs one pass. A failed existence check never falls through to
// creation; the pass reports an error so the orchestration breaker sees it.
func (d *DeploymentTrigger) Run(ctx context.Context) (RunReport, error) {
	var report RunReport
	err := d.breaker.Execute(func() error {
		var err error
		report, err = d.run(ctx)
		return err
	})
	if err != nil {
		log.Printf("❌ [DEPLOY] run failed: %v", err)
	}
	return report, err
}

func (d *DeploymentTrigger) run(ctx context.Context) (RunReport, error) {
	var report RunReport
	now := d.now().UTC()

	upcoming, err := d.store.CountUpcoming(ctx)
	if err != nil {
		return report, fmt.Errorf("count upcoming: %w", err)
	}

	var checkErr error
	for _, slot := range d.schedule.Slots(now, now.Add(d.schedule.Lookahead)) {
		opens, closes := d.schedule.Window(slot)
		if !closes.After(now) {
			continue
		}
		for _, v := range d.schedule.Variants {
			if upcoming >= int64(d.schedule.MaxUpcoming) {
				report.CapReached = true
				log.Printf("⏸️ [DEPLOY] %d upcoming instances, cap %d reached", upcoming, d.schedule.MaxUpcoming)
				return report, checkErr
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}

			exists, err := d.store.InstanceExists(ctx, v.Key, slot)
			if err != nil {
				report.CheckFailed++
				checkErr = fmt.Errorf("existence check %s@%s: %w", v.Key, slot.Format(time.RFC3339), err)
				log.Printf("⚠️ [DEPLOY] %v, skipping", checkErr)
				continue
			}
			if exists {
				report.Existing++
				continue
			}

			t, err := d.creator.Create(ctx, requestFor(v, slot, opens, closes))
			switch {
			case err == nil:
				report.Created++
				upcoming++
				log.Printf("✅ [DEPLOY] deployed %s for %s", t.Name, slot.Format(time.RFC3339))
			case errors.Is(err, services.ErrDuplicateInstance):
				report.Existing++
			case services.IsRetryable(err):
				report.CheckFailed++
				checkErr = fmt.Errorf("create %s@%s: %w", v.Key, slot.Format(time.RFC3339), err)
				log.Printf("⚠️ [DEPLOY] %v", checkErr)
			default:
				report.Rejected++
				log.Printf("❌ [DEPLOY] variant %s rejected: %v", v.Key, err)
			}
		}
	}

	log.Printf("📊 [DEPLOY] created=%d existing=%d check_failed=%d rejected=%d",
		report.Created, report.Existing, report.CheckFailed, report.Rejected)
	return report, checkErr
}

func requestFor(v config.Variant, slot, opens, closes time.Time) services.CreateRequest {
	name := ""
	if v.Name != "" {
		name = fmt.Sprintf("%s %s", v.Name, slot.Format("Jan 2"))
	}
	return services.CreateRequest{
		VariantKey:            v.Key,
		Name:                  name,
		TradingStyle:          v.TradingStyle,
		IsMega:                v.Mega,
		EntryFee:              v.EntryFee,
		MinParticipants:       v.MinParticipants,
		MaxParticipants:       v.MaxParticipants,
		PrizePoolPercentage:   v.PrizePoolPercentage,
		PlatformFeePercentage: v.PlatformFeePercentage,
		DurationMinutes:       v.DurationMinutes,
		ScheduledFor:          slot,
		RegistrationOpensAt:   opens,
		RegistrationClosesAt:  closes,
		StartAt:               slot,
	}
}

// Start schedules Run every interval until ctx is cancelled.
func (d *DeploymentTrigger) Start(ctx context.Context, interval time.Duration) error {
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			_, _ = d.Run(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}
	sched.Start()
	log.Printf("🗓️ [DEPLOY] trigger running every %s", interval)

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Printf("⚠️ [DEPLOY] scheduler shutdown: %v", err)
		}
	}()
	return nil
}
