package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tournament-escrow/config"
	"tournament-escrow/models"
	"tournament-escrow/safety"
	"tournament-escrow/services"
)

const triggerSchedule = `
weekdays: [mon, fri]
time_of_day: "18:00"
registration_window: 24h
start_delay: 15m
lookahead: 168h
max_upcoming: 10
variants:
  - key: scalp-sprint
    name: Scalp Sprint
    entry_fee: 0.05
    min_participants: 10
    max_participants: 100
    duration_minutes: 60
    prize_pool_percentage: 85
    platform_fee_percentage: 10
  - key: swing-classic
    entry_fee: 0.25
    min_participants: 10
    max_participants: 250
    duration_minutes: 1440
    prize_pool_percentage: 85
    platform_fee_percentage: 10
`

type slotKey struct {
	variant string
	at      time.Time
}

type fakeSlots struct {
	mu        sync.Mutex
	existing  map[slotKey]bool
	checkErr  map[string]error
	countErr  error
	upcoming  int64
	checks    int
	countRuns int
}

func newFakeSlots() *fakeSlots {
	return &fakeSlots{existing: map[slotKey]bool{}, checkErr: map[string]error{}}
}

func (f *fakeSlots) InstanceExists(_ context.Context, variantKey string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if err := f.checkErr[variantKey]; err != nil {
		return false, err
	}
	return f.existing[slotKey{variantKey, at}], nil
}

func (f *fakeSlots) CountUpcoming(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countRuns++
	return f.upcoming, f.countErr
}

type fakeCreator struct {
	slots    *fakeSlots
	created  []services.CreateRequest
	rejectOn string
}

func (c *fakeCreator) Create(_ context.Context, req services.CreateRequest) (*models.TournamentInstance, error) {
	if req.VariantKey == c.rejectOn {
		return nil, services.ErrInvalidPlayerCap
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c.created = append(c.created, req)
	c.slots.existing[slotKey{req.VariantKey, req.ScheduledFor}] = true
	return &models.TournamentInstance{ID: "t", Name: req.Name, VariantKey: req.VariantKey}, nil
}

// Saturday morning; the next week holds Monday and Friday slots.
var triggerNow = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newTrigger(t *testing.T, slots *fakeSlots, creator *fakeCreator, reg *safety.Registry) *DeploymentTrigger {
	t.Helper()
	sched, err := config.ParseSchedule([]byte(triggerSchedule))
	require.NoError(t, err)
	if reg == nil {
		reg = safety.NewRegistry()
	}
	return NewDeploymentTrigger(sched, slots, creator, reg, func() time.Time { return triggerNow })
}

func TestDeploymentTriggerCreatesEverySlotAndVariant(t *testing.T) {
	slots := newFakeSlots()
	creator := &fakeCreator{slots: slots}
	trigger := newTrigger(t, slots, creator, nil)

	report, err := trigger.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Created)
	require.Len(t, creator.created, 4)

	first := creator.created[0]
	assert.Equal(t, "scalp-sprint", first.VariantKey)
	assert.Equal(t, "Scalp Sprint Oct 19", first.Name)
	assert.Equal(t, time.Date(2026, 10, 19, 18, 0, 0, 0, time.UTC), first.StartAt)
	assert.Equal(t, time.Date(2026, 10, 19, 17, 45, 0, 0, time.UTC), first.RegistrationClosesAt)
	assert.Equal(t, time.Date(2026, 10, 18, 17, 45, 0, 0, time.UTC), first.RegistrationOpensAt)
	assert.Empty(t, creator.created[1].Name)

	// A second pass finds everything in place.
	report, err = trigger.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 4, report.Existing)
}

func TestDeploymentTriggerNeverCreatesWhenExistenceCheckFails(t *testing.T) {
	slots := newFakeSlots()
	slots.checkErr["swing-classic"] = services.ErrUnavailable
	creator := &fakeCreator{slots: slots}
	trigger := newTrigger(t, slots, creator, nil)

	report, err := trigger.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrUnavailable)
	assert.Equal(t, 2, report.CheckFailed)
	assert.Equal(t, 2, report.Created)
	for _, req := range creator.created {
		assert.Equal(t, "scalp-sprint", req.VariantKey)
	}
}

func TestDeploymentTriggerStopsAtUpcomingCap(t *testing.T) {
	slots := newFakeSlots()
	slots.upcoming = 9
	creator := &fakeCreator{slots: slots}
	trigger := newTrigger(t, slots, creator, nil)

	report, err := trigger.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.CapReached)
	assert.Equal(t, 1, report.Created)
}

func TestDeploymentTriggerCountsRejectedVariants(t *testing.T) {
	slots := newFakeSlots()
	creator := &fakeCreator{slots: slots, rejectOn: "swing-classic"}
	trigger := newTrigger(t, slots, creator, nil)

	report, err := trigger.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, report.Rejected)
}

func TestDeploymentTriggerSkipsSlotsPastRegistration(t *testing.T) {
	slots := newFakeSlots()
	creator := &fakeCreator{slots: slots}
	trigger := newTrigger(t, slots, creator, nil)
	// Monday 17:50: the Monday slot has closed registration.
	trigger.now = func() time.Time { return time.Date(2026, 10, 19, 17, 50, 0, 0, time.UTC) }

	report, err := trigger.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	for _, req := range creator.created {
		assert.Equal(t, time.Date(2026, 10, 23, 18, 0, 0, 0, time.UTC), req.ScheduledFor)
	}
}

func TestDeploymentTriggerRunsInsideOrchestrationBreaker(t *testing.T) {
	slots := newFakeSlots()
	slots.countErr = errors.New("connection refused")
	creator := &fakeCreator{slots: slots}
	reg := safety.NewRegistry(safety.WithBreakerConfig(safety.DepOrchestration, safety.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}))
	trigger := newTrigger(t, slots, creator, reg)

	for i := 0; i < 2; i++ {
		_, err := trigger.Run(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, safety.ModeOpen, reg.Breaker(safety.DepOrchestration).State().Mode)

	_, err := trigger.Run(context.Background())
	assert.True(t, safety.IsCircuitOpen(err))
	assert.Equal(t, 2, slots.countRuns)
	assert.Empty(t, creator.created)
}
