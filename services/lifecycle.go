// services/lifecycle.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/gosimple/unidecode"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tournament-escrow/models"
)

const reasonInsufficientParticipants = "insufficient participants"

// CreateRequest describes one tournament instance to deploy.
type CreateRequest struct {
	VariantKey            string          `json:"variant_key"`
	Name                  string          `json:"name"`
	TradingStyle          string          `json:"trading_style"`
	IsMega                bool            `json:"is_mega"`
	EntryFee              decimal.Decimal `json:"entry_fee"`
	MinParticipants       int             `json:"min_participants"`
	MaxParticipants       int             `json:"max_participants"`
	PrizePoolPercentage   int             `json:"prize_pool_percentage"`
	PlatformFeePercentage int             `json:"platform_fee_percentage"`
	DurationMinutes       int             `json:"duration_minutes"`
	ScheduledFor          time.Time       `json:"scheduled_for"`
	RegistrationOpensAt   time.Time       `json:"registration_opens_at"`
	RegistrationClosesAt  time.Time       `json:"registration_closes_at"`
	StartAt               time.Time       `json:"start_at"`
}

func (r CreateRequest) endAt() time.Time {
	return r.StartAt.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// Validate rejects bad parameters before any external call.
func (r CreateRequest) Validate() error {
	if strings.TrimSpace(r.VariantKey) == "" {
		return fmt.Errorf("%w: variant key required", ErrInvalidRequest)
	}
	if r.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidTimeRange)
	}
	err := InitParams{
		EntryFee:              r.EntryFee,
		MaxPlayers:            r.MaxParticipants,
		PlatformFeePercentage: r.PlatformFeePercentage,
		StartTime:             r.StartAt,
		EndTime:               r.endAt(),
	}.Validate()
	if err != nil {
		return err
	}
	if r.MinParticipants < 1 || r.MinParticipants > r.MaxParticipants {
		return fmt.Errorf("%w: min participants must be in 1..%d", ErrInvalidRequest, r.MaxParticipants)
	}
	if r.PrizePoolPercentage <= 0 || r.PrizePoolPercentage > 100 {
		return fmt.Errorf("%w: prize pool percentage must be in (0, 100]", ErrInvalidRequest)
	}
	if r.RegistrationClosesAt.Before(r.RegistrationOpensAt) || r.StartAt.Before(r.RegistrationClosesAt) {
		return fmt.Errorf("%w: registration window must close before start", ErrInvalidTimeRange)
	}
	return nil
}

// TransitionResult is returned by every lifecycle operation. Applied is false
// when the tournament was already at or past the target status.
type TransitionResult struct {
	Tournament *models.TournamentInstance `json:"tournament"`
	Applied    bool                       `json:"applied"`
	From       models.TournamentStatus    `json:"from"`
	To         models.TournamentStatus    `json:"to"`
}

// ReportArchiver stores settlement reports. Implemented by utils.R2Archiver.
type ReportArchiver interface {
	Archive(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

type ControllerDeps struct {
	Store    Store
	Escrow   *EscrowClient
	Scoring  ScoringClient
	Refunds  *RefundProcessor
	Events   EventPublisher
	Archiver ReportArchiver
	Metrics  *Metrics
	Now      func() time.Time
}

// Controller owns the tournament state machine. It is the only writer of
// TournamentInstance.Status.
type Controller struct {
	store    Store
	escrow   *EscrowClient
	scoring  ScoringClient
	refunds  *RefundProcessor
	prizes   PrizeCalculator
	events   EventPublisher
	archiver ReportArchiver
	metrics  *Metrics
	now      func() time.Time
	locks    keyedMutex
}

func NewController(d ControllerDeps) *Controller {
	if d.Scoring == nil {
		d.Scoring = NoopScoringClient{}
	}
	if d.Events == nil {
		d.Events = NoopPublisher{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Refunds == nil {
		d.Refunds = NewRefundProcessor(d.Store, d.Escrow, d.Metrics, 0)
	}
	return &Controller{
		store:    d.Store,
		escrow:   d.Escrow,
		scoring:  d.Scoring,
		refunds:  d.Refunds,
		events:   d.Events,
		archiver: d.Archiver,
		metrics:  d.Metrics,
		now:      func() time.Time { return d.Now().UTC() },
	}
}

// Create persists a scheduled instance and attempts escrow initialization.
// An init failure is logged; OpenRegistration retries it.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*models.TournamentInstance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = instanceName(req.VariantKey, req.ScheduledFor)
	}
	t := &models.TournamentInstance{
		ID:                    id,
		Name:                  name,
		Slug:                  slug.Make(name + " " + id[:8]),
		VariantKey:            req.VariantKey,
		TradingStyle:          req.TradingStyle,
		IsMega:                req.IsMega,
		EntryFee:              req.EntryFee,
		MaxParticipants:       req.MaxParticipants,
		MinParticipants:       req.MinParticipants,
		PrizePoolPercentage:   req.PrizePoolPercentage,
		PlatformFeePercentage: req.PlatformFeePercentage,
		DurationMinutes:       req.DurationMinutes,
		ScheduledFor:          req.ScheduledFor.UTC(),
		RegistrationOpensAt:   req.RegistrationOpensAt.UTC(),
		RegistrationClosesAt:  req.RegistrationClosesAt.UTC(),
		StartAt:               req.StartAt.UTC(),
		EndAt:                 req.endAt().UTC(),
		Status:                models.StatusScheduled,
		TotalPrizePool:        decimal.Zero,
	}
	if err := c.store.CreateInstance(ctx, t); err != nil {
		return nil, err
	}
	log.Printf("🆕 [LIFECYCLE] created %s (%s) for %s", t.ID, t.Name, t.ScheduledFor.Format(time.RFC3339))

	if err := c.ensureEscrow(ctx, t); err != nil {
		log.Printf("⚠️ [LIFECYCLE] escrow init for %s deferred: %v", t.ID, err)
	}
	publish(ctx, c.events, LifecycleEvent{Type: "tournament.created", TournamentID: t.ID, To: string(t.Status), At: c.now()})
	return t, nil
}

func instanceName(variantKey string, at time.Time) string {
	base := strings.NewReplacer("-", " ", "_", " ").Replace(unidecode.Unidecode(variantKey))
	return fmt.Sprintf("%s %s", cases.Title(language.English).String(base), at.UTC().Format("Jan 2 15:04"))
}

// ensureEscrow initializes the on-chain accounts once. Addresses are derived
// from the id, so a repeated call lands on the same accounts.
func (c *Controller) ensureEscrow(ctx context.Context, t *models.TournamentInstance) error {
	if t.EscrowReady() {
		return nil
	}
	res, err := c.escrow.InitializeTournament(ctx, InitParams{
		TournamentID:          t.ID,
		EntryFee:              t.EntryFee,
		MaxPlayers:            t.MaxParticipants,
		PlatformFeePercentage: t.PlatformFeePercentage,
		StartTime:             t.StartAt,
		EndTime:               t.EndAt,
	})
	if err != nil {
		return err
	}
	upd := InstanceUpdate{
		TournamentAddress: strPtr(res.TournamentAddress),
		EscrowAddress:     strPtr(res.EscrowAddress),
	}
	if res.Signature != "" {
		upd.InitSignature = strPtr(res.Signature)
	}
	if err := c.store.UpdateInstance(ctx, t.ID, upd); err != nil {
		return err
	}
	upd.apply(t)
	return nil
}

// check decides whether from→to applies to t. A nil result with nil error
// means the caller should proceed.
func (c *Controller) check(t *models.TournamentInstance, from, to models.TournamentStatus) (*TransitionResult, error) {
	cur := t.Status
	if cur == to || cur.Terminal() || cur.After(from) {
		c.metrics.transition(string(to), "noop")
		return &TransitionResult{Tournament: t, From: cur, To: cur}, nil
	}
	if cur != from {
		c.metrics.transition(string(to), "rejected")
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrTransitionNotAllowed, t.ID, cur, from)
	}
	return nil, nil
}

// commit swaps the persisted status. Losing the swap is a no-op.
func (c *Controller) commit(ctx context.Context, t *models.TournamentInstance, to models.TournamentStatus, upd InstanceUpdate) (*TransitionResult, error) {
	from := t.Status
	ok, err := c.store.CompareAndSwapStatus(ctx, t.ID, from, to, upd)
	if err != nil {
		c.metrics.transition(string(to), "error")
		return nil, err
	}
	if !ok {
		current, err := c.store.GetInstance(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		log.Printf("⏭️ [LIFECYCLE] %s: lost status swap %s→%s, now %s", t.ID, from, to, current.Status)
		c.metrics.transition(string(to), "noop")
		return &TransitionResult{Tournament: current, From: current.Status, To: current.Status}, nil
	}
	upd.apply(t)
	t.Status = to
	c.metrics.transition(string(to), "applied")
	log.Printf("➡️ [LIFECYCLE] %s: %s → %s", t.ID, from, to)
	publish(ctx, c.events, LifecycleEvent{
		Type:         "tournament." + string(to),
		TournamentID: t.ID,
		From:         string(from),
		To:           string(to),
		Detail:       t.CancelReason,
		At:           c.now(),
	})
	return &TransitionResult{Tournament: t, Applied: true, From: from, To: to}, nil
}

// OpenRegistration moves scheduled → registering once escrow is initialized.
func (c *Controller) OpenRegistration(ctx context.Context, id string) (*TransitionResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := c.check(t, models.StatusScheduled, models.StatusRegistering); res != nil || err != nil {
		return res, err
	}
	if err := c.ensureEscrow(ctx, t); err != nil {
		return nil, fmt.Errorf("open registration %s: %w", id, err)
	}
	return c.commit(ctx, t, models.StatusRegistering, InstanceUpdate{})
}

// Register pays the entry fee into escrow and records the entry.
func (c *Controller) Register(ctx context.Context, id, wallet, credential string) (*models.TournamentEntry, error) {
	if raw, err := base58.Decode(wallet); err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: malformed wallet address", ErrInvalidRequest)
	}
	if credential == "" {
		return nil, fmt.Errorf("%w: wallet credential required", ErrInvalidRequest)
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusRegistering {
		return nil, fmt.Errorf("%w: %s is %s", ErrTournamentNotActive, id, t.Status)
	}

	existing, err := c.store.GetEntry(ctx, id, wallet)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, existing.WalletAddress)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	count, err := c.store.CountEntries(ctx, id, models.EntryRegistered)
	if err != nil {
		return nil, err
	}
	if int(count) >= t.MaxParticipants {
		return nil, ErrTournamentFull
	}
	if err := c.ensureEscrow(ctx, t); err != nil {
		return nil, err
	}

	entry := &models.TournamentEntry{
		ID:            uuid.NewString(),
		TournamentID:  id,
		WalletAddress: wallet,
		EntryFeePaid:  t.EntryFee,
		Status:        models.EntryRegistered,
	}
	res, err := c.escrow.RegisterPlayer(ctx, id, wallet, credential)
	switch {
	case err == nil:
		entry.RegistrationSignature = res.Signature
		if res.EntryFeePaid.IsPositive() {
			entry.EntryFeePaid = res.EntryFeePaid
		}
	case errors.Is(err, ErrAlreadyRegistered):
		// Paid on chain by an earlier attempt whose store write never landed.
		reg, ferr := c.escrow.FetchRegistration(ctx, id, wallet)
		if ferr != nil {
			return nil, err
		}
		log.Printf("🩹 [LIFECYCLE] %s: recovering on-chain registration of %s", id, wallet)
		if reg.EntryFeePaid > 0 {
			entry.EntryFeePaid = FromLamports(reg.EntryFeePaid)
		}
	default:
		return nil, err
	}

	if err := c.store.CreateEntry(ctx, entry); err != nil {
		log.Printf("🚨 [LIFECYCLE] %s: %s registered on chain but entry not stored: %v", id, wallet, err)
		return nil, err
	}
	if err := c.store.UpdateInstance(ctx, id, InstanceUpdate{ParticipantCount: intPtr(int(count) + 1)}); err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: participant count not updated: %v", id, err)
	}
	log.Printf("🎟️ [LIFECYCLE] %s: registered %s (%d/%d)", id, wallet, count+1, t.MaxParticipants)
	return entry, nil
}

// LockRegistration closes registration. Below the minimum the tournament is
// cancelled and every entry refunded; otherwise the prize pool is fixed.
func (c *Controller) LockRegistration(ctx context.Context, id string) (*TransitionResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := c.check(t, models.StatusRegistering, models.StatusPendingStart); res != nil || err != nil {
		return res, err
	}

	count, err := c.store.CountEntries(ctx, id, models.EntryRegistered)
	if err != nil {
		return nil, err
	}
	n := int(count)
	if n < t.MinParticipants {
		log.Printf("🛑 [LIFECYCLE] %s: %d/%d participants, cancelling", id, n, t.MinParticipants)
		return c.cancelLocked(ctx, t, reasonInsufficientParticipants, n)
	}

	pool := TotalPrizePool(n, t.EntryFee, t.PrizePoolPercentage)
	return c.commit(ctx, t, models.StatusPendingStart, InstanceUpdate{
		ParticipantCount: intPtr(n),
		TotalPrizePool:   &pool,
	})
}

// Start moves pending_start → active and requests the baseline snapshot.
func (c *Controller) Start(ctx context.Context, id string) (*TransitionResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := c.check(t, models.StatusPendingStart, models.StatusActive); res != nil || err != nil {
		return res, err
	}
	res, err := c.commit(ctx, t, models.StatusActive, InstanceUpdate{ActualStartAt: timePtr(c.now())})
	if err != nil || !res.Applied {
		return res, err
	}
	if err := c.scoring.Snapshot(ctx, id, SnapshotBaseline); err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: baseline snapshot failed: %v", id, err)
	}
	return res, nil
}

// End moves active → ended. When the final ranking is already available,
// prizes are distributed before the status changes.
func (c *Controller) End(ctx context.Context, id string) (*TransitionResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := c.check(t, models.StatusActive, models.StatusEnded); res != nil || err != nil {
		return res, err
	}

	if err := c.scoring.Snapshot(ctx, id, SnapshotFinal); err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: final snapshot failed: %v", id, err)
	}
	ranking, err := c.scoring.Ranking(ctx, id)
	if err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: ranking unavailable: %v", id, err)
	}
	if len(ranking) > 0 {
		if _, err := c.distributeLocked(ctx, t, ranking); err != nil {
			log.Printf("⚠️ [LIFECYCLE] %s: prize distribution incomplete, sweep will retry: %v", id, err)
		}
	}
	return c.commit(ctx, t, models.StatusEnded, InstanceUpdate{ActualEndAt: timePtr(c.now())})
}

// Complete moves ended → complete. Fee collection and the settlement report
// follow the status write and never fail the transition.
func (c *Controller) Complete(ctx context.Context, id string) (*TransitionResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, err := c.check(t, models.StatusEnded, models.StatusComplete); res != nil || err != nil {
		return res, err
	}
	res, err := c.commit(ctx, t, models.StatusComplete, InstanceUpdate{CompletedAt: timePtr(c.now())})
	if err != nil || !res.Applied {
		return res, err
	}
	if t.SettledAt != nil {
		c.closeOut(ctx, t)
	}
	return res, nil
}

// Cancel is the operator cancellation, allowed from registering and pending_start.
func (c *Controller) Cancel(ctx context.Context, id, reason string) (*TransitionResult, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case models.StatusCancelled:
		return &TransitionResult{Tournament: t, From: t.Status, To: t.Status}, nil
	case models.StatusRegistering, models.StatusPendingStart:
	default:
		return nil, fmt.Errorf("%w: cannot cancel %s from %s", ErrTransitionNotAllowed, id, t.Status)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by operator"
	}
	count, err := c.store.CountEntries(ctx, id, models.EntryRegistered)
	if err != nil {
		return nil, err
	}
	return c.cancelLocked(ctx, t, reason, int(count))
}

func (c *Controller) cancelLocked(ctx context.Context, t *models.TournamentInstance, reason string, participants int) (*TransitionResult, error) {
	res, err := c.commit(ctx, t, models.StatusCancelled, InstanceUpdate{
		CancelReason:     strPtr(reason),
		CancelledAt:      timePtr(c.now()),
		ParticipantCount: intPtr(participants),
	})
	if err != nil || !res.Applied {
		return res, err
	}
	if _, err := c.settleCancelled(ctx, t); err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: refunds incomplete, sweep will retry: %v", t.ID, err)
	}
	return res, nil
}

// settleCancelled cancels on chain (best effort) and refunds every entry.
func (c *Controller) settleCancelled(ctx context.Context, t *models.TournamentInstance) (BatchReport, error) {
	if t.EscrowReady() {
		if _, err := c.escrow.CancelTournament(ctx, t.ID); err != nil {
			log.Printf("⚠️ [LIFECYCLE] %s: on-chain cancel failed: %v", t.ID, err)
		}
	}
	report, err := c.refunds.RefundTournament(ctx, t.ID)
	if err != nil {
		return report, err
	}
	if report.Done() {
		c.markSettled(ctx, t)
	}
	return report, nil
}

// Advance applies every transition that is due at now, in order.
func (c *Controller) Advance(ctx context.Context, id string, now time.Time) ([]TransitionResult, error) {
	var applied []TransitionResult
	for {
		t, err := c.store.GetInstance(ctx, id)
		if err != nil {
			return applied, err
		}

		var step func(context.Context, string) (*TransitionResult, error)
		switch t.Status {
		case models.StatusScheduled:
			if !now.Before(t.RegistrationOpensAt) {
				step = c.OpenRegistration
			}
		case models.StatusRegistering:
			if !now.Before(t.RegistrationClosesAt) {
				step = c.LockRegistration
			}
		case models.StatusPendingStart:
			if !now.Before(t.StartAt) {
				step = c.Start
			}
		case models.StatusActive:
			if !now.Before(t.EndAt) {
				step = c.End
			}
		case models.StatusEnded:
			step = c.Complete
		}
		if step == nil {
			return applied, nil
		}

		res, err := step(ctx, id)
		if err != nil {
			return applied, err
		}
		if !res.Applied {
			return applied, nil
		}
		applied = append(applied, *res)
	}
}

// DistributePrizes finalizes on chain and pays every rank. With a nil ranking
// the scoring service is asked for one.
func (c *Controller) DistributePrizes(ctx context.Context, id string, ranking []RankedEntry) (BatchReport, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return BatchReport{}, err
	}
	switch t.Status {
	case models.StatusEnded, models.StatusComplete:
	default:
		return BatchReport{}, fmt.Errorf("%w: %s is %s", ErrTournamentNotEnded, id, t.Status)
	}
	if ranking == nil {
		if ranking, err = c.scoring.Ranking(ctx, id); err != nil {
			return BatchReport{}, err
		}
	}
	return c.distributeLocked(ctx, t, ranking)
}

// winner pairs a ranked wallet with its entry.
type winner struct {
	entry models.TournamentEntry
	rank  int
}

func (c *Controller) distributeLocked(ctx context.Context, t *models.TournamentInstance, ranking []RankedEntry) (BatchReport, error) {
	var report BatchReport

	records, err := c.planPayouts(ctx, t, ranking)
	if err != nil {
		return report, err
	}
	if len(records) == 0 {
		log.Printf("⏳ [LIFECYCLE] %s: no ranking yet, payouts wait", t.ID)
		report.Failed++
		return report, nil
	}

	deferred := false
	for i := range records {
		rec := &records[i]
		if rec.Status == models.PayoutPaid {
			report.Skipped++
			continue
		}
		if deferred {
			report.Failed++
			continue
		}
		err := c.payRank(ctx, rec)
		switch {
		case err == nil:
			report.Succeeded++
		case deferrable(err):
			log.Printf("⏸️ [LIFECYCLE] %s: settlement unavailable, deferring remaining payouts: %v", t.ID, err)
			deferred = true
			report.Failed++
		default:
			report.Failed++
		}
	}

	log.Printf("🏆 [LIFECYCLE] %s: payouts %d paid, %d already paid, %d owed", t.ID, report.Succeeded, report.Skipped, report.Failed)
	c.metrics.batch("payout", report)
	if report.Done() {
		c.markSettled(ctx, t)
	}
	return report, nil
}

// planPayouts returns one record per paid rank, writing any that are missing.
// Once the tournament is finalized on chain its winner table is authoritative
// and the ranking is ignored; otherwise the ranking is finalized first. Records
// are written only after finalization so the amounts match chain state.
func (c *Controller) planPayouts(ctx context.Context, t *models.TournamentInstance, ranking []RankedEntry) ([]models.PrizeDistributionRecord, error) {
	existing, err := c.store.ListPrizeDistributions(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	view, err := c.escrow.FetchTournament(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.ID, err)
	}

	entries, err := c.store.ListEntries(ctx, t.ID, models.EntryRegistered, models.EntryFinalized)
	if err != nil {
		return nil, err
	}
	byWallet := make(map[string]models.TournamentEntry, len(entries))
	for _, e := range entries {
		byWallet[e.WalletAddress] = e
	}

	var ranked []winner
	var table []int
	if view.Status == chainFinalized {
		table = make([]int, len(view.PrizePercentages))
		for i, p := range view.PrizePercentages {
			table[i] = int(p)
		}
		for i, w := range view.Winners {
			e, ok := byWallet[w]
			if !ok {
				e = models.TournamentEntry{WalletAddress: w}
			}
			ranked = append(ranked, winner{entry: e, rank: i + 1})
		}
		paid := make(map[string]bool, len(view.Winners))
		for _, w := range view.Winners {
			paid[w] = true
		}
		for _, r := range rankEntries(t.ID, ranking, byWallet) {
			if !paid[r.entry.WalletAddress] {
				ranked = append(ranked, winner{entry: r.entry, rank: len(ranked) + 1})
			}
		}
	} else {
		ranked = rankEntries(t.ID, ranking, byWallet)
		if len(ranked) == 0 {
			return nil, nil
		}
		participants := t.ParticipantCount
		if participants < len(ranked) {
			participants = len(ranked)
		}
		table = FitToRanking(c.prizes.Table(participants, t.IsMega), len(ranked))
		wallets := make([]string, len(table))
		for i := range table {
			wallets[i] = ranked[i].entry.WalletAddress
		}
		if _, err := c.escrow.FinalizeTournament(ctx, t.ID, wallets, table); err != nil {
			return nil, fmt.Errorf("finalize %s: %w", t.ID, err)
		}
	}
	shares := c.prizes.Split(t.TotalPrizePool, table)

	byRank := make(map[int]models.PrizeDistributionRecord, len(existing))
	for _, rec := range existing {
		byRank[rec.Rank] = rec
	}
	records := make([]models.PrizeDistributionRecord, 0, len(shares))
	written := 0
	for i, share := range shares {
		if rec, ok := byRank[share.Rank]; ok {
			records = append(records, rec)
			continue
		}
		w := ranked[i]
		rec, _, err := c.store.EnsurePrizeDistribution(ctx, &models.PrizeDistributionRecord{
			ID:            uuid.NewString(),
			TournamentID:  t.ID,
			ChampionID:    w.entry.ID,
			WalletAddress: w.entry.WalletAddress,
			Rank:          share.Rank,
			Percentage:    share.Percentage,
			Amount:        share.Amount,
			Status:        models.PayoutPending,
		})
		if err != nil {
			return nil, fmt.Errorf("record rank %d payout for %s: %w", share.Rank, t.ID, err)
		}
		records = append(records, *rec)
		written++
	}
	if written == 0 {
		return records, nil
	}
	if len(existing) > 0 {
		log.Printf("🩹 [LIFECYCLE] %s: wrote %d missing payout records", t.ID, written)
	}

	finalized := models.EntryFinalized
	for i, w := range ranked {
		if w.entry.ID == "" {
			continue
		}
		upd := EntryUpdate{Status: &finalized, FinalRank: intPtr(w.rank)}
		prize := decimal.Zero
		if i < len(shares) {
			prize = shares[i].Amount
		}
		upd.PrizeWon = &prize
		if err := c.store.UpdateEntry(ctx, w.entry.ID, upd); err != nil {
			log.Printf("⚠️ [LIFECYCLE] %s: entry %s rank not recorded: %v", t.ID, w.entry.ID, err)
		}
	}
	return records, nil
}

// rankEntries orders ranked wallets that hold an entry, assigning dense ranks.
func rankEntries(id string, ranking []RankedEntry, byWallet map[string]models.TournamentEntry) []winner {
	sorted := make([]RankedEntry, len(ranking))
	copy(sorted, ranking)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	var ranked []winner
	seen := make(map[string]bool, len(sorted))
	for _, r := range sorted {
		e, ok := byWallet[r.WalletAddress]
		if !ok || seen[r.WalletAddress] {
			log.Printf("⚠️ [LIFECYCLE] %s: ignoring ranked wallet %s without entry", id, r.WalletAddress)
			continue
		}
		seen[r.WalletAddress] = true
		ranked = append(ranked, winner{entry: e, rank: len(ranked) + 1})
	}
	return ranked
}

func (c *Controller) payRank(ctx context.Context, rec *models.PrizeDistributionRecord) error {
	res, err := c.escrow.DistributePrize(ctx, rec.TournamentID, rec.Rank, rec.WalletAddress, rec.Amount)
	if err != nil {
		if deferrable(err) {
			return err
		}
		log.Printf("❌ [LIFECYCLE] %s: rank %d payout to %s failed: %v", rec.TournamentID, rec.Rank, rec.WalletAddress, err)
		if uerr := c.store.UpdatePrizeDistribution(ctx, rec.ID, SettlementUpdate{
			Status:    string(models.PayoutFailed),
			LastError: err.Error(),
			Attempted: true,
		}); uerr != nil {
			log.Printf("❌ [LIFECYCLE] could not record payout failure %s: %v", rec.ID, uerr)
		}
		return err
	}
	if err := c.store.UpdatePrizeDistribution(ctx, rec.ID, SettlementUpdate{
		Status:    string(models.PayoutPaid),
		Signature: res.Signature,
		Attempted: !res.AlreadySettled,
	}); err != nil {
		log.Printf("🚨 [LIFECYCLE] %s: rank %d paid (%s) but not recorded: %v", rec.TournamentID, rec.Rank, res.Signature, err)
		return err
	}
	return nil
}

// RetrySettlements re-drives owed refunds or payouts of one tournament.
func (c *Controller) RetrySettlements(ctx context.Context, id string) (BatchReport, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return BatchReport{}, err
	}
	if t.SettledAt != nil {
		return BatchReport{}, nil
	}
	switch t.Status {
	case models.StatusCancelled:
		return c.settleCancelled(ctx, t)
	case models.StatusEnded, models.StatusComplete:
		ranking, err := c.scoring.Ranking(ctx, id)
		if err != nil {
			return BatchReport{}, err
		}
		return c.distributeLocked(ctx, t, ranking)
	default:
		return BatchReport{}, nil
	}
}

func (c *Controller) markSettled(ctx context.Context, t *models.TournamentInstance) {
	if t.SettledAt != nil {
		return
	}
	now := c.now()
	if err := c.store.UpdateInstance(ctx, t.ID, InstanceUpdate{SettledAt: &now}); err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: settled but not recorded: %v", t.ID, err)
		return
	}
	t.SettledAt = &now
	log.Printf("✅ [LIFECYCLE] %s: settlement complete", t.ID)
	if t.Status == models.StatusComplete || t.Status == models.StatusCancelled {
		c.closeOut(ctx, t)
	}
}

// closeOut runs once per settled terminal tournament: platform fees, report,
// event. Every step is best effort.
func (c *Controller) closeOut(ctx context.Context, t *models.TournamentInstance) {
	if t.Status == models.StatusComplete {
		if _, err := c.escrow.CollectPlatformFees(ctx, t.ID); err != nil && !errors.Is(err, ErrNoFeesToCollect) {
			log.Printf("⚠️ [LIFECYCLE] %s: platform fee collection failed: %v", t.ID, err)
		}
	}
	c.archiveReport(ctx, t)
	publish(ctx, c.events, LifecycleEvent{Type: "tournament.settled", TournamentID: t.ID, To: string(t.Status), At: c.now()})
}

// SettlementReport is the archived audit record of a settled tournament.
type SettlementReport struct {
	Tournament *models.TournamentInstance       `json:"tournament"`
	Payouts    []models.PrizeDistributionRecord `json:"payouts,omitempty"`
	Refunds    []models.RefundRecord            `json:"refunds,omitempty"`
	Generated  time.Time                        `json:"generated_at"`
}

func (c *Controller) Report(ctx context.Context, id string) (*SettlementReport, error) {
	t, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.buildReport(ctx, t)
}

func (c *Controller) buildReport(ctx context.Context, t *models.TournamentInstance) (*SettlementReport, error) {
	payouts, err := c.store.ListPrizeDistributions(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	refunds, err := c.store.ListRefunds(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &SettlementReport{Tournament: t, Payouts: payouts, Refunds: refunds, Generated: c.now()}, nil
}

func (c *Controller) archiveReport(ctx context.Context, t *models.TournamentInstance) {
	if c.archiver == nil {
		return
	}
	report, err := c.buildReport(ctx, t)
	if err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: settlement report not built: %v", t.ID, err)
		return
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: settlement report not encoded: %v", t.ID, err)
		return
	}
	key, err := c.archiver.Archive(ctx, fmt.Sprintf("%s/%s.json", t.VariantKey, t.ID), body, "application/json")
	if err != nil {
		log.Printf("⚠️ [LIFECYCLE] %s: settlement report not archived: %v", t.ID, err)
		return
	}
	log.Printf("🗄️ [LIFECYCLE] %s: settlement report archived at %s", t.ID, key)
}

// keyedMutex serializes work per tournament id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
