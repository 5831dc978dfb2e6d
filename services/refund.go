// services/refund.go
package services

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"tournament-escrow/models"
	"tournament-escrow/safety"
)

// BatchReport aggregates a refund or payout run. Succeeded counts items settled
// by this run, Skipped items that were already settled, Failed items still
// owed (attempted and failed, or deferred while the dependency is unavailable).
type BatchReport struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (r BatchReport) Done() bool { return r.Failed == 0 }

func (r *BatchReport) Add(o BatchReport) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// deferrable reports whether err means the dependency is refusing calls right
// now, so the remaining items of a batch should wait for the next run.
func deferrable(err error) bool {
	return safety.IsCircuitOpen(err) || errors.Is(err, safety.ErrRateLimitExceeded)
}

// RefundProcessor returns entry fees for a cancelled tournament. Each entry
// gets exactly one RefundRecord; re-running only re-drives records not yet sent.
type RefundProcessor struct {
	store       Store
	escrow      *EscrowClient
	metrics     *Metrics
	maxAttempts int
}

func NewRefundProcessor(store Store, escrow *EscrowClient, metrics *Metrics, maxAttempts int) *RefundProcessor {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &RefundProcessor{store: store, escrow: escrow, metrics: metrics, maxAttempts: maxAttempts}
}

// RefundTournament ensures a record for every still-registered entry, then
// sends every refund not yet marked sent.
func (p *RefundProcessor) RefundTournament(ctx context.Context, tournamentID string) (BatchReport, error) {
	var report BatchReport

	entries, err := p.store.ListEntries(ctx, tournamentID, models.EntryRegistered)
	if err != nil {
		return report, err
	}
	for _, e := range entries {
		_, _, err := p.store.EnsureRefund(ctx, &models.RefundRecord{
			ID:            uuid.NewString(),
			EntryID:       e.ID,
			TournamentID:  tournamentID,
			WalletAddress: e.WalletAddress,
			Amount:        e.EntryFeePaid,
			Status:        models.RefundPending,
		})
		if err != nil {
			log.Printf("❌ [REFUND] could not record refund for entry %s: %v", e.ID, err)
			report.Failed++
		}
	}

	records, err := p.store.ListRefunds(ctx, tournamentID)
	if err != nil {
		return report, err
	}
	deferred := false
	for i := range records {
		rec := &records[i]
		if rec.Status == models.RefundSent {
			report.Skipped++
			continue
		}
		if deferred {
			report.Failed++
			continue
		}
		if rec.Attempts >= p.maxAttempts {
			log.Printf("🚨 [REFUND] refund %s for %s rejected %d times, needs operator review", rec.ID, rec.WalletAddress, rec.Attempts)
			report.Failed++
			continue
		}

		err := p.send(ctx, rec)
		switch {
		case err == nil:
			report.Succeeded++
		case deferrable(err):
			log.Printf("⏸️ [REFUND] settlement unavailable, deferring remaining refunds for %s: %v", tournamentID, err)
			deferred = true
			report.Failed++
		default:
			report.Failed++
		}
	}

	log.Printf("🔁 [REFUND] tournament %s: %d sent, %d already sent, %d owed", tournamentID, report.Succeeded, report.Skipped, report.Failed)
	p.metrics.batch("refund", report)
	return report, nil
}

// send refunds one record and persists the outcome.
func (p *RefundProcessor) send(ctx context.Context, rec *models.RefundRecord) error {
	res, err := p.escrow.RefundPlayer(ctx, rec.TournamentID, rec.WalletAddress)
	if errors.Is(err, ErrAlreadyRefunded) {
		res, err = &SettlementResult{AlreadySettled: true}, nil
	}
	if err != nil {
		if deferrable(err) {
			return err
		}
		log.Printf("❌ [REFUND] refund %s to %s failed: %v", rec.ID, rec.WalletAddress, err)
		// Only definitive rejections count towards the attempt cap.
		if uerr := p.store.UpdateRefund(ctx, rec.ID, SettlementUpdate{
			Status:    string(models.RefundFailed),
			LastError: err.Error(),
			Attempted: !IsRetryable(err),
		}); uerr != nil {
			log.Printf("❌ [REFUND] could not record failure of refund %s: %v", rec.ID, uerr)
		}
		return err
	}

	if err := p.store.UpdateRefund(ctx, rec.ID, SettlementUpdate{
		Status:    string(models.RefundSent),
		Signature: res.Signature,
		Attempted: !res.AlreadySettled,
	}); err != nil {
		// On-chain refunded flag makes the next run mark it sent without paying twice.
		log.Printf("🚨 [REFUND] refund %s sent (%s) but not recorded: %v", rec.ID, res.Signature, err)
		return err
	}
	refunded := models.EntryRefunded
	if err := p.store.UpdateEntry(ctx, rec.EntryID, EntryUpdate{Status: &refunded}); err != nil {
		log.Printf("⚠️ [REFUND] entry %s refunded but status not updated: %v", rec.EntryID, err)
	}
	return nil
}
