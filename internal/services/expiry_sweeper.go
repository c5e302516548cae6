package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/captionhub/backend/internal/config"
	"github.com/captionhub/backend/internal/metrics"
)

// SweepResult summarizes one pass of the expiry sweeper.
type SweepResult struct {
	Scanned  int
	Refunded int
	Skipped  int
	Failed   int
}

// ExpirySweeper periodically refunds reservations whose hold lapsed without a
// confirm or refund. Each reservation is settled in its own transaction so one
// failure never blocks the rest of the batch.
type ExpirySweeper struct {
	credits   *CreditService
	interval  time.Duration
	batchSize int
}

func NewExpirySweeper(credits *CreditService, cfg *config.CreditsConfig) *ExpirySweeper {
	if cfg == nil {
		cfg = config.DefaultCreditsConfig()
	}
	return &ExpirySweeper{
		credits:   credits,
		interval:  cfg.SweepInterval,
		batchSize: cfg.SweepBatchSize,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	log.Printf("[SWEEPER] Started, interval %s, batch size %d", s.interval, s.batchSize)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[SWEEPER] Stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[SWEEPER] Sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce settles one batch of expired reservations.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	metrics.SweepRunsTotal.Inc()

	expired, err := s.credits.ExpiredReservations(ctx, s.batchSize)
	if err != nil {
		metrics.SweepFailuresTotal.Inc()
		return result, err
	}
	result.Scanned = len(expired)

	for _, r := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		info, err := s.credits.ExpireReservation(ctx, r)
		switch {
		case err == nil:
			result.Refunded++
			log.Printf("[SWEEPER] Refunded %d credits for expired reservation %s (job %s)", info.RefundAmount, r.ID, r.JobID)
		case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrAlreadyRefunded):
			// settled by a confirm or refund after the scan
			result.Skipped++
		default:
			result.Failed++
			metrics.SweepFailuresTotal.Inc()
			s.credits.audit.LogError(r.JobID, r.ID, err)
			log.Printf("[SWEEPER] Failed to expire reservation %s (job %s): %v", r.ID, r.JobID, err)
		}
	}

	if result.Scanned > 0 {
		log.Printf("[SWEEPER] Scanned %d, refunded %d, skipped %d, failed %d",
			result.Scanned, result.Refunded, result.Skipped, result.Failed)
	}
	return result, nil
}
