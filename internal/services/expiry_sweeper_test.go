package services

import (
	"context"
	"testing"
	"time"

	"github.com/captionhub/backend/internal/config"
	"github.com/captionhub/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpirySweeper_SweepOnce(t *testing.T) {
	svc, _, clock := newTestCreditService(t)
	sweeper := NewExpirySweeper(svc, svc.cfg)
	ctx := context.Background()
	fund(t, svc, userRef, 100)

	stale, err := svc.ReserveCredits(ctx, userRef, "job-stale", 30)
	require.NoError(t, err)
	confirmed, err := svc.ReserveCredits(ctx, userRef, "job-done", 20)
	require.NoError(t, err)
	_, err = svc.ConfirmDeduction(ctx, confirmed.ID, "job-done")
	require.NoError(t, err)

	t.Run("nothing is due before the ttl", func(t *testing.T) {
		result, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{}, result)
	})

	clock.Advance(svc.cfg.ReservationTTL + time.Second)

	fresh, err := svc.ReserveCredits(ctx, userRef, "job-fresh", 10)
	require.NoError(t, err)

	t.Run("expired reservation is refunded", func(t *testing.T) {
		result, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{Scanned: 1, Refunded: 1}, result)

		got, err := svc.GetReservation(ctx, stale.ID, "job-stale")
		require.NoError(t, err)
		assert.Equal(t, models.ReservationRefunded, got.Status)
		assert.Equal(t, int64(30), got.RefundedAmount)
		assert.Equal(t, expiryRefundReason, got.RefundReason)

		assert.Equal(t, int64(70), balanceOf(t, svc, userRef).Balance)
	})

	t.Run("fresh and confirmed reservations are untouched", func(t *testing.T) {
		got, err := svc.GetReservation(ctx, fresh.ID, "job-fresh")
		require.NoError(t, err)
		assert.Equal(t, models.ReservationReserved, got.Status)

		got, err = svc.GetReservation(ctx, confirmed.ID, "job-done")
		require.NoError(t, err)
		assert.Equal(t, models.ReservationConfirmed, got.Status)
	})

	t.Run("second pass is a no-op", func(t *testing.T) {
		result, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Scanned)
		assert.Equal(t, int64(70), balanceOf(t, svc, userRef).Balance)
	})

	t.Run("late refund of an expired job is rejected", func(t *testing.T) {
		_, err := svc.RefundCredits(ctx, stale.ID, "job-stale", "failed", nil)
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
	})

	t.Run("late confirm of an expired job is rejected", func(t *testing.T) {
		ok, err := svc.ConfirmDeduction(ctx, stale.ID, "job-stale")
		assert.False(t, ok)
		assert.ErrorIs(t, err, ErrAlreadyFinalized)
	})
}

func TestExpirySweeper_SkipsReservationsSettledAfterScan(t *testing.T) {
	svc, _, clock := newTestCreditService(t)
	ctx := context.Background()
	fund(t, svc, userRef, 100)

	r, err := svc.ReserveCredits(ctx, userRef, "job-race", 40)
	require.NoError(t, err)
	clock.Advance(svc.cfg.ReservationTTL + time.Second)

	expired, err := svc.ExpiredReservations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	_, err = svc.ConfirmDeduction(ctx, r.ID, "job-race")
	require.NoError(t, err)

	_, err = svc.ExpireReservation(ctx, expired[0])
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Equal(t, int64(60), balanceOf(t, svc, userRef).Balance)
}

func TestExpirySweeper_BatchSize(t *testing.T) {
	svc, _, clock := newTestCreditService(t)
	cfg := *svc.cfg
	cfg.SweepBatchSize = 2
	sweeper := NewExpirySweeper(svc, &cfg)
	ctx := context.Background()
	fund(t, svc, deviceRef, 100)

	for _, job := range []string{"a", "b", "c"} {
		_, err := svc.ReserveCredits(ctx, deviceRef, job, 10)
		require.NoError(t, err)
	}
	clock.Advance(svc.cfg.ReservationTTL + time.Second)

	result, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Refunded)

	result, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Refunded)
	assert.Equal(t, int64(100), balanceOf(t, svc, deviceRef).FreeBalance)
}

func TestExpirySweeper_StoreUnavailable(t *testing.T) {
	svc := NewCreditService(unavailableStore{}, nil, nil, nopAudit{})
	sweeper := NewExpirySweeper(svc, nil)

	_, err := sweeper.SweepOnce(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestExpirySweeper_RunStopsOnCancel(t *testing.T) {
	svc, _, _ := newTestCreditService(t)
	cfg := config.DefaultCreditsConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	sweeper := NewExpirySweeper(svc, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
