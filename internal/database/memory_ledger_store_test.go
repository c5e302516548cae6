package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/captionhub/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerStore_FailedTxLeavesNoTrace(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	ref := models.AccountRef{UserID: "user-1"}
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		account, err := tx.GetOrCreateAccount(ctx, ref, time.Now())
		require.NoError(t, err)
		_, err = tx.CreditAccount(ctx, account.ID, models.PocketPaid, 100, true, time.Now())
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.FindAccount(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryLedgerStore_CancelledContext(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryLedgerStore_DebitIsConditional(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	now := time.Now()

	err := store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		account, err := tx.GetOrCreateAccount(ctx, models.AccountRef{DeviceID: "d", IPAddress: "ip"}, now)
		require.NoError(t, err)
		_, err = tx.CreditAccount(ctx, account.ID, models.PocketFree, 10, false, now)
		require.NoError(t, err)

		_, ok, err := tx.DebitAccount(ctx, account.ID, models.PocketFree, 11, now)
		require.NoError(t, err)
		assert.False(t, ok)

		balance, ok, err := tx.DebitAccount(ctx, account.ID, models.PocketFree, 10, now)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(0), balance)

		_, ok, err = tx.DebitAccount(ctx, account.ID, models.PocketPaid, 1, now)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryLedgerStore_ReservationUniqueness(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	now := time.Now()

	reserve := func(id string) error {
		return store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			return tx.InsertReservation(ctx, &models.Reservation{
				ID:         id,
				AccountID:  1,
				Pocket:     models.PocketPaid,
				JobID:      "job-1",
				Amount:     10,
				Status:     models.ReservationReserved,
				ReservedAt: now,
				ExpiresAt:  now.Add(time.Minute),
			})
		})
	}

	require.NoError(t, reserve("res-1"))
	assert.ErrorIs(t, reserve("res-2"), ErrDuplicate)
	assert.ErrorIs(t, reserve("res-1"), ErrDuplicate)

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		ok, err := tx.MarkRefunded(ctx, "res-1", 10, "failed", now)
		assert.True(t, ok)
		return err
	}))
	assert.NoError(t, reserve("res-2"))
}

func TestMemoryLedgerStore_MarkExpiredHonoursDeadline(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		return tx.InsertReservation(ctx, &models.Reservation{
			ID: "res-1", JobID: "job-1", Amount: 5, Status: models.ReservationReserved,
			ReservedAt: now, ExpiresAt: now.Add(time.Minute),
		})
	}))

	expired, err := store.ListExpiredReservations(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	later := now.Add(2 * time.Minute)
	expired, err = store.ListExpiredReservations(ctx, later, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		ok, err := tx.MarkExpired(ctx, "res-1", now)
		assert.False(t, ok)
		if err != nil {
			return err
		}
		ok, err = tx.MarkExpired(ctx, "res-1", later)
		assert.True(t, ok)
		if err != nil {
			return err
		}
		ok, err = tx.MarkConfirmed(ctx, "res-1", later)
		assert.False(t, ok)
		return err
	}))
}

func TestMemoryLedgerStore_DuplicatePayment(t *testing.T) {
	store := NewMemoryLedgerStore()
	ctx := context.Background()
	paymentID := "pay_1"

	insert := func() error {
		return store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
			return tx.InsertLedgerEntry(ctx, &models.LedgerEntry{
				AccountID: 1, Type: models.EntryTypeCharge, Amount: 10, PaymentID: &paymentID,
			})
		})
	}

	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ErrDuplicate)
}

func TestMemoryLedgerStore_TransitionsFollowStateMachine(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	mark := map[models.ReservationStatus]func(ctx context.Context, tx LedgerTx) (bool, error){
		models.ReservationConfirmed: func(ctx context.Context, tx LedgerTx) (bool, error) {
			return tx.MarkConfirmed(ctx, "res-1", now)
		},
		models.ReservationExpired: func(ctx context.Context, tx LedgerTx) (bool, error) {
			return tx.MarkExpired(ctx, "res-1", now)
		},
		models.ReservationRefunded: func(ctx context.Context, tx LedgerTx) (bool, error) {
			return tx.MarkRefunded(ctx, "res-1", 5, "failed", now)
		},
	}

	for _, from := range []models.ReservationStatus{
		models.ReservationReserved,
		models.ReservationConfirmed,
		models.ReservationRefunded,
		models.ReservationExpired,
	} {
		for to, fn := range mark {
			t.Run(string(from)+" to "+string(to), func(t *testing.T) {
				store := NewMemoryLedgerStore()
				ctx := context.Background()

				var ok bool
				require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
					if err := tx.InsertReservation(ctx, &models.Reservation{
						ID: "res-1", JobID: "job-1", Amount: 5, Status: from,
						ReservedAt: past, ExpiresAt: past,
					}); err != nil {
						return err
					}
					var err error
					ok, err = fn(ctx, tx)
					return err
				}))
				assert.Equal(t, from.CanTransition(to), ok)

				r, err := store.GetReservation(ctx, "res-1", "job-1")
				require.NoError(t, err)
				if ok {
					assert.Equal(t, to, r.Status)
				} else {
					assert.Equal(t, from, r.Status)
				}
			})
		}
	}
}
