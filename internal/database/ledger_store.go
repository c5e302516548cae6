package database

import (
	"context"
	"errors"
	"time"

	"github.com/captionhub/backend/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with a uniqueness rule:
	// a second RESERVED row for a job, or a second charge for a payment id.
	ErrDuplicate = errors.New("duplicate record")
)

// LedgerTx is the set of atomic operations the credit engine performs inside
// one transaction. Implementations carry no policy; every balance mutation is
// a conditional or unconditional single-row update.
type LedgerTx interface {
	// GetOrCreateAccount resolves the account for ref, inserting a zero
	// balance row on first sight.
	GetOrCreateAccount(ctx context.Context, ref models.AccountRef, now time.Time) (*models.Account, error)

	// DebitAccount subtracts amount from the pocket only if the pocket holds at
	// least amount. ok is false when the condition did not match.
	DebitAccount(ctx context.Context, accountID int64, pocket models.Pocket, amount int64, now time.Time) (newBalance int64, ok bool, err error)

	// CreditAccount adds amount to the pocket unconditionally. charged also
	// raises total_charged.
	CreditAccount(ctx context.Context, accountID int64, pocket models.Pocket, amount int64, charged bool, now time.Time) (newBalance int64, err error)

	FindLiveReservation(ctx context.Context, jobID string) (*models.Reservation, error)
	GetReservation(ctx context.Context, reservationID, jobID string) (*models.Reservation, error)
	InsertReservation(ctx context.Context, r *models.Reservation) error

	// Mark* move a reservation between states and report false when the row
	// was no longer in an allowed source state.
	MarkConfirmed(ctx context.Context, reservationID string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, reservationID string, now time.Time) (bool, error)
	MarkRefunded(ctx context.Context, reservationID string, amount int64, reason string, at time.Time) (bool, error)

	InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error

	// RelabelReservationEntry turns the reservation's "reservation" entry into
	// a "use" entry and returns the number of rows changed.
	RelabelReservationEntry(ctx context.Context, reservationID, description string) (int64, error)
}

// LedgerStore is the durable home of accounts, reservations and credit
// history. Mutations go through WithTx; the remaining methods are plain reads.
type LedgerStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	FindAccount(ctx context.Context, ref models.AccountRef) (*models.Account, error)
	FindLiveReservation(ctx context.Context, jobID string) (*models.Reservation, error)
	GetReservation(ctx context.Context, reservationID, jobID string) (*models.Reservation, error)
	ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	ListHistory(ctx context.Context, accountID int64, filter models.HistoryFilter) ([]models.LedgerEntry, int, error)
}
