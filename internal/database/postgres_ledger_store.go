package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/captionhub/backend/internal/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const accountColumns = `id, user_id, device_id, ip_address, balance, free_balance, total_charged, created_at, updated_at`

const reservationColumns = `id, account_id, pocket, job_id, amount, status, reserved_at, expires_at, confirmed_at, refunded_at, refunded_amount, refund_reason`

const historyColumns = `id, account_id, pocket, type, amount, balance_after, description, job_id, reservation_id, payment_id, created_at`

const (
	insertUserAccountQuery = `
		INSERT INTO accounts (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) WHERE user_id IS NOT NULL DO NOTHING`

	insertDeviceAccountQuery = `
		INSERT INTO accounts (device_id, ip_address, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (device_id, ip_address) WHERE user_id IS NULL DO NOTHING`

	selectUserAccountQuery = `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`

	selectDeviceAccountQuery = `SELECT ` + accountColumns + ` FROM accounts WHERE user_id IS NULL AND device_id = $1 AND ip_address = $2`

	debitPaidQuery = `
		UPDATE accounts SET balance = balance - $1, updated_at = $2
		WHERE id = $3 AND balance >= $1
		RETURNING balance`

	debitFreeQuery = `
		UPDATE accounts SET free_balance = free_balance - $1, updated_at = $2
		WHERE id = $3 AND free_balance >= $1
		RETURNING free_balance`

	creditPaidQuery = `
		UPDATE accounts SET balance = balance + $1, updated_at = $2
		WHERE id = $3
		RETURNING balance`

	chargePaidQuery = `
		UPDATE accounts SET balance = balance + $1, total_charged = total_charged + $1, updated_at = $2
		WHERE id = $3
		RETURNING balance`

	creditFreeQuery = `
		UPDATE accounts SET free_balance = free_balance + $1, updated_at = $2
		WHERE id = $3
		RETURNING free_balance`

	selectLiveReservationQuery = `SELECT ` + reservationColumns + ` FROM credit_reservations
		WHERE job_id = $1 AND status = ANY($2)
		ORDER BY reserved_at DESC
		LIMIT 1`

	selectReservationQuery = `SELECT ` + reservationColumns + ` FROM credit_reservations WHERE id = $1 AND job_id = $2`

	insertReservationQuery = `
		INSERT INTO credit_reservations (id, account_id, pocket, job_id, amount, status, reserved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	markConfirmedQuery = `
		UPDATE credit_reservations SET status = $2, confirmed_at = $3
		WHERE id = $1 AND status = ANY($4)`

	markExpiredQuery = `
		UPDATE credit_reservations SET status = $2
		WHERE id = $1 AND status = ANY($3) AND expires_at < $4`

	markRefundedQuery = `
		UPDATE credit_reservations SET status = $2, refunded_at = $3, refunded_amount = $4, refund_reason = $5
		WHERE id = $1 AND status = ANY($6)`

	insertHistoryQuery = `
		INSERT INTO credit_history (account_id, pocket, type, amount, balance_after, description, job_id, reservation_id, payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	relabelEntryQuery = `
		UPDATE credit_history SET type = $1, description = $2
		WHERE reservation_id = $3 AND type = $4`

	selectExpiredQuery = `SELECT ` + reservationColumns + ` FROM credit_reservations
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`
)

// PostgresLedgerStore keeps the ledger in the accounts, credit_reservations and
// credit_history tables. All SQL dialect details live in this file.
type PostgresLedgerStore struct {
	db *sql.DB
	pgQueries
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db, pgQueries: pgQueries{q: db}}
}

func (s *PostgresLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		return fn(ctx, pgQueries{q: tx})
	})
}

func (s *PostgresLedgerStore) FindAccount(ctx context.Context, ref models.AccountRef) (*models.Account, error) {
	return s.selectAccount(ctx, ref)
}

func (s *PostgresLedgerStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, selectExpiredQuery, models.ReservationReserved, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer rows.Close()

	var reservations []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, *r)
	}
	return reservations, rows.Err()
}

func (s *PostgresLedgerStore) ListHistory(ctx context.Context, accountID int64, filter models.HistoryFilter) ([]models.LedgerEntry, int, error) {
	where := []string{"account_id = $1"}
	args := []any{accountID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		where = append(where, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credit_history WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM credit_history WHERE %s ORDER BY id DESC LIMIT $%d OFFSET $%d",
		historyColumns, clause, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Pocket, &e.Type, &e.Amount, &e.BalanceAfter,
			&e.Description, &e.JobID, &e.ReservationID, &e.PaymentID, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// pgQueries implements LedgerTx on top of either the pool or an open tx.
type pgQueries struct {
	q DBTX
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.UserID, &a.DeviceID, &a.IPAddress, &a.Balance, &a.FreeBalance,
		&a.TotalCharged, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	err := row.Scan(&r.ID, &r.AccountID, &r.Pocket, &r.JobID, &r.Amount, &r.Status, &r.ReservedAt,
		&r.ExpiresAt, &r.ConfirmedAt, &r.RefundedAt, &r.RefundedAmount, &r.RefundReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func statusArray(statuses ...models.ReservationStatus) any {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return pq.Array(values)
}

// sourceStatuses is the status = ANY(...) set a transition to `to` may start from.
func sourceStatuses(to models.ReservationStatus) any {
	return statusArray(models.SourceStatuses(to)...)
}

func (p pgQueries) selectAccount(ctx context.Context, ref models.AccountRef) (*models.Account, error) {
	if ref.Registered() {
		return scanAccount(p.q.QueryRowContext(ctx, selectUserAccountQuery, ref.UserID))
	}
	return scanAccount(p.q.QueryRowContext(ctx, selectDeviceAccountQuery, ref.DeviceID, ref.IPAddress))
}

func (p pgQueries) GetOrCreateAccount(ctx context.Context, ref models.AccountRef, now time.Time) (*models.Account, error) {
	var err error
	if ref.Registered() {
		_, err = p.q.ExecContext(ctx, insertUserAccountQuery, ref.UserID, now)
	} else {
		_, err = p.q.ExecContext(ctx, insertDeviceAccountQuery, ref.DeviceID, ref.IPAddress, now)
	}
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return p.selectAccount(ctx, ref)
}

func (p pgQueries) DebitAccount(ctx context.Context, accountID int64, pocket models.Pocket, amount int64, now time.Time) (int64, bool, error) {
	query := debitPaidQuery
	if pocket == models.PocketFree {
		query = debitFreeQuery
	}

	var newBalance int64
	err := p.q.QueryRowContext(ctx, query, amount, now, accountID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("debit account %d: %w", accountID, err)
	}
	return newBalance, true, nil
}

func (p pgQueries) CreditAccount(ctx context.Context, accountID int64, pocket models.Pocket, amount int64, charged bool, now time.Time) (int64, error) {
	query := creditPaidQuery
	switch {
	case pocket == models.PocketFree:
		query = creditFreeQuery
	case charged:
		query = chargePaidQuery
	}

	var newBalance int64
	err := p.q.QueryRowContext(ctx, query, amount, now, accountID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("credit account %d: %w", accountID, err)
	}
	return newBalance, nil
}

func (p pgQueries) FindLiveReservation(ctx context.Context, jobID string) (*models.Reservation, error) {
	return scanReservation(p.q.QueryRowContext(ctx, selectLiveReservationQuery, jobID,
		statusArray(models.ReservationReserved, models.ReservationConfirmed)))
}

func (p pgQueries) GetReservation(ctx context.Context, reservationID, jobID string) (*models.Reservation, error) {
	return scanReservation(p.q.QueryRowContext(ctx, selectReservationQuery, reservationID, jobID))
}

func (p pgQueries) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := p.q.ExecContext(ctx, insertReservationQuery,
		r.ID, r.AccountID, r.Pocket, r.JobID, r.Amount, r.Status, r.ReservedAt, r.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (p pgQueries) transition(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := p.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update reservation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p pgQueries) MarkConfirmed(ctx context.Context, reservationID string, at time.Time) (bool, error) {
	return p.transition(ctx, markConfirmedQuery, reservationID, models.ReservationConfirmed, at,
		sourceStatuses(models.ReservationConfirmed))
}

func (p pgQueries) MarkExpired(ctx context.Context, reservationID string, now time.Time) (bool, error) {
	return p.transition(ctx, markExpiredQuery, reservationID, models.ReservationExpired,
		sourceStatuses(models.ReservationExpired), now)
}

func (p pgQueries) MarkRefunded(ctx context.Context, reservationID string, amount int64, reason string, at time.Time) (bool, error) {
	return p.transition(ctx, markRefundedQuery, reservationID, models.ReservationRefunded, at, amount, reason,
		sourceStatuses(models.ReservationRefunded))
}

func (p pgQueries) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	err := p.q.QueryRowContext(ctx, insertHistoryQuery,
		e.AccountID, e.Pocket, e.Type, e.Amount, e.BalanceAfter, e.Description,
		e.JobID, e.ReservationID, e.PaymentID, e.CreatedAt).Scan(&e.ID)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert credit history: %w", err)
	}
	return nil
}

func (p pgQueries) RelabelReservationEntry(ctx context.Context, reservationID, description string) (int64, error) {
	result, err := p.q.ExecContext(ctx, relabelEntryQuery,
		models.EntryTypeUse, description, reservationID, models.EntryTypeReservation)
	if err != nil {
		return 0, fmt.Errorf("relabel credit history: %w", err)
	}
	return result.RowsAffected()
}
