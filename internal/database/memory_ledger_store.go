package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/captionhub/backend/internal/models"
)

// MemoryLedgerStore is a process-local LedgerStore. Transactions are
// serialized by a single mutex and applied copy-on-write, so a failed
// transaction leaves no trace. It backs local development and tests.
type MemoryLedgerStore struct {
	mu    sync.Mutex
	state *memoryState
}

type memoryState struct {
	nextAccountID int64
	nextEntryID   int64
	accounts      map[int64]models.Account
	reservations  map[string]models.Reservation
	entries       []models.LedgerEntry
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{state: &memoryState{
		accounts:     make(map[int64]models.Account),
		reservations: make(map[string]models.Reservation),
	}}
}

func (st *memoryState) clone() *memoryState {
	c := &memoryState{
		nextAccountID: st.nextAccountID,
		nextEntryID:   st.nextEntryID,
		accounts:      make(map[int64]models.Account, len(st.accounts)),
		reservations:  make(map[string]models.Reservation, len(st.reservations)),
		entries:       make([]models.LedgerEntry, len(st.entries)),
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.reservations {
		c.reservations[k] = v
	}
	copy(c.entries, st.entries)
	return c
}

func (s *MemoryLedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memoryTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryLedgerStore) FindAccount(ctx context.Context, ref models.AccountRef) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.findAccount(ref)
}

func (s *MemoryLedgerStore) FindLiveReservation(ctx context.Context, jobID string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.findLiveReservation(jobID)
}

func (s *MemoryLedgerStore) GetReservation(ctx context.Context, reservationID, jobID string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getReservation(reservationID, jobID)
}

func (s *MemoryLedgerStore) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []models.Reservation
	for _, r := range s.state.reservations {
		if r.Status == models.ReservationReserved && r.ExpiresAt.Before(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemoryLedgerStore) ListHistory(ctx context.Context, accountID int64, filter models.HistoryFilter) ([]models.LedgerEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []models.LedgerEntry{}
	for i := len(s.state.entries) - 1; i >= 0; i-- {
		e := s.state.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.JobID != "" && (e.JobID == nil || *e.JobID != filter.JobID) {
			continue
		}
		if filter.From != nil && e.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !e.CreatedAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	if filter.Offset >= total {
		return []models.LedgerEntry{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (st *memoryState) findAccount(ref models.AccountRef) (*models.Account, error) {
	for _, a := range st.accounts {
		if ref.Registered() {
			if a.UserID != nil && *a.UserID == ref.UserID {
				return &a, nil
			}
			continue
		}
		if a.UserID == nil && a.DeviceID != nil && a.IPAddress != nil &&
			*a.DeviceID == ref.DeviceID && *a.IPAddress == ref.IPAddress {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (st *memoryState) findLiveReservation(jobID string) (*models.Reservation, error) {
	var found *models.Reservation
	for _, r := range st.reservations {
		if r.JobID != jobID || !r.Live() {
			continue
		}
		if found == nil || r.ReservedAt.After(found.ReservedAt) {
			r := r
			found = &r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (st *memoryState) getReservation(reservationID, jobID string) (*models.Reservation, error) {
	r, ok := st.reservations[reservationID]
	if !ok || r.JobID != jobID {
		return nil, ErrNotFound
	}
	return &r, nil
}

type memoryTx struct {
	st *memoryState
}

func (t *memoryTx) GetOrCreateAccount(ctx context.Context, ref models.AccountRef, now time.Time) (*models.Account, error) {
	if a, err := t.st.findAccount(ref); err == nil {
		return a, nil
	}

	t.st.nextAccountID++
	a := models.Account{ID: t.st.nextAccountID, CreatedAt: now, UpdatedAt: now}
	if ref.Registered() {
		userID := ref.UserID
		a.UserID = &userID
	} else {
		deviceID, ip := ref.DeviceID, ref.IPAddress
		a.DeviceID = &deviceID
		a.IPAddress = &ip
	}
	t.st.accounts[a.ID] = a
	return &a, nil
}

func pocketBalance(a *models.Account, pocket models.Pocket) *int64 {
	if pocket == models.PocketFree {
		return &a.FreeBalance
	}
	return &a.Balance
}

func (t *memoryTx) DebitAccount(ctx context.Context, accountID int64, pocket models.Pocket, amount int64, now time.Time) (int64, bool, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return 0, false, nil
	}
	balance := pocketBalance(&a, pocket)
	if *balance < amount {
		return 0, false, nil
	}
	*balance -= amount
	a.UpdatedAt = now
	t.st.accounts[accountID] = a
	return *balance, true, nil
}

func (t *memoryTx) CreditAccount(ctx context.Context, accountID int64, pocket models.Pocket, amount int64, charged bool, now time.Time) (int64, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return 0, ErrNotFound
	}
	balance := pocketBalance(&a, pocket)
	*balance += amount
	if charged && pocket == models.PocketPaid {
		a.TotalCharged += amount
	}
	a.UpdatedAt = now
	t.st.accounts[accountID] = a
	return *balance, nil
}

func (t *memoryTx) FindLiveReservation(ctx context.Context, jobID string) (*models.Reservation, error) {
	return t.st.findLiveReservation(jobID)
}

func (t *memoryTx) GetReservation(ctx context.Context, reservationID, jobID string) (*models.Reservation, error) {
	return t.st.getReservation(reservationID, jobID)
}

func (t *memoryTx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	if _, exists := t.st.reservations[r.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range t.st.reservations {
		if existing.JobID == r.JobID && existing.Status == models.ReservationReserved {
			return ErrDuplicate
		}
	}
	t.st.reservations[r.ID] = *r
	return nil
}

// update moves a reservation to status to when the state machine allows it
// and fn accepts the row.
func (t *memoryTx) update(reservationID string, to models.ReservationStatus, fn func(r *models.Reservation) bool) bool {
	r, ok := t.st.reservations[reservationID]
	if !ok || !r.Status.CanTransition(to) {
		return false
	}
	if fn != nil && !fn(&r) {
		return false
	}
	r.Status = to
	t.st.reservations[reservationID] = r
	return true
}

func (t *memoryTx) MarkConfirmed(ctx context.Context, reservationID string, at time.Time) (bool, error) {
	return t.update(reservationID, models.ReservationConfirmed, func(r *models.Reservation) bool {
		r.ConfirmedAt = &at
		return true
	}), nil
}

func (t *memoryTx) MarkExpired(ctx context.Context, reservationID string, now time.Time) (bool, error) {
	return t.update(reservationID, models.ReservationExpired, func(r *models.Reservation) bool {
		return r.ExpiresAt.Before(now)
	}), nil
}

func (t *memoryTx) MarkRefunded(ctx context.Context, reservationID string, amount int64, reason string, at time.Time) (bool, error) {
	return t.update(reservationID, models.ReservationRefunded, func(r *models.Reservation) bool {
		r.RefundedAt = &at
		r.RefundedAmount = amount
		r.RefundReason = reason
		return true
	}), nil
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	if e.Type == models.EntryTypeCharge && e.PaymentID != nil {
		for _, existing := range t.st.entries {
			if existing.Type == models.EntryTypeCharge && existing.PaymentID != nil && *existing.PaymentID == *e.PaymentID {
				return ErrDuplicate
			}
		}
	}
	t.st.nextEntryID++
	e.ID = t.st.nextEntryID
	t.st.entries = append(t.st.entries, *e)
	return nil
}

func (t *memoryTx) RelabelReservationEntry(ctx context.Context, reservationID, description string) (int64, error) {
	var n int64
	for i := range t.st.entries {
		e := &t.st.entries[i]
		if e.Type == models.EntryTypeReservation && e.ReservationID != nil && *e.ReservationID == reservationID {
			e.Type = models.EntryTypeUse
			e.Description = description
			n++
		}
	}
	return n, nil
}
