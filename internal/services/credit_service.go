package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/captionhub/backend/internal/audit"
	"github.com/captionhub/backend/internal/config"
	"github.com/captionhub/backend/internal/database"
	"github.com/captionhub/backend/internal/metrics"
	"github.com/captionhub/backend/internal/models"
	"github.com/google/uuid"
)

const expiryRefundReason = "reservation expired"

// AuditRecorder receives credit lifecycle events.
type AuditRecorder interface {
	LogCreditEvent(eventType string, accountID int64, jobID, reservationID string, amount int64, status string)
	LogError(jobID, reservationID string, err error)
}

// CreditService runs the reserve / confirm / refund / expire state machine
// against a LedgerStore. Every mutating call is one store transaction.
type CreditService struct {
	store      database.LedgerStore
	guard      IdempotencyGuard
	calculator *CreditCalculator
	audit      AuditRecorder
	cfg        *config.CreditsConfig
	now        func() time.Time
	newID      func() string
}

func NewCreditService(store database.LedgerStore, guard IdempotencyGuard, cfg *config.CreditsConfig, auditor AuditRecorder) *CreditService {
	if cfg == nil {
		cfg = config.DefaultCreditsConfig()
	}
	if guard == nil {
		guard = NewMemoryIdempotencyGuard()
	}
	if auditor == nil {
		auditor = audit.NewAuditLogger()
	}
	return &CreditService{
		store:      store,
		guard:      guard,
		calculator: NewCreditCalculator(cfg),
		audit:      auditor,
		cfg:        cfg,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func (s *CreditService) Calculator() *CreditCalculator {
	return s.calculator
}

func (s *CreditService) CalculateRequiredCredits(durationSeconds float64, translationLanguageCount int) (int64, error) {
	return s.calculator.RequiredCredits(durationSeconds, translationLanguageCount)
}

// GetBalance returns the balances of ref, creating a zero-balance account the
// first time an identity is seen.
func (s *CreditService) GetBalance(ctx context.Context, ref models.AccountRef) (*models.Balance, error) {
	if !ref.Valid() {
		return nil, invalidInput("account identity is incomplete")
	}

	var account *models.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.LedgerTx) error {
		var err error
		account, err = tx.GetOrCreateAccount(ctx, ref, s.now())
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	return &models.Balance{
		AccountID:    account.ID,
		Balance:      account.Balance,
		FreeBalance:  account.FreeBalance,
		TotalCharged: account.TotalCharged,
	}, nil
}

// ReserveCredits places a hold of amount credits for jobID. When the job
// already has a RESERVED or CONFIRMED reservation that reservation is
// returned together with ErrDuplicateRequest and nothing is debited.
func (s *CreditService) ReserveCredits(ctx context.Context, ref models.AccountRef, jobID string, amount int64) (*models.Reservation, error) {
	if !ref.Valid() {
		return nil, invalidInput("account identity is incomplete")
	}
	if jobID == "" {
		return nil, invalidInput("job id is required")
	}
	if amount <= 0 {
		return nil, invalidInput("amount must be positive, got %d", amount)
	}

	if existing := s.guardedReservation(ctx, jobID); existing != nil {
		metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		return existing, ErrDuplicateRequest
	}

	var (
		reservation *models.Reservation
		duplicate   bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.LedgerTx) error {
		existing, err := tx.FindLiveReservation(ctx, jobID)
		if err == nil {
			reservation, duplicate = existing, true
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		now := s.now()
		account, err := tx.GetOrCreateAccount(ctx, ref, now)
		if err != nil {
			return err
		}
		pocket := account.Pocket()

		newBalance, ok, err := tx.DebitAccount(ctx, account.ID, pocket, amount, now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := tx.GetOrCreateAccount(ctx, ref, now)
			if err != nil {
				return err
			}
			return &InsufficientCreditsError{Required: amount, Available: current.Available()}
		}

		r := &models.Reservation{
			ID:         s.newID(),
			AccountID:  account.ID,
			Pocket:     pocket,
			JobID:      jobID,
			Amount:     amount,
			Status:     models.ReservationReserved,
			ReservedAt: now,
			ExpiresAt:  now.Add(s.cfg.ReservationTTL),
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}

		entry := &models.LedgerEntry{
			AccountID:     account.ID,
			Pocket:        pocket,
			Type:          models.EntryTypeReservation,
			Amount:        -amount,
			BalanceAfter:  newBalance,
			Description:   fmt.Sprintf("Credits reserved for job %s", jobID),
			JobID:         &r.JobID,
			ReservationID: &r.ID,
			CreatedAt:     now,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		reservation = r
		return nil
	})

	if errors.Is(err, database.ErrDuplicate) {
		// a concurrent reserve for the same job committed first
		existing, findErr := s.store.FindLiveReservation(ctx, jobID)
		if findErr != nil {
			return nil, storeError(findErr)
		}
		reservation, duplicate, err = existing, true, nil
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeInsufficient).Inc()
			log.Printf("[CREDITS] Insufficient credits for job %s (%s): %v", jobID, ref, err)
			return nil, err
		}
		metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		s.audit.LogError(jobID, "", err)
		return nil, storeError(err)
	}

	if reservation.Status == models.ReservationReserved {
		s.remember(ctx, jobID, reservation.ID)
	}

	if duplicate {
		metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		log.Printf("[CREDITS] Duplicate reserve for job %s, returning reservation %s (%s)", jobID, reservation.ID, reservation.Status)
		return reservation, ErrDuplicateRequest
	}

	metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeReserved).Inc()
	metrics.CreditsReservedTotal.Add(float64(amount))
	s.audit.LogCreditEvent(audit.EventReserve, reservation.AccountID, jobID, reservation.ID, amount, string(reservation.Status))
	return reservation, nil
}

// ConfirmDeduction finalizes a reservation as spent. Confirming an already
// confirmed reservation succeeds without side effects.
func (s *CreditService) ConfirmDeduction(ctx context.Context, reservationID, jobID string) (bool, error) {
	if reservationID == "" || jobID == "" {
		return false, invalidInput("reservation id and job id are required")
	}

	var (
		reservation *models.Reservation
		already     bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.LedgerTx) error {
		r, err := s.lookup(ctx, tx, reservationID, jobID)
		if err != nil {
			return err
		}
		reservation = r

		if r.Status == models.ReservationConfirmed {
			already = true
			return nil
		}
		if !r.Status.CanTransition(models.ReservationConfirmed) {
			return ErrAlreadyFinalized
		}

		now := s.now()
		ok, err := tx.MarkConfirmed(ctx, reservationID, now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.lookup(ctx, tx, reservationID, jobID)
			if err != nil {
				return err
			}
			if current.Status == models.ReservationConfirmed {
				already = true
				return nil
			}
			return ErrAlreadyFinalized
		}

		if _, err := tx.RelabelReservationEntry(ctx, reservationID, fmt.Sprintf("Credits used for job %s", jobID)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyFinalized) {
			s.audit.LogError(jobID, reservationID, err)
		}
		return false, storeError(err)
	}

	s.forget(ctx, jobID)
	if already {
		return true, nil
	}

	metrics.ConfirmationsTotal.Inc()
	s.audit.LogCreditEvent(audit.EventConfirm, reservation.AccountID, jobID, reservationID, reservation.Amount, string(models.ReservationConfirmed))
	return true, nil
}

// RefundCredits returns partialAmount, or the whole reservation when nil, to
// the balance the reservation was taken from. A reservation is refunded at
// most once.
func (s *CreditService) RefundCredits(ctx context.Context, reservationID, jobID, reason string, partialAmount *int64) (*models.RefundInfo, error) {
	if reservationID == "" || jobID == "" {
		return nil, invalidInput("reservation id and job id are required")
	}

	var (
		info        *models.RefundInfo
		reservation *models.Reservation
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.LedgerTx) error {
		r, err := s.lookup(ctx, tx, reservationID, jobID)
		if err != nil {
			return err
		}
		reservation = r
		info, err = s.refundTx(ctx, tx, r, reason, partialAmount)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyRefunded) {
			s.audit.LogError(jobID, reservationID, err)
		}
		return nil, storeError(err)
	}

	s.forget(ctx, jobID)
	metrics.RefundsTotal.WithLabelValues(metrics.TriggerRequest).Inc()
	metrics.CreditsRefundedTotal.WithLabelValues(metrics.TriggerRequest).Add(float64(info.RefundAmount))
	s.audit.LogCreditEvent(audit.EventRefund, reservation.AccountID, jobID, reservationID, info.RefundAmount, string(models.ReservationRefunded))
	return info, nil
}

// ExpireReservation moves a timed-out RESERVED reservation through EXPIRED to
// REFUNDED in one transaction. It reports ErrAlreadyFinalized when the
// reservation settled or is not yet due.
func (s *CreditService) ExpireReservation(ctx context.Context, reservation models.Reservation) (*models.RefundInfo, error) {
	var info *models.RefundInfo
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.LedgerTx) error {
		ok, err := tx.MarkExpired(ctx, reservation.ID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyFinalized
		}

		r := reservation
		r.Status = models.ReservationExpired
		info, err = s.refundTx(ctx, tx, &r, expiryRefundReason, nil)
		return err
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.forget(ctx, reservation.JobID)
	metrics.RefundsTotal.WithLabelValues(metrics.TriggerExpiry).Inc()
	metrics.CreditsRefundedTotal.WithLabelValues(metrics.TriggerExpiry).Add(float64(info.RefundAmount))
	s.audit.LogCreditEvent(audit.EventExpire, reservation.AccountID, reservation.JobID, reservation.ID, info.RefundAmount, string(models.ReservationRefunded))
	return info, nil
}

// ExpiredReservations lists up to limit reservations whose hold has lapsed.
func (s *CreditService) ExpiredReservations(ctx context.Context, limit int) ([]models.Reservation, error) {
	reservations, err := s.store.ListExpiredReservations(ctx, s.now(), limit)
	if err != nil {
		return nil, storeError(err)
	}
	return reservations, nil
}

func (s *CreditService) GetReservation(ctx context.Context, reservationID, jobID string) (*models.Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeError(err)
	}
	return r, nil
}

// GrantCredits tops up the account's pocket with a charge entry. Paid grants
// count towards total_charged. A paymentID can be granted only once.
func (s *CreditService) GrantCredits(ctx context.Context, ref models.AccountRef, amount int64, paymentID, description string) (*models.LedgerEntry, error) {
	if !ref.Valid() {
		return nil, invalidInput("account identity is incomplete")
	}
	if amount <= 0 {
		return nil, invalidInput("amount must be positive, got %d", amount)
	}
	if description == "" {
		description = "Credits added"
	}

	var entry *models.LedgerEntry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.LedgerTx) error {
		now := s.now()
		account, err := tx.GetOrCreateAccount(ctx, ref, now)
		if err != nil {
			return err
		}
		pocket := account.Pocket()

		newBalance, err := tx.CreditAccount(ctx, account.ID, pocket, amount, pocket == models.PocketPaid, now)
		if err != nil {
			return err
		}

		entry = &models.LedgerEntry{
			AccountID:    account.ID,
			Pocket:       pocket,
			Type:         models.EntryTypeCharge,
			Amount:       amount,
			BalanceAfter: newBalance,
			Description:  description,
			CreatedAt:    now,
		}
		if paymentID != "" {
			entry.PaymentID = &paymentID
		}
		return tx.InsertLedgerEntry(ctx, entry)
	})
	if errors.Is(err, database.ErrDuplicate) {
		return nil, ErrDuplicateRequest
	}
	if err != nil {
		return nil, storeError(err)
	}

	s.audit.LogCreditEvent(audit.EventGrant, entry.AccountID, "", "", amount, "GRANTED")
	return entry, nil
}

// ListHistory pages through the account's credit history, newest first.
// Unknown identities have an empty history.
func (s *CreditService) ListHistory(ctx context.Context, ref models.AccountRef, filter models.HistoryFilter) (*models.HistoryPage, error) {
	if !ref.Valid() {
		return nil, invalidInput("account identity is incomplete")
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, invalidInput("unknown entry type %q", filter.Type)
	}
	if filter.Offset < 0 {
		return nil, invalidInput("offset must not be negative")
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, invalidInput("history range ends before it starts")
	}
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.HistoryDefaultLimit
	}
	if filter.Limit > s.cfg.HistoryMaxLimit {
		filter.Limit = s.cfg.HistoryMaxLimit
	}

	page := &models.HistoryPage{Entries: []models.LedgerEntry{}, Limit: filter.Limit, Offset: filter.Offset}

	account, err := s.store.FindAccount(ctx, ref)
	if errors.Is(err, database.ErrNotFound) {
		return page, nil
	}
	if err != nil {
		return nil, storeError(err)
	}

	entries, total, err := s.store.ListHistory(ctx, account.ID, filter)
	if err != nil {
		return nil, storeError(err)
	}
	page.Entries = entries
	page.Total = total
	return page, nil
}

func (s *CreditService) lookup(ctx context.Context, tx database.LedgerTx, reservationID, jobID string) (*models.Reservation, error) {
	r, err := tx.GetReservation(ctx, reservationID, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}

// refundTx credits the reservation's pocket and marks it REFUNDED. The status
// is flipped before the balance moves so a lost race never credits twice. A
// partial refund relabels the reservation entry as use.
func (s *CreditService) refundTx(ctx context.Context, tx database.LedgerTx, r *models.Reservation, reason string, partialAmount *int64) (*models.RefundInfo, error) {
	if r.Status == models.ReservationRefunded {
		return nil, ErrAlreadyRefunded
	}
	if !r.Status.CanTransition(models.ReservationRefunded) {
		return nil, ErrAlreadyFinalized
	}

	amount := r.Amount
	if partialAmount != nil {
		amount = *partialAmount
	}
	if amount <= 0 {
		return nil, invalidInput("refund amount must be positive, got %d", amount)
	}
	if amount > r.Amount {
		return nil, ErrInvalidRefundAmount
	}
	if reason == "" {
		reason = "refund"
	}

	now := s.now()
	ok, err := tx.MarkRefunded(ctx, r.ID, amount, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := s.lookup(ctx, tx, r.ID, r.JobID)
		if err != nil {
			return nil, err
		}
		if current.Status == models.ReservationRefunded {
			return nil, ErrAlreadyRefunded
		}
		return nil, ErrAlreadyFinalized
	}

	newBalance, err := tx.CreditAccount(ctx, r.AccountID, r.Pocket, amount, false, now)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		AccountID:     r.AccountID,
		Pocket:        r.Pocket,
		Type:          models.EntryTypeRefund,
		Amount:        amount,
		BalanceAfter:  newBalance,
		Description:   fmt.Sprintf("Refund for job %s: %s", r.JobID, reason),
		JobID:         &r.JobID,
		ReservationID: &r.ID,
		CreatedAt:     now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}

	// The part of a partial refund that is kept counts as spent.
	if amount < r.Amount {
		description := fmt.Sprintf("Credits used for job %s (%d of %d refunded)", r.JobID, amount, r.Amount)
		if _, err := tx.RelabelReservationEntry(ctx, r.ID, description); err != nil {
			return nil, err
		}
	}

	return &models.RefundInfo{
		ReservationID: r.ID,
		JobID:         r.JobID,
		RefundAmount:  amount,
		BalanceAfter:  newBalance,
		Reason:        reason,
		RefundedAt:    now,
	}, nil
}

// guardedReservation returns the live reservation the guard points at, if
// any. Stale or unreachable guard entries are ignored.
func (s *CreditService) guardedReservation(ctx context.Context, jobID string) *models.Reservation {
	reservationID, ok, err := s.guard.Lookup(ctx, jobID)
	if err != nil {
		log.Printf("[GUARD] Lookup failed for job %s: %v", jobID, err)
		return nil
	}
	if !ok {
		return nil
	}

	r, err := s.store.GetReservation(ctx, reservationID, jobID)
	if err != nil || !r.Live() {
		s.forget(ctx, jobID)
		return nil
	}
	return r
}

func (s *CreditService) remember(ctx context.Context, jobID, reservationID string) {
	if err := s.guard.Remember(ctx, jobID, reservationID, s.cfg.ReservationTTL); err != nil {
		log.Printf("[GUARD] Failed to remember job %s: %v", jobID, err)
	}
}

func (s *CreditService) forget(ctx context.Context, jobID string) {
	if err := s.guard.Forget(ctx, jobID); err != nil {
		log.Printf("[GUARD] Failed to forget job %s: %v", jobID, err)
	}
}
