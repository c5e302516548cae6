package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/captionhub/backend/internal/middleware"
	"github.com/captionhub/backend/internal/models"
	"github.com/captionhub/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

type CreditHandler struct {
	service   *services.CreditService
	validator *services.ValidationHelper
}

func NewCreditHandler(service *services.CreditService) *CreditHandler {
	return &CreditHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// Routes mounts the credit API. Settlement and grant endpoints are for the job
// pipeline and billing only and sit behind the internal token.
func (h *CreditHandler) Routes(internalToken string) chi.Router {
	r := chi.NewRouter()

	r.Post("/estimate", h.Estimate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.IdentityMiddleware)

		r.Get("/balance", h.GetBalance)
		r.Get("/history", h.GetHistory)
		r.Post("/reservations", h.Reserve)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalToken(internalToken))

		r.Get("/reservations/{reservationId}", h.GetReservation)
		r.Post("/reservations/{reservationId}/confirm", h.Confirm)
		r.Post("/reservations/{reservationId}/refund", h.Refund)
		r.Post("/grants", h.Grant)
	})

	return r
}

type estimateRequest struct {
	DurationSeconds      float64 `json:"duration_seconds" validate:"gte=0"`
	TranslationLanguages int     `json:"translation_languages" validate:"gte=0"`
}

type reserveRequest struct {
	JobID                string   `json:"job_id" validate:"required,max=128"`
	Amount               int64    `json:"amount" validate:"omitempty,gt=0"`
	DurationSeconds      *float64 `json:"duration_seconds" validate:"omitempty,gte=0"`
	TranslationLanguages int      `json:"translation_languages" validate:"gte=0"`
}

type settleRequest struct {
	JobID  string `json:"job_id" validate:"required"`
	Reason string `json:"reason" validate:"max=512"`
	Amount *int64 `json:"amount"`
}

type grantRequest struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id" validate:"required_without=UserID"`
	IPAddress   string `json:"ip_address" validate:"omitempty,ip"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	PaymentID   string `json:"payment_id" validate:"max=128"`
	Description string `json:"description" validate:"max=256"`
}

// Estimate returns the credits a captioning job would cost
func (h *CreditHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req estimateRequest
	if !h.decode(w, r, &req) {
		return
	}

	minutes, err := h.service.Calculator().DurationMinutes(req.DurationSeconds)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	required, err := h.service.CalculateRequiredCredits(req.DurationSeconds, req.TranslationLanguages)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"duration_minutes": minutes,
		"required_credits": required,
	})
}

// GetBalance returns the caller's balances
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ref, ok := middleware.AccountRefFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), ref)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, balance)
}

// Reserve holds credits for a job before processing starts
func (h *CreditHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	ref, ok := middleware.AccountRefFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req reserveRequest
	if !h.decode(w, r, &req) {
		return
	}

	amount := req.Amount
	if amount == 0 {
		if req.DurationSeconds == nil {
			services.SendErrorResponse(w, "Either amount or duration_seconds is required", http.StatusBadRequest, nil)
			return
		}
		var err error
		amount, err = h.service.CalculateRequiredCredits(*req.DurationSeconds, req.TranslationLanguages)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}

	reservation, err := h.service.ReserveCredits(r.Context(), ref, req.JobID, amount)
	if errors.Is(err, services.ErrDuplicateRequest) {
		services.SendJSON(w, http.StatusOK, map[string]any{
			"duplicate":   true,
			"reservation": reservation,
		})
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusCreated, map[string]any{
		"duplicate":   false,
		"reservation": reservation,
	})
}

// GetReservation returns a reservation's current state
func (h *CreditHandler) GetReservation(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID == "" {
		services.SendErrorResponse(w, "jobId query parameter is required", http.StatusBadRequest, nil)
		return
	}

	reservation, err := h.service.GetReservation(r.Context(), chi.URLParam(r, "reservationId"), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, reservation)
}

// Confirm finalizes a reservation after the job succeeded
func (h *CreditHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}

	reservationID := chi.URLParam(r, "reservationId")
	confirmed, err := h.service.ConfirmDeduction(r.Context(), reservationID, req.JobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"reservation_id": reservationID,
		"confirmed":      confirmed,
	})
}

// Refund returns reserved credits after the job failed
func (h *CreditHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}

	info, err := h.service.RefundCredits(r.Context(), chi.URLParam(r, "reservationId"), req.JobID, req.Reason, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, info)
}

// GetHistory pages through the caller's credit history
func (h *CreditHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ref, ok := middleware.AccountRefFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	filter, err := parseHistoryFilter(r)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	page, err := h.service.ListHistory(r.Context(), ref, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, page)
}

// Grant adds purchased or promotional credits to an account
func (h *CreditHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}

	ref := models.AccountRef{UserID: req.UserID, DeviceID: req.DeviceID, IPAddress: req.IPAddress}
	entry, err := h.service.GrantCredits(r.Context(), ref, req.Amount, req.PaymentID, req.Description)
	if errors.Is(err, services.ErrDuplicateRequest) {
		services.SendCodedErrorResponse(w, "Payment already granted", "duplicate_request", http.StatusConflict, nil)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, entry)
}

func (h *CreditHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func parseHistoryFilter(r *http.Request) (models.HistoryFilter, error) {
	q := r.URL.Query()
	filter := models.HistoryFilter{
		Type:  models.EntryType(q.Get("type")),
		JobID: q.Get("jobId"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return filter, errors.New("limit must be an integer")
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		return filter, errors.New("offset must be an integer")
	}
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		return filter, errors.New("from must be an RFC 3339 timestamp")
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		return filter, errors.New("to must be an RFC 3339 timestamp")
	}
	return filter, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func timeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	var insufficient *services.InsufficientCreditsError

	switch {
	case errors.As(err, &insufficient):
		services.SendJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "Insufficient credits",
			"code":      "insufficient_credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, services.ErrInvalidInput):
		services.SendCodedErrorResponse(w, err.Error(), "invalid_input", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrInvalidRefundAmount):
		services.SendCodedErrorResponse(w, "Refund exceeds reserved amount", "invalid_refund_amount", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrNotFound):
		services.SendCodedErrorResponse(w, "Reservation not found", "not_found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrAlreadyRefunded):
		services.SendCodedErrorResponse(w, "Reservation already refunded", "already_refunded", http.StatusConflict, nil)
	case errors.Is(err, services.ErrAlreadyFinalized):
		services.SendCodedErrorResponse(w, "Reservation already finalized", "already_finalized", http.StatusConflict, nil)
	case errors.Is(err, services.ErrStoreUnavailable):
		services.SendCodedErrorResponse(w, "Credit store unavailable, retry later", "store_unavailable", http.StatusServiceUnavailable, nil)
	default:
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
