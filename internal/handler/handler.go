// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the allocation service.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/notifier"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/service"
)

// HeaderActor carries the acting principal, as asserted by the upstream
// identity layer.
const HeaderActor = "X-Actor"

// HeaderIdempotencyKey deduplicates retried reservation requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// AllocationHandler holds all HTTP handlers for the allocation API.
type AllocationHandler struct {
	svc *service.AllocationService
	hub *notifier.Hub
	log *zap.Logger
}

// NewAllocationHandler constructs an AllocationHandler.
func NewAllocationHandler(svc *service.AllocationService, hub *notifier.Hub, log *zap.Logger) *AllocationHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AllocationHandler{svc: svc, hub: hub, log: log}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(HeaderActor)); a != "" {
		return a
	}
	return "anonymous"
}

// writeServiceError maps domain errors to a status and a machine-readable
// code the UI can branch on.
func (h *AllocationHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidGroupSize):
		writeError(w, http.StatusBadRequest, "invalid_group_size", err.Error())
	case errors.Is(err, model.ErrInvalidParty):
		writeError(w, http.StatusBadRequest, "invalid_party", err.Error())
	case errors.Is(err, model.ErrInvalidPromo):
		writeError(w, http.StatusBadRequest, "invalid_promo", err.Error())
	case errors.Is(err, model.ErrDayNotFound):
		writeError(w, http.StatusNotFound, "day_not_found", err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrDayClosed):
		writeError(w, http.StatusConflict, "day_closed", err.Error())
	case errors.Is(err, model.ErrCapacityExceeded):
		writeError(w, http.StatusConflict, "sold_out", err.Error())
	case errors.Is(err, model.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, model.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency_conflict", err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, model.ErrAlreadyCheckedIn):
		writeError(w, http.StatusConflict, "already_checked_in", err.Error())
	case errors.Is(err, model.ErrPaymentExpired):
		writeError(w, http.StatusGone, "payment_expired", err.Error())
	case errors.Is(err, model.ErrTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "timeout", model.ErrTimeout.Error())
	case errors.Is(err, model.ErrConflictRetryExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy", model.ErrConflictRetryExhausted.Error())
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func parseDateParam(w http.ResponseWriter, r *http.Request) (model.Date, bool) {
	d, err := model.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be formatted as YYYY-MM-DD")
		return model.Date{}, false
	}
	return d, true
}

// ─── Wire types ───────────────────────────────────────────────────────────────

type reserveRequest struct {
	EventDate      model.Date     `json:"event_date"`
	GroupSize      int            `json:"group_size"`
	Leader         model.Leader   `json:"leader"`
	Members        []model.Member `json:"members"`
	PromoCode      string         `json:"promo_code,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type confirmPaymentRequest struct {
	PaymentRef string `json:"payment_ref"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// bookingResponse flattens the booking lifecycle into optional fields.
type bookingResponse struct {
	ID               string         `json:"id"`
	ConfirmationCode string         `json:"confirmation_code"`
	EventDate        model.Date     `json:"event_date"`
	SlotID           string         `json:"slot_id,omitempty"`
	GroupSize        int            `json:"group_size"`
	Leader           model.Leader   `json:"leader"`
	Members          []model.Member `json:"members"`
	PaymentStatus    string         `json:"payment_status"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	PaidAt           *time.Time     `json:"paid_at,omitempty"`
	PaymentRef       string         `json:"payment_ref,omitempty"`
	FailedAt         *time.Time     `json:"failed_at,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	FailedBy         string         `json:"failed_by,omitempty"`
	CheckIn          model.CheckIn  `json:"check_in"`
	Promo            *model.Promo   `json:"promo,omitempty"`
	Amount           model.Amount   `json:"amount"`
	CapacityReleased bool           `json:"capacity_released"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func toBookingResponse(b *model.Booking) bookingResponse {
	resp := bookingResponse{
		ID:               b.ID,
		ConfirmationCode: b.ConfirmationCode,
		EventDate:        b.EventDate,
		SlotID:           b.SlotID,
		GroupSize:        b.GroupSize,
		Leader:           b.Leader,
		Members:          b.Members,
		PaymentStatus:    string(b.PaymentStatus()),
		CheckIn:          b.CheckIn,
		Promo:            b.Promo,
		Amount:           b.Amount,
		CapacityReleased: b.CapacityReleased,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
	if resp.Members == nil {
		resp.Members = []model.Member{}
	}
	switch st := b.State.(type) {
	case model.Pending:
		resp.ExpiresAt = &st.ExpiresAt
	case model.Completed:
		resp.PaidAt = &st.PaidAt
		resp.PaymentRef = st.PaymentRef
	case model.Failed:
		resp.FailedAt = &st.FailedAt
		resp.FailureReason = st.Reason
		resp.FailedBy = st.By
	}
	return resp
}

// ─── Public handlers ──────────────────────────────────────────────────────────

// ListDays handles GET /days
func (h *AllocationHandler) ListDays(w http.ResponseWriter, r *http.Request) {
	days, err := h.svc.Days(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if days == nil {
		days = []service.DayAvailability{}
	}
	writeJSON(w, http.StatusOK, days)
}

// Availability handles GET /days/{date}/availability
func (h *AllocationHandler) Availability(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.QueryAvailability(r.Context(), date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Slots handles GET /days/{date}/slots
func (h *AllocationHandler) Slots(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}
	day, err := h.svc.Slots(r.Context(), date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, day)
}

// Reserve handles POST /bookings
func (h *AllocationHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}

	b, err := h.svc.Reserve(r.Context(), service.ReserveInput{
		EventDate:      req.EventDate,
		GroupSize:      req.GroupSize,
		Leader:         req.Leader,
		Members:        req.Members,
		PromoCode:      req.PromoCode,
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

// GetBooking handles GET /bookings/{id}
func (h *AllocationHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Booking(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// ConfirmPayment handles POST /bookings/{id}/confirm-payment
func (h *AllocationHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	b, err := h.svc.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), req.PaymentRef)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// Cancel handles POST /bookings/{id}/cancel
func (h *AllocationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body: "+err.Error())
		return
	}
	b, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// ─── Admin handlers ───────────────────────────────────────────────────────────

// ListBookings handles GET /admin/bookings?date=&status=
func (h *AllocationHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	var filter model.BookingFilter
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be formatted as YYYY-MM-DD")
			return
		}
		filter.Date = d
	}
	switch st := model.PaymentStatus(r.URL.Query().Get("status")); st {
	case "", model.PaymentPending, model.PaymentCompleted, model.PaymentFailed:
		filter.Status = st
	default:
		writeError(w, http.StatusBadRequest, "invalid_status", "status must be pending, completed or failed")
		return
	}

	bookings, err := h.svc.ListBookings(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, toBookingResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckIn handles POST /admin/bookings/{id}/check-in
func (h *AllocationHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.CheckIn(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// CloseDay handles POST /admin/days/{date}/close
func (h *AllocationHandler) CloseDay(w http.ResponseWriter, r *http.Request) {
	h.setDayStatus(w, r, model.DayStatusClosed)
}

// OpenDay handles POST /admin/days/{date}/open
func (h *AllocationHandler) OpenDay(w http.ResponseWriter, r *http.Request) {
	h.setDayStatus(w, r, model.DayStatusOpen)
}

func (h *AllocationHandler) setDayStatus(w http.ResponseWriter, r *http.Request, status model.DayStatus) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}
	var err error
	if status == model.DayStatusClosed {
		err = h.svc.CloseDay(r.Context(), date, actor(r))
	} else {
		err = h.svc.OpenDay(r.Context(), date, actor(r))
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"date": date.String(), "status": string(status)})
}

// DailyReport handles GET /admin/reports/daily
func (h *AllocationHandler) DailyReport(w http.ResponseWriter, r *http.Request) {
	reports, err := h.svc.DailyReport(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if reports == nil {
		reports = []service.DayReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
