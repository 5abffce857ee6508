package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter builds the chi router with the global middleware stack.
func NewRouter(h *AllocationHandler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer) // recover from panics, return 500
	r.Use(chimiddleware.RequestID) // attach request IDs
	r.Use(chimiddleware.RealIP)    // trust X-Forwarded-For
	r.Use(Logger(log))             // structured access log
	r.Use(CORS)                    // permissive CORS for the booking pages

	r.Get("/health", HealthCheck)

	r.Route("/days", func(r chi.Router) {
		r.Get("/", h.ListDays)
		r.Get("/{date}/availability", h.Availability)
		r.Get("/{date}/slots", h.Slots)
		r.Get("/{date}/ws", h.Stream)
	})

	r.Route("/bookings", func(r chi.Router) {
		r.Post("/", h.Reserve)
		r.Get("/{id}", h.GetBooking)
		r.Post("/{id}/confirm-payment", h.ConfirmPayment)
		r.Post("/{id}/cancel", h.Cancel)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/bookings", h.ListBookings)
		r.Post("/bookings/{id}/check-in", h.CheckIn)
		r.Post("/days/{date}/close", h.CloseDay)
		r.Post("/days/{date}/open", h.OpenDay)
		r.Get("/reports/daily", h.DailyReport)
	})

	return r
}
