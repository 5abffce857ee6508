package service

import (
	"context"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// DayReport aggregates one event day for the admin dashboard. Capacity
// figures come from the ledger; counts and revenue from the bookings.
type DayReport struct {
	Date              model.Date `json:"date"`
	MaxCapacity       int        `json:"max_capacity"`
	CurrentBookings   int        `json:"current_bookings"`
	AvailableCapacity int        `json:"available_capacity"`
	OccupancyRate     float64    `json:"occupancy_rate"`
	BookedSlots       int        `json:"booked_slots"`
	TotalSlots        int        `json:"total_slots"`

	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	PaidHeads      int   `json:"paid_heads"`
	CheckedInHeads int   `json:"checked_in_heads"`
	Revenue        int64 `json:"revenue"`
}

// DailyReport is read-only: it never changes the ledger or any booking.
func (s *AllocationService) DailyReport(ctx context.Context) ([]DayReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	days, err := s.ledger.Days(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	reports := make([]DayReport, 0, len(days))
	for _, d := range days {
		snap, err := s.ledger.Snapshot(ctx, d.Date)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		bookings, err := s.bookings.List(ctx, model.BookingFilter{Date: d.Date})
		if err != nil {
			return nil, s.fail(ctx, err)
		}

		r := DayReport{
			Date:              d.Date,
			MaxCapacity:       snap.MaxCapacity,
			CurrentBookings:   snap.CurrentBookings,
			AvailableCapacity: snap.AvailableCapacity,
			OccupancyRate:     snap.OccupancyRate(),
			BookedSlots:       snap.BookedSlots,
			TotalSlots:        snap.TotalSlots,
		}
		for _, b := range bookings {
			switch b.PaymentStatus() {
			case model.PaymentPending:
				r.Pending++
			case model.PaymentCompleted:
				r.Completed++
				r.PaidHeads += b.GroupSize
				r.Revenue += b.Amount.Total
				if b.CheckIn.Status == model.CheckedIn {
					r.CheckedInHeads += b.GroupSize
				}
			case model.PaymentFailed:
				r.Failed++
			}
		}
		reports = append(reports, r)
	}
	return reports, nil
}
