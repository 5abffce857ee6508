// Package model defines the core domain types for the slot and capacity allocator.
package model

import "time"

// SlotKind tells bookable game slots apart from schedule markers.
type SlotKind string

const (
	SlotKindGame     SlotKind = "game"
	SlotKindBreak    SlotKind = "break"
	SlotKindCeremony SlotKind = "ceremony"
)

// DayStatus controls whether an event day accepts new reservations.
type DayStatus string

const (
	DayStatusOpen   DayStatus = "open"
	DayStatusClosed DayStatus = "closed"
)

// TimeSlot is a single interval within an event day. Only game slots can be
// claimed by a booking.
type TimeSlot struct {
	ID              string    `json:"id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	RoundNumber     int       `json:"round_number"`
	GroupNumber     int       `json:"group_number"`
	Kind            SlotKind  `json:"kind"`
	IsAvailable     bool      `json:"is_available"`
	BoundBookingRef string    `json:"bound_booking_ref,omitempty"`
}

// Bookable reports whether the slot is a free game slot.
func (s TimeSlot) Bookable() bool {
	return s.Kind == SlotKindGame && s.IsAvailable
}

// EventDay is one calendar day of the event with its slot layout.
// MaxCapacity is fixed when the day is defined; bookings only consume against it.
type EventDay struct {
	Date        Date       `json:"date"`
	MaxCapacity int        `json:"max_capacity"`
	Status      DayStatus  `json:"status"`
	Slots       []TimeSlot `json:"slots"`
}

// GameSlots returns the number of bookable slot units of the day.
func (d EventDay) GameSlots() int {
	n := 0
	for _, s := range d.Slots {
		if s.Kind == SlotKindGame {
			n++
		}
	}
	return n
}

// LedgerSnapshot is a read-only view of a day's capacity ledger.
// Version increases by one on every debit or credit of that day.
type LedgerSnapshot struct {
	Date              Date      `json:"date"`
	TotalSlots        int       `json:"total_slots"`
	BookedSlots       int       `json:"booked_slots"`
	MaxCapacity       int       `json:"max_capacity"`
	CurrentBookings   int       `json:"current_bookings"`
	AvailableCapacity int       `json:"available_capacity"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SoldOut reports whether no further group can be seated.
func (s LedgerSnapshot) SoldOut() bool {
	return s.AvailableCapacity < MinGroupSize || s.BookedSlots >= s.TotalSlots
}

// OccupancyRate returns consumed head-count as a percentage of MaxCapacity.
func (s LedgerSnapshot) OccupancyRate() float64 {
	if s.MaxCapacity == 0 {
		return 0
	}
	return float64(s.CurrentBookings) / float64(s.MaxCapacity) * 100
}

// Debit records the capacity a booking took from a day. Credited flips once
// the debit has been reversed, so a second credit is a no-op.
type Debit struct {
	BookingID string    `json:"booking_id"`
	Date      Date      `json:"date"`
	GroupSize int       `json:"group_size"`
	SlotID    string    `json:"slot_id,omitempty"`
	Credited  bool      `json:"credited"`
	CreatedAt time.Time `json:"created_at"`
}
