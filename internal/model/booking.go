package model

import "time"

const (
	MinGroupSize = 5
	MaxGroupSize = 7
)

// PaymentStatus is the flattened name of a booking's lifecycle state.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// BookingState is one of Pending, Completed or Failed.
type BookingState interface {
	PaymentStatus() PaymentStatus
	bookingState()
}

// Pending holds capacity until ExpiresAt while the group pays.
type Pending struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// Completed is a paid booking.
type Completed struct {
	PaidAt     time.Time `json:"paid_at"`
	PaymentRef string    `json:"payment_ref,omitempty"`
}

// Failed is a cancelled, refunded or timed-out booking. Its capacity has
// been (or is about to be) credited back.
type Failed struct {
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
	By       string    `json:"by"`
}

func (Pending) PaymentStatus() PaymentStatus   { return PaymentPending }
func (Completed) PaymentStatus() PaymentStatus { return PaymentCompleted }
func (Failed) PaymentStatus() PaymentStatus    { return PaymentFailed }

func (Pending) bookingState()   {}
func (Completed) bookingState() {}
func (Failed) bookingState()    {}

// CheckInStatus is flipped at the door; it never touches capacity.
type CheckInStatus string

const (
	NotCheckedIn CheckInStatus = "not_checked_in"
	CheckedIn    CheckInStatus = "checked_in"
)

type CheckIn struct {
	Status CheckInStatus `json:"status"`
	At     *time.Time    `json:"at,omitempty"`
	By     string        `json:"by,omitempty"`
}

// Leader is the contact person of a group.
type Leader struct {
	Name   string `json:"name" validate:"required,max=100"`
	Age    int    `json:"age" validate:"gte=12,lte=100"`
	Email  string `json:"email" validate:"required,email"`
	Phone  string `json:"phone" validate:"required,min=9,max=15,numeric"`
	LineID string `json:"line_id" validate:"required,max=50"`
}

type Member struct {
	Name  string `json:"name" validate:"required,max=100"`
	Age   int    `json:"age" validate:"gte=12,lte=100"`
	Phone string `json:"phone,omitempty" validate:"omitempty,min=9,max=15,numeric"`
}

// Promo is a discount computed by the promo rule table.
type Promo struct {
	Code     string `json:"code"`
	Discount int64  `json:"discount"`
}

// Amount is expressed in minor currency units.
type Amount struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

// Booking is a group reservation against one event day.
type Booking struct {
	ID               string
	ConfirmationCode string
	IdempotencyKey   string
	EventDate        Date
	SlotID           string
	GroupSize        int
	Leader           Leader
	Members          []Member
	State            BookingState
	CheckIn          CheckIn
	Promo            *Promo
	Amount           Amount
	CapacityReleased bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (b *Booking) PaymentStatus() PaymentStatus {
	if b.State == nil {
		return PaymentPending
	}
	return b.State.PaymentStatus()
}

// Party is the leader and members as stored alongside a booking.
type Party struct {
	Leader  Leader   `json:"leader"`
	Members []Member `json:"members"`
}

// BookingFilter narrows admin listings. Zero values match everything.
type BookingFilter struct {
	Date   Date
	Status PaymentStatus
}

func (f BookingFilter) Match(b *Booking) bool {
	if !f.Date.IsZero() && b.EventDate != f.Date {
		return false
	}
	if f.Status != "" && b.PaymentStatus() != f.Status {
		return false
	}
	return true
}
