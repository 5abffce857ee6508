// Package service implements the allocation workflow: validation, capacity
// debits and credits, booking lifecycle and orchestration between the HTTP
// handlers and the ledger and booking stores.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jinzhu/now"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/clock"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/locker"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/promo"
)

// Ledger is the per-day capacity ledger. It is implemented by
// ledger.Memory and repository.LedgerRepository.
type Ledger interface {
	Provision(ctx context.Context, day model.EventDay) (model.LedgerSnapshot, error)
	TryDebit(ctx context.Context, date model.Date, bookingID string, groupSize int) (model.LedgerSnapshot, model.Debit, error)
	Credit(ctx context.Context, bookingID string) (model.LedgerSnapshot, bool, error)
	Snapshot(ctx context.Context, date model.Date) (model.LedgerSnapshot, error)
	Day(ctx context.Context, date model.Date) (model.EventDay, error)
	Days(ctx context.Context) ([]model.EventDay, error)
	SetDayStatus(ctx context.Context, date model.Date, status model.DayStatus) error
	ListUncreditedDebits(ctx context.Context, before time.Time) ([]model.Debit, error)
}

// BookingStore persists bookings. It is implemented by memstore.Bookings and
// repository.BookingRepository.
type BookingStore interface {
	Create(ctx context.Context, b *model.Booking) error
	Get(ctx context.Context, id string) (*model.Booking, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error)
	Transition(ctx context.Context, id string, from []model.PaymentStatus, to model.BookingState, at time.Time) (*model.Booking, error)
	MarkCapacityReleased(ctx context.Context, id string, at time.Time) error
	CheckIn(ctx context.Context, id string, at time.Time, by string) (*model.Booking, error)
	List(ctx context.Context, filter model.BookingFilter) ([]*model.Booking, error)
	ListExpiredPending(ctx context.Context, before time.Time) ([]*model.Booking, error)
	ListUnreleased(ctx context.Context) ([]*model.Booking, error)
	MissingBookings(ctx context.Context, ids []string) ([]string, error)
}

// Publisher receives every committed ledger change.
type Publisher interface {
	Publish(snap model.LedgerSnapshot) bool
}

const (
	defaultPaymentTimeout = 15 * time.Minute
	defaultOpTimeout      = 5 * time.Second
	defaultPricePerPerson = 50000

	// ActorSystem marks changes made by the reconciler.
	ActorSystem = "system"
	// ReasonPaymentTimeout is recorded on bookings failed by the reconciler.
	ReasonPaymentTimeout = "payment_timeout"
)

// AllocationService orchestrates reservations against the capacity ledger.
type AllocationService struct {
	ledger    Ledger
	bookings  BookingStore
	clock     clock.Clock
	locker    locker.Locker
	publisher Publisher
	promos    *promo.Table
	validate  *validator.Validate
	log       *zap.Logger

	paymentTimeout time.Duration
	opTimeout      time.Duration
	pricePerPerson int64
	loc            *time.Location
}

type Option func(*AllocationService)

// WithPaymentTimeout sets how long a pending booking holds its capacity.
func WithPaymentTimeout(d time.Duration) Option {
	return func(s *AllocationService) {
		if d > 0 {
			s.paymentTimeout = d
		}
	}
}

// WithOpTimeout bounds every public operation.
func WithOpTimeout(d time.Duration) Option {
	return func(s *AllocationService) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func WithPricePerPerson(p int64) Option {
	return func(s *AllocationService) { s.pricePerPerson = p }
}

// WithLocation sets the event's time zone used to decide which days are past.
func WithLocation(loc *time.Location) Option {
	return func(s *AllocationService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithPromos(t *promo.Table) Option {
	return func(s *AllocationService) { s.promos = t }
}

// WithLocker replaces the in-process idempotency-key lock, e.g. with a Redis
// lock shared by several instances.
func WithLocker(l locker.Locker) Option {
	return func(s *AllocationService) { s.locker = l }
}

func WithPublisher(p Publisher) Option {
	return func(s *AllocationService) { s.publisher = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *AllocationService) {
		if log != nil {
			s.log = log
		}
	}
}

// NewAllocationService constructs an AllocationService with its dependencies.
func NewAllocationService(ledger Ledger, bookings BookingStore, clk clock.Clock, opts ...Option) *AllocationService {
	s := &AllocationService{
		ledger:         ledger,
		bookings:       bookings,
		clock:          clk,
		locker:         locker.NewLocal(),
		promos:         promo.NewTable(),
		validate:       validator.New(),
		log:            zap.NewNop(),
		paymentTimeout: defaultPaymentTimeout,
		opTimeout:      defaultOpTimeout,
		pricePerPerson: defaultPricePerPerson,
		loc:            time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveInput carries a reservation request. Members excludes the leader.
type ReserveInput struct {
	EventDate      model.Date
	GroupSize      int
	Leader         model.Leader
	Members        []model.Member
	PromoCode      string
	IdempotencyKey string
}

// Provision seeds the ledger with days. Days that already exist keep their
// ledger.
func (s *AllocationService) Provision(ctx context.Context, days []model.EventDay) error {
	for _, day := range days {
		snap, err := s.ledger.Provision(ctx, day)
		if err != nil {
			return fmt.Errorf("provision %s: %w", day.Date, err)
		}
		s.log.Info("event day provisioned",
			zap.Stringer("date", day.Date),
			zap.Int("max_capacity", snap.MaxCapacity),
			zap.Int("available", snap.AvailableCapacity),
			zap.Int("game_slots", snap.TotalSlots),
		)
	}
	return nil
}

// Reserve debits the ledger for a group and records a pending booking bound
// to the claimed slot. Repeating a request with the same idempotency key
// returns the original booking.
func (s *AllocationService) Reserve(ctx context.Context, in ReserveInput) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.validateInput(in); err != nil {
		return nil, err
	}

	at := s.clock.Now()
	day, err := s.ledger.Day(ctx, in.EventDate)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if s.closed(day, at) {
		return nil, model.ErrDayClosed
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	unlock, err := s.locker.Lock(ctx, "reserve:"+key, 2*s.opTimeout)
	if err != nil {
		return nil, s.fail(ctx, fmt.Errorf("lock idempotency key: %w", err))
	}
	defer unlock()

	existing, err := s.bookings.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	if existing != nil {
		return replay(existing, in)
	}

	amount, applied, err := s.price(in, at)
	if err != nil {
		return nil, err
	}

	b := &model.Booking{
		ID:               uuid.NewString(),
		ConfirmationCode: newConfirmationCode(),
		IdempotencyKey:   key,
		EventDate:        in.EventDate,
		GroupSize:        in.GroupSize,
		Leader:           in.Leader,
		Members:          in.Members,
		State:            model.Pending{ExpiresAt: at.Add(s.paymentTimeout)},
		CheckIn:          model.CheckIn{Status: model.NotCheckedIn},
		Promo:            applied,
		Amount:           amount,
		CreatedAt:        at,
		UpdatedAt:        at,
	}

	snap, debit, err := s.ledger.TryDebit(ctx, in.EventDate, b.ID, in.GroupSize)
	if err != nil {
		if errors.Is(err, model.ErrCapacityExceeded) {
			s.log.Info("reservation rejected: sold out",
				zap.Stringer("date", in.EventDate),
				zap.Int("group_size", in.GroupSize),
			)
		}
		if !model.IsDomain(err) {
			// The debit may have committed even though we never heard back.
			s.compensate(ctx, b.ID)
		}
		return nil, s.fail(ctx, err)
	}
	b.SlotID = debit.SlotID

	if err := s.bookings.Create(ctx, b); err != nil {
		s.compensate(ctx, b.ID)
		if errors.Is(err, model.ErrIdempotencyConflict) {
			// Another instance won the race for this key.
			winner, findErr := s.bookings.FindByIdempotencyKey(context.WithoutCancel(ctx), key)
			if findErr == nil && winner != nil {
				return replay(winner, in)
			}
		}
		return nil, s.fail(ctx, fmt.Errorf("persist booking: %w", err))
	}

	s.publish(snap)
	s.log.Info("booking reserved",
		zap.String("booking_id", b.ID),
		zap.String("confirmation_code", b.ConfirmationCode),
		zap.Stringer("date", b.EventDate),
		zap.String("slot_id", b.SlotID),
		zap.Int("group_size", b.GroupSize),
		zap.Int("available", snap.AvailableCapacity),
		zap.Int64("version", snap.Version),
	)
	return b, nil
}

// ConfirmPayment marks a pending booking as paid. The ledger is not touched:
// capacity was taken at reservation time.
func (s *AllocationService) ConfirmPayment(ctx context.Context, bookingID, paymentRef string) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	b, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	at := s.clock.Now()
	switch st := b.State.(type) {
	case model.Completed:
		return b, nil
	case model.Failed:
		return nil, model.ErrInvalidTransition
	case model.Pending:
		if !at.Before(st.ExpiresAt) {
			return nil, model.ErrPaymentExpired
		}
	}

	paid, err := s.bookings.Transition(ctx, bookingID,
		[]model.PaymentStatus{model.PaymentPending},
		model.Completed{PaidAt: at, PaymentRef: paymentRef}, at)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) && paid != nil && paid.PaymentStatus() == model.PaymentCompleted {
			return paid, nil
		}
		return nil, s.fail(ctx, err)
	}

	s.log.Info("payment confirmed", zap.String("booking_id", bookingID), zap.String("payment_ref", paymentRef))
	return paid, nil
}

// Cancel fails a pending or completed booking and credits its capacity back.
// Cancelling a failed booking returns model.ErrAlreadyCancelled and never
// credits twice.
func (s *AllocationService) Cancel(ctx context.Context, bookingID, reason, actor string) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if reason == "" {
		reason = "cancelled"
	}
	return s.cancel(ctx, bookingID, reason, actor,
		[]model.PaymentStatus{model.PaymentPending, model.PaymentCompleted})
}

func (s *AllocationService) cancel(ctx context.Context, bookingID, reason, actor string, from []model.PaymentStatus) (*model.Booking, error) {
	at := s.clock.Now()
	b, err := s.bookings.Transition(ctx, bookingID, from,
		model.Failed{FailedAt: at, Reason: reason, By: actor}, at)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) && b != nil && b.PaymentStatus() == model.PaymentFailed {
			if !b.CapacityReleased {
				if relErr := s.release(ctx, b); relErr != nil {
					s.log.Warn("re-release of cancelled booking failed", zap.String("booking_id", b.ID), zap.Error(relErr))
				}
			}
			return nil, model.ErrAlreadyCancelled
		}
		return nil, s.fail(ctx, err)
	}

	if err := s.release(ctx, b); err != nil {
		// The reconciler picks the booking up again since CapacityReleased is false.
		return nil, s.fail(ctx, fmt.Errorf("release capacity: %w", err))
	}
	b.CapacityReleased = true

	s.log.Info("booking cancelled",
		zap.String("booking_id", b.ID),
		zap.String("reason", reason),
		zap.String("actor", actor),
	)
	return b, nil
}

// release credits the booking's debit and records that it has been applied.
func (s *AllocationService) release(ctx context.Context, b *model.Booking) error {
	snap, credited, err := s.ledger.Credit(ctx, b.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// No debit was ever recorded for this booking.
	case err != nil:
		return err
	case credited:
		s.publish(snap)
	}
	return s.bookings.MarkCapacityReleased(ctx, b.ID, s.clock.Now())
}

// compensate undoes the debit of a booking that could not be persisted. It
// runs even when ctx has already expired. A debit that never landed is not
// an error. One that cannot be credited now is left to the reconciler.
func (s *AllocationService) compensate(ctx context.Context, bookingID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opTimeout)
	defer cancel()

	snap, credited, err := s.ledger.Credit(cctx, bookingID)
	if errors.Is(err, model.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Error("compensating credit failed", zap.String("booking_id", bookingID), zap.Error(err))
		return
	}
	if credited {
		s.publish(snap)
	}
}

// orphanGrace is how long a debit may exist without its booking before the
// reconciler treats it as abandoned: a reservation and its compensation each
// run under opTimeout.
func (s *AllocationService) orphanGrace() time.Duration {
	return 2 * s.opTimeout
}

// QueryAvailability returns the last committed snapshot of the day.
func (s *AllocationService) QueryAvailability(ctx context.Context, date model.Date) (model.LedgerSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	snap, err := s.ledger.Snapshot(ctx, date)
	if err != nil {
		return model.LedgerSnapshot{}, s.fail(ctx, err)
	}
	return snap, nil
}

// Snapshot satisfies notifier.SnapshotSource.
func (s *AllocationService) Snapshot(ctx context.Context, date model.Date) (model.LedgerSnapshot, error) {
	return s.QueryAvailability(ctx, date)
}

func (s *AllocationService) Booking(ctx context.Context, id string) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return b, nil
}

// Slots returns the day with the current state of every slot.
func (s *AllocationService) Slots(ctx context.Context, date model.Date) (model.EventDay, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	day, err := s.ledger.Day(ctx, date)
	if err != nil {
		return model.EventDay{}, s.fail(ctx, err)
	}
	if s.closed(day, s.clock.Now()) {
		day.Status = model.DayStatusClosed
	}
	return day, nil
}

// DayAvailability is a day with its ledger snapshot. Status is the effective
// status: past days report closed.
type DayAvailability struct {
	Date      model.Date           `json:"date"`
	Status    model.DayStatus      `json:"status"`
	SoldOut   bool                 `json:"sold_out"`
	Occupancy float64              `json:"occupancy_rate"`
	Snapshot  model.LedgerSnapshot `json:"availability"`
}

func (s *AllocationService) Days(ctx context.Context) ([]DayAvailability, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	days, err := s.ledger.Days(ctx)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	at := s.clock.Now()
	out := make([]DayAvailability, 0, len(days))
	for _, d := range days {
		snap, err := s.ledger.Snapshot(ctx, d.Date)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		status := d.Status
		if s.closed(d, at) {
			status = model.DayStatusClosed
		}
		out = append(out, DayAvailability{
			Date:      d.Date,
			Status:    status,
			SoldOut:   snap.SoldOut(),
			Occupancy: snap.OccupancyRate(),
			Snapshot:  snap,
		})
	}
	return out, nil
}

// CheckIn flags a paid booking as arrived at the door. Capacity is unchanged.
func (s *AllocationService) CheckIn(ctx context.Context, bookingID, actor string) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	b, err := s.bookings.CheckIn(ctx, bookingID, s.clock.Now(), actor)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	s.log.Info("group checked in", zap.String("booking_id", b.ID), zap.String("actor", actor))
	return b, nil
}

func (s *AllocationService) ListBookings(ctx context.Context, filter model.BookingFilter) ([]*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	bookings, err := s.bookings.List(ctx, filter)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return bookings, nil
}

// CloseDay stops new reservations for date. Existing bookings are kept.
func (s *AllocationService) CloseDay(ctx context.Context, date model.Date, actor string) error {
	return s.setDayStatus(ctx, date, model.DayStatusClosed, actor)
}

func (s *AllocationService) OpenDay(ctx context.Context, date model.Date, actor string) error {
	return s.setDayStatus(ctx, date, model.DayStatusOpen, actor)
}

func (s *AllocationService) setDayStatus(ctx context.Context, date model.Date, status model.DayStatus, actor string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.ledger.SetDayStatus(ctx, date, status); err != nil {
		return s.fail(ctx, err)
	}
	s.log.Info("day status changed", zap.Stringer("date", date), zap.String("status", string(status)), zap.String("actor", actor))
	return nil
}

// closed reports whether day no longer accepts reservations at instant at.
func (s *AllocationService) closed(day model.EventDay, at time.Time) bool {
	if day.Status == model.DayStatusClosed {
		return true
	}
	today := now.With(at.In(s.loc)).BeginningOfDay()
	return day.Date.In(s.loc).Before(today)
}

func (s *AllocationService) validateInput(in ReserveInput) error {
	if in.GroupSize < model.MinGroupSize || in.GroupSize > model.MaxGroupSize {
		return model.ErrInvalidGroupSize
	}
	if in.EventDate.IsZero() {
		return fmt.Errorf("%w: event date is required", model.ErrInvalidParty)
	}
	if len(in.Members) != in.GroupSize-1 {
		return fmt.Errorf("%w: expected %d members besides the leader, got %d",
			model.ErrInvalidParty, in.GroupSize-1, len(in.Members))
	}
	if err := s.validate.Struct(in.Leader); err != nil {
		return partyError("leader", err)
	}
	for i, m := range in.Members {
		if err := s.validate.Struct(m); err != nil {
			return partyError(fmt.Sprintf("members[%d]", i), err)
		}
	}
	return nil
}

func partyError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %s: %v", model.ErrInvalidParty, prefix, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s.%s failed %q", prefix, strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", model.ErrInvalidParty, strings.Join(fields, ", "))
}

func (s *AllocationService) price(in ReserveInput, at time.Time) (model.Amount, *model.Promo, error) {
	subtotal := s.pricePerPerson * int64(in.GroupSize)
	amount := model.Amount{Subtotal: subtotal, Total: subtotal}
	if strings.TrimSpace(in.PromoCode) == "" {
		return amount, nil, nil
	}
	p, err := s.promos.Apply(in.PromoCode, subtotal, in.GroupSize, at)
	if err != nil {
		return model.Amount{}, nil, err
	}
	amount.Discount = p.Discount
	amount.Total = subtotal - p.Discount
	return amount, &p, nil
}

// replay returns the booking created earlier under the same idempotency key,
// provided the request asks for the same thing.
func replay(existing *model.Booking, in ReserveInput) (*model.Booking, error) {
	if existing.EventDate != in.EventDate || existing.GroupSize != in.GroupSize {
		return nil, model.ErrIdempotencyConflict
	}
	return existing, nil
}

func (s *AllocationService) publish(snap model.LedgerSnapshot) {
	if s.publisher != nil {
		s.publisher.Publish(snap)
	}
}

// fail maps an expired context to model.ErrTimeout so callers can tell
// "try again" apart from "sold out".
func (s *AllocationService) fail(ctx context.Context, err error) error {
	if errors.Is(err, model.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		if model.IsDomain(err) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrTimeout, err)
	}
	return err
}

const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// newConfirmationCode returns a short human-readable code such as HW-7K2Q9M.
func newConfirmationCode() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "HW-" + strings.ToUpper(uuid.NewString()[:6])
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return "HW-" + string(b)
}
