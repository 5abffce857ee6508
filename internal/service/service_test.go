package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/clock"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/ledger"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/memstore"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/notifier"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/promo"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/schedule"
)

var (
	dayX = model.Date{Year: 2026, Month: time.October, Day: 30}
	t0   = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc      *AllocationService
	ledger   *ledger.Memory
	bookings *memstore.Bookings
	clock    *clock.Manual
	hub      *notifier.Hub
}

// newFixture provisions dayX with five game slots of seven people: 35 heads.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(t0)
	f := &fixture{
		ledger:   ledger.NewMemory(clk),
		bookings: memstore.NewBookings(),
		clock:    clk,
		hub:      notifier.NewHub(nil),
	}
	opts = append([]Option{
		WithPublisher(f.hub),
		WithPromos(promo.NewTable(promo.DefaultRules(2026, time.UTC)...)),
		WithPricePerPerson(50000),
	}, opts...)
	f.svc = NewAllocationService(f.ledger, f.bookings, clk, opts...)

	day, err := schedule.DefineDay(dayX, schedule.Template{
		Opens:            19 * time.Hour,
		Rounds:           1,
		SlotsPerRound:    5,
		SlotDuration:     15 * time.Minute,
		MaxPeoplePerSlot: 7,
	}, time.UTC)
	require.NoError(t, err)
	require.NoError(t, f.svc.Provision(context.Background(), []model.EventDay{day}))
	return f
}

func (f *fixture) available(t *testing.T) int {
	t.Helper()
	snap, err := f.svc.QueryAvailability(context.Background(), dayX)
	require.NoError(t, err)
	return snap.AvailableCapacity
}

func input(size int) ReserveInput {
	members := make([]model.Member, size-1)
	for i := range members {
		members[i] = model.Member{Name: fmt.Sprintf("Ghoul %d", i+1), Age: 20 + i}
	}
	return ReserveInput{
		EventDate: dayX,
		GroupSize: size,
		Leader: model.Leader{
			Name:   "Vlad",
			Age:    35,
			Email:  "vlad@example.com",
			Phone:  "0812345678",
			LineID: "vlad",
		},
		Members: members,
	}
}

func TestReserve_ConcurrentRequestsNeverOverbook(t *testing.T) {
	f := newFixture(t)

	const attempts = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		full int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(context.Background(), input(7))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrCapacityExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 0, f.available(t))

	bookings, err := f.svc.ListBookings(context.Background(), model.BookingFilter{Date: dayX})
	require.NoError(t, err)
	heads := 0
	slots := map[string]bool{}
	for _, b := range bookings {
		heads += b.GroupSize
		assert.False(t, slots[b.SlotID], "slot %s bound twice", b.SlotID)
		slots[b.SlotID] = true
	}
	assert.Equal(t, 35, heads)
}

func TestReserve_CancelRestoresCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Reserve(ctx, input(5))
	require.NoError(t, err)
	assert.Equal(t, 30, f.available(t))
	assert.Equal(t, "R1G1", b.SlotID)
	assert.Equal(t, model.PaymentPending, b.PaymentStatus())
	assert.Equal(t, t0.Add(15*time.Minute), b.State.(model.Pending).ExpiresAt)
	assert.Regexp(t, `^HW-[2-9A-Z]{6}$`, b.ConfirmationCode)

	cancelled, err := f.svc.Cancel(ctx, b.ID, "changed plans", "vlad@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, cancelled.PaymentStatus())
	assert.True(t, cancelled.CapacityReleased)
	assert.Equal(t, 35, f.available(t))

	day, err := f.svc.Slots(ctx, dayX)
	require.NoError(t, err)
	assert.True(t, day.Slots[0].IsAvailable)
}

func TestCancel_SecondCallIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Reserve(ctx, input(6))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, b.ID, "", "vlad")
	require.NoError(t, err)
	before, err := f.svc.QueryAvailability(ctx, dayX)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, b.ID, "", "vlad")
	assert.ErrorIs(t, err, model.ErrAlreadyCancelled)

	after, err := f.svc.QueryAvailability(ctx, dayX)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = f.svc.Cancel(ctx, "missing", "", "vlad")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestReserve_RejectsInvalidGroupSizeWithoutTouchingLedger(t *testing.T) {
	f := newFixture(t)
	for _, size := range []int{0, 4, 8} {
		in := input(7)
		in.GroupSize = size
		_, err := f.svc.Reserve(context.Background(), in)
		assert.ErrorIs(t, err, model.ErrInvalidGroupSize, "size %d", size)
	}

	snap, err := f.svc.QueryAvailability(context.Background(), dayX)
	require.NoError(t, err)
	assert.Equal(t, 35, snap.AvailableCapacity)
	assert.Equal(t, int64(0), snap.Version)
}

func TestReserve_ValidatesParty(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*ReserveInput)
	}{
		{"member count mismatch", func(in *ReserveInput) { in.Members = in.Members[:2] }},
		{"bad email", func(in *ReserveInput) { in.Leader.Email = "not-an-email" }},
		{"leader too young", func(in *ReserveInput) { in.Leader.Age = 9 }},
		{"phone not numeric", func(in *ReserveInput) { in.Leader.Phone = "08-1234-5678" }},
		{"member without name", func(in *ReserveInput) { in.Members[0].Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input(5)
			tt.mutate(&in)
			_, err := f.svc.Reserve(context.Background(), in)
			assert.ErrorIs(t, err, model.ErrInvalidParty)
		})
	}
	assert.Equal(t, 35, f.available(t))
}

func TestReserve_IdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := input(5)
	in.IdempotencyKey = "tab-42"

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := f.svc.Reserve(ctx, in)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[b.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 30, f.available(t))

	other := input(6)
	other.IdempotencyKey = "tab-42"
	_, err := f.svc.Reserve(ctx, other)
	assert.ErrorIs(t, err, model.ErrIdempotencyConflict)
	assert.Equal(t, 30, f.available(t))
}

// failingStore refuses to persist new bookings.
type failingStore struct {
	*memstore.Bookings
}

func (failingStore) Create(context.Context, *model.Booking) error {
	return errors.New("disk on fire")
}

func TestReserve_PersistFailureRestoresCapacity(t *testing.T) {
	f := newFixture(t)
	svc := NewAllocationService(f.ledger, failingStore{memstore.NewBookings()}, f.clock, WithPublisher(f.hub))

	var seen []int
	defer f.hub.Subscribe(dayX, func(s model.LedgerSnapshot) { seen = append(seen, s.AvailableCapacity) })()

	_, err := svc.Reserve(context.Background(), input(7))
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrCapacityExceeded)

	assert.Equal(t, 35, f.available(t))
	assert.Equal(t, []int{35}, seen)
}

// stuckLedger never grants a debit before the caller gives up.
type stuckLedger struct {
	*ledger.Memory
}

func (stuckLedger) TryDebit(ctx context.Context, _ model.Date, _ string, _ int) (model.LedgerSnapshot, model.Debit, error) {
	<-ctx.Done()
	return model.LedgerSnapshot{}, model.Debit{}, ctx.Err()
}

func TestReserve_TimeoutIsDistinctFromSoldOut(t *testing.T) {
	f := newFixture(t)
	svc := NewAllocationService(stuckLedger{f.ledger}, f.bookings, f.clock, WithOpTimeout(20*time.Millisecond))

	_, err := svc.Reserve(context.Background(), input(5))
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.NotErrorIs(t, err, model.ErrCapacityExceeded)
}

// lostAckLedger commits every debit but reports a timeout, as when the
// commit reply is lost. The first failCredits credits fail as well.
type lostAckLedger struct {
	*ledger.Memory
	failCredits int
}

func (l *lostAckLedger) TryDebit(ctx context.Context, date model.Date, bookingID string, groupSize int) (model.LedgerSnapshot, model.Debit, error) {
	if _, _, err := l.Memory.TryDebit(ctx, date, bookingID, groupSize); err != nil {
		return model.LedgerSnapshot{}, model.Debit{}, err
	}
	return model.LedgerSnapshot{}, model.Debit{}, fmt.Errorf("%w: commit reply lost", model.ErrTimeout)
}

func (l *lostAckLedger) Credit(ctx context.Context, bookingID string) (model.LedgerSnapshot, bool, error) {
	if l.failCredits > 0 {
		l.failCredits--
		return model.LedgerSnapshot{}, false, errors.New("connection refused")
	}
	return l.Memory.Credit(ctx, bookingID)
}

func TestReserve_LostDebitReplyIsCompensated(t *testing.T) {
	f := newFixture(t)
	svc := NewAllocationService(&lostAckLedger{Memory: f.ledger}, f.bookings, f.clock, WithPublisher(f.hub))

	_, err := svc.Reserve(context.Background(), input(7))
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, 35, f.available(t))
}

func TestReconciler_CreditsOrphanedDebits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewAllocationService(&lostAckLedger{Memory: f.ledger, failCredits: 1}, f.bookings, f.clock,
		WithPublisher(f.hub), WithOpTimeout(time.Second))
	r := NewReconciler(svc, time.Minute, nil)

	kept, err := f.svc.Reserve(ctx, input(6))
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, input(7))
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Equal(t, 22, f.available(t))

	// Too young to tell apart from a reservation still in flight.
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 22, f.available(t))

	f.clock.Advance(time.Minute)
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Orphaned: 1}, res)
	assert.Equal(t, 29, f.available(t))

	b, err := f.svc.Booking(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, b.PaymentStatus())

	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 29, f.available(t))
}

// closingLedger closes the day right after the service has read it open.
type closingLedger struct {
	*ledger.Memory
}

func (l closingLedger) Day(ctx context.Context, date model.Date) (model.EventDay, error) {
	day, err := l.Memory.Day(ctx, date)
	if err != nil {
		return day, err
	}
	return day, l.Memory.SetDayStatus(ctx, date, model.DayStatusClosed)
}

func TestReserve_DayClosedAfterCheck(t *testing.T) {
	f := newFixture(t)
	svc := NewAllocationService(closingLedger{f.ledger}, f.bookings, f.clock)

	_, err := svc.Reserve(context.Background(), input(5))
	assert.ErrorIs(t, err, model.ErrDayClosed)
	assert.Equal(t, 35, f.available(t))
}

func TestReserve_ClosedAndPastDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.CloseDay(ctx, dayX, "admin"))
	_, err := f.svc.Reserve(ctx, input(5))
	assert.ErrorIs(t, err, model.ErrDayClosed)

	require.NoError(t, f.svc.OpenDay(ctx, dayX, "admin"))
	_, err = f.svc.Reserve(ctx, input(5))
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.svc.Reserve(ctx, input(5))
	assert.ErrorIs(t, err, model.ErrDayClosed)

	days, err := f.svc.Days(ctx)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, model.DayStatusClosed, days[0].Status)

	unknown := input(5)
	unknown.EventDate = model.Date{Year: 2026, Month: time.November, Day: 2}
	_, err = f.svc.Reserve(ctx, unknown)
	assert.ErrorIs(t, err, model.ErrDayNotFound)

	assert.ErrorIs(t, f.svc.CloseDay(ctx, unknown.EventDate, "admin"), model.ErrDayNotFound)
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Reserve(ctx, input(5))
	require.NoError(t, err)

	paid, err := f.svc.ConfirmPayment(ctx, b.ID, "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, model.Completed{PaidAt: t0, PaymentRef: "PAY-1"}, paid.State)
	assert.Equal(t, 30, f.available(t))

	again, err := f.svc.ConfirmPayment(ctx, b.ID, "PAY-2")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", again.State.(model.Completed).PaymentRef)

	_, err = f.svc.Cancel(ctx, b.ID, "refund", "admin")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, b.ID, "PAY-3")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	late, err := f.svc.Reserve(ctx, input(5))
	require.NoError(t, err)
	f.clock.Advance(15 * time.Minute)
	_, err = f.svc.ConfirmPayment(ctx, late.ID, "PAY-4")
	assert.ErrorIs(t, err, model.ErrPaymentExpired)

	_, err = f.svc.ConfirmPayment(ctx, "missing", "PAY-5")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.svc.Reserve(ctx, input(7))
	require.NoError(t, err)

	_, err = f.svc.CheckIn(ctx, b.ID, "door-1")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.svc.ConfirmPayment(ctx, b.ID, "PAY-1")
	require.NoError(t, err)

	checked, err := f.svc.CheckIn(ctx, b.ID, "door-1")
	require.NoError(t, err)
	assert.Equal(t, model.CheckedIn, checked.CheckIn.Status)
	assert.Equal(t, "door-1", checked.CheckIn.By)

	_, err = f.svc.CheckIn(ctx, b.ID, "door-2")
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedIn)
	assert.Equal(t, 28, f.available(t))
}

func TestReserve_Promo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := input(7)
	in.PromoCode = "fullhouse"
	b, err := f.svc.Reserve(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.Amount{Subtotal: 350000, Discount: 35000, Total: 315000}, b.Amount)
	require.NotNil(t, b.Promo)
	assert.Equal(t, "FULLHOUSE", b.Promo.Code)

	in = input(5)
	in.PromoCode = "FULLHOUSE"
	_, err = f.svc.Reserve(ctx, in)
	assert.ErrorIs(t, err, model.ErrInvalidPromo)
	assert.Equal(t, 28, f.available(t))
}

func TestNotifications_AreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		versions []int64
	)
	defer f.hub.Subscribe(dayX, func(s model.LedgerSnapshot) {
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := f.svc.Reserve(ctx, input(5))
			if !assert.NoError(t, err) {
				return
			}
			_, err = f.svc.Cancel(ctx, b.ID, "", "tester")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Equal(t, 35, f.available(t))
}

func TestReconciler_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := NewReconciler(f.svc, time.Minute, nil)

	abandoned, err := f.svc.Reserve(ctx, input(5))
	require.NoError(t, err)
	paid, err := f.svc.Reserve(ctx, input(6))
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, paid.ID, "PAY-1")
	require.NoError(t, err)

	// A cancel whose credit never landed.
	stranded, err := f.svc.Reserve(ctx, input(7))
	require.NoError(t, err)
	_, err = f.bookings.Transition(ctx, stranded.ID,
		[]model.PaymentStatus{model.PaymentPending},
		model.Failed{FailedAt: t0, Reason: "crash", By: "vlad"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 17, f.available(t))

	f.clock.Advance(16 * time.Minute)
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, Released: 1}, res)
	assert.Equal(t, 29, f.available(t))

	b, err := f.svc.Booking(ctx, abandoned.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Failed{FailedAt: t0.Add(16 * time.Minute), Reason: ReasonPaymentTimeout, By: ActorSystem}, b.State)
	assert.True(t, b.CapacityReleased)

	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 29, f.available(t))
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewReconciler(f.svc, 5*time.Millisecond, nil).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestDailyReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.Reserve(ctx, input(7))
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, a.ID, "PAY-1")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, a.ID, "door")
	require.NoError(t, err)

	_, err = f.svc.Reserve(ctx, input(5))
	require.NoError(t, err)

	c, err := f.svc.Reserve(ctx, input(6))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, c.ID, "", "vlad")
	require.NoError(t, err)

	reports, err := f.svc.DailyReport(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, 12, r.CurrentBookings)
	assert.Equal(t, 23, r.AvailableCapacity)
	assert.Equal(t, 2, r.BookedSlots)
	assert.Equal(t, 1, r.Pending)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, 7, r.PaidHeads)
	assert.Equal(t, 7, r.CheckedInHeads)
	assert.Equal(t, int64(350000), r.Revenue)
	assert.InDelta(t, 34.28, r.OccupancyRate, 0.01)
}
