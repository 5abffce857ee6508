package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/clock"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/schedule"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/testutil"
)

var dayX = model.Date{Year: 2026, Month: time.October, Day: 30}

func setup(t *testing.T) (*pgxpool.Pool, *LedgerRepository, *BookingRepository) {
	t.Helper()
	ctx := context.Background()
	pool := testutil.NewTestPool(t)

	day, err := schedule.DefineDay(dayX, schedule.Template{
		Opens:            19 * time.Hour,
		Rounds:           1,
		SlotsPerRound:    5,
		SlotDuration:     15 * time.Minute,
		MaxPeoplePerSlot: 7,
	}, time.UTC)
	require.NoError(t, err)

	ledger := NewLedgerRepository(pool, clock.NewSystem(), 5)
	_, err = ledger.Provision(ctx, day)
	require.NoError(t, err)
	return pool, ledger, NewBookingRepository(pool)
}

func TestLedgerRepository_ProvisionIsIdempotent(t *testing.T) {
	_, ledger, _ := setup(t)
	ctx := context.Background()

	_, _, err := ledger.TryDebit(ctx, dayX, uuid.NewString(), 6)
	require.NoError(t, err)

	day, err := ledger.Day(ctx, dayX)
	require.NoError(t, err)
	snap, err := ledger.Provision(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 29, snap.AvailableCapacity)
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, day.Slots, 5)
	assert.False(t, day.Slots[0].IsAvailable)
}

func TestLedgerRepository_DebitCredit(t *testing.T) {
	_, ledger, _ := setup(t)
	ctx := context.Background()
	id := uuid.NewString()

	snap, debit, err := ledger.TryDebit(ctx, dayX, id, 7)
	require.NoError(t, err)
	assert.Equal(t, "R1G1", debit.SlotID)
	assert.Equal(t, 28, snap.AvailableCapacity)
	assert.Equal(t, 1, snap.BookedSlots)

	again, repeat, err := ledger.TryDebit(ctx, dayX, id, 7)
	require.NoError(t, err)
	assert.Equal(t, debit, repeat)
	assert.Equal(t, snap.Version, again.Version)

	snap, released, err := ledger.Credit(ctx, id)
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 35, snap.AvailableCapacity)
	assert.Equal(t, 0, snap.BookedSlots)
	assert.Equal(t, int64(2), snap.Version)

	snap, released, err = ledger.Credit(ctx, id)
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, int64(2), snap.Version)

	_, _, err = ledger.Credit(ctx, uuid.NewString())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLedgerRepository_ConcurrentDebitsNeverOverbook(t *testing.T) {
	_, ledger, _ := setup(t)
	ctx := context.Background()

	const attempts = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := ledger.TryDebit(ctx, dayX, uuid.NewString(), 5)
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
	assert.Equal(t, attempts-5, full)

	snap, err := ledger.Snapshot(ctx, dayX)
	require.NoError(t, err)
	assert.Equal(t, 25, snap.CurrentBookings)
	assert.Equal(t, 5, snap.BookedSlots)
	assert.Equal(t, int64(5), snap.Version)
}

func TestLedgerRepository_DayStatus(t *testing.T) {
	_, ledger, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, ledger.SetDayStatus(ctx, dayX, model.DayStatusClosed))
	days, err := ledger.Days(ctx)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, model.DayStatusClosed, days[0].Status)

	err = ledger.SetDayStatus(ctx, model.Date{Year: 2026, Month: time.November, Day: 1}, model.DayStatusOpen)
	assert.ErrorIs(t, err, model.ErrDayNotFound)
}

func newBooking(key string) *model.Booking {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Booking{
		ID:               uuid.NewString(),
		ConfirmationCode: "HW-" + key,
		IdempotencyKey:   key,
		EventDate:        dayX,
		GroupSize:        5,
		Leader:           model.Leader{Name: "Morticia", Age: 40, Email: "m@example.com", Phone: "0812345678", LineID: "morticia"},
		Members: []model.Member{
			{Name: "Gomez", Age: 42}, {Name: "Wednesday", Age: 14},
			{Name: "Pugsley", Age: 12}, {Name: "Fester", Age: 60},
		},
		State:     model.Pending{ExpiresAt: now.Add(15 * time.Minute)},
		CheckIn:   model.CheckIn{Status: model.NotCheckedIn},
		Promo:     &model.Promo{Code: "BOO100", Discount: 10000},
		Amount:    model.Amount{Subtotal: 250000, Discount: 10000, Total: 240000},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestBookingRepository_CreateAndGet(t *testing.T) {
	_, _, bookings := setup(t)
	ctx := context.Background()

	b := newBooking("K1")
	require.NoError(t, bookings.Create(ctx, b))

	got, err := bookings.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.Members, got.Members)
	assert.Equal(t, b.Leader, got.Leader)
	assert.Equal(t, model.PaymentPending, got.PaymentStatus())
	assert.Equal(t, b.Promo, got.Promo)

	byKey, err := bookings.FindByIdempotencyKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, b.ID, byKey.ID)

	missing, err := bookings.FindByIdempotencyKey(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = bookings.Create(ctx, newBooking("K1"))
	assert.ErrorIs(t, err, model.ErrIdempotencyConflict)

	_, err = bookings.Get(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestBookingRepository_Transitions(t *testing.T) {
	_, _, bookings := setup(t)
	ctx := context.Background()
	now := time.Now().UTC()

	b := newBooking("K2")
	require.NoError(t, bookings.Create(ctx, b))

	paid, err := bookings.Transition(ctx, b.ID,
		[]model.PaymentStatus{model.PaymentPending},
		model.Completed{PaidAt: now, PaymentRef: "PAY-1"}, now)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, paid.PaymentStatus())

	checked, err := bookings.CheckIn(ctx, b.ID, now, "door-1")
	require.NoError(t, err)
	assert.Equal(t, model.CheckedIn, checked.CheckIn.Status)
	_, err = bookings.CheckIn(ctx, b.ID, now, "door-1")
	assert.ErrorIs(t, err, model.ErrAlreadyCheckedIn)

	failed, err := bookings.Transition(ctx, b.ID,
		[]model.PaymentStatus{model.PaymentPending, model.PaymentCompleted},
		model.Failed{FailedAt: now, Reason: "refund", By: "admin"}, now)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentFailed, failed.PaymentStatus())

	unreleased, err := bookings.ListUnreleased(ctx)
	require.NoError(t, err)
	require.Len(t, unreleased, 1)

	current, err := bookings.Transition(ctx, b.ID,
		[]model.PaymentStatus{model.PaymentPending, model.PaymentCompleted},
		model.Failed{FailedAt: now, Reason: "again", By: "admin"}, now)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, "refund", current.State.(model.Failed).Reason)

	require.NoError(t, bookings.MarkCapacityReleased(ctx, b.ID, now))
	unreleased, err = bookings.ListUnreleased(ctx)
	require.NoError(t, err)
	assert.Empty(t, unreleased)
}

func TestBookingRepository_ListFilters(t *testing.T) {
	_, _, bookings := setup(t)
	ctx := context.Background()

	expired := newBooking("K3")
	expired.State = model.Pending{ExpiresAt: time.Now().UTC().Add(-time.Minute)}
	require.NoError(t, bookings.Create(ctx, expired))
	require.NoError(t, bookings.Create(ctx, newBooking("K4")))

	all, err := bookings.List(ctx, model.BookingFilter{Date: dayX})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := bookings.List(ctx, model.BookingFilter{Status: model.PaymentCompleted})
	require.NoError(t, err)
	assert.Empty(t, none)

	stale, err := bookings.ListExpiredPending(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, expired.ID, stale[0].ID)
}

func TestLedgerRepository_ClosedDayRejectsDebits(t *testing.T) {
	_, ledger, _ := setup(t)
	ctx := context.Background()
	before := uuid.NewString()

	_, first, err := ledger.TryDebit(ctx, dayX, before, 5)
	require.NoError(t, err)
	require.NoError(t, ledger.SetDayStatus(ctx, dayX, model.DayStatusClosed))

	_, _, err = ledger.TryDebit(ctx, dayX, uuid.NewString(), 5)
	assert.ErrorIs(t, err, model.ErrDayClosed)

	_, again, err := ledger.TryDebit(ctx, dayX, before, 5)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	snap, err := ledger.Snapshot(ctx, dayX)
	require.NoError(t, err)
	assert.Equal(t, 30, snap.AvailableCapacity)
}

func TestOrphanedDebitLookup(t *testing.T) {
	_, ledger, bookings := setup(t)
	ctx := context.Background()

	b := newBooking("K-kept")
	require.NoError(t, bookings.Create(ctx, b))
	_, _, err := ledger.TryDebit(ctx, dayX, b.ID, 5)
	require.NoError(t, err)

	orphan := uuid.NewString()
	_, _, err = ledger.TryDebit(ctx, dayX, orphan, 7)
	require.NoError(t, err)

	credited := uuid.NewString()
	_, _, err = ledger.TryDebit(ctx, dayX, credited, 6)
	require.NoError(t, err)
	_, _, err = ledger.Credit(ctx, credited)
	require.NoError(t, err)

	none, err := ledger.ListUncreditedDebits(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	debits, err := ledger.ListUncreditedDebits(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, debits, 2)
	assert.Equal(t, b.ID, debits[0].BookingID)
	assert.Equal(t, orphan, debits[1].BookingID)
	assert.Equal(t, 7, debits[1].GroupSize)
	assert.Equal(t, dayX, debits[1].Date)

	missing, err := bookings.MissingBookings(ctx, []string{debits[0].BookingID, debits[1].BookingID})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, missing)
}
