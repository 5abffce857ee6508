// Package ledger holds the in-process capacity ledger: the authoritative
// count of consumed capacity per event day when no database is configured.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/clock"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// Memory serialises every mutation of a day behind that day's lock. Days are
// independent, so different dates never contend.
type Memory struct {
	clock clock.Clock

	mu      sync.RWMutex
	days    map[model.Date]*dayLedger
	byDebit map[string]model.Date
}

type dayLedger struct {
	// sem is a one-slot semaphore rather than a sync.Mutex so that waiting
	// for it can be abandoned when the caller's context ends.
	sem    chan struct{}
	day    model.EventDay
	snap   model.LedgerSnapshot
	debits map[string]*model.Debit
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:   clk,
		days:    make(map[model.Date]*dayLedger),
		byDebit: make(map[string]model.Date),
	}
}

func (d *dayLedger) lock(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for ledger %s: %v", model.ErrTimeout, d.day.Date, ctx.Err())
	}
}

func (d *dayLedger) unlock() {
	<-d.sem
}

func (m *Memory) day(date model.Date) (*dayLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.days[date]
	if !ok {
		return nil, model.ErrDayNotFound
	}
	return d, nil
}

// Provision seeds the ledger of day. Provisioning an existing date keeps the
// current ledger untouched and returns its snapshot.
func (m *Memory) Provision(ctx context.Context, day model.EventDay) (model.LedgerSnapshot, error) {
	m.mu.Lock()
	if existing, ok := m.days[day.Date]; ok {
		m.mu.Unlock()
		return m.snapshotOf(ctx, existing)
	}

	slots := make([]model.TimeSlot, len(day.Slots))
	copy(slots, day.Slots)
	day.Slots = slots
	if day.Status == "" {
		day.Status = model.DayStatusOpen
	}

	d := &dayLedger{
		sem: make(chan struct{}, 1),
		day: day,
		snap: model.LedgerSnapshot{
			Date:              day.Date,
			TotalSlots:        day.GameSlots(),
			MaxCapacity:       day.MaxCapacity,
			AvailableCapacity: day.MaxCapacity,
			UpdatedAt:         m.clock.Now(),
		},
		debits: make(map[string]*model.Debit),
	}
	m.days[day.Date] = d
	m.mu.Unlock()
	return d.snap, nil
}

// TryDebit takes groupSize people and the earliest free game slot from date.
// Repeating a debit for the same booking returns the original debit.
func (m *Memory) TryDebit(ctx context.Context, date model.Date, bookingID string, groupSize int) (model.LedgerSnapshot, model.Debit, error) {
	d, err := m.day(date)
	if err != nil {
		return model.LedgerSnapshot{}, model.Debit{}, err
	}
	if err := d.lock(ctx); err != nil {
		return model.LedgerSnapshot{}, model.Debit{}, err
	}
	defer d.unlock()

	if existing, ok := d.debits[bookingID]; ok {
		return d.snap, *existing, nil
	}
	if d.day.Status == model.DayStatusClosed {
		return model.LedgerSnapshot{}, model.Debit{}, model.ErrDayClosed
	}

	if d.snap.AvailableCapacity < groupSize {
		return model.LedgerSnapshot{}, model.Debit{}, model.ErrCapacityExceeded
	}
	idx := -1
	for i := range d.day.Slots {
		if d.day.Slots[i].Bookable() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.LedgerSnapshot{}, model.Debit{}, model.ErrCapacityExceeded
	}

	slot := &d.day.Slots[idx]
	slot.IsAvailable = false
	slot.BoundBookingRef = bookingID

	debit := &model.Debit{
		BookingID: bookingID,
		Date:      date,
		GroupSize: groupSize,
		SlotID:    slot.ID,
		CreatedAt: m.clock.Now(),
	}
	d.debits[bookingID] = debit

	d.snap.CurrentBookings += groupSize
	d.snap.AvailableCapacity -= groupSize
	d.snap.BookedSlots++
	d.snap.Version++
	d.snap.UpdatedAt = m.clock.Now()

	m.mu.Lock()
	m.byDebit[bookingID] = date
	m.mu.Unlock()

	return d.snap, *debit, nil
}

// Credit reverses the debit of bookingID. It reports false when the debit was
// already credited, in which case nothing changes.
func (m *Memory) Credit(ctx context.Context, bookingID string) (model.LedgerSnapshot, bool, error) {
	m.mu.RLock()
	date, ok := m.byDebit[bookingID]
	m.mu.RUnlock()
	if !ok {
		return model.LedgerSnapshot{}, false, model.ErrNotFound
	}

	d, err := m.day(date)
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	if err := d.lock(ctx); err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	defer d.unlock()

	debit := d.debits[bookingID]
	if debit.Credited {
		return d.snap, false, nil
	}

	for i := range d.day.Slots {
		s := &d.day.Slots[i]
		if s.ID == debit.SlotID && s.BoundBookingRef == bookingID {
			s.IsAvailable = true
			s.BoundBookingRef = ""
			d.snap.BookedSlots--
			break
		}
	}
	debit.Credited = true

	d.snap.CurrentBookings -= debit.GroupSize
	d.snap.AvailableCapacity += debit.GroupSize
	d.snap.Version++
	d.snap.UpdatedAt = m.clock.Now()

	return d.snap, true, nil
}

// ListUncreditedDebits returns the debits still holding capacity that were
// taken before the given time, oldest first.
func (m *Memory) ListUncreditedDebits(ctx context.Context, before time.Time) ([]model.Debit, error) {
	m.mu.RLock()
	ledgers := make([]*dayLedger, 0, len(m.days))
	for _, d := range m.days {
		ledgers = append(ledgers, d)
	}
	m.mu.RUnlock()

	var out []model.Debit
	for _, d := range ledgers {
		if err := d.lock(ctx); err != nil {
			return nil, err
		}
		for _, debit := range d.debits {
			if !debit.Credited && debit.CreatedAt.Before(before) {
				out = append(out, *debit)
			}
		}
		d.unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Snapshot(ctx context.Context, date model.Date) (model.LedgerSnapshot, error) {
	d, err := m.day(date)
	if err != nil {
		return model.LedgerSnapshot{}, err
	}
	return m.snapshotOf(ctx, d)
}

func (m *Memory) snapshotOf(ctx context.Context, d *dayLedger) (model.LedgerSnapshot, error) {
	if err := d.lock(ctx); err != nil {
		return model.LedgerSnapshot{}, err
	}
	defer d.unlock()
	return d.snap, nil
}

// Day returns a copy of the day including the current state of its slots.
func (m *Memory) Day(ctx context.Context, date model.Date) (model.EventDay, error) {
	d, err := m.day(date)
	if err != nil {
		return model.EventDay{}, err
	}
	if err := d.lock(ctx); err != nil {
		return model.EventDay{}, err
	}
	defer d.unlock()

	day := d.day
	day.Slots = make([]model.TimeSlot, len(d.day.Slots))
	copy(day.Slots, d.day.Slots)
	return day, nil
}

// Days lists every provisioned day ordered by date, without slots.
func (m *Memory) Days(ctx context.Context) ([]model.EventDay, error) {
	m.mu.RLock()
	ledgers := make([]*dayLedger, 0, len(m.days))
	for _, d := range m.days {
		ledgers = append(ledgers, d)
	}
	m.mu.RUnlock()

	days := make([]model.EventDay, 0, len(ledgers))
	for _, d := range ledgers {
		if err := d.lock(ctx); err != nil {
			return nil, err
		}
		day := d.day
		day.Slots = nil
		d.unlock()
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date.Before(days[j].Date) })
	return days, nil
}

func (m *Memory) SetDayStatus(ctx context.Context, date model.Date, status model.DayStatus) error {
	d, err := m.day(date)
	if err != nil {
		return err
	}
	if err := d.lock(ctx); err != nil {
		return err
	}
	d.day.Status = status
	d.unlock()
	return nil
}
