// Package repository implements the Postgres-backed capacity ledger and
// booking store. It uses pgx directly (no ORM).
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/clock"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/notifier"
)

const selectLedger = `SELECT date, total_slots, booked_slots, max_capacity, current_bookings, version, updated_at
	 FROM capacity_ledgers WHERE date = $1`

// LedgerRepository is the capacity ledger shared by every instance pointed
// at the same database.
type LedgerRepository struct {
	db         *pgxpool.Pool
	clock      clock.Clock
	maxRetries int
}

// NewLedgerRepository constructs a LedgerRepository. maxRetries bounds how
// often a debit or credit is re-run after a serialisation failure.
func NewLedgerRepository(db *pgxpool.Pool, clk clock.Clock, maxRetries int) *LedgerRepository {
	return &LedgerRepository{db: db, clock: clk, maxRetries: maxRetries}
}

// Provision inserts the day, its slots and an empty ledger. A day that already
// exists is left as it is.
func (r *LedgerRepository) Provision(ctx context.Context, day model.EventDay) (model.LedgerSnapshot, error) {
	status := day.Status
	if status == "" {
		status = model.DayStatusOpen
	}

	err := withTx(ctx, r.db, func(ctx context.Context) error {
		q := conn(ctx, r.db)
		tag, err := q.Exec(ctx,
			`INSERT INTO event_days (date, max_capacity, status)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (date) DO NOTHING`,
			pgDate(day.Date), day.MaxCapacity, string(status),
		)
		if err != nil {
			return fmt.Errorf("insert event day: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, s := range day.Slots {
			batch.Queue(
				`INSERT INTO time_slots (date, id, position, start_time, end_time, round_number, group_number, kind)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				pgDate(day.Date), s.ID, i, s.StartTime, s.EndTime, s.RoundNumber, s.GroupNumber, string(s.Kind),
			)
		}
		batch.Queue(
			`INSERT INTO capacity_ledgers (date, total_slots, max_capacity, updated_at)
			 VALUES ($1, $2, $3, $4)`,
			pgDate(day.Date), day.GameSlots(), day.MaxCapacity, r.clock.Now(),
		)

		br := q.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("seed day %s: %w", day.Date, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return model.LedgerSnapshot{}, translate(ctx, err)
	}
	return r.Snapshot(ctx, day.Date)
}

// TryDebit takes groupSize people and the earliest free game slot from date.
// The ledger row is locked FOR UPDATE, so concurrent debits of the same day
// queue behind each other while other days proceed.
func (r *LedgerRepository) TryDebit(ctx context.Context, date model.Date, bookingID string, groupSize int) (model.LedgerSnapshot, model.Debit, error) {
	var (
		snap  model.LedgerSnapshot
		debit model.Debit
	)
	err := retryConflicts(ctx, r.maxRetries, func(ctx context.Context) error {
		return withTx(ctx, r.db, func(ctx context.Context) error {
			q := conn(ctx, r.db)

			cur, status, err := lockOpenLedger(ctx, q, date)
			if err != nil {
				return err
			}

			existing, err := r.debit(ctx, q, bookingID, false)
			if err == nil {
				snap, debit = cur, existing
				return nil
			}
			if !errors.Is(err, model.ErrNotFound) {
				return err
			}
			if status == model.DayStatusClosed {
				return model.ErrDayClosed
			}

			if cur.AvailableCapacity < groupSize {
				return model.ErrCapacityExceeded
			}

			var slotID string
			err = q.QueryRow(ctx,
				`SELECT id FROM time_slots
				 WHERE date = $1 AND kind = 'game' AND booking_ref IS NULL
				 ORDER BY position
				 LIMIT 1`,
				pgDate(date),
			).Scan(&slotID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return model.ErrCapacityExceeded
				}
				return fmt.Errorf("find free slot: %w", err)
			}

			if _, err := q.Exec(ctx,
				`UPDATE time_slots SET booking_ref = $3 WHERE date = $1 AND id = $2`,
				pgDate(date), slotID, bookingID,
			); err != nil {
				return fmt.Errorf("bind slot: %w", err)
			}

			snap, err = scanSnapshot(q.QueryRow(ctx,
				`UPDATE capacity_ledgers
				 SET current_bookings = current_bookings + $2,
				     booked_slots = booked_slots + 1,
				     version = version + 1,
				     updated_at = $3
				 WHERE date = $1
				 RETURNING date, total_slots, booked_slots, max_capacity, current_bookings, version, updated_at`,
				pgDate(date), groupSize, r.clock.Now(),
			))
			if err != nil {
				return fmt.Errorf("debit ledger: %w", err)
			}

			debit = model.Debit{BookingID: bookingID, Date: date, GroupSize: groupSize, SlotID: slotID}
			if err := q.QueryRow(ctx,
				`INSERT INTO ledger_debits (booking_id, date, group_size, slot_id, created_at)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING created_at`,
				bookingID, pgDate(date), groupSize, slotID, r.clock.Now(),
			).Scan(&debit.CreatedAt); err != nil {
				return fmt.Errorf("record debit: %w", err)
			}

			return notify(ctx, q, snap)
		})
	})
	if err != nil {
		return model.LedgerSnapshot{}, model.Debit{}, err
	}
	return snap, debit, nil
}

// Credit reverses the debit of bookingID once. It reports false when the
// debit had already been credited.
func (r *LedgerRepository) Credit(ctx context.Context, bookingID string) (model.LedgerSnapshot, bool, error) {
	var (
		snap     model.LedgerSnapshot
		released bool
	)
	err := retryConflicts(ctx, r.maxRetries, func(ctx context.Context) error {
		released = false
		return withTx(ctx, r.db, func(ctx context.Context) error {
			q := conn(ctx, r.db)

			// Lock order is ledger row then debit row, same as TryDebit.
			var day time.Time
			err := q.QueryRow(ctx, `SELECT date FROM ledger_debits WHERE booking_id = $1`, bookingID).Scan(&day)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
					return model.ErrNotFound
				}
				return fmt.Errorf("find debit: %w", err)
			}

			cur, err := scanSnapshot(q.QueryRow(ctx, selectLedger+` FOR UPDATE`, day))
			if err != nil {
				return fmt.Errorf("lock ledger: %w", err)
			}

			debit, err := r.debit(ctx, q, bookingID, true)
			if err != nil {
				return err
			}
			if debit.Credited {
				snap = cur
				return nil
			}

			freed := 0
			if debit.SlotID != "" {
				tag, err := q.Exec(ctx,
					`UPDATE time_slots SET booking_ref = NULL
					 WHERE date = $1 AND id = $2 AND booking_ref = $3`,
					day, debit.SlotID, bookingID,
				)
				if err != nil {
					return fmt.Errorf("free slot: %w", err)
				}
				freed = int(tag.RowsAffected())
			}

			snap, err = scanSnapshot(q.QueryRow(ctx,
				`UPDATE capacity_ledgers
				 SET current_bookings = current_bookings - $2,
				     booked_slots = booked_slots - $3,
				     version = version + 1,
				     updated_at = $4
				 WHERE date = $1
				 RETURNING date, total_slots, booked_slots, max_capacity, current_bookings, version, updated_at`,
				day, debit.GroupSize, freed, r.clock.Now(),
			))
			if err != nil {
				return fmt.Errorf("credit ledger: %w", err)
			}

			if _, err := q.Exec(ctx,
				`UPDATE ledger_debits SET credited_at = $2 WHERE booking_id = $1`,
				bookingID, r.clock.Now(),
			); err != nil {
				return fmt.Errorf("mark debit credited: %w", err)
			}

			released = true
			return notify(ctx, q, snap)
		})
	})
	if err != nil {
		return model.LedgerSnapshot{}, false, err
	}
	return snap, released, nil
}

func (r *LedgerRepository) debit(ctx context.Context, q querier, bookingID string, forUpdate bool) (model.Debit, error) {
	sql := `SELECT date, group_size, COALESCE(slot_id, ''), credited_at IS NOT NULL, created_at
		 FROM ledger_debits WHERE booking_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var (
		d   model.Debit
		day time.Time
	)
	err := q.QueryRow(ctx, sql, bookingID).Scan(&day, &d.GroupSize, &d.SlotID, &d.Credited, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return model.Debit{}, model.ErrNotFound
		}
		return model.Debit{}, fmt.Errorf("get debit: %w", err)
	}
	d.BookingID = bookingID
	d.Date = fromPgDate(day)
	return d, nil
}

// lockOpenLedger locks the ledger row together with its event day, so a
// debit and SetDayStatus on the same date are serialised.
func lockOpenLedger(ctx context.Context, q querier, date model.Date) (model.LedgerSnapshot, model.DayStatus, error) {
	var (
		s      model.LedgerSnapshot
		day    time.Time
		status string
	)
	err := q.QueryRow(ctx,
		`SELECT l.date, l.total_slots, l.booked_slots, l.max_capacity, l.current_bookings, l.version, l.updated_at, d.status
		 FROM capacity_ledgers l
		 JOIN event_days d ON d.date = l.date
		 WHERE l.date = $1
		 FOR UPDATE`,
		pgDate(date),
	).Scan(&day, &s.TotalSlots, &s.BookedSlots, &s.MaxCapacity, &s.CurrentBookings, &s.Version, &s.UpdatedAt, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerSnapshot{}, "", model.ErrDayNotFound
		}
		return model.LedgerSnapshot{}, "", fmt.Errorf("lock ledger: %w", err)
	}
	s.Date = fromPgDate(day)
	s.AvailableCapacity = s.MaxCapacity - s.CurrentBookings
	return s, model.DayStatus(status), nil
}

// ListUncreditedDebits returns the debits still holding capacity that were
// taken before the given time, oldest first.
func (r *LedgerRepository) ListUncreditedDebits(ctx context.Context, before time.Time) ([]model.Debit, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT booking_id::text, date, group_size, COALESCE(slot_id, ''), created_at
		 FROM ledger_debits
		 WHERE credited_at IS NULL AND created_at < $1
		 ORDER BY created_at`,
		before,
	)
	if err != nil {
		return nil, translate(ctx, fmt.Errorf("list uncredited debits: %w", err))
	}
	defer rows.Close()

	var debits []model.Debit
	for rows.Next() {
		var (
			d   model.Debit
			day time.Time
		)
		if err := rows.Scan(&d.BookingID, &day, &d.GroupSize, &d.SlotID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan debit: %w", err)
		}
		d.Date = fromPgDate(day)
		debits = append(debits, d)
	}
	return debits, translate(ctx, rows.Err())
}

// Snapshot returns the last committed state of the day's ledger.
func (r *LedgerRepository) Snapshot(ctx context.Context, date model.Date) (model.LedgerSnapshot, error) {
	snap, err := scanSnapshot(conn(ctx, r.db).QueryRow(ctx, selectLedger, pgDate(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.LedgerSnapshot{}, model.ErrDayNotFound
		}
		return model.LedgerSnapshot{}, translate(ctx, fmt.Errorf("get ledger: %w", err))
	}
	return snap, nil
}

// Day returns the day with its slots in schedule order.
func (r *LedgerRepository) Day(ctx context.Context, date model.Date) (model.EventDay, error) {
	q := conn(ctx, r.db)

	day, err := scanDay(q.QueryRow(ctx,
		`SELECT date, max_capacity, status FROM event_days WHERE date = $1`,
		pgDate(date),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.EventDay{}, model.ErrDayNotFound
		}
		return model.EventDay{}, translate(ctx, fmt.Errorf("get day: %w", err))
	}

	rows, err := q.Query(ctx,
		`SELECT id, start_time, end_time, round_number, group_number, kind, COALESCE(booking_ref::text, '')
		 FROM time_slots
		 WHERE date = $1
		 ORDER BY position`,
		pgDate(date),
	)
	if err != nil {
		return model.EventDay{}, translate(ctx, fmt.Errorf("list slots: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s    model.TimeSlot
			kind string
		)
		if err := rows.Scan(&s.ID, &s.StartTime, &s.EndTime, &s.RoundNumber, &s.GroupNumber, &kind, &s.BoundBookingRef); err != nil {
			return model.EventDay{}, fmt.Errorf("scan slot: %w", err)
		}
		s.Kind = model.SlotKind(kind)
		s.IsAvailable = s.Kind == model.SlotKindGame && s.BoundBookingRef == ""
		day.Slots = append(day.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return model.EventDay{}, translate(ctx, err)
	}
	return day, nil
}

// Days lists every provisioned day ordered by date, without slots.
func (r *LedgerRepository) Days(ctx context.Context) ([]model.EventDay, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT date, max_capacity, status FROM event_days ORDER BY date`,
	)
	if err != nil {
		return nil, translate(ctx, fmt.Errorf("list days: %w", err))
	}
	defer rows.Close()

	var days []model.EventDay
	for rows.Next() {
		d, err := scanDay(rows)
		if err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		days = append(days, d)
	}
	return days, translate(ctx, rows.Err())
}

func (r *LedgerRepository) SetDayStatus(ctx context.Context, date model.Date, status model.DayStatus) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE event_days SET status = $2 WHERE date = $1`,
		pgDate(date), string(status),
	)
	if err != nil {
		return translate(ctx, fmt.Errorf("set day status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrDayNotFound
	}
	return nil
}

// notify queues the snapshot on the change channel; Postgres delivers it to
// listeners only when the surrounding transaction commits.
func notify(ctx context.Context, q querier, snap model.LedgerSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode ledger change: %w", err)
	}
	if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, notifier.ChannelLedgerChanges, string(payload)); err != nil {
		return fmt.Errorf("notify ledger change: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (model.LedgerSnapshot, error) {
	var (
		s   model.LedgerSnapshot
		day time.Time
	)
	if err := row.Scan(&day, &s.TotalSlots, &s.BookedSlots, &s.MaxCapacity, &s.CurrentBookings, &s.Version, &s.UpdatedAt); err != nil {
		return model.LedgerSnapshot{}, err
	}
	s.Date = fromPgDate(day)
	s.AvailableCapacity = s.MaxCapacity - s.CurrentBookings
	return s, nil
}

func scanDay(row pgx.Row) (model.EventDay, error) {
	var (
		d      model.EventDay
		day    time.Time
		status string
	)
	if err := row.Scan(&day, &d.MaxCapacity, &status); err != nil {
		return model.EventDay{}, err
	}
	d.Date = fromPgDate(day)
	d.Status = model.DayStatus(status)
	return d, nil
}
