package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

const bookingColumns = `id::text, confirmation_code, idempotency_key, event_date, COALESCE(slot_id, ''),
	group_size, party, payment_status, expires_at, paid_at, COALESCE(payment_ref, ''),
	failed_at, COALESCE(failure_reason, ''), COALESCE(failed_by, ''),
	checked_in_at, COALESCE(checked_in_by, ''), COALESCE(promo_code, ''),
	subtotal, discount, total, capacity_released, created_at, updated_at`

// BookingRepository handles persistence for bookings.
type BookingRepository struct {
	db *pgxpool.Pool
}

// NewBookingRepository constructs a BookingRepository.
func NewBookingRepository(db *pgxpool.Pool) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create inserts a new booking. A second booking with the same idempotency key
// fails with model.ErrIdempotencyConflict.
func (r *BookingRepository) Create(ctx context.Context, b *model.Booking) error {
	st := stateColumnsOf(b.State)
	var promoCode *string
	if b.Promo != nil {
		promoCode = &b.Promo.Code
	}

	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO bookings (
			id, confirmation_code, idempotency_key, event_date, slot_id, group_size, party,
			payment_status, expires_at, paid_at, payment_ref, failed_at, failure_reason, failed_by,
			checked_in_at, checked_in_by, promo_code, subtotal, discount, total,
			capacity_released, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		b.ID, b.ConfirmationCode, b.IdempotencyKey, pgDate(b.EventDate), nullString(b.SlotID), b.GroupSize,
		model.Party{Leader: b.Leader, Members: b.Members},
		string(b.PaymentStatus()), st.expiresAt, st.paidAt, st.paymentRef, st.failedAt, st.reason, st.by,
		b.CheckIn.At, nullString(b.CheckIn.By), promoCode, b.Amount.Subtotal, b.Amount.Discount, b.Amount.Total,
		b.CapacityReleased, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "bookings_idempotency_key_key") {
			return model.ErrIdempotencyConflict
		}
		return translate(ctx, fmt.Errorf("insert booking: %w", err))
	}
	return nil
}

// Get returns a single booking or model.ErrNotFound.
func (r *BookingRepository) Get(ctx context.Context, id string) (*model.Booking, error) {
	b, err := scanBooking(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, model.ErrNotFound
		}
		return nil, translate(ctx, fmt.Errorf("get booking: %w", err))
	}
	return b, nil
}

// FindByIdempotencyKey returns nil without error when the key is unused.
func (r *BookingRepository) FindByIdempotencyKey(ctx context.Context, key string) (*model.Booking, error) {
	b, err := scanBooking(conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = $1`, key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translate(ctx, fmt.Errorf("find booking by key: %w", err))
	}
	return b, nil
}

// Transition moves the booking to state when its current payment status is one
// of from. Otherwise it returns the unchanged booking with
// model.ErrInvalidTransition.
func (r *BookingRepository) Transition(ctx context.Context, id string, from []model.PaymentStatus, to model.BookingState, at time.Time) (*model.Booking, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	st := stateColumnsOf(to)

	b, err := scanBooking(conn(ctx, r.db).QueryRow(ctx,
		`UPDATE bookings
		 SET payment_status = $3, expires_at = $4, paid_at = $5, payment_ref = $6,
		     failed_at = $7, failure_reason = $8, failed_by = $9, updated_at = $10
		 WHERE id = $1 AND payment_status = ANY($2)
		 RETURNING `+bookingColumns,
		id, allowed, string(to.PaymentStatus()),
		st.expiresAt, st.paidAt, st.paymentRef, st.failedAt, st.reason, st.by, at,
	))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isInvalidUUID(err) {
		return nil, translate(ctx, fmt.Errorf("transition booking: %w", err))
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, model.ErrInvalidTransition
}

// MarkCapacityReleased records that the booking's debit has been credited.
func (r *BookingRepository) MarkCapacityReleased(ctx context.Context, id string, at time.Time) error {
	tag, err := conn(ctx, r.db).Exec(ctx,
		`UPDATE bookings SET capacity_released = TRUE, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return model.ErrNotFound
		}
		return translate(ctx, fmt.Errorf("mark capacity released: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CheckIn flags a completed booking as arrived. A booking that is not
// completed yields model.ErrInvalidTransition, one already checked in yields
// model.ErrAlreadyCheckedIn.
func (r *BookingRepository) CheckIn(ctx context.Context, id string, at time.Time, by string) (*model.Booking, error) {
	b, err := scanBooking(conn(ctx, r.db).QueryRow(ctx,
		`UPDATE bookings
		 SET checked_in_at = $2, checked_in_by = $3, updated_at = $2
		 WHERE id = $1 AND payment_status = 'completed' AND checked_in_at IS NULL
		 RETURNING `+bookingColumns,
		id, at, by,
	))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isInvalidUUID(err) {
		return nil, translate(ctx, fmt.Errorf("check in booking: %w", err))
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.CheckIn.Status == model.CheckedIn {
		return current, model.ErrAlreadyCheckedIn
	}
	return current, model.ErrInvalidTransition
}

// List returns bookings matching filter ordered by creation time.
func (r *BookingRepository) List(ctx context.Context, filter model.BookingFilter) ([]*model.Booking, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Date.IsZero() {
		args = append(args, pgDate(filter.Date))
		where = append(where, fmt.Sprintf("event_date = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("payment_status = $%d", len(args)))
	}

	sql := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY created_at ASC`
	return r.query(ctx, sql, args...)
}

// ListExpiredPending returns pending bookings whose payment window closed
// before the given time.
func (r *BookingRepository) ListExpiredPending(ctx context.Context, before time.Time) ([]*model.Booking, error) {
	return r.query(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE payment_status = 'pending' AND expires_at < $1
		 ORDER BY expires_at ASC`,
		before,
	)
}

// ListUnreleased returns failed bookings whose capacity has not been credited.
func (r *BookingRepository) ListUnreleased(ctx context.Context) ([]*model.Booking, error) {
	return r.query(ctx,
		`SELECT `+bookingColumns+`
		 FROM bookings
		 WHERE payment_status = 'failed' AND capacity_released = FALSE
		 ORDER BY updated_at ASC`,
	)
}

// MissingBookings returns the ids that have no booking row.
func (r *BookingRepository) MissingBookings(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT u.id::text
		 FROM unnest($1::uuid[]) AS u(id)
		 WHERE NOT EXISTS (SELECT 1 FROM bookings b WHERE b.id = u.id)`,
		ids,
	)
	if err != nil {
		return nil, translate(ctx, fmt.Errorf("find missing bookings: %w", err))
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan booking id: %w", err)
		}
		missing = append(missing, id)
	}
	return missing, translate(ctx, rows.Err())
}

func (r *BookingRepository) query(ctx context.Context, sql string, args ...any) ([]*model.Booking, error) {
	rows, err := conn(ctx, r.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(ctx, fmt.Errorf("list bookings: %w", err))
	}
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, translate(ctx, rows.Err())
}

type stateColumns struct {
	expiresAt  *time.Time
	paidAt     *time.Time
	paymentRef *string
	failedAt   *time.Time
	reason     *string
	by         *string
}

func stateColumnsOf(s model.BookingState) stateColumns {
	var c stateColumns
	switch st := s.(type) {
	case model.Pending:
		c.expiresAt = &st.ExpiresAt
	case model.Completed:
		c.paidAt = &st.PaidAt
		c.paymentRef = nullString(st.PaymentRef)
	case model.Failed:
		c.failedAt = &st.FailedAt
		c.reason = &st.Reason
		c.by = &st.By
	}
	return c
}

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var (
		b                      model.Booking
		eventDate              time.Time
		party                  model.Party
		status                 string
		expiresAt, paidAt      *time.Time
		failedAt, checkedInAt  *time.Time
		paymentRef, reason, by string
		checkedInBy, promoCode string
	)
	err := row.Scan(
		&b.ID, &b.ConfirmationCode, &b.IdempotencyKey, &eventDate, &b.SlotID,
		&b.GroupSize, &party, &status, &expiresAt, &paidAt, &paymentRef,
		&failedAt, &reason, &by,
		&checkedInAt, &checkedInBy, &promoCode,
		&b.Amount.Subtotal, &b.Amount.Discount, &b.Amount.Total, &b.CapacityReleased, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.EventDate = fromPgDate(eventDate)
	b.Leader = party.Leader
	b.Members = party.Members

	switch model.PaymentStatus(status) {
	case model.PaymentCompleted:
		b.State = model.Completed{PaidAt: derefTime(paidAt), PaymentRef: paymentRef}
	case model.PaymentFailed:
		b.State = model.Failed{FailedAt: derefTime(failedAt), Reason: reason, By: by}
	default:
		b.State = model.Pending{ExpiresAt: derefTime(expiresAt)}
	}

	b.CheckIn = model.CheckIn{Status: model.NotCheckedIn}
	if checkedInAt != nil {
		b.CheckIn = model.CheckIn{Status: model.CheckedIn, At: checkedInAt, By: checkedInBy}
	}
	if promoCode != "" {
		b.Promo = &model.Promo{Code: promoCode, Discount: b.Amount.Discount}
	}
	return &b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
