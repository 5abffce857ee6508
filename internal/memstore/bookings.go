// Package memstore keeps bookings in process memory. It backs the service
// when no database is configured and in tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// Bookings is a mutex-guarded booking table with a unique idempotency key.
type Bookings struct {
	mu    sync.RWMutex
	byID  map[string]*model.Booking
	byKey map[string]string
}

func NewBookings() *Bookings {
	return &Bookings{
		byID:  make(map[string]*model.Booking),
		byKey: make(map[string]string),
	}
}

func (s *Bookings) Create(ctx context.Context, b *model.Booking) error {
	if err := ctx.Err(); err != nil {
		return model.ErrTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[b.IdempotencyKey]; ok {
		return model.ErrIdempotencyConflict
	}
	s.byID[b.ID] = clone(b)
	s.byKey[b.IdempotencyKey] = b.ID
	return nil
}

func (s *Bookings) Get(_ context.Context, id string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return clone(b), nil
}

// FindByIdempotencyKey returns nil without error when the key is unused.
func (s *Bookings) FindByIdempotencyKey(_ context.Context, key string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, nil
	}
	return clone(s.byID[id]), nil
}

// Transition moves the booking to state when its current payment status is one
// of from; otherwise the unchanged booking is returned with
// model.ErrInvalidTransition.
func (s *Bookings) Transition(_ context.Context, id string, from []model.PaymentStatus, to model.BookingState, at time.Time) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if b.PaymentStatus() == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return clone(b), model.ErrInvalidTransition
	}
	b.State = to
	b.UpdatedAt = at
	return clone(b), nil
}

func (s *Bookings) MarkCapacityReleased(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return model.ErrNotFound
	}
	b.CapacityReleased = true
	b.UpdatedAt = at
	return nil
}

func (s *Bookings) CheckIn(_ context.Context, id string, at time.Time, by string) (*model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if b.CheckIn.Status == model.CheckedIn {
		return clone(b), model.ErrAlreadyCheckedIn
	}
	if b.PaymentStatus() != model.PaymentCompleted {
		return clone(b), model.ErrInvalidTransition
	}
	at = at.UTC()
	b.CheckIn = model.CheckIn{Status: model.CheckedIn, At: &at, By: by}
	b.UpdatedAt = at
	return clone(b), nil
}

func (s *Bookings) List(_ context.Context, filter model.BookingFilter) ([]*model.Booking, error) {
	return s.collect(filter.Match, func(a, b *model.Booking) bool {
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

func (s *Bookings) ListExpiredPending(_ context.Context, before time.Time) ([]*model.Booking, error) {
	return s.collect(func(b *model.Booking) bool {
		p, ok := b.State.(model.Pending)
		return ok && p.ExpiresAt.Before(before)
	}, func(a, b *model.Booking) bool {
		return a.State.(model.Pending).ExpiresAt.Before(b.State.(model.Pending).ExpiresAt)
	}), nil
}

func (s *Bookings) ListUnreleased(_ context.Context) ([]*model.Booking, error) {
	return s.collect(func(b *model.Booking) bool {
		return b.PaymentStatus() == model.PaymentFailed && !b.CapacityReleased
	}, func(a, b *model.Booking) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}), nil
}

// MissingBookings returns the ids that have no booking.
func (s *Bookings) MissingBookings(_ context.Context, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	for _, id := range ids {
		if _, ok := s.byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *Bookings) collect(keep func(*model.Booking) bool, less func(a, b *model.Booking) bool) []*model.Booking {
	s.mu.RLock()
	out := make([]*model.Booking, 0)
	for _, b := range s.byID {
		if keep(b) {
			out = append(out, clone(b))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func clone(b *model.Booking) *model.Booking {
	c := *b
	c.Members = append([]model.Member(nil), b.Members...)
	if b.Promo != nil {
		p := *b.Promo
		c.Promo = &p
	}
	if b.CheckIn.At != nil {
		at := *b.CheckIn.At
		c.CheckIn.At = &at
	}
	return &c
}
