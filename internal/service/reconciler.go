package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

const DefaultReconcileInterval = time.Minute

// Reconciler returns abandoned capacity to the ledger. Pending bookings whose
// payment window closed are failed, failed bookings whose credit never landed
// are credited again, and debits left without any booking are credited.
type Reconciler struct {
	svc      *AllocationService
	interval time.Duration
	log      *zap.Logger
}

func NewReconciler(svc *AllocationService, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{svc: svc, interval: interval, log: log}
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Expired  int
	Released int
	Orphaned int
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				r.log.Warn("reconcile sweep failed", zap.Error(err))
			}
			if res != (SweepResult{}) {
				r.log.Info("reconcile sweep",
					zap.Int("expired", res.Expired),
					zap.Int("released", res.Released),
					zap.Int("orphaned", res.Orphaned),
				)
			}
		}
	}
}

// Sweep runs one reconciliation pass. It keeps going after a failing booking
// and returns the first error seen.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		res      SweepResult
		firstErr error
	)
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	svc := r.svc
	expired, err := svc.bookings.ListExpiredPending(ctx, svc.clock.Now())
	if err != nil {
		return res, svc.fail(ctx, err)
	}
	for _, b := range expired {
		opCtx, cancel := context.WithTimeout(ctx, svc.opTimeout)
		_, err := svc.cancel(opCtx, b.ID, ReasonPaymentTimeout, ActorSystem,
			[]model.PaymentStatus{model.PaymentPending})
		cancel()
		switch {
		case err == nil:
			res.Expired++
		case errors.Is(err, model.ErrAlreadyCancelled):
		case errors.Is(err, model.ErrInvalidTransition):
			// Paid after the listing was taken.
		default:
			r.log.Warn("expire booking failed", zap.String("booking_id", b.ID), zap.Error(err))
			keep(err)
		}
	}

	unreleased, err := svc.bookings.ListUnreleased(ctx)
	if err != nil {
		keep(svc.fail(ctx, err))
		return res, firstErr
	}
	for _, b := range unreleased {
		opCtx, cancel := context.WithTimeout(ctx, svc.opTimeout)
		err := svc.release(opCtx, b)
		cancel()
		if err != nil {
			r.log.Warn("release booking failed", zap.String("booking_id", b.ID), zap.Error(err))
			keep(err)
			continue
		}
		res.Released++
	}

	orphaned, err := r.sweepOrphans(ctx)
	res.Orphaned = orphaned
	if err != nil {
		keep(err)
	}
	return res, firstErr
}

// sweepOrphans credits debits that no booking ever claimed, which happens
// when a reservation dies between its debit and persisting the booking.
// Debits younger than orphanGrace may still belong to a reservation in
// flight and are left alone.
func (r *Reconciler) sweepOrphans(ctx context.Context) (int, error) {
	svc := r.svc
	debits, err := svc.ledger.ListUncreditedDebits(ctx, svc.clock.Now().Add(-svc.orphanGrace()))
	if err != nil {
		return 0, svc.fail(ctx, err)
	}
	if len(debits) == 0 {
		return 0, nil
	}

	ids := make([]string, len(debits))
	for i, d := range debits {
		ids[i] = d.BookingID
	}
	missing, err := svc.bookings.MissingBookings(ctx, ids)
	if err != nil {
		return 0, svc.fail(ctx, err)
	}

	var (
		credited int
		firstErr error
	)
	for _, id := range missing {
		opCtx, cancel := context.WithTimeout(ctx, svc.opTimeout)
		snap, ok, err := svc.ledger.Credit(opCtx, id)
		cancel()
		if err != nil {
			r.log.Warn("credit orphaned debit failed", zap.String("booking_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			svc.publish(snap)
			credited++
			r.log.Info("orphaned debit credited", zap.String("booking_id", id), zap.Stringer("date", snap.Date))
		}
	}
	return credited, firstErr
}
