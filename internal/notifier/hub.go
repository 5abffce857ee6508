// Package notifier propagates capacity ledger changes to subscribed viewers.
//
// Changes are pushed from the ledger's mutation path and, as a fallback, a
// poller re-publishes the latest snapshot of every watched day on an interval.
// Ordering is enforced with the per-day ledger version: a subscriber never
// receives a snapshot older than one it has already seen.
package notifier

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// Hub is the subscriber registry. It is safe for concurrent use.
type Hub struct {
	log *zap.Logger

	mu     sync.RWMutex
	latest map[model.Date]int64
	subs   map[model.Date]map[string]*subscription
}

type subscription struct {
	mu       sync.Mutex
	seen     bool
	last     int64
	onChange func(model.LedgerSnapshot)
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:    log,
		latest: make(map[model.Date]int64),
		subs:   make(map[model.Date]map[string]*subscription),
	}
}

// Subscribe registers onChange for date. onChange is called sequentially for
// a given subscription and must not block for long. The returned function
// removes the subscription; calling it more than once is harmless.
func (h *Hub) Subscribe(date model.Date, onChange func(model.LedgerSnapshot)) (unsubscribe func()) {
	id := uuid.NewString()
	sub := &subscription{onChange: onChange}

	h.mu.Lock()
	if h.subs[date] == nil {
		h.subs[date] = make(map[string]*subscription)
	}
	h.subs[date][id] = sub
	h.mu.Unlock()

	h.log.Debug("subscribed", zap.Stringer("date", date), zap.String("subscription", id))

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[date], id)
			if len(h.subs[date]) == 0 {
				delete(h.subs, date)
			}
			h.mu.Unlock()
			h.log.Debug("unsubscribed", zap.Stringer("date", date), zap.String("subscription", id))
		})
	}
}

// Publish fans snap out to the subscribers of its date. Snapshots older than
// the newest version already published for that date are dropped and Publish
// returns false.
func (h *Hub) Publish(snap model.LedgerSnapshot) bool {
	h.mu.Lock()
	if latest, ok := h.latest[snap.Date]; ok && snap.Version < latest {
		h.mu.Unlock()
		h.log.Debug("stale snapshot dropped",
			zap.Stringer("date", snap.Date),
			zap.Int64("version", snap.Version),
			zap.Int64("latest", latest),
		)
		return false
	}
	h.latest[snap.Date] = snap.Version
	subs := make([]*subscription, 0, len(h.subs[snap.Date]))
	for _, s := range h.subs[snap.Date] {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.deliver(snap)
	}
	return true
}

func (s *subscription) deliver(snap model.LedgerSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen && snap.Version <= s.last {
		return
	}
	s.seen = true
	s.last = snap.Version
	s.onChange(snap)
}

// Dates returns the dates that currently have at least one subscriber.
func (h *Hub) Dates() []model.Date {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dates := make([]model.Date, 0, len(h.subs))
	for d := range h.subs {
		dates = append(dates, d)
	}
	return dates
}

// Subscribers returns the number of subscriptions for date.
func (h *Hub) Subscribers(date model.Date) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[date])
}
