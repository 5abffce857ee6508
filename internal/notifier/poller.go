package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

const DefaultPollInterval = 30 * time.Second

// SnapshotSource reads the latest committed ledger state of a day.
type SnapshotSource interface {
	Snapshot(ctx context.Context, date model.Date) (model.LedgerSnapshot, error)
}

// Poller re-reads every watched day on a fixed interval so that a subscriber
// who missed a push catches up within one interval.
type Poller struct {
	hub      *Hub
	source   SnapshotSource
	interval time.Duration
	log      *zap.Logger
}

func NewPoller(hub *Hub, source SnapshotSource, interval time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{hub: hub, source: source, interval: interval, log: log}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh publishes the current snapshot of every watched day once.
func (p *Poller) Refresh(ctx context.Context) {
	for _, date := range p.hub.Dates() {
		snap, err := p.source.Snapshot(ctx, date)
		if err != nil {
			p.log.Warn("poll snapshot failed", zap.Stringer("date", date), zap.Error(err))
			continue
		}
		p.hub.Publish(snap)
	}
}
