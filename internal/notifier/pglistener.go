package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

// ChannelLedgerChanges is the NOTIFY channel written by the Postgres ledger.
const ChannelLedgerChanges = "ledger_changes"

// PGListener relays ledger snapshots announced with pg_notify, including
// those committed by other instances, into a Hub.
type PGListener struct {
	pool    *pgxpool.Pool
	hub     *Hub
	channel string
	backoff time.Duration
	log     *zap.Logger
}

func NewPGListener(pool *pgxpool.Pool, hub *Hub, log *zap.Logger) *PGListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &PGListener{
		pool:    pool,
		hub:     hub,
		channel: ChannelLedgerChanges,
		backoff: 2 * time.Second,
		log:     log,
	}
}

// Run listens until ctx is done, reconnecting after connection failures.
// Changes missed while disconnected are picked up by the Poller.
func (l *PGListener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("ledger listener disconnected", zap.Error(err), zap.Duration("retry_in", l.backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *PGListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.log.Info("listening for ledger changes", zap.String("channel", l.channel))

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var snap model.LedgerSnapshot
		if err := json.Unmarshal([]byte(n.Payload), &snap); err != nil {
			l.log.Warn("bad ledger notification", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		l.hub.Publish(snap)
	}
}
