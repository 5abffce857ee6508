package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream handles GET /days/{date}/ws. The session receives the current
// snapshot on connect and then every newer one. A slow client only ever gets
// the latest snapshot, never a backlog.
func (h *AllocationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.QueryAvailability(r.Context(), date); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	latest := make(chan model.LedgerSnapshot, 1)
	push := func(s model.LedgerSnapshot) {
		for {
			select {
			case latest <- s:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}

	unsubscribe := h.hub.Subscribe(date, push)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap, err := h.svc.QueryAvailability(ctx, date)
	if err != nil {
		h.log.Warn("initial snapshot failed", zap.Stringer("date", date), zap.Error(err))
		return
	}
	push(snap)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	last := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-latest:
			if s.Version <= last {
				continue
			}
			last = s.Version
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
