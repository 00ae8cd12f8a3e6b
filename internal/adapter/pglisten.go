package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PGListener receives trigger payloads over Postgres LISTEN/NOTIFY and
// hands them to a DBTrigger adapter. The trigger is expected to
// pg_notify(channel, json_build_object('table', ..., 'operation', ...,
// 'old', ..., 'new', ...)::text).
type PGListener struct {
	listener *pq.Listener
	trigger  *DBTrigger
	channel  string
}

func NewPGListener(dsn, channel string, trigger *DBTrigger) (*PGListener, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db_trigger.dsn is required")
	}
	l := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			slog.Warn("postgres listener connection problem", "channel", channel, "error", err)
		case pq.ListenerEventReconnected:
			slog.Info("postgres listener reconnected", "channel", channel)
		}
	})
	if err := l.Listen(channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	return &PGListener{listener: l, trigger: trigger, channel: channel}, nil
}

// Run dispatches notifications until ctx is cancelled. A nil notification
// follows a reconnect, when events may have been missed.
func (p *PGListener) Run(ctx context.Context) error {
	slog.Info("postgres listener started", "channel", p.channel)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return p.listener.Close()
		case n := <-p.listener.Notify:
			if n == nil {
				slog.Warn("postgres listener reconnected; notifications may have been lost", "channel", p.channel)
				continue
			}
			p.handle(ctx, n.Extra)
		case <-ping.C:
			if err := p.listener.Ping(); err != nil {
				slog.Warn("postgres listener ping failed", "error", err)
			}
		}
	}
}

func (p *PGListener) handle(ctx context.Context, payload string) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("db notification rejected", "channel", p.channel, "error", err)
		return
	}
	res := p.trigger.HandleInput(ctx, ev)
	if !res.Success {
		slog.Warn("db change not accepted", "table", ev.Table, "status", string(res.Status), "errors", res.Errors)
	}
}
