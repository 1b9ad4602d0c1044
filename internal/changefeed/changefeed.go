// Package changefeed turns Postgres NOTIFY payloads emitted by table triggers into typed events.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Event types.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	// EventResync is emitted after the listener reconnects: notifications may have been lost.
	EventResync = "resync"
)

// Event is one row change.
type Event struct {
	Table  string          `json:"table"`
	Type   string          `json:"event_type"`
	Record json.RawMessage `json:"record"`
}

// Filter narrows a subscription. An empty Types matches every event type.
type Filter struct {
	Types []string
}

func (f Filter) match(e Event) bool {
	if e.Type == EventResync || len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Listener is the subset of *pq.Listener the feed uses.
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Feed subscribes to table change notifications.
type Feed struct {
	newListener func() Listener
	logger      *zap.Logger
	pingEvery   time.Duration
}

// New builds a Feed backed by pq listeners on dsn.
func New(dsn string, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("changefeed")
	return &Feed{
		newListener: func() Listener {
			return pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
				if err != nil {
					logger.Warn("listener event", zap.Int("event", int(ev)), zap.Error(err))
				}
			})
		},
		logger:    logger,
		pingEvery: 90 * time.Second,
	}
}

// NewWithListener builds a Feed around a custom listener factory.
func NewWithListener(factory func() Listener, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{newListener: factory, logger: logger.Named("changefeed"), pingEvery: 90 * time.Second}
}

// Channel returns the NOTIFY channel a table's trigger publishes on.
func Channel(table string) string { return table + "_changes" }

// Subscribe streams events for table until ctx is done. The returned channel is closed on exit.
func (f *Feed) Subscribe(ctx context.Context, table string, filter Filter) (<-chan Event, error) {
	l := f.newListener()
	if err := l.Listen(Channel(table)); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("listen %s: %w", Channel(table), err)
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer l.Close()
		ping := time.NewTicker(f.pingEvery)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := l.Ping(); err != nil {
					f.logger.Warn("listener ping failed", zap.Error(err))
				}
			case n, ok := <-l.NotificationChannel():
				if !ok {
					return
				}
				ev, err := decode(table, n)
				if err != nil {
					f.logger.Warn("drop malformed notification", zap.Error(err))
					continue
				}
				if ev.Table != table || !filter.match(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decode(table string, n *pq.Notification) (Event, error) {
	if n == nil {
		return Event{Table: table, Type: EventResync}, nil
	}
	var ev Event
	if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	if ev.Table == "" {
		ev.Table = table
	}
	return ev, nil
}
