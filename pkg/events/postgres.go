package events

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// PostgresBus sends events through pg_notify.
type PostgresBus struct {
	pool    *pgxpool.Pool
	channel string
}

// NewPostgresBus creates a bus notifying channel, or DefaultChannel when empty.
func NewPostgresBus(pool *pgxpool.Pool, channel string) *PostgresBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresBus{pool: pool, channel: channel}
}

func (b *PostgresBus) Emit(ctx context.Context, ev tracking.Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(data)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", b.channel, err)
	}
	return nil
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	DSN                  string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	// PingInterval is how often an idle connection is checked.
	PingInterval time.Duration
}

func (c *ListenerConfig) defaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.MinReconnectInterval == 0 {
		c.MinReconnectInterval = 10 * time.Second
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = time.Minute
	}
	if c.PingInterval == 0 {
		c.PingInterval = 90 * time.Second
	}
}

// Listener receives events sent by PostgresBus over a dedicated connection.
type Listener struct {
	cfg      ListenerConfig
	listener *pq.Listener
	logger   logging.Logger
}

// NewListener opens a LISTEN connection on cfg.Channel.
func NewListener(cfg ListenerConfig, logger logging.Logger) (*Listener, error) {
	cfg.defaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.F("component", "event_listener"), logging.F("channel", cfg.Channel))

	l := pq.NewListener(cfg.DSN, cfg.MinReconnectInterval, cfg.MaxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("Listener connection attempt failed", logging.Err(err))
		case pq.ListenerEventDisconnected:
			logger.Warn("Listener disconnected", logging.Err(err))
		case pq.ListenerEventReconnected:
			logger.Info("Listener reconnected")
		}
	})
	if err := l.Listen(cfg.Channel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Channel, err)
	}
	return &Listener{cfg: cfg, listener: l, logger: logger}, nil
}

// Events streams decoded events until ctx ends. Notifications lost during a
// reconnect are not replayed.
func (l *Listener) Events(ctx context.Context) <-chan tracking.Event {
	out := make(chan tracking.Event)
	go func() {
		defer close(out)
		ticker := time.NewTicker(l.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-l.listener.Notify:
				if !ok {
					return
				}
				ev, valid := l.decode(n)
				if !valid {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ticker.C:
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("Listener ping failed", logging.Err(err))
				}
			}
		}
	}()
	return out
}

// decode turns a notification into an event. A nil notification marks a
// reconnect and is skipped.
func (l *Listener) decode(n *pq.Notification) (tracking.Event, bool) {
	if n == nil {
		l.logger.Debug("Listener connection re-established")
		return tracking.Event{}, false
	}
	ev, err := Decode([]byte(n.Extra))
	if err != nil {
		l.logger.Warn("Dropping malformed notification", logging.F("pid", n.BePid), logging.Err(err))
		return tracking.Event{}, false
	}
	return ev, true
}

// Close stops listening and closes the connection.
func (l *Listener) Close() error {
	return l.listener.Close()
}
