package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/pkg/events"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Watch command flags.
var (
	watchChannel string
	watchCount   int
	watchType    string
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream tracking events as they happen",
		Long: `Stream the events published after tracked records change.

Events are read from the configured notify backend: Redis pub/sub or Postgres
LISTEN/NOTIFY. Events published while nobody is watching are not replayed.

With --output json each event is printed as one JSON object per line.

Examples:
  trackctl watch
  trackctl watch --type game --count 10
  trackctl watch --output json | jq .ref`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), deps)
		},
	}

	cmd.Flags().StringVar(&watchChannel, "channel", "", "Channel to watch (default notify.channel)")
	cmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many events")
	cmd.Flags().StringVar(&watchType, "type", "", "Only show events for this record type")

	return cmd
}

func runWatch(ctx context.Context, deps *Deps) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	channel := watchChannel
	if channel == "" {
		channel = cfg.Notify.Channel
	}
	if channel == "" {
		channel = events.DefaultChannel
	}
	logger := logging.NewLogger(cfg.LoggerConfig())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var stream <-chan tracking.Event
	switch cfg.Notify.Backend {
	case config.NotifyRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		stream, err = events.SubscribeRedis(ctx, client, channel, logger)
		if err != nil {
			return err
		}
	case config.NotifyPostgres:
		l, err := events.NewListener(events.ListenerConfig{DSN: cfg.Database.ConnectionString(), Channel: channel}, logger)
		if err != nil {
			return err
		}
		defer l.Close()
		stream = l.Events(ctx)
	default:
		return fmt.Errorf("notify backend %q cannot be watched (use redis or postgres)", cfg.Notify.Backend)
	}

	return printEvents(ctx, newPrinter(deps.out(), cfg.OutputFormat), stream, watchType, watchCount)
}

// printEvents writes events from stream until it closes, ctx ends or limit
// events were printed. A limit of zero means no limit.
func printEvents(ctx context.Context, p *printer, stream <-chan tracking.Event, typ string, limit int) error {
	printed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			if typ != "" && ev.Ref.Type != typ {
				continue
			}
			if p.format == config.OutputFormatJSON {
				data, err := json.Marshal(ev)
				if err != nil {
					return err
				}
				p.printf("%s\n", data)
			} else {
				p.printf("%s  %-8s %-16s %s by %s %s\n",
					formatTime(ev.Time), ev.Kind, ev.Ref, p.status(ev.Status), orDash(ev.Actor), ev.Message)
			}
			printed++
			if limit > 0 && printed >= limit {
				return nil
			}
		}
	}
}
