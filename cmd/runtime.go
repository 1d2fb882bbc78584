// Package cmd provides the trackctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/credentials"
	"github.com/otherjamesbrown/trackable/pkg/db"
	"github.com/otherjamesbrown/trackable/pkg/events"
	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/league"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/observability"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
	"github.com/otherjamesbrown/trackable/pkg/tracking/pgstore"
)

// MetricsNamespace prefixes the database pool collectors.
const MetricsNamespace = "trackable"

// Connection retry settings used when opening the runtime.
const (
	connectAttempts = 3
	connectDelay    = 2 * time.Second
)

// Deps holds the dependencies shared by trackctl commands. Tests replace
// OpenRuntime to run commands against an in-memory store.
type Deps struct {
	LoadConfig  func() (*config.Config, error)
	OpenRuntime func(ctx context.Context, cfg *config.Config) (*Runtime, error)
	ConnectDB   func(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error)
	Credentials func() (*credentials.Store, error)
	Actor       func() tracking.Actor
	Out         io.Writer
}

// DefaultDeps returns the production dependencies.
func DefaultDeps() *Deps {
	return &Deps{
		LoadConfig:  func() (*config.Config, error) { return config.LoadConfig("") },
		OpenRuntime: OpenRuntime,
		ConnectDB: func(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
			return db.ConnectWithRetry(ctx, &cfg.Database, connectAttempts, connectDelay)
		},
		Credentials: credentials.NewStore,
		Actor:       func() tracking.Actor { return tracking.Anonymous() },
		Out:         os.Stdout,
	}
}

func (d *Deps) out() io.Writer {
	if d.Out == nil {
		return os.Stdout
	}
	return d.Out
}

func (d *Deps) actor() tracking.Actor {
	if d.Actor == nil {
		return tracking.Anonymous()
	}
	return d.Actor()
}

// open loads the configuration and opens a runtime from it.
func (d *Deps) open(ctx context.Context) (*Runtime, error) {
	cfg, err := d.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return d.OpenRuntime(ctx, cfg)
}

// ActorFromFlags builds the acting user for a command invocation.
func ActorFromFlags(id string, perms []string, superuser bool) tracking.Actor {
	u := tracking.NewUser(id, perms...)
	u.Superuser = superuser
	return u
}

// Runtime is everything a command needs to act on tracked records.
type Runtime struct {
	Config   *config.Config
	Engine   *tracking.Engine
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Queue    *jobs.RedisQueue
	Handlers jobs.Handlers
	Logger   logging.Logger
	Metrics  *observability.Metrics
	Gatherer *prometheus.Registry

	closers []func() error
}

// NewRuntime creates a runtime with logging and metrics but no engine yet.
func NewRuntime(cfg *config.Config) *Runtime {
	gatherer := prometheus.NewRegistry()
	return &Runtime{
		Config:   cfg,
		Handlers: jobs.Handlers{},
		Logger:   logging.NewLogger(cfg.LoggerConfig()),
		Metrics:  observability.NewMetrics(gatherer),
		Gatherer: gatherer,
	}
}

// OpenRuntime connects to Postgres (and Redis when the configuration needs it)
// and assembles the league engine over the Postgres store.
func OpenRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt := NewRuntime(cfg)

	pool, err := db.ConnectWithRetry(ctx, &cfg.Database, connectAttempts, connectDelay)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	rt.Pool = pool
	rt.onClose(func() error {
		db.Close(pool)
		return nil
	})
	if _, err := db.RegisterPoolStats(rt.Gatherer, pool, MetricsNamespace); err != nil {
		rt.Logger.Warn("Failed to register pool stats", logging.Err(err))
	}

	if needsRedis(cfg) {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.onClose(client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		rt.Redis = client
	}

	reg, err := league.NewRegistry()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	if err := rt.Assemble(pgstore.New(pool, reg), reg); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Dispatch.Mode == config.DispatchRedis || cfg.Notify.Backend == config.NotifyRedis
}

// Assemble builds the engine over store using the dispatch and notify sections
// of the configuration.
func (rt *Runtime) Assemble(store tracking.Store, reg *tracking.Registry) error {
	bus, err := rt.bus()
	if err != nil {
		return err
	}

	opts := tracking.Options{
		Store:           store,
		Registry:        reg,
		Bus:             bus,
		Logger:          rt.Logger,
		Metrics:         rt.Metrics,
		Tracer:          observability.NewTracer(),
		CacheKeyPrefix:  rt.Config.Cache.KeyPrefix,
		CacheVersion:    rt.Config.Cache.Version,
		DuplicateWindow: rt.Config.DuplicateWindow,
	}

	var async *jobs.AsyncQueue
	switch rt.Config.Dispatch.Mode {
	case config.DispatchAsync:
		ac := jobs.DefaultAsyncConfig()
		ac.Workers = rt.Config.Dispatch.Workers
		ac.Retry = rt.Config.RetryPolicy()
		async = jobs.NewAsyncQueue(rt.Handlers, ac, rt.Logger)
		opts.Queue = async
	case config.DispatchRedis:
		if rt.Redis == nil {
			return errors.New("dispatch mode redis requires a redis connection")
		}
		rt.Queue = jobs.NewRedisQueue(rt.Redis, rt.Config.QueueConfig()).WithLogger(rt.Logger)
		opts.Queue = rt.Queue
	}

	engine, err := tracking.New(opts)
	if err != nil {
		if async != nil {
			_ = async.Close()
		}
		return fmt.Errorf("creating engine: %w", err)
	}
	engine.RegisterJobs(rt.Handlers)
	rt.Engine = engine
	if async != nil {
		rt.onClose(async.Close)
	}
	return nil
}

func (rt *Runtime) bus() (tracking.Bus, error) {
	var bus tracking.Bus
	channel := rt.Config.Notify.Channel
	if channel == "" {
		channel = events.DefaultChannel
	}
	switch rt.Config.Notify.Backend {
	case config.NotifyNone, "":
	case config.NotifyLog:
		return events.LogBus{Logger: rt.Logger}, nil
	case config.NotifyRedis:
		if rt.Redis == nil {
			return nil, errors.New("notify backend redis requires a redis connection")
		}
		bus = events.NewRedisBus(rt.Redis, channel)
	case config.NotifyPostgres:
		if rt.Pool == nil {
			return nil, errors.New("notify backend postgres requires a database connection")
		}
		bus = events.NewPostgresBus(rt.Pool, channel)
	default:
		return nil, fmt.Errorf("unknown notify backend %q", rt.Config.Notify.Backend)
	}
	// Debug logging mirrors every event to the log as well.
	if logging.ParseLevel(rt.Config.Logging.Level) == logging.LevelDebug {
		if bus == nil {
			return events.LogBus{Logger: rt.Logger}, nil
		}
		return events.Multi{bus, events.LogBus{Logger: rt.Logger}}, nil
	}
	return bus, nil
}

func (rt *Runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Session returns an engine session for actor.
func (rt *Runtime) Session(actor tracking.Actor) *tracking.Session {
	return rt.Engine.Session(actor)
}
