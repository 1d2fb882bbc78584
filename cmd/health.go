package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/pkg/db"
	"github.com/otherjamesbrown/trackable/pkg/jobs"
)

var healthTimeout time.Duration

// ComponentHealth is the health of one backing service.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail"`
}

// HealthReport is the output of the health command.
type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentHealth `json:"components"`
}

// NewHealthCommand creates the health command.
func NewHealthCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the database and Redis connections",
		Long: `Check the services trackctl depends on.

Postgres is always checked. Redis is checked when the job queue or the event
backend uses it, together with the depth of the job queue.

Examples:
  trackctl health
  trackctl health --output json --timeout 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), deps)
		},
	}

	cmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "Timeout for each check")

	return cmd
}

func runHealth(ctx context.Context, deps *Deps) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	report := HealthReport{Healthy: true}
	add := func(c ComponentHealth) {
		report.Components = append(report.Components, c)
		report.Healthy = report.Healthy && c.Healthy
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if pool, err := deps.ConnectDB(checkCtx, cfg); err != nil {
		add(ComponentHealth{Name: "postgres", Detail: err.Error()})
	} else {
		status := db.Check(checkCtx, pool)
		add(ComponentHealth{Name: "postgres", Healthy: status.Healthy, Detail: status.String()})
		db.Close(pool)
	}

	if needsRedis(cfg) {
		for _, c := range checkRedis(ctx, cfg) {
			add(c)
		}
	}

	p := newPrinter(deps.out(), cfg.OutputFormat)
	if err := p.emit(report, func() error {
		for _, c := range report.Components {
			mark := p.paint(ansiGreen, "✓")
			if !c.Healthy {
				mark = p.paint(ansiRed, "✗")
			}
			p.printf("  %s %-10s %s\n", mark, c.Name, c.Detail)
		}
		return nil
	}); err != nil {
		return err
	}
	if !report.Healthy {
		return errors.New("one or more components are unhealthy")
	}
	return nil
}

func checkRedis(ctx context.Context, cfg *config.Config) []ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		return []ComponentHealth{{Name: "redis", Detail: err.Error()}}
	}
	out := []ComponentHealth{{
		Name:    "redis",
		Healthy: true,
		Detail:  fmt.Sprintf("healthy (latency %s, %s)", time.Since(start).Round(time.Microsecond), cfg.Redis.Addr),
	}}

	if cfg.Dispatch.Mode == config.DispatchRedis {
		q := jobs.NewRedisQueue(client, cfg.QueueConfig())
		depth, err := q.Depth(ctx)
		if err != nil {
			out = append(out, ComponentHealth{Name: "queue", Detail: err.Error()})
		} else {
			out = append(out, ComponentHealth{Name: "queue", Healthy: true, Detail: fmt.Sprintf("%s: %d job(s) waiting", q.Name(), depth)})
		}
	}
	return out
}
