package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/pkg/jobs"
)

var queueDeadLimit int64

// QueueStatus is the output of queue status.
type QueueStatus struct {
	Queue       string            `json:"queue"`
	Depth       int64             `json:"depth"`
	DeadLetters []jobs.DeadLetter `json:"dead_letters"`
}

// NewQueueCommand creates the queue command with its subcommands.
func NewQueueCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the Redis job queue",
		Long: `Inspect the Redis job queue used when dispatch.mode is redis.

Subcommands:
  status    Show the queue depth and recent dead letters
  recover   Return jobs with expired leases to the queue`,
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and dead letters",
		Long: `Show how many jobs are waiting and the most recent dead letters.

Examples:
  trackctl queue status
  trackctl queue status --dead-letters 50 --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStatus(cmd.Context(), deps)
		},
	}
	status.Flags().Int64Var(&queueDeadLimit, "dead-letters", 10, "Number of dead letters to show")

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue jobs whose lease expired",
		Long: `Return claimed jobs whose visibility timeout expired to the queue.

Running workers do this periodically; use this after workers crashed.

Examples:
  trackctl queue recover`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueRecover(cmd.Context(), deps)
		},
	}

	cmd.AddCommand(status, recoverCmd)
	return cmd
}

func openQueue(ctx context.Context, deps *Deps) (*Runtime, error) {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Dispatch.Mode != config.DispatchRedis {
		return nil, fmt.Errorf("no job queue: dispatch.mode is %q", cfg.Dispatch.Mode)
	}
	return deps.OpenRuntime(ctx, cfg)
}

func runQueueStatus(ctx context.Context, deps *Deps) error {
	rt, err := openQueue(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	depth, err := rt.Queue.Depth(ctx)
	if err != nil {
		return fmt.Errorf("reading queue depth: %w", err)
	}
	dead, err := rt.Queue.DeadLetters(ctx, queueDeadLimit)
	if err != nil {
		return err
	}
	out := QueueStatus{Queue: rt.Queue.Name(), Depth: depth, DeadLetters: dead}

	p := newPrinter(deps.out(), rt.Config.OutputFormat)
	return p.emit(out, func() error {
		p.printf("Queue %s: %d job(s) waiting\n", out.Queue, out.Depth)
		if len(dead) == 0 {
			p.printf("No dead letters.\n")
			return nil
		}
		p.printf("\n%s\n", p.paint(ansiRed, fmt.Sprintf("Dead letters (%d):", len(dead))))
		for _, d := range dead {
			p.printf("  %s  %s\n", formatTime(d.MovedAt), truncate(d.Reason, 100))
		}
		return nil
	})
}

func runQueueRecover(ctx context.Context, deps *Deps) error {
	rt, err := openQueue(ctx, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.Queue.RecoverStale(ctx)
	if err != nil {
		return err
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).message(fmt.Sprintf("Recovered %d job(s)", n))
}
