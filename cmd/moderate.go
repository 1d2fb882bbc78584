package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Moderation command flags.
var (
	removeMessage string
	removeForce   bool

	mergeMessage  string
	mergeForce    bool
	mergeDispatch bool

	unmergeMessage  string
	unmergeEvent    int64
	unmergeForce    bool
	unmergeDispatch bool
)

// NewApproveCommand creates the approve command.
func NewApproveCommand(deps *Deps) *cobra.Command {
	return newModerateCommand(deps, tracking.DecisionApprove)
}

// NewRejectCommand creates the reject command.
func NewRejectCommand(deps *Deps) *cobra.Command {
	return newModerateCommand(deps, tracking.DecisionReject)
}

func newModerateCommand(deps *Deps, d tracking.Decision) *cobra.Command {
	short := "Approve a record pending moderation"
	long := `Approve a pending or rejected record.

The record takes the status of its parent, or becomes live when it has none.
Only the named record is moderated: pending children keep their status and
are approved one by one. Approving requires the approve permission;
submitters cannot approve their own records.`
	if d == tracking.DecisionReject {
		short = "Reject a record pending moderation"
		long = `Reject a record.

Only the named record is moderated: its children keep their status. Use
remove to take a record down together with its children. Rejecting requires
the approve permission; submitters cannot reject their own records.`
	}
	return &cobra.Command{
		Use:   string(d) + " <ref>",
		Short: short,
		Long: long + `

The command prints the moderation response message. Unexpected failures are
logged and reported with a generic message.

Examples:
  trackctl ` + string(d) + ` team-12 --as mod --perm tracking.approve
  trackctl ` + string(d) + ` game-40 --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModerate(cmd.Context(), deps, args[0], d)
		},
	}
}

func runModerate(ctx context.Context, deps *Deps, arg string, d tracking.Decision) error {
	ref, err := tracking.ParseRef(arg)
	if err != nil {
		return err
	}
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	res := rt.Session(deps.actor()).Moderate(ctx, ref, d)
	if res.Message == trkerrors.GenericFailureMessage {
		return errors.New(res.Message)
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).message(res.Message)
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <ref>",
		Short: "Remove a tracked record",
		Long: `Remove a record. Its live, hidden and pending children are removed with it.

Removing requires the delete permission unless you submitted the record.

Examples:
  trackctl remove team-12 --message "duplicate entry"
  trackctl remove season-1 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd.Context(), deps, args[0])
		},
	}

	cmd.Flags().StringVarP(&removeMessage, "message", "m", "", "Removal message")
	cmd.Flags().BoolVar(&removeForce, "force", false, "Skip permission checks")

	return cmd
}

func runRemove(ctx context.Context, deps *Deps, arg string) error {
	ref, err := tracking.ParseRef(arg)
	if err != nil {
		return err
	}
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.Session(deps.actor())
	rec, err := sess.Get(ctx, ref)
	if err != nil {
		return describe(err)
	}
	out, err := sess.Remove(ctx, rec, tracking.RemoveOptions{Message: removeMessage, Force: removeForce})
	if err != nil {
		return describe(err)
	}
	if !out.Applied {
		return fmt.Errorf("you do not have permission to remove %s", ref)
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).message(fmt.Sprintf("Removed %s", ref))
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <primary> <secondary>",
		Short: "Merge a duplicate record into another",
		Long: `Fold the secondary record into the primary.

Empty fields of the primary are filled from the secondary, the secondary stops
being a head record, and every record referring to the secondary is redirected
to the primary. Redirected records that then duplicate another record are
merged as well, all under one merge event that unmerge can undo.

Merging requires the global change permission.

Flags:
  --dispatch   Queue the merge instead of running it now

Examples:
  trackctl merge team-12 team-15 --message "same club"
  trackctl merge team-12 team-15 --dispatch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(cmd.Context(), deps, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "Merge message")
	cmd.Flags().BoolVar(&mergeForce, "force", false, "Skip permission checks")
	cmd.Flags().BoolVar(&mergeDispatch, "dispatch", false, "Queue the merge as a job")

	return cmd
}

func runMerge(ctx context.Context, deps *Deps, primaryArg, secondaryArg string) error {
	primaryRef, err := tracking.ParseRef(primaryArg)
	if err != nil {
		return err
	}
	secondaryRef, err := tracking.ParseRef(secondaryArg)
	if err != nil {
		return err
	}
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.Session(deps.actor())
	opts := tracking.MergeOptions{Message: mergeMessage, Force: mergeForce}
	p := newPrinter(deps.out(), rt.Config.OutputFormat)

	if mergeDispatch {
		if err := sess.DispatchMerge(ctx, primaryRef, secondaryRef, opts); err != nil {
			return fmt.Errorf("queueing merge: %w", err)
		}
		return p.message(fmt.Sprintf("Queued merge of %s into %s", secondaryRef, primaryRef))
	}

	primary, err := sess.Get(ctx, primaryRef)
	if err != nil {
		return describe(err)
	}
	secondary, err := sess.Get(ctx, secondaryRef)
	if err != nil {
		return describe(err)
	}
	out, err := sess.Merge(ctx, primary, secondary, opts)
	if err != nil {
		return describe(err)
	}
	if !out.Applied {
		return fmt.Errorf("you do not have permission to merge %s into %s", secondaryRef, primaryRef)
	}
	return p.record(out.Record, rt.Engine.CacheKey(out.Record))
}

// NewUnmergeCommand creates the unmerge command.
func NewUnmergeCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unmerge <ref>",
		Short: "Undo a merge",
		Long: `Undo a merge recorded in the history of a record.

The secondary becomes a head record again, fields filled from it are cleared
unless they were changed since, and records redirected by the merge point back
at the secondary. Without --event the most recent merge is undone.

Flags:
  --event      Merge event to undo
  --dispatch   Queue the unmerge instead of running it now

Examples:
  trackctl unmerge team-12
  trackctl unmerge team-12 --event 7 --dispatch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnmerge(cmd.Context(), deps, args[0])
		},
	}

	cmd.Flags().StringVarP(&unmergeMessage, "message", "m", "", "Unmerge message")
	cmd.Flags().Int64Var(&unmergeEvent, "event", 0, "Merge event to undo")
	cmd.Flags().BoolVar(&unmergeForce, "force", false, "Skip permission checks")
	cmd.Flags().BoolVar(&unmergeDispatch, "dispatch", false, "Queue the unmerge as a job")

	return cmd
}

func runUnmerge(ctx context.Context, deps *Deps, arg string) error {
	ref, err := tracking.ParseRef(arg)
	if err != nil {
		return err
	}
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := rt.Session(deps.actor())
	opts := tracking.UnmergeOptions{Message: unmergeMessage, Force: unmergeForce}
	if unmergeEvent > 0 {
		event := unmergeEvent
		opts.MergeEvent = &event
	}
	p := newPrinter(deps.out(), rt.Config.OutputFormat)

	if unmergeDispatch {
		if err := sess.DispatchUnmerge(ctx, ref, opts); err != nil {
			return fmt.Errorf("queueing unmerge: %w", err)
		}
		return p.message(fmt.Sprintf("Queued unmerge of %s", ref))
	}

	head, err := sess.Get(ctx, ref)
	if err != nil {
		return describe(err)
	}
	out, err := sess.Unmerge(ctx, head, opts)
	if err != nil {
		return describe(err)
	}
	if !out.Applied {
		return fmt.Errorf("you do not have permission to unmerge %s", ref)
	}
	return p.record(out.Record, rt.Engine.CacheKey(out.Record))
}
