package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/config"
	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Record command flags.
var (
	listStatuses    []string
	listWhere       []string
	listSubmittedBy string
	listLimit       int
	listNewest      bool
	listAllVersions bool

	submitSet     []string
	submitMessage string
	submitLive    bool
	submitHidden  bool
	submitForce   bool

	editSet      []string
	editUnset    []string
	editMessage  string
	editForce    bool
	editMakeLive bool
)

// NewShowCommand creates the show command.
func NewShowCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show one tracked record",
		Long: `Show a tracked record by reference.

References have the form type-id, for example team-12, and may name an old
version of a record. The record is only shown when the acting user may view
it: live records are public, hidden records are visible to their submitter,
and users holding the view permission see everything.

Examples:
  trackctl show team-12
  trackctl show game-40 --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd.Context(), deps, args[0])
		},
	}
}

func runShow(ctx context.Context, deps *Deps, arg string) error {
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
	rec, err := sess.AllObjects(ref.Type).FilterViewPerms(sess.Actor(), nil).GetFromID(ctx, ref.ID, false)
	if err != nil {
		return describe(err)
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).record(rec, rt.Engine.CacheKey(rec))
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "history <ref>",
		Short: "Show the revision chain of a record",
		Long: `Show every version of a record, newest first.

The chain starts at the head of the record the reference belongs to, so a
reference to an old version shows the full history of its record. Records
folded in by a merge keep their own history and are not listed.

Examples:
  trackctl history team-12
  trackctl history team-12 --output yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), deps, args[0])
		},
	}
}

func runHistory(ctx context.Context, deps *Deps, arg string) error {
	ref, err := tracking.ParseRef(arg)
	if err != nil {
		return err
	}
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	chain, err := rt.Session(deps.actor()).History(ctx, ref)
	if err != nil {
		return describe(err)
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).history(ref, chain)
}

// NewListCommand creates the list command.
func NewListCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List tracked records visible to you",
		Long: `List head records of a type, filtered to what the acting user may view.

Flags:
  --status        Restrict to statuses (live, hidden, pending, rejected, removed)
  --where         Field equality filter, name=value (repeatable)
  --submitted-by  Only records submitted by this user
  --limit         Maximum number of records
  --newest        Newest records first
  --all-versions  Include frozen predecessor versions

Removed records are only listed for users holding tracking.delete.

Examples:
  trackctl list team
  trackctl list game --where season_id=3 --status live
  trackctl list team --submitted-by alice --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), deps, args[0])
		},
	}

	cmd.Flags().StringSliceVar(&listStatuses, "status", nil, "Statuses to include")
	cmd.Flags().StringArrayVar(&listWhere, "where", nil, "Field filter name=value (repeatable)")
	cmd.Flags().StringVar(&listSubmittedBy, "submitted-by", "", "Only records submitted by this user")
	cmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of records")
	cmd.Flags().BoolVar(&listNewest, "newest", false, "Newest records first")
	cmd.Flags().BoolVar(&listAllVersions, "all-versions", false, "Include predecessor versions")

	return cmd
}

func runList(ctx context.Context, deps *Deps, typ string) error {
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, ok := rt.Engine.Registry().Descriptor(typ); !ok {
		return fmt.Errorf("unknown type %q (known: %s)", typ, strings.Join(rt.Engine.Registry().Types(), ", "))
	}

	sess := rt.Session(deps.actor())
	qs := sess.Objects(typ)
	if listAllVersions {
		qs = sess.AllObjects(typ)
	}
	if len(listStatuses) > 0 {
		statuses, err := parseStatuses(listStatuses)
		if err != nil {
			return err
		}
		qs = qs.Status(tracking.FilterFor(statuses...))
	}
	where, err := parseAssignments(rt.Engine.Registry(), typ, listWhere)
	if err != nil {
		return err
	}
	for _, name := range sortedFieldNames(where) {
		qs = qs.Where(name, where[name])
	}
	if listSubmittedBy != "" {
		qs = qs.SubmittedBy(listSubmittedBy)
	}
	if listNewest {
		qs = qs.Newest()
	}
	if listLimit > 0 {
		qs = qs.Limit(listLimit)
	}

	// Holders of the delete permission also see removed records.
	if !sess.Actor().HasPermission(tracking.PermDelete) {
		qs = qs.FilterViewPerms(sess.Actor(), nil)
	}
	recs, err := qs.All(ctx)
	if err != nil {
		return describe(err)
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).records(recs)
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a new tracked record",
		Long: `Submit a new record of a type.

The resulting status depends on your permissions: users who may add without
approval get a live record (or hidden with --hidden), everyone else a record
pending moderation. A record whose parent is hidden or pending takes the
parent's status. Submitting the same live record twice within the duplicate
window returns the earlier record.

Examples:
  trackctl submit season --set name=Fall --set year=2024
  trackctl submit team --set name=Hawks --set city=Austin --set season_id=1
  trackctl submit game --set season_id=1 --set team_1_id=2 --set team_2_id=3 \
      --set start_time=2024-09-07T18:00:00Z --message "from the league site"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), deps, args[0])
		},
	}

	cmd.Flags().StringArrayVar(&submitSet, "set", nil, "Field value name=value (repeatable)")
	cmd.Flags().StringVarP(&submitMessage, "message", "m", "", "Submission message")
	cmd.Flags().BoolVar(&submitLive, "live", false, "Ask for a live record")
	cmd.Flags().BoolVar(&submitHidden, "hidden", false, "Ask for a hidden record")
	cmd.Flags().BoolVar(&submitForce, "force", false, "Skip permission checks")

	return cmd
}

func runSubmit(ctx context.Context, deps *Deps, typ string) error {
	rt, err := deps.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	fields, err := parseAssignments(rt.Engine.Registry(), typ, submitSet)
	if err != nil {
		return err
	}
	rec := tracking.NewRecord(typ, fields)
	out, err := rt.Session(deps.actor()).Submit(ctx, rec, tracking.SubmitOptions{
		Message: submitMessage,
		Live:    submitLive,
		Hidden:  submitHidden,
		Force:   submitForce,
	})
	if err != nil {
		return describe(err)
	}
	if !out.Applied {
		return fmt.Errorf("you do not have permission to add %s records", typ)
	}
	p := newPrinter(deps.out(), rt.Config.OutputFormat)
	if p.format == config.OutputFormatText && out.Message != "" {
		p.printf("%s\n", out.Message)
	}
	return p.record(out.Record, rt.Engine.CacheKey(out.Record))
}

// NewEditCommand creates the edit command.
func NewEditCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <ref>",
		Short: "Edit a tracked record",
		Long: `Edit fields of a record. The previous state is kept as a frozen version
in the record's history.

With --make-live a hidden record becomes live and the change cascades to its
hidden children.

Examples:
  trackctl edit team-12 --set city=Dallas --message "moved"
  trackctl edit game-40 --unset location
  trackctl edit season-1 --make-live`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd.Context(), deps, args[0])
		},
	}

	cmd.Flags().StringArrayVar(&editSet, "set", nil, "Field value name=value (repeatable)")
	cmd.Flags().StringArrayVar(&editUnset, "unset", nil, "Field to clear (repeatable)")
	cmd.Flags().StringVarP(&editMessage, "message", "m", "", "Edit message")
	cmd.Flags().BoolVar(&editForce, "force", false, "Skip permission checks")
	cmd.Flags().BoolVar(&editMakeLive, "make-live", false, "Make a hidden record live")

	return cmd
}

func runEdit(ctx context.Context, deps *Deps, arg string) error {
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
	changes, err := parseAssignments(rt.Engine.Registry(), ref.Type, editSet)
	if err != nil {
		return err
	}
	for name, v := range changes {
		rec.Fields.Set(name, v)
	}
	desc, _ := rt.Engine.Registry().Descriptor(ref.Type)
	for _, name := range editUnset {
		if _, ok := desc.Field(name); !ok {
			return fmt.Errorf("%s has no field %q", ref.Type, name)
		}
		rec.Fields.Set(name, nil)
	}

	opts := tracking.EditOptions{Message: editMessage, Force: editForce}
	var out tracking.Outcome
	if editMakeLive {
		out, err = sess.MakeLive(ctx, rec, opts)
	} else {
		out, err = sess.Edit(ctx, rec, opts)
	}
	if err != nil {
		return describe(err)
	}
	if !out.Applied {
		return fmt.Errorf("you do not have permission to edit %s", ref)
	}
	return newPrinter(deps.out(), rt.Config.OutputFormat).record(out.Record, rt.Engine.CacheKey(out.Record))
}

// parseAssignments turns name=value pairs into normalized fields of typ.
func parseAssignments(reg *tracking.Registry, typ string, pairs []string) (tracking.Fields, error) {
	raw := make(tracking.Fields, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected name=value", pair)
		}
		raw[name] = value
	}
	return reg.Normalize(typ, raw)
}

func parseStatuses(names []string) ([]tracking.Status, error) {
	out := make([]tracking.Status, 0, len(names))
	for _, n := range names {
		s, ok := tracking.ParseStatus(strings.ToLower(strings.TrimSpace(n)))
		if !ok {
			return nil, fmt.Errorf("unknown status %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// describe turns engine errors into messages for the terminal.
func describe(err error) error {
	switch trkerrors.Classify(err) {
	case trkerrors.CodeNotFound, trkerrors.CodeRemoved, trkerrors.CodeForbidden, trkerrors.CodeInvalidState:
		return fmt.Errorf("%s", trkerrors.UserMessage(err))
	default:
		return err
	}
}
