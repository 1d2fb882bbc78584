package tracking_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

func TestSubmit_StatusDependsOnPermissions(t *testing.T) {
	tests := []struct {
		name        string
		actor       tracking.Actor
		opts        tracking.SubmitOptions
		wantApplied bool
		wantStatus  tracking.Status
		wantMessage string
	}{
		{name: "trusted user goes live", actor: admin, wantApplied: true, wantStatus: tracking.StatusLive},
		{name: "moderator goes live", actor: moderator, wantApplied: true, wantStatus: tracking.StatusLive},
		{name: "untrusted user waits", actor: alice, wantApplied: true, wantStatus: tracking.StatusPending, wantMessage: tracking.PendingApprovalMessage},
		{name: "live requested", actor: alice, opts: tracking.SubmitOptions{Live: true}, wantApplied: true, wantStatus: tracking.StatusLive},
		{name: "hidden needs permission", actor: alice, opts: tracking.SubmitOptions{Hidden: true}, wantApplied: true, wantStatus: tracking.StatusPending, wantMessage: tracking.PendingApprovalMessage},
		{name: "hidden", actor: admin, opts: tracking.SubmitOptions{Hidden: true}, wantApplied: true, wantStatus: tracking.StatusHidden},
		{name: "anonymous denied", actor: tracking.Anonymous(), wantApplied: false},
		{name: "anonymous forced", actor: tracking.Anonymous(), opts: tracking.SubmitOptions{Force: true}, wantApplied: true, wantStatus: tracking.StatusPending, wantMessage: tracking.PendingApprovalMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := tracking.NewRecord("org", tracking.Fields{"name": tt.name, "city": "Austin"})

			out := f.submit(tt.actor, rec, tt.opts)

			assert.Equal(t, tt.wantApplied, out.Applied)
			assert.False(t, out.Duplicate)
			if !tt.wantApplied {
				assert.True(t, rec.IsNew())
				assert.Zero(t, f.store.Len())
				assert.Empty(t, f.bus.Events())
				return
			}
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantStatus, rec.OriginalStatus())
			assert.Equal(t, tt.wantMessage, out.Message)
			assert.Equal(t, tt.actor.ID(), rec.SubmittedBy)
			assert.Equal(t, tracking.ActionCreated, rec.ActionTaken)
			assert.True(t, rec.IsHead)
			assert.Equal(t, []string{kind(tracking.EventCreated, rec)}, f.bus.Kinds())

			stored := f.reload(rec)
			assert.Equal(t, tt.wantStatus, stored.Status)
		})
	}
}

func TestSubmit_HooksFollowStatus(t *testing.T) {
	f := newFixture(t)

	live := f.org("Acme", "Austin")
	hidden := tracking.NewRecord("org", tracking.Fields{"name": "Quiet", "city": "Austin"})
	f.mustSubmit(admin, hidden, tracking.SubmitOptions{Hidden: true})

	assert.Equal(t, []string{
		"live:" + live.Ref().String(),
		"after_saved:" + live.Ref().String(),
		"hidden:" + hidden.Ref().String(),
		"after_saved:" + hidden.Ref().String(),
	}, f.hooks.calls)

	live.Fields.Set("city", "Boston")
	_, err := f.session(admin).Edit(f.ctx, live, tracking.EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.hooks.count("live"), "an edit of a live record does not rerun the live hook")
}

func TestSubmit_ChildOfHiddenParent(t *testing.T) {
	f := newFixture(t)
	parent := tracking.NewRecord("org", tracking.Fields{"name": "Quiet", "city": "Austin"})
	f.mustSubmit(admin, parent, tracking.SubmitOptions{Hidden: true})

	trusted := f.member(admin, "Ann", parent.ID)
	assert.Equal(t, tracking.StatusHidden, trusted.Status)

	untrusted := f.member(alice, "Ben", parent.ID)
	assert.Equal(t, tracking.StatusPending, untrusted.Status)
}

func TestSubmit_DuplicateGuard(t *testing.T) {
	f := newFixture(t)
	first := f.org("Acme", "Austin")

	again := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Austin"})
	out := f.submit(admin, again, tracking.SubmitOptions{})
	assert.True(t, out.Duplicate)
	assert.False(t, out.Applied)
	require.NotNil(t, out.Record)
	assert.Equal(t, first.ID, out.Record.ID)
	assert.True(t, again.IsNew())
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ActionsTotal.WithLabelValues("org", "submit", "duplicate")))

	different := f.org("Acme", "Boston")
	assert.NotEqual(t, first.ID, different.ID)

	forced := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Austin"})
	out = f.submit(admin, forced, tracking.SubmitOptions{SkipDuplicateCheck: true})
	assert.True(t, out.Applied)

	f.clock.Advance(3 * time.Minute)
	late := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Boston"})
	out = f.submit(admin, late, tracking.SubmitOptions{})
	assert.True(t, out.Applied, "outside the window an identical record is created")
	assert.False(t, out.Duplicate)
}

func TestSubmit_DuplicateGuardIgnoresOtherSubmitters(t *testing.T) {
	f := newFixture(t)
	f.org("Acme", "Austin")

	rec := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Austin"})
	out := f.submit(moderator, rec, tracking.SubmitOptions{})
	assert.True(t, out.Applied)
	assert.False(t, out.Duplicate)
}

func TestEdit_Permissions(t *testing.T) {
	f := newFixture(t)
	rec := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Austin"})
	f.mustSubmit(alice, rec, tracking.SubmitOptions{Live: true})

	stranger := f.reload(rec)
	stranger.Fields.Set("city", "Dallas")
	out, err := f.session(bob).Edit(f.ctx, stranger, tracking.EditOptions{})
	require.NoError(t, err)
	assert.False(t, out.Applied, "a user without change permission cannot edit someone else's record")
	assert.Equal(t, "Austin", f.reload(rec).Fields.String("city"))

	mine := f.reload(rec)
	mine.Fields.Set("city", "Boston")
	out, err = f.session(alice).Edit(f.ctx, mine, tracking.EditOptions{})
	require.NoError(t, err)
	assert.True(t, out.Applied, "the submitter may edit")
	assert.Equal(t, "Boston", f.reload(rec).Fields.String("city"))

	changed := f.reload(rec)
	changed.Status = tracking.StatusPending
	out, err = f.session(admin).Edit(f.ctx, changed, tracking.EditOptions{})
	require.NoError(t, err)
	assert.False(t, out.Applied, "status changes other than hidden to live need force")
	assert.Equal(t, tracking.StatusLive, f.reload(rec).Status)

	out, err = f.session(admin).Edit(f.ctx, changed, tracking.EditOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, tracking.StatusPending, f.reload(rec).Status)
}

func TestEdit_PeelsOffPredecessor(t *testing.T) {
	f := newFixture(t)
	rec := f.org("Acme", "Austin")
	id := rec.ID
	s := f.session(admin)

	rec.Fields.Set("city", "Boston")
	out, err := s.Edit(f.ctx, rec, tracking.EditOptions{Message: "moved"})
	require.NoError(t, err)
	require.True(t, out.Applied)
	rec.Fields.Set("city", "Chicago")
	_, err = s.Edit(f.ctx, rec, tracking.EditOptions{Message: "moved again"})
	require.NoError(t, err)

	assert.Equal(t, id, rec.ID, "the head keeps its id")
	assert.Equal(t, tracking.ActionEdited, rec.ActionTaken)
	assert.Equal(t, "moved again", rec.ActionMessage)
	assert.Equal(t, 3, f.store.Len())

	history, err := s.History(f.ctx, rec.Ref())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, id, history[0].ID)
	assert.Equal(t, []string{"Chicago", "Boston", "Austin"}, []string{
		history[0].Fields.String("city"),
		history[1].Fields.String("city"),
		history[2].Fields.String("city"),
	})
	for _, old := range history[1:] {
		assert.False(t, old.IsHead)
		require.NotNil(t, old.PointsTo)
	}
	assert.Equal(t, id, *history[1].PointsTo)
	assert.Equal(t, history[1].ID, *history[2].PointsTo)
	assert.Equal(t, tracking.ActionCreated, history[2].ActionTaken)
}

func TestEdit_RolledBackOnConstraintFailure(t *testing.T) {
	f := newFixture(t)
	reg := testRegistry(constraintHooks{})
	engine, err := tracking.New(tracking.Options{Store: f.store, Registry: reg, Clock: f.clock.Now})
	require.NoError(t, err)

	rec := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Austin"})
	out, err := engine.Session(admin).Submit(f.ctx, rec, tracking.SubmitOptions{})
	require.NoError(t, err)
	require.True(t, out.Applied)

	rec.Fields.Set("city", "")
	_, err = engine.Session(admin).Edit(f.ctx, rec, tracking.EditOptions{})
	require.Error(t, err)
	assert.True(t, trkerrors.IsConstraint(err))
	assert.Equal(t, 1, f.store.Len(), "the predecessor copy is rolled back too")
	assert.Equal(t, tracking.ActionCreated, rec.ActionTaken, "the caller's record is untouched")
}

type constraintHooks struct{ tracking.BaseHooks }

func (constraintHooks) AssertConstraints(rec *tracking.Record) error {
	if rec.Fields.String("city") == "" {
		return trkerrors.Constraint(rec.Type, rec.ID, "city is required")
	}
	return nil
}

func TestApprove_TakesParentStatus(t *testing.T) {
	f := newFixture(t)
	org := f.org("Acme", "Austin")
	m := f.member(alice, "Ann", org.ID)
	require.Equal(t, tracking.StatusPending, m.Status)

	out, err := f.session(alice).Approve(f.ctx, m, "")
	require.NoError(t, err)
	assert.False(t, out.Applied, "submitters cannot approve their own records")

	f.bus.Reset()
	out, err = f.session(moderator).Approve(f.ctx, m, "looks fine")
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, tracking.StatusLive, m.Status)
	assert.Equal(t, "mod", m.ApprovedBy)
	assert.Equal(t, f.clock.Now(), m.ApprovedTime)
	assert.Equal(t, tracking.ActionApproved, m.ActionTaken)
	assert.Equal(t, []string{kind(tracking.EventUpdated, m)}, f.bus.Kinds())

	hiddenOrg := tracking.NewRecord("org", tracking.Fields{"name": "Quiet", "city": "Austin"})
	f.mustSubmit(admin, hiddenOrg, tracking.SubmitOptions{Hidden: true})
	hm := f.member(alice, "Ben", hiddenOrg.ID)
	out, err = f.session(moderator).Approve(f.ctx, hm, "")
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, tracking.StatusHidden, hm.Status)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	org := f.org("Acme", "Austin")
	m := f.member(alice, "Ann", org.ID)
	f.bus.Reset()

	out, err := f.session(moderator).Reject(f.ctx, m, "spam")
	require.NoError(t, err)
	require.True(t, out.Applied)

	stored := f.reload(m)
	assert.Equal(t, tracking.StatusRejected, stored.Status)
	assert.Equal(t, "mod", stored.RemovedBy)
	assert.Equal(t, tracking.ActionRejected, stored.ActionTaken)
	assert.Equal(t, "spam", stored.ActionMessage)
	assert.Equal(t, []string{kind(tracking.EventRemoved, m)}, f.bus.Kinds())
}

func TestModerate(t *testing.T) {
	f := newFixture(t)
	org := f.org("Acme", "Austin")
	first := f.member(alice, "Ann", org.ID)
	second := f.member(alice, "Ben", org.ID)

	res := f.session(moderator).Moderate(f.ctx, first.Ref(), tracking.DecisionApprove)
	assert.Equal(t, "Approved", res.Message)
	assert.Equal(t, tracking.StatusLive, f.reload(first).Status)

	res = f.session(bob).Moderate(f.ctx, second.Ref(), tracking.DecisionReject)
	assert.Equal(t, "Rejected", res.Message, "a denied decision still reports the decision")
	assert.Equal(t, tracking.StatusPending, f.reload(second).Status)

	res = f.session(moderator).Moderate(f.ctx, second.Ref(), tracking.Decision("maybe"))
	assert.Equal(t, trkerrors.GenericFailureMessage, res.Message)

	res = f.session(moderator).Moderate(f.ctx, tracking.Ref{Type: "member", ID: 999}, tracking.DecisionApprove)
	assert.Equal(t, trkerrors.GenericFailureMessage, res.Message)
}

func TestRemove_CascadesThroughChildren(t *testing.T) {
	f := newFixture(t)
	org := f.org("Acme", "Austin")
	ann := f.member(admin, "Ann", org.ID)
	ben := f.member(admin, "Ben", org.ID)
	pending := f.member(alice, "Cat", org.ID)
	chore := f.task("Paint", ann.ID)
	f.bus.Reset()

	out, err := f.session(admin).Remove(f.ctx, org, tracking.RemoveOptions{Message: "closed"})
	require.NoError(t, err)
	require.True(t, out.Applied)

	stored := f.reload(org)
	assert.Equal(t, tracking.StatusRemoved, stored.Status)
	assert.Equal(t, "admin", stored.RemovedBy)
	assert.Equal(t, "closed", stored.RemovalMessage)

	assert.Equal(t, tracking.StatusRemoved, f.reload(ann).Status)
	assert.Equal(t, tracking.StatusRemoved, f.reload(ben).Status)
	assert.Equal(t, tracking.StatusRemoved, f.reload(chore).Status, "removal reaches grandchildren")
	assert.Equal(t, tracking.StatusPending, f.reload(pending).Status, "only children sharing the parent's status follow it")

	assert.ElementsMatch(t, []string{
		kind(tracking.EventRemoved, org),
		kind(tracking.EventRemoved, ann),
		kind(tracking.EventRemoved, ben),
		kind(tracking.EventRemoved, chore),
	}, f.bus.Kinds())
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.PropagationChildrenTotal.WithLabelValues("remove")))
	assert.Equal(t, 1, f.hooks.count("removed"))
}

func TestRemove_RequiresPermission(t *testing.T) {
	f := newFixture(t)
	org := f.org("Acme", "Austin")

	out, err := f.session(bob).Remove(f.ctx, org, tracking.RemoveOptions{})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, tracking.StatusLive, f.reload(org).Status)

	out, err = f.session(bob).Remove(f.ctx, org, tracking.RemoveOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, tracking.StatusRemoved, f.reload(org).Status)
}

func TestMakeLive_PropagatesToHiddenChildren(t *testing.T) {
	f := newFixture(t)
	org := tracking.NewRecord("org", tracking.Fields{"name": "Quiet", "city": "Austin"})
	f.mustSubmit(admin, org, tracking.SubmitOptions{Hidden: true})
	m := f.member(admin, "Ann", org.ID)
	chore := f.task("Paint", m.ID)
	require.Equal(t, tracking.StatusHidden, m.Status)
	require.Equal(t, tracking.StatusHidden, chore.Status)

	out, err := f.session(admin).MakeLive(f.ctx, org, tracking.EditOptions{Message: "launch"})
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, tracking.StatusLive, org.Status)

	assert.Equal(t, tracking.StatusLive, f.reload(m).Status)
	assert.Equal(t, tracking.StatusLive, f.reload(chore).Status)
	assert.Equal(t, []string{
		"hidden:" + org.Ref().String(),
		"after_saved:" + org.Ref().String(),
		"live:" + org.Ref().String(),
		"after_saved:" + org.Ref().String(),
	}, f.hooks.calls)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.PropagationChildrenTotal.WithLabelValues("edit")))
}

func TestMakeLive_RequiresEditPermission(t *testing.T) {
	f := newFixture(t)
	org := tracking.NewRecord("org", tracking.Fields{"name": "Quiet", "city": "Austin"})
	f.mustSubmit(admin, org, tracking.SubmitOptions{Hidden: true})

	out, err := f.session(bob).MakeLive(f.ctx, org, tracking.EditOptions{})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, tracking.StatusHidden, org.Status)
}
