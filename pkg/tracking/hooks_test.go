package tracking_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

const frozenCity = "Pompeii"

// policyHooks overrides the permission and merge hooks of org on top of the
// lifecycle recorder.
type policyHooks struct {
	recordingHooks
	// vip holds every permission on every org through SpecialPerm.
	vip string
	// lockedEvents are merges CanUnmerge refuses to undo.
	lockedEvents map[int64]bool
	// merges logs MergeFields calls as "primary<-secondary (old city)".
	merges []string
}

func newPolicyHooks() *policyHooks {
	return &policyHooks{vip: "vip", lockedEvents: map[int64]bool{}}
}

func (h *policyHooks) SpecialPerm(actor tracking.Actor, _ *tracking.Record, _ string) bool {
	return actor.ID() == h.vip
}

// Orgs in the frozen city are managed by special permission only.
func (h *policyHooks) SpecialRestriction(_ tracking.Actor, rec *tracking.Record, _ string) bool {
	return rec.Fields.String("city") == frozenCity
}

func (h *policyHooks) MergeFields(_ context.Context, _ *tracking.Session, primary, secondary, oldPrimary *tracking.Record) error {
	h.mu.Lock()
	h.merges = append(h.merges, primary.Fields.String("name")+"<-"+secondary.Fields.String("name")+" ("+oldPrimary.Fields.String("city")+")")
	h.mu.Unlock()
	primary.Fields.Set("name", primary.Fields.String("name")+" & "+secondary.Fields.String("name"))
	return nil
}

func (h *policyHooks) CanMerge(primary, secondary *tracking.Record) bool {
	return h.BaseHooks.CanMerge(primary, secondary) && secondary.Fields.String("name") != "Keep Apart"
}

func (h *policyHooks) CanUnmerge(_ *tracking.Record, event int64) bool {
	return !h.lockedEvents[event]
}

func newPolicyFixture(t *testing.T) (*fixture, *policyHooks) {
	h := newPolicyHooks()
	return newFixture(t, withOrgHooks(h, &h.recordingHooks)), h
}

func TestHasPerm_SpecialHooks(t *testing.T) {
	f, _ := newPolicyFixture(t)
	vip := tracking.NewUser("vip")

	org := func(city string, status tracking.Status, submitter string) *tracking.Record {
		rec := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": city})
		rec.Status = status
		rec.SubmittedBy = submitter
		return rec
	}

	tests := []struct {
		name  string
		actor tracking.Actor
		rec   *tracking.Record
		perm  string
		want  bool
	}{
		{"role grant", admin, org("Austin", tracking.StatusLive, "alice"), tracking.PermChange, true},
		{"no grant", bob, org("Austin", tracking.StatusLive, "alice"), tracking.PermChange, false},
		{"special permission adds to the role", vip, org("Austin", tracking.StatusLive, "alice"), tracking.PermDelete, true},
		{"restriction overrides the role", admin, org(frozenCity, tracking.StatusLive, "alice"), tracking.PermChange, false},
		{"restriction keeps special permissions", vip, org(frozenCity, tracking.StatusLive, "alice"), tracking.PermChange, true},
		{"submitter is not restricted", alice, org(frozenCity, tracking.StatusLive, "alice"), tracking.PermChange, true},
		{"live view is not restricted", bob, org(frozenCity, tracking.StatusLive, "alice"), tracking.PermView, true},
		{"restricted pending view", admin, org(frozenCity, tracking.StatusPending, "alice"), tracking.PermView, false},
		{"special pending view", vip, org(frozenCity, tracking.StatusPending, "alice"), tracking.PermView, true},
		{"removed is never viewable", vip, org("Austin", tracking.StatusRemoved, "alice"), tracking.PermView, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.engine.HasPerm(tt.actor, tt.rec, tt.perm))
		})
	}
}

func TestEdit_RestrictedRecord(t *testing.T) {
	f, _ := newPolicyFixture(t)
	trusted := tracking.NewUser("trusted", tracking.PermAdd, tracking.PermAddWithoutApproval, tracking.PermChange)
	out := f.submit(trusted, tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": frozenCity}), tracking.SubmitOptions{})
	assert.False(t, out.Applied, "role grants do not allow adding a restricted record")

	rec := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": frozenCity})
	f.mustSubmit(admin, rec, tracking.SubmitOptions{Live: true, Force: true})

	blocked := f.reload(rec)
	blocked.Fields.Set("name", "Acme Ltd")
	out, err := f.session(trusted).Edit(f.ctx, blocked, tracking.EditOptions{})
	require.NoError(t, err)
	assert.False(t, out.Applied, "the change grant does not reach a restricted record")

	allowed := f.reload(rec)
	allowed.Fields.Set("name", "Acme Ltd")
	out, err = f.session(tracking.NewUser("vip")).Edit(f.ctx, allowed, tracking.EditOptions{})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, "Acme Ltd", f.reload(rec).Fields.String("name"))
}

func TestApprove_LiveHookRunsOnce(t *testing.T) {
	f, h := newPolicyFixture(t)
	rec := tracking.NewRecord("org", tracking.Fields{"name": "Acme", "city": "Austin"})
	f.mustSubmit(alice, rec, tracking.SubmitOptions{})
	require.Equal(t, tracking.StatusPending, rec.Status)
	assert.Zero(t, h.count("live"))

	out, err := f.session(moderator).Approve(f.ctx, rec, "ok")
	require.NoError(t, err)
	require.True(t, out.Applied)
	assert.Equal(t, tracking.StatusLive, rec.Status)
	assert.Equal(t, 1, h.count("live"))

	rec.Fields.Set("city", "Boston")
	_, err = f.session(admin).Edit(f.ctx, rec, tracking.EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.count("live"), "later edits of a live record do not rerun the hook")
}

func TestMerge_MergeFieldsHook(t *testing.T) {
	f, h := newPolicyFixture(t)
	a := f.org("Acme", "")
	b := f.org("Acme Corp", "Boston")

	out, err := f.session(admin).Merge(f.ctx, a, b, tracking.MergeOptions{})
	require.NoError(t, err)
	require.True(t, out.Applied)

	assert.Equal(t, []string{"Acme<-Acme Corp ()"}, h.merges, "the hook sees the pre-merge copy of the primary")
	stored := f.reload(a)
	assert.Equal(t, "Acme & Acme Corp", stored.Fields.String("name"))
	assert.Equal(t, "Boston", stored.Fields.String("city"))
}

func TestMerge_CanMergeDenies(t *testing.T) {
	f, h := newPolicyFixture(t)
	a := f.org("Acme", "")
	b := f.org("Keep Apart", "Boston")

	out, err := f.session(admin).Merge(f.ctx, a, b, tracking.MergeOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, out.Applied, "force does not override the type's merge rule")
	assert.Empty(t, h.merges)
	assert.True(t, f.reload(b).IsHead)
	assert.Equal(t, "", f.reload(a).Fields.String("city"))
	assert.Equal(t, 2, countHeads(t, f, "org"))
}

func TestUnmerge_CanUnmergeDenies(t *testing.T) {
	f, h := newPolicyFixture(t)
	a := f.org("Acme", "")
	b := f.org("Acme Corp", "Boston")
	s := f.session(admin)

	_, err := s.Merge(f.ctx, a, b, tracking.MergeOptions{})
	require.NoError(t, err)
	require.NotNil(t, a.MergeEvent)
	h.lockedEvents[*a.MergeEvent] = true

	out, err := s.Unmerge(f.ctx, a, tracking.UnmergeOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.False(t, f.reload(b).IsHead)
	assert.Equal(t, 1, countHeads(t, f, "org"))

	delete(h.lockedEvents, *a.MergeEvent)
	out, err = s.Unmerge(f.ctx, a, tracking.UnmergeOptions{})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, f.reload(b).IsHead)
}
