package tracking_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// dispatchModes are the queue setups the engine must behave the same under.
var dispatchModes = []struct {
	name string
	opts []fixtureOption
}{
	{name: "sync"},
	{name: "async", opts: []fixtureOption{withAsyncQueue(jobs.DefaultAsyncConfig())}},
	{name: "async single worker", opts: []fixtureOption{withAsyncQueue(jobs.AsyncConfig{Workers: 1, BufferSize: 1, Retry: jobs.DefaultRetryPolicy()})}},
}

func TestDispatch_RemoveCascade(t *testing.T) {
	for _, mode := range dispatchModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.opts...)
			org := f.org("Acme", "Austin")
			var members, tasks []*tracking.Record
			for _, name := range []string{"Ann", "Ben", "Cat", "Dan"} {
				m := f.member(admin, name, org.ID)
				members = append(members, m)
				tasks = append(tasks, f.task("Paint for "+name, m.ID))
			}
			waiting := f.member(alice, "Eve", org.ID)

			out, err := f.session(admin).Remove(f.ctx, org, tracking.RemoveOptions{Message: "closed"})
			require.NoError(t, err)
			require.True(t, out.Applied)
			f.settle()

			for _, rec := range append(members, tasks...) {
				assert.Equal(t, tracking.StatusRemoved, f.reload(rec).Status, "%s", rec.Ref())
			}
			assert.Equal(t, tracking.StatusPending, f.reload(waiting).Status)
			assert.Equal(t, 1, f.hooks.count("removed"))
		})
	}
}

func TestDispatch_MakeLiveCascade(t *testing.T) {
	for _, mode := range dispatchModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.opts...)
			org := tracking.NewRecord("org", tracking.Fields{"name": "Quiet", "city": "Austin"})
			f.mustSubmit(admin, org, tracking.SubmitOptions{Hidden: true})
			m := f.member(admin, "Ann", org.ID)
			chore := f.task("Paint", m.ID)

			out, err := f.session(admin).MakeLive(f.ctx, org, tracking.EditOptions{})
			require.NoError(t, err)
			require.True(t, out.Applied)
			f.settle()

			assert.Equal(t, tracking.StatusLive, f.reload(m).Status)
			assert.Equal(t, tracking.StatusLive, f.reload(chore).Status)
		})
	}
}

func TestDispatch_MergeThenUnmerge(t *testing.T) {
	for _, mode := range dispatchModes {
		t.Run(mode.name, func(t *testing.T) {
			f := newFixture(t, mode.opts...)
			ms := newMergeSetup(f)
			a, b := ms.primary, ms.secondary
			s := f.session(admin)

			require.NoError(t, s.DispatchMerge(f.ctx, a.Ref(), b.Ref(), tracking.MergeOptions{Message: "same"}))
			f.settle()

			merged := f.reload(a)
			assert.Equal(t, "Boston", merged.Fields.String("city"))
			require.NotNil(t, merged.MergeEvent)
			assert.False(t, f.reload(b).IsHead)
			assert.Equal(t, a.ID, f.reload(ms.member).Fields.Int("org_id"))
			assert.Equal(t, 1, countHeads(t, f, "org"))

			require.NoError(t, s.DispatchUnmerge(f.ctx, a.Ref(), tracking.UnmergeOptions{}))
			f.settle()

			assert.Equal(t, "", f.reload(a).Fields.String("city"))
			assert.True(t, f.reload(b).IsHead)
			assert.Equal(t, b.ID, f.reload(ms.member).Fields.Int("org_id"))
			assert.Equal(t, b.ID, f.reload(ms.note).Fields.Int("org_id"))
			assert.Equal(t, 2, countHeads(t, f, "org"))
		})
	}
}

func TestDispatch_CloseFinishesCascade(t *testing.T) {
	f := newFixture(t, withAsyncQueue(jobs.DefaultAsyncConfig()))
	org := f.org("Acme", "Austin")
	m := f.member(admin, "Ann", org.ID)
	chore := f.task("Paint", m.ID)

	out, err := f.session(admin).Remove(f.ctx, org, tracking.RemoveOptions{})
	require.NoError(t, err)
	require.True(t, out.Applied)

	closed := make(chan error, 1)
	go func() { closed <- f.async.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, tracking.StatusRemoved, f.reload(m).Status)
	assert.Equal(t, tracking.StatusRemoved, f.reload(chore).Status, "grandchildren are reached after Close")
	_, failed := f.async.Stats()
	assert.Zero(t, failed)
}
