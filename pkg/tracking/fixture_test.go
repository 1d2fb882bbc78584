package tracking_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/trackable/pkg/events"
	"github.com/otherjamesbrown/trackable/pkg/jobs"
	"github.com/otherjamesbrown/trackable/pkg/observability"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
	"github.com/otherjamesbrown/trackable/pkg/tracking/memstore"
)

var (
	admin = tracking.NewUser("admin",
		tracking.PermAdd,
		tracking.PermAddWithoutApproval,
		tracking.PermApprove,
		tracking.PermChange,
		tracking.PermDelete,
	)
	moderator = tracking.NewUser("mod", tracking.PermApprove)
	alice     = tracking.NewUser("alice", tracking.PermAdd)
	bob       = tracking.NewUser("bob", tracking.PermAdd)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingHooks logs lifecycle hook calls as "hook:ref". Jobs on an async
// queue call hooks from worker goroutines.
type recordingHooks struct {
	tracking.BaseHooks
	mu    sync.Mutex
	calls []string
}

func (h *recordingHooks) log(hook string, rec *tracking.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hook+":"+rec.Ref().String())
}

func (h *recordingHooks) DoIfLive(_ context.Context, _ *tracking.Session, rec *tracking.Record, _ string) error {
	h.log("live", rec)
	return nil
}

func (h *recordingHooks) DoIfHidden(_ context.Context, _ *tracking.Session, rec *tracking.Record, _ string) error {
	h.log("hidden", rec)
	return nil
}

func (h *recordingHooks) DoIfRemoved(_ context.Context, _ *tracking.Session, rec *tracking.Record, _ string) error {
	h.log("removed", rec)
	return nil
}

func (h *recordingHooks) DoAfterSaved(_ context.Context, _ *tracking.Session, rec *tracking.Record, _ string) error {
	h.log("after_saved", rec)
	return nil
}

func (h *recordingHooks) count(hook string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if len(c) > len(hook) && c[:len(hook)+1] == hook+":" {
			n++
		}
	}
	return n
}

// testRegistry registers a small hierarchy: org <- member <- task, plus note
// which refers to org without inheriting its status.
func testRegistry(orgHooks tracking.Hooks) *tracking.Registry {
	reg := tracking.NewRegistry()
	reg.MustRegister(tracking.TypeDescriptor{
		Name: "org",
		Fields: []tracking.FieldDescriptor{
			{Name: "name", Kind: tracking.KindString},
			{Name: "city", Kind: tracking.KindString},
		},
		Hooks: orgHooks,
	})
	reg.MustRegister(tracking.TypeDescriptor{
		Name: "member",
		Fields: []tracking.FieldDescriptor{
			{Name: "name", Kind: tracking.KindString},
			{Name: "org_id", Kind: tracking.KindRef, RefType: "org"},
		},
		InheritsStatusFrom: []string{"org_id"},
	})
	reg.MustRegister(tracking.TypeDescriptor{
		Name: "task",
		Fields: []tracking.FieldDescriptor{
			{Name: "title", Kind: tracking.KindString},
			{Name: "member_id", Kind: tracking.KindRef, RefType: "member"},
		},
		InheritsStatusFrom: []string{"member_id"},
	})
	reg.MustRegister(tracking.TypeDescriptor{
		Name: "note",
		Fields: []tracking.FieldDescriptor{
			{Name: "body", Kind: tracking.KindString},
			{Name: "org_id", Kind: tracking.KindRef, RefType: "org"},
		},
	})
	return reg
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	engine  *tracking.Engine
	store   *memstore.Store
	bus     *events.Recorder
	clock   *fakeClock
	metrics *observability.Metrics
	hooks   *recordingHooks
	async   *jobs.AsyncQueue
}

type fixtureConfig struct {
	orgHooks tracking.Hooks
	recorder *recordingHooks
	async    *jobs.AsyncConfig
}

type fixtureOption func(*fixtureConfig)

// withOrgHooks installs h for org. rec is the recorder h logs lifecycle calls to.
func withOrgHooks(h tracking.Hooks, rec *recordingHooks) fixtureOption {
	return func(c *fixtureConfig) {
		c.orgHooks = h
		c.recorder = rec
	}
}

// withAsyncQueue runs deferred work on an in-process worker pool.
func withAsyncQueue(cfg jobs.AsyncConfig) fixtureOption {
	return func(c *fixtureConfig) { c.async = &cfg }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{recorder: &recordingHooks{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.orgHooks == nil {
		cfg.orgHooks = cfg.recorder
	}

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   memstore.New(),
		bus:     events.NewRecorder(),
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		hooks:   cfg.recorder,
	}
	handlers := jobs.Handlers{}
	var queue jobs.Queue
	if cfg.async != nil {
		f.async = jobs.NewAsyncQueue(handlers, *cfg.async, nil)
		queue = f.async
		t.Cleanup(func() { _ = f.async.Close() })
	}
	engine, err := tracking.New(tracking.Options{
		Store:          f.store,
		Registry:       testRegistry(cfg.orgHooks),
		Bus:            f.bus,
		Queue:          queue,
		Metrics:        f.metrics,
		Clock:          f.clock.Now,
		CacheKeyPrefix: "test",
		CacheVersion:   "1",
	})
	require.NoError(t, err)
	engine.RegisterJobs(handlers)
	f.engine = engine
	return f
}

// settle waits for deferred work. It is a no-op when jobs run inline.
func (f *fixture) settle() {
	f.t.Helper()
	if f.async == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		f.async.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		f.t.Fatal("deferred jobs did not finish")
	}
}

func (f *fixture) session(actor tracking.Actor) *tracking.Session {
	return f.engine.Session(actor)
}

func (f *fixture) submit(actor tracking.Actor, rec *tracking.Record, opts tracking.SubmitOptions) tracking.Outcome {
	f.t.Helper()
	out, err := f.session(actor).Submit(f.ctx, rec, opts)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) mustSubmit(actor tracking.Actor, rec *tracking.Record, opts tracking.SubmitOptions) *tracking.Record {
	f.t.Helper()
	out := f.submit(actor, rec, opts)
	require.True(f.t, out.Applied, "submit of %s by %s was not applied", rec.Type, actor.ID())
	return rec
}

func (f *fixture) org(name, city string) *tracking.Record {
	f.t.Helper()
	return f.mustSubmit(admin, tracking.NewRecord("org", tracking.Fields{"name": name, "city": city}), tracking.SubmitOptions{})
}

func (f *fixture) member(actor tracking.Actor, name string, orgID int64) *tracking.Record {
	f.t.Helper()
	return f.mustSubmit(actor, tracking.NewRecord("member", tracking.Fields{"name": name, "org_id": orgID}), tracking.SubmitOptions{})
}

func (f *fixture) task(title string, memberID int64) *tracking.Record {
	f.t.Helper()
	return f.mustSubmit(admin, tracking.NewRecord("task", tracking.Fields{"title": title, "member_id": memberID}), tracking.SubmitOptions{})
}

func (f *fixture) note(body string, orgID int64) *tracking.Record {
	f.t.Helper()
	return f.mustSubmit(admin, tracking.NewRecord("note", tracking.Fields{"body": body, "org_id": orgID}), tracking.SubmitOptions{})
}

// reload fetches the stored state of rec.
func (f *fixture) reload(rec *tracking.Record) *tracking.Record {
	f.t.Helper()
	got, err := f.session(admin).Get(f.ctx, rec.Ref())
	require.NoError(f.t, err)
	return got
}

func kind(k tracking.EventKind, rec *tracking.Record) string {
	return fmt.Sprintf("%s:%s", k, rec.Ref())
}
