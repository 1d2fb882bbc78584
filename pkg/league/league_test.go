package league_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/league"
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
	kickoff = time.Date(2024, 9, 7, 18, 0, 0, 0, time.UTC)
)

type leagueFixture struct {
	t      *testing.T
	ctx    context.Context
	engine *tracking.Engine
	store  *memstore.Store
}

func newLeagueFixture(t *testing.T) *leagueFixture {
	t.Helper()
	reg, err := league.NewRegistry()
	require.NoError(t, err)
	store := memstore.New()
	engine, err := tracking.New(tracking.Options{Store: store, Registry: reg})
	require.NoError(t, err)
	return &leagueFixture{t: t, ctx: context.Background(), engine: engine, store: store}
}

func (f *leagueFixture) submit(rec *tracking.Record) *tracking.Record {
	f.t.Helper()
	out, err := f.engine.Session(admin).Submit(f.ctx, rec, tracking.SubmitOptions{SkipDuplicateCheck: true})
	require.NoError(f.t, err)
	require.True(f.t, out.Applied)
	return rec
}

func (f *leagueFixture) reload(rec *tracking.Record) *tracking.Record {
	f.t.Helper()
	got, err := f.engine.Session(admin).Get(f.ctx, rec.Ref())
	require.NoError(f.t, err)
	return got
}

func (f *leagueFixture) heads(typ string) int {
	f.t.Helper()
	n, err := f.engine.Objects(typ).Count(f.ctx)
	require.NoError(f.t, err)
	return n
}

type schedule struct {
	season, a, b, c *tracking.Record
	g1, g2          *tracking.Record
}

// newSchedule has A and B each playing C at the same time, so merging B into A
// makes the two games conflict.
func newSchedule(f *leagueFixture) schedule {
	s := schedule{season: f.submit(league.NewSeason("Fall", 2024))}
	s.a = f.submit(league.NewTeam("Hawks", "Austin", s.season.ID))
	s.b = f.submit(league.NewTeam("Hawks FC", "Boston", s.season.ID))
	s.c = f.submit(league.NewTeam("Owls", "Chicago", s.season.ID))
	s.g1 = f.submit(league.NewGame(s.season.ID, s.a.ID, s.c.ID, kickoff, ""))
	s.g2 = f.submit(league.NewGame(s.season.ID, s.b.ID, s.c.ID, kickoff, "Field 7"))
	return s
}

func TestMergeTeams_MergesConflictingGames(t *testing.T) {
	f := newLeagueFixture(t)
	s := newSchedule(f)

	out, err := f.engine.Session(admin).Merge(f.ctx, s.a, s.b, tracking.MergeOptions{Message: "same club"})
	require.NoError(t, err)
	require.True(t, out.Applied)

	assert.Equal(t, 1, f.heads(league.TypeGame), "the redirected game collapses into the existing one")
	g1 := league.Game{Record: f.reload(s.g1)}
	assert.True(t, g1.IsHead)
	assert.Equal(t, "Field 7", g1.Location(), "the conflicting game fills empty fields")
	assert.Equal(t, s.a.ID, g1.Team1ID())
	assert.Equal(t, tracking.ActionMerged, g1.ActionTaken)
	require.NotNil(t, g1.MergeEvent)
	assert.Equal(t, *s.a.MergeEvent, *g1.MergeEvent, "the conflict merge shares the team merge event")

	g2 := f.reload(s.g2)
	assert.False(t, g2.IsHead)
	require.NotNil(t, g2.PointsTo)
	assert.Equal(t, s.g1.ID, *g2.PointsTo)
	assert.Equal(t, 2, f.store.AffectedCount())
}

func TestUnmergeTeams_RestoresConflictingGames(t *testing.T) {
	f := newLeagueFixture(t)
	s := newSchedule(f)
	session := f.engine.Session(admin)

	_, err := session.Merge(f.ctx, s.a, s.b, tracking.MergeOptions{})
	require.NoError(t, err)
	out, err := session.Unmerge(f.ctx, s.a, tracking.UnmergeOptions{})
	require.NoError(t, err)
	require.True(t, out.Applied)

	assert.Equal(t, 3, f.heads(league.TypeTeam))
	assert.Equal(t, 2, f.heads(league.TypeGame))
	assert.Zero(t, f.store.AffectedCount())

	g1 := league.Game{Record: f.reload(s.g1)}
	assert.Equal(t, "", g1.Location())
	assert.Nil(t, g1.MergeEvent)

	g2 := league.Game{Record: f.reload(s.g2)}
	assert.True(t, g2.IsHead)
	assert.Nil(t, g2.PointsTo)
	assert.Equal(t, s.b.ID, g2.Team1ID())
	assert.Equal(t, "Field 7", g2.Location())
}

func TestMergeTeams_RedirectsWithoutConflict(t *testing.T) {
	f := newLeagueFixture(t)
	s := newSchedule(f)
	later := f.submit(league.NewGame(s.season.ID, s.c.ID, s.b.ID, kickoff.Add(7*24*time.Hour), ""))

	_, err := f.engine.Session(admin).Merge(f.ctx, s.a, s.b, tracking.MergeOptions{})
	require.NoError(t, err)

	game := league.Game{Record: f.reload(later)}
	assert.True(t, game.IsHead)
	assert.Equal(t, s.a.ID, game.Team2ID())
	assert.True(t, game.Involves(s.a.ID))
	assert.False(t, game.Involves(s.b.ID))

	_, err = f.engine.Session(admin).Unmerge(f.ctx, s.a, tracking.UnmergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, s.b.ID, league.Game{Record: f.reload(later)}.Team2ID())
}

func TestGameConstraints(t *testing.T) {
	f := newLeagueFixture(t)
	s := newSchedule(f)
	before := f.store.Len()

	out, err := f.engine.Session(admin).Submit(f.ctx,
		league.NewGame(s.season.ID, s.a.ID, s.a.ID, kickoff, ""), tracking.SubmitOptions{})
	require.Error(t, err)
	assert.True(t, trkerrors.IsConstraint(err))
	assert.Contains(t, err.Error(), "cannot play itself")
	assert.False(t, out.Applied)
	assert.Equal(t, before, f.store.Len())
}

func TestSeasonRemovalCascades(t *testing.T) {
	f := newLeagueFixture(t)
	s := newSchedule(f)

	out, err := f.engine.Session(admin).Remove(f.ctx, s.season, tracking.RemoveOptions{Message: "cancelled"})
	require.NoError(t, err)
	require.True(t, out.Applied)

	for _, rec := range []*tracking.Record{s.a, s.b, s.c, s.g1, s.g2} {
		assert.Equal(t, tracking.StatusRemoved, f.reload(rec).Status, rec.Ref().String())
	}
}

func TestViews(t *testing.T) {
	f := newLeagueFixture(t)
	s := newSchedule(f)
	other := f.submit(league.NewSeason("Spring", 2025))
	f.submit(league.NewTeam("Hawks", "", other.ID))

	season := league.Season{Record: f.reload(s.season)}
	assert.Equal(t, "Fall", season.Name())
	assert.Equal(t, int64(2024), season.Year())

	teams, err := league.Teams(f.engine).InSeason(s.season.ID).Live().List(f.ctx)
	require.NoError(t, err)
	require.Len(t, teams, 3)
	assert.Equal(t, "Austin Hawks", teams[0].DisplayName())
	assert.Equal(t, s.season.ID, teams[0].SeasonID())

	named, err := league.Teams(f.engine).Named("Hawks").List(f.ctx)
	require.NoError(t, err)
	require.Len(t, named, 2)
	assert.Equal(t, "Hawks", named[1].DisplayName())
	assert.Equal(t, "", named[1].City())

	home, err := league.Games(f.engine).InSeason(s.season.ID).HomeTeam(s.b.ID).List(f.ctx)
	require.NoError(t, err)
	require.Len(t, home, 1)
	assert.Equal(t, s.g2.ID, home[0].ID)
	assert.True(t, kickoff.Equal(home[0].StartTime()))

	atKickoff, err := league.Games(f.engine).AwayTeam(s.c.ID).StartingAt(kickoff.In(time.FixedZone("EDT", -4*3600))).Live().List(f.ctx)
	require.NoError(t, err)
	assert.Len(t, atKickoff, 2)
}
