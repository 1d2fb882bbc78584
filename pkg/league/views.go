package league

import (
	"context"
	"time"

	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Source builds head-record queries. *tracking.Engine and *tracking.Session
// both satisfy it; a Session keeps the query inside its transaction.
type Source interface {
	Objects(typ string) *tracking.QuerySet
}

// Season is a typed view over a season record.
type Season struct{ *tracking.Record }

// NewSeason returns an unsaved season record.
func NewSeason(name string, year int) *tracking.Record {
	return tracking.NewRecord(TypeSeason, tracking.Fields{FieldName: name, FieldYear: int64(year)})
}

func (s Season) Name() string { return s.Fields.String(FieldName) }
func (s Season) Year() int64  { return s.Fields.Int(FieldYear) }

// Team is a typed view over a team record.
type Team struct{ *tracking.Record }

// NewTeam returns an unsaved team record in seasonID.
func NewTeam(name, city string, seasonID int64) *tracking.Record {
	return tracking.NewRecord(TypeTeam, tracking.Fields{FieldName: name, FieldCity: city, FieldSeasonID: seasonID})
}

func (t Team) Name() string    { return t.Fields.String(FieldName) }
func (t Team) City() string    { return t.Fields.String(FieldCity) }
func (t Team) SeasonID() int64 { return t.Fields.Int(FieldSeasonID) }
func (t Team) DisplayName() string {
	if t.City() == "" {
		return t.Name()
	}
	return t.City() + " " + t.Name()
}

// Game is a typed view over a game record.
type Game struct{ *tracking.Record }

// NewGame returns an unsaved game record.
func NewGame(seasonID, team1, team2 int64, start time.Time, location string) *tracking.Record {
	return tracking.NewRecord(TypeGame, tracking.Fields{
		FieldSeasonID:  seasonID,
		FieldTeam1ID:   team1,
		FieldTeam2ID:   team2,
		FieldStartTime: start.UTC(),
		FieldLocation:  location,
	})
}

func (g Game) SeasonID() int64      { return g.Fields.Int(FieldSeasonID) }
func (g Game) Team1ID() int64       { return g.Fields.Int(FieldTeam1ID) }
func (g Game) Team2ID() int64       { return g.Fields.Int(FieldTeam2ID) }
func (g Game) StartTime() time.Time { return g.Fields.Time(FieldStartTime) }
func (g Game) Location() string     { return g.Fields.String(FieldLocation) }

// Involves reports whether team plays in the game.
func (g Game) Involves(team int64) bool {
	return team != 0 && (g.Team1ID() == team || g.Team2ID() == team)
}

// TeamQuery narrows head team records.
type TeamQuery struct{ *tracking.QuerySet }

// Teams starts a query over every head team.
func Teams(src Source) TeamQuery {
	return TeamQuery{src.Objects(TypeTeam)}
}

func (q TeamQuery) InSeason(seasonID int64) TeamQuery {
	return TeamQuery{q.Where(FieldSeasonID, seasonID)}
}

func (q TeamQuery) Named(name string) TeamQuery {
	return TeamQuery{q.Where(FieldName, name)}
}

func (q TeamQuery) Live() TeamQuery {
	return TeamQuery{q.Status(tracking.StatusFilter{Live: true})}
}

// List runs the query and wraps the rows as teams.
func (q TeamQuery) List(ctx context.Context) ([]Team, error) {
	recs, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Team, len(recs))
	for i, r := range recs {
		out[i] = Team{r}
	}
	return out, nil
}

// GameQuery narrows head game records.
type GameQuery struct{ *tracking.QuerySet }

// Games starts a query over every head game.
func Games(src Source) GameQuery {
	return GameQuery{src.Objects(TypeGame)}
}

func (q GameQuery) InSeason(seasonID int64) GameQuery {
	return GameQuery{q.Where(FieldSeasonID, seasonID)}
}

func (q GameQuery) HomeTeam(teamID int64) GameQuery {
	return GameQuery{q.Where(FieldTeam1ID, teamID)}
}

func (q GameQuery) AwayTeam(teamID int64) GameQuery {
	return GameQuery{q.Where(FieldTeam2ID, teamID)}
}

func (q GameQuery) StartingAt(t time.Time) GameQuery {
	return GameQuery{q.Where(FieldStartTime, t.UTC())}
}

func (q GameQuery) Live() GameQuery {
	return GameQuery{q.Status(tracking.StatusFilter{Live: true})}
}

// List runs the query and wraps the rows as games.
func (q GameQuery) List(ctx context.Context) ([]Game, error) {
	recs, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Game, len(recs))
	for i, r := range recs {
		out[i] = Game{r}
	}
	return out, nil
}
