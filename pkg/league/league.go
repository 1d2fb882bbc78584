// Package league registers a small sports-league domain on the tracking engine:
// seasons, the teams playing in them, and scheduled games.
package league

import (
	"context"
	"fmt"
	"sort"

	trkerrors "github.com/otherjamesbrown/trackable/pkg/errors"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Type names.
const (
	TypeSeason = "season"
	TypeTeam   = "team"
	TypeGame   = "game"
)

// Field names.
const (
	FieldName      = "name"
	FieldYear      = "year"
	FieldCity      = "city"
	FieldSeasonID  = "season_id"
	FieldTeam1ID   = "team_1_id"
	FieldTeam2ID   = "team_2_id"
	FieldStartTime = "start_time"
	FieldLocation  = "location"
)

// Register installs the league types. Teams and games inherit their status
// from the season they belong to.
func Register(reg *tracking.Registry) error {
	descs := []tracking.TypeDescriptor{
		{
			Name: TypeSeason,
			Fields: []tracking.FieldDescriptor{
				{Name: FieldName, Kind: tracking.KindString},
				{Name: FieldYear, Kind: tracking.KindInt},
			},
		},
		{
			Name: TypeTeam,
			Fields: []tracking.FieldDescriptor{
				{Name: FieldName, Kind: tracking.KindString},
				{Name: FieldCity, Kind: tracking.KindString},
				{Name: FieldSeasonID, Kind: tracking.KindRef, RefType: TypeSeason},
			},
			InheritsStatusFrom: []string{FieldSeasonID},
		},
		{
			Name: TypeGame,
			Fields: []tracking.FieldDescriptor{
				{Name: FieldSeasonID, Kind: tracking.KindRef, RefType: TypeSeason},
				{Name: FieldTeam1ID, Kind: tracking.KindRef, RefType: TypeTeam},
				{Name: FieldTeam2ID, Kind: tracking.KindRef, RefType: TypeTeam},
				{Name: FieldStartTime, Kind: tracking.KindTime},
				{Name: FieldLocation, Kind: tracking.KindString},
			},
			InheritsStatusFrom: []string{FieldSeasonID},
			Hooks:              gameHooks{},
		},
	}
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register %s: %w", d.Name, err)
		}
	}
	return nil
}

// NewRegistry returns a validated registry holding only the league types.
func NewRegistry() (*tracking.Registry, error) {
	reg := tracking.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

type gameHooks struct {
	tracking.BaseHooks
}

// Conflicts finds other live-ish head games in the same season between the
// same two teams, in either order, starting at the same time.
func (gameHooks) Conflicts(ctx context.Context, s *tracking.Session, rec *tracking.Record) ([]*tracking.Record, error) {
	g := Game{rec}
	if g.SeasonID() == 0 || g.Team1ID() == 0 || g.Team2ID() == 0 || g.StartTime().IsZero() {
		return nil, nil
	}

	base := s.Objects(TypeGame).
		Exclude(tracking.StatusRejected, tracking.StatusRemoved).
		Where(FieldSeasonID, g.SeasonID()).
		Where(FieldStartTime, g.StartTime()).
		ExcludeIDs(rec.ID)

	same, err := base.Where(FieldTeam1ID, g.Team1ID()).Where(FieldTeam2ID, g.Team2ID()).All(ctx)
	if err != nil {
		return nil, err
	}
	if g.Team1ID() == g.Team2ID() {
		return same, nil
	}
	swapped, err := base.Where(FieldTeam1ID, g.Team2ID()).Where(FieldTeam2ID, g.Team1ID()).All(ctx)
	if err != nil {
		return nil, err
	}
	out := append(same, swapped...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AssertConstraints rejects a game played by a team against itself.
func (gameHooks) AssertConstraints(rec *tracking.Record) error {
	g := Game{rec}
	if g.Team1ID() != 0 && g.Team1ID() == g.Team2ID() {
		return trkerrors.Constraint(rec.Type, rec.ID, fmt.Sprintf("team %d cannot play itself", g.Team1ID()))
	}
	return nil
}
