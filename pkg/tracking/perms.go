package tracking

import (
	"context"
	"sort"
)

// Permission names checked by the engine.
const (
	PermView               = "view"
	PermAdd                = "tracking.add"
	PermAddWithoutApproval = "tracking.add_without_approval"
	PermApprove            = "tracking.approve"
	PermChange             = "tracking.change"
	PermDelete             = "tracking.delete"
)

// Actor is the acting identity. An empty ID is anonymous.
type Actor interface {
	ID() string
	HasPermission(perm string) bool
}

// ActorDirectory resolves actor ids, used when jobs run outside the request.
type ActorDirectory interface {
	Lookup(ctx context.Context, id string) (Actor, error)
}

// User is a simple Actor with a fixed permission set.
type User struct {
	UserID    string
	Superuser bool
	perms     map[string]bool
}

// NewUser creates a user holding perms.
func NewUser(id string, perms ...string) *User {
	u := &User{UserID: id, perms: make(map[string]bool, len(perms))}
	for _, p := range perms {
		u.perms[p] = true
	}
	return u
}

// Anonymous returns an actor with no id and no permissions.
func Anonymous() *User {
	return NewUser("")
}

func (u *User) ID() string { return u.UserID }

func (u *User) HasPermission(perm string) bool {
	return u.Superuser || u.perms[perm]
}

// Permissions returns the granted permissions, sorted.
func (u *User) Permissions() []string {
	out := make([]string, 0, len(u.perms))
	for p := range u.perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ActorSnapshot is the serializable form of an actor carried by jobs.
type ActorSnapshot struct {
	ID          string   `json:"id"`
	Superuser   bool     `json:"superuser,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// SnapshotOf captures actor for later replay.
func SnapshotOf(actor Actor) ActorSnapshot {
	snap := ActorSnapshot{ID: actor.ID()}
	if u, ok := actor.(*User); ok {
		snap.Superuser = u.Superuser
		snap.Permissions = u.Permissions()
		return snap
	}
	if p, ok := actor.(interface{ Permissions() []string }); ok {
		snap.Permissions = p.Permissions()
	}
	return snap
}

// User rebuilds an actor from the snapshot.
func (s ActorSnapshot) User() *User {
	u := NewUser(s.ID, s.Permissions...)
	u.Superuser = s.Superuser
	return u
}

func isSubmitter(actor Actor, rec *Record) bool {
	return actor.ID() != "" && actor.ID() == rec.SubmittedBy
}

// HasPerm evaluates perm for actor on rec. The submitter holds every non-view
// permission; view is granted for Live, for Hidden to the submitter, and never
// for Removed. Otherwise a special restriction limits the actor to special
// permissions, and without one the role grant or a special permission applies.
func (e *Engine) HasPerm(actor Actor, rec *Record, perm string) bool {
	if perm == PermView {
		switch {
		case rec.Status == StatusLive:
			return true
		case rec.Status == StatusHidden && isSubmitter(actor, rec):
			return true
		case rec.Status == StatusRemoved:
			return false
		}
	} else if isSubmitter(actor, rec) {
		return true
	}
	return e.rolePerm(actor, rec, perm)
}

// rolePerm is HasPerm without the submitter and status shortcuts.
func (e *Engine) rolePerm(actor Actor, rec *Record, perm string) bool {
	h := e.registry.hooks(rec.Type)
	if h.SpecialRestriction(actor, rec, perm) {
		return h.SpecialPerm(actor, rec, perm)
	}
	return actor.HasPermission(perm) || h.SpecialPerm(actor, rec, perm)
}

func (e *Engine) HasViewPerm(actor Actor, rec *Record) bool {
	return e.HasPerm(actor, rec, PermView)
}

func (e *Engine) HasEditPerm(actor Actor, rec *Record) bool {
	return e.HasPerm(actor, rec, PermChange)
}

func (e *Engine) HasRemovePerm(actor Actor, rec *Record) bool {
	return e.HasPerm(actor, rec, PermDelete)
}

// HasApprovePerm never lets the submitter approve through ownership alone.
func (e *Engine) HasApprovePerm(actor Actor, rec *Record) bool {
	return (!isSubmitter(actor, rec) && e.HasPerm(actor, rec, PermApprove)) ||
		e.rolePerm(actor, rec, PermChange) ||
		e.rolePerm(actor, rec, PermDelete)
}

func (e *Engine) HasAddWithoutApprovalPerm(actor Actor, rec *Record) bool {
	return e.HasPerm(actor, rec, PermAddWithoutApproval) ||
		e.HasApprovePerm(actor, rec) ||
		e.HasEditPerm(actor, rec) ||
		e.HasRemovePerm(actor, rec)
}

func (e *Engine) HasAddPerm(actor Actor, rec *Record) bool {
	return e.HasPerm(actor, rec, PermAdd) || e.HasAddWithoutApprovalPerm(actor, rec)
}

// HasMergePerm requires the global change permission.
func (e *Engine) HasMergePerm(actor Actor, primary, secondary *Record) bool {
	return actor.HasPermission(PermChange)
}

// HasUnmergePerm checks change permission on the row being unmerged.
func (e *Engine) HasUnmergePerm(actor Actor, rec *Record) bool {
	return e.HasPerm(actor, rec, PermChange)
}

// HasPerm evaluates perm for the session's actor on rec.
func (s *Session) HasPerm(rec *Record, perm string) bool { return s.e.HasPerm(s.actor, rec, perm) }

func (s *Session) HasViewPerm(rec *Record) bool    { return s.e.HasViewPerm(s.actor, rec) }
func (s *Session) HasEditPerm(rec *Record) bool    { return s.e.HasEditPerm(s.actor, rec) }
func (s *Session) HasRemovePerm(rec *Record) bool  { return s.e.HasRemovePerm(s.actor, rec) }
func (s *Session) HasApprovePerm(rec *Record) bool { return s.e.HasApprovePerm(s.actor, rec) }
func (s *Session) HasAddPerm(rec *Record) bool     { return s.e.HasAddPerm(s.actor, rec) }

func (s *Session) HasAddWithoutApprovalPerm(rec *Record) bool {
	return s.e.HasAddWithoutApprovalPerm(s.actor, rec)
}

func (s *Session) HasMergePerm(primary, secondary *Record) bool {
	return s.e.HasMergePerm(s.actor, primary, secondary)
}

func (s *Session) HasUnmergePerm(rec *Record) bool { return s.e.HasUnmergePerm(s.actor, rec) }
