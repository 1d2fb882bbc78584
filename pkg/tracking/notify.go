package tracking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a notification.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is a domain notification about a head record.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	Ref     Ref       `json:"ref"`
	Status  Status    `json:"status"`
	Actor   string    `json:"actor,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Bus receives notifications after the action that produced them commits.
// Emit is fire-and-forget: errors are logged, never returned to the caller.
type Bus interface {
	Emit(ctx context.Context, ev Event) error
}

// NopBus drops every event.
type NopBus struct{}

func (NopBus) Emit(context.Context, Event) error { return nil }

func newEvent(kind EventKind, rec *Record, actor Actor, message string, now time.Time) Event {
	return Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Ref:     rec.Ref(),
		Status:  rec.Status,
		Actor:   actor.ID(),
		Message: message,
		Time:    now,
	}
}
