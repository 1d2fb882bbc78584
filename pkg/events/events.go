// Package events delivers tracking notifications to Redis pub/sub or Postgres
// LISTEN/NOTIFY, and reads them back for watchers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "trackable.events"

// Encode renders ev as the JSON payload published on the wire.
func Encode(ev tracking.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (tracking.Event, error) {
	var ev tracking.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return tracking.Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if ev.Kind == "" || ev.Ref.IsZero() {
		return tracking.Event{}, fmt.Errorf("failed to decode event: missing kind or ref")
	}
	return ev, nil
}

// Multi fans an event out to every bus. All buses are tried; their errors are joined.
type Multi []tracking.Bus

func (m Multi) Emit(ctx context.Context, ev tracking.Event) error {
	var errs []error
	for _, bus := range m {
		if err := bus.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []tracking.Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, ev tracking.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []tracking.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tracking.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns "kind:ref" for each recorded event.
func (r *Recorder) Kinds() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Kind) + ":" + ev.Ref.String()
	}
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// LogBus writes each event to a logger at info level.
type LogBus struct {
	Logger logging.Logger
}

func (b LogBus) Emit(_ context.Context, ev tracking.Event) error {
	b.Logger.Info("Tracking event",
		logging.F("event_id", ev.ID),
		logging.F("kind", string(ev.Kind)),
		logging.F("ref", ev.Ref.String()),
		logging.F("status", ev.Status.String()),
		logging.F("actor", ev.Actor))
	return nil
}
