package events

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

func sampleEvent() tracking.Event {
	return tracking.Event{
		ID:      "6f1c2a4e-0000-4000-8000-000000000001",
		Kind:    tracking.EventUpdated,
		Ref:     tracking.Ref{Type: "team", ID: 42},
		Status:  tracking.StatusLive,
		Actor:   "alice",
		Message: "renamed",
		Time:    time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecode(t *testing.T) {
	ev := sampleEvent()
	data, err := Encode(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"updated"`)
	assert.Contains(t, string(data), `"ref":{"type":"team","id":42}`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Ref, got.Ref)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.Equal(t, ev.Status, got.Status)
	assert.True(t, ev.Time.Equal(got.Time))
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "hello"},
		{name: "missing kind", payload: `{"ref":{"type":"team","id":1}}`},
		{name: "missing ref", payload: `{"kind":"created"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

type failingBus struct{ err error }

func (b failingBus) Emit(context.Context, tracking.Event) error { return b.err }

func TestMulti_TriesEveryBus(t *testing.T) {
	first := NewRecorder()
	second := NewRecorder()
	boom := errors.New("boom")
	bus := Multi{first, failingBus{err: boom}, second}

	err := bus.Emit(context.Background(), sampleEvent())
	require.ErrorIs(t, err, boom)
	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.Events(), 1)
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	ev := sampleEvent()
	require.NoError(t, rec.Emit(ctx, ev))
	ev.Kind = tracking.EventRemoved
	require.NoError(t, rec.Emit(ctx, ev))

	assert.Equal(t, []string{"updated:team-42", "removed:team-42"}, rec.Kinds())

	events := rec.Events()
	events[0].Kind = tracking.EventCreated
	assert.Equal(t, tracking.EventUpdated, rec.Events()[0].Kind, "Events returns a copy")

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestLogBus(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.NewLogger(&logging.Config{Level: logging.LevelInfo, JSONFormat: true, Output: buf})
	require.NoError(t, LogBus{Logger: logger}.Emit(context.Background(), sampleEvent()))
	assert.Contains(t, buf.String(), `"ref":"team-42"`)
	assert.Contains(t, buf.String(), `"kind":"updated"`)
}

func TestListener_Decode(t *testing.T) {
	l := &Listener{logger: logging.NewNopLogger()}

	_, ok := l.decode(nil)
	assert.False(t, ok, "nil notification marks a reconnect")

	_, ok = l.decode(&pq.Notification{Channel: DefaultChannel, Extra: "garbage"})
	assert.False(t, ok)

	data, err := Encode(sampleEvent())
	require.NoError(t, err)
	ev, ok := l.decode(&pq.Notification{Channel: DefaultChannel, Extra: string(data)})
	require.True(t, ok)
	assert.Equal(t, tracking.Ref{Type: "team", ID: 42}, ev.Ref)
}

func TestListenerConfig_Defaults(t *testing.T) {
	cfg := ListenerConfig{}
	cfg.defaults()
	assert.Equal(t, DefaultChannel, cfg.Channel)
	assert.Equal(t, 10*time.Second, cfg.MinReconnectInterval)
	assert.Equal(t, time.Minute, cfg.MaxReconnectInterval)
	assert.Equal(t, 90*time.Second, cfg.PingInterval)
}

func TestNewRedisBus_DefaultChannel(t *testing.T) {
	assert.Equal(t, DefaultChannel, NewRedisBus(nil, "").Channel())
	assert.Equal(t, "custom", NewRedisBus(nil, "custom").Channel())
}

func TestRedisBus_Integration(t *testing.T) {
	addr := os.Getenv("TRACKABLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRACKABLE_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	channel := "trackable.test." + time.Now().Format("150405.000000")
	stream, err := SubscribeRedis(ctx, client, channel, logging.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, NewRedisBus(client, channel).Emit(ctx, sampleEvent()))

	select {
	case ev := <-stream:
		assert.Equal(t, tracking.Ref{Type: "team", ID: 42}, ev.Ref)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}
