package eventbus

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestBus_FilterAndFanOut(t *testing.T) {
	b := New()
	all := b.Subscribe()
	hubOnly := b.Subscribe(HubConnected)

	b.PublishType(CommandStarted, map[string]string{"command_id": "c1"})
	b.PublishType(HubConnected, nil)

	assert.Equal(t, CommandStarted, recvEvent(t, all).Type)
	assert.Equal(t, HubConnected, recvEvent(t, all).Type)
	assert.Equal(t, HubConnected, recvEvent(t, hubOnly).Type)
	assert.Empty(t, hubOnly)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	for i := 0; i < 100; i++ {
		b.PublishType(LogEntry, nil)
	}
	assert.Len(t, ch, 64)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	b := New()
	a := b.Subscribe()
	c := b.Subscribe()

	b.Unsubscribe(a)
	_, ok := <-a
	assert.False(t, ok)

	b.Close()
	_, ok = <-c
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
	b.PublishType(LogEntry, nil)
}

func TestBus_NilDiscards(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() {
		b.PublishType(HubConnected, nil)
		b.Publish(Event{Type: LogEntry})
	})
}

func TestEvent_Decode(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.PublishType(CommandFinished, map[string]any{"command_id": "c1", "success": true})

	var got struct {
		CommandID string `json:"command_id"`
		Success   bool   `json:"success"`
	}
	require.NoError(t, recvEvent(t, ch).Decode(&got))
	assert.Equal(t, "c1", got.CommandID)
	assert.True(t, got.Success)
}

func TestSlogHandler(t *testing.T) {
	b := New()
	ch := b.Subscribe(LogEntry)
	buf := &bytes.Buffer{}
	logger := slog.New(NewSlogHandler(slog.NewTextHandler(buf, nil), b)).
		With("component", "hub-client").
		WithGroup("req")

	logger.Info("connected", "attempt", 2)

	var rec LogRecord
	require.NoError(t, recvEvent(t, ch).Decode(&rec))
	assert.Equal(t, "INFO", rec.Level)
	assert.Equal(t, "connected", rec.Message)
	assert.Equal(t, "hub-client", rec.Component)
	assert.EqualValues(t, 2, rec.Attrs["req.attempt"])
	assert.Contains(t, buf.String(), "msg=connected")
}
