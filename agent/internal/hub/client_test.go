package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/agent/internal/eventbus"
	"github.com/mattmo0re/viveye/pkg/configfile"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

// stubConn is the hub side of one agent connection.
type stubConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (s *stubConn) recv() (protocol.Message, bool) {
	_ = s.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, data, err := s.ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	env, err := protocol.CodecFor(frame == websocket.BinaryMessage).Decode(data, protocol.Inbound)
	if err != nil {
		s.t.Errorf("stub decode: %v", err)
		return nil, false
	}
	return env.Payload, frame == websocket.BinaryMessage
}

func (s *stubConn) send(msg protocol.Message) {
	data, err := protocol.JSON.Encode(protocol.NewEnvelope("", msg))
	if err != nil {
		s.t.Errorf("stub encode: %v", err)
		return
	}
	_ = s.ws.WriteMessage(websocket.TextMessage, data)
}

// ack reads the register message and accepts it.
func (s *stubConn) ack(heartbeatMs int64) *protocol.Register {
	msg, _ := s.recv()
	reg, ok := msg.(*protocol.Register)
	if !ok {
		s.t.Errorf("first message %T, want register", msg)
		return nil
	}
	s.send(&protocol.Registered{OK: true, HeartbeatIntervalMs: heartbeatMs})
	return reg
}

func newStubHub(t *testing.T, serve func(c *stubConn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		serve(&stubConn{t: t, ws: ws})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) *config.Config {
	cfg := &config.Config{}
	cfg.Hub.URL = url
	cfg.Hub.RelayID = "edge"
	cfg.Hub.RelayKey = "key"
	cfg.Agent.HeartbeatInterval = configfile.D(time.Second)
	cfg.Reconnect.Delay = configfile.D(10 * time.Millisecond)
	cfg.Reconnect.MaxAttempts = 3
	cfg.Reconnect.HandshakeTimeout = configfile.D(2 * time.Second)
	return cfg
}

func newTestClient(cfg *config.Config, handler MessageHandler, bus *eventbus.Bus) *Client {
	if handler == nil {
		handler = func(context.Context, protocol.Message) {}
	}
	metrics := func() *protocol.Metrics { return &protocol.Metrics{CPUPercent: 12.5} }
	reg := protocol.Register{AgentID: "host-1", Capabilities: []string{"system_info"}}
	return NewClient(cfg, reg, handler, metrics, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runClient(t *testing.T, c *Client) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func TestClient_RegistersAndHeartbeats(t *testing.T) {
	got := make(chan *protocol.Register, 1)
	beats := make(chan *protocol.Heartbeat, 1)
	url := newStubHub(t, func(c *stubConn) {
		got <- c.ack(20)
		for {
			msg, _ := c.recv()
			if msg == nil {
				return
			}
			if hb, ok := msg.(*protocol.Heartbeat); ok {
				select {
				case beats <- hb:
				default:
				}
			}
		}
	})

	runClient(t, newTestClient(testConfig(url), nil, nil))

	reg := <-got
	assert.Equal(t, "host-1", reg.AgentID)
	assert.Equal(t, "edge", reg.RelayID)
	assert.Equal(t, "key", reg.RelayKey)

	select {
	case hb := <-beats:
		require.NotNil(t, hb.Metrics)
		assert.Equal(t, 12.5, hb.Metrics.CPUPercent)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat at the acknowledged interval")
	}
}

func TestClient_DeliversMessagesAndSends(t *testing.T) {
	results := make(chan *protocol.CommandResult, 1)
	url := newStubHub(t, func(c *stubConn) {
		c.ack(0)
		c.send(&protocol.DispatchCommand{CommandID: "c1", Type: "system_info", TimeoutMs: 1000})
		for {
			msg, _ := c.recv()
			if msg == nil {
				return
			}
			if r, ok := msg.(*protocol.CommandResult); ok {
				results <- r
				return
			}
		}
	})

	var client *Client
	handler := func(ctx context.Context, msg protocol.Message) {
		d, ok := msg.(*protocol.DispatchCommand)
		if !ok {
			return
		}
		assert.NoError(t, client.Send(&protocol.CommandResult{CommandID: d.CommandID, Success: true}))
	}
	client = newTestClient(testConfig(url), handler, nil)
	runClient(t, client)

	select {
	case r := <-results:
		assert.Equal(t, "c1", r.CommandID)
	case <-time.After(3 * time.Second):
		t.Fatal("no result")
	}
}

func TestClient_ReconnectReregisters(t *testing.T) {
	var registers atomic.Int32
	url := newStubHub(t, func(c *stubConn) {
		if c.ack(0) != nil {
			registers.Add(1)
		}
		// Drop the connection right after the ack.
	})

	bus := eventbus.New()
	events := bus.Subscribe(eventbus.HubConnected)
	cfg := testConfig(url)
	cfg.Reconnect.MaxAttempts = 1
	runClient(t, newTestClient(cfg, nil, bus))

	// Each session succeeds, so the single-attempt budget keeps resetting.
	for i := 0; i < 4; i++ {
		select {
		case <-events:
		case <-time.After(3 * time.Second):
			t.Fatalf("connection %d never registered", i+1)
		}
	}
	assert.GreaterOrEqual(t, registers.Load(), int32(4))
}

func TestClient_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	bus := eventbus.New()
	events := bus.Subscribe(eventbus.HubReconnecting, eventbus.HubGaveUp)
	cfg := testConfig(url)
	cfg.Reconnect.MaxAttempts = 2
	c := newTestClient(cfg, nil, bus)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconnectGaveUp))
	assert.Contains(t, err.Error(), "after 2 attempts")

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{eventbus.HubReconnecting, eventbus.HubReconnecting, eventbus.HubGaveUp}, types)
}

func TestClient_RejectedRegistration(t *testing.T) {
	url := newStubHub(t, func(c *stubConn) {
		c.recv()
		c.send(&protocol.Registered{OK: false, Error: "unauthorized"})
	})
	cfg := testConfig(url)
	cfg.Reconnect.MaxAttempts = 1

	err := newTestClient(cfg, nil, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectGaveUp)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestClient_BinaryCodec(t *testing.T) {
	binary := make(chan bool, 1)
	url := newStubHub(t, func(c *stubConn) {
		_, isBinary := c.recv()
		binary <- isBinary
		c.send(&protocol.Registered{OK: true})
		c.recv()
	})
	cfg := testConfig(url)
	cfg.Hub.Binary = true
	runClient(t, newTestClient(cfg, nil, nil))

	select {
	case b := <-binary:
		assert.True(t, b)
	case <-time.After(3 * time.Second):
		t.Fatal("no register")
	}
}

func TestClient_SendWithoutSession(t *testing.T) {
	c := newTestClient(testConfig("ws://127.0.0.1:1"), nil, nil)
	assert.ErrorIs(t, c.Send(&protocol.Heartbeat{}), ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestClient_StopsOnCancel(t *testing.T) {
	url := newStubHub(t, func(c *stubConn) {
		c.ack(0)
		for {
			if msg, _ := c.recv(); msg == nil {
				return
			}
		}
	})
	bus := eventbus.New()
	connected := bus.Subscribe(eventbus.HubConnected)
	c := newTestClient(testConfig(url), nil, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}
