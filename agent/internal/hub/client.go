// Package hub manages the agent's outbound WebSocket connection to the hub.
// The Client registers on every connect, sends heartbeats at the interval the
// hub acknowledges, and reconnects after a fixed delay a bounded number of
// times before giving up for good.
package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mattmo0re/viveye/agent/internal/config"
	"github.com/mattmo0re/viveye/agent/internal/eventbus"
	"github.com/mattmo0re/viveye/pkg/protocol"
)

var (
	// ErrReconnectGaveUp is returned by Run once the attempt budget is spent.
	ErrReconnectGaveUp = errors.New("reconnect attempts exhausted")
	// ErrNotConnected is returned by Send while no session is registered.
	ErrNotConnected = errors.New("not connected")
	// ErrRegistrationRejected means the hub answered register with ok=false.
	ErrRegistrationRejected = errors.New("registration rejected")
)

const writeTimeout = 10 * time.Second

// MessageHandler processes messages received from the hub. It runs on the
// read loop and must not block for long.
type MessageHandler func(ctx context.Context, msg protocol.Message)

// MetricsFunc samples host performance for heartbeats. It may return nil.
type MetricsFunc func() *protocol.Metrics

// Client manages the WebSocket connection from agent to hub.
type Client struct {
	hub       config.HubConfig
	reconnect config.ReconnectConfig
	register  protocol.Register
	heartbeat time.Duration
	codec     protocol.Codec
	handler   MessageHandler
	metrics   MetricsFunc
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a hub client. reg is sent verbatim on every connect.
func NewClient(cfg *config.Config, reg protocol.Register, handler MessageHandler, metrics MetricsFunc, bus *eventbus.Bus, logger *slog.Logger) *Client {
	if reg.RelayID == "" {
		reg.RelayID = cfg.Hub.RelayID
	}
	if reg.RelayKey == "" {
		reg.RelayKey = cfg.Hub.RelayKey
	}
	return &Client{
		hub:       cfg.Hub,
		reconnect: cfg.Reconnect,
		register:  reg,
		heartbeat: cfg.Agent.HeartbeatInterval.Duration,
		codec:     protocol.CodecFor(cfg.Hub.Binary),
		handler:   handler,
		metrics:   metrics,
		bus:       bus,
		logger:    logger.With("component", "hub-client"),
	}
}

// Run keeps a registered session with the hub until ctx is canceled or the
// reconnect budget is exhausted. The attempt counter resets after every
// successful registration.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		registered, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			attempts = 0
		}
		if err != nil {
			c.logger.Warn("connection lost", "error", err)
		}

		attempts++
		if attempts > c.reconnect.MaxAttempts {
			c.bus.PublishType(eventbus.HubGaveUp, map[string]any{"attempts": attempts - 1})
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectGaveUp, attempts-1, err)
		}

		delay := c.reconnect.Delay.Duration
		c.logger.Info("reconnecting", "attempt", attempts, "max_attempts", c.reconnect.MaxAttempts, "delay", delay)
		c.bus.PublishType(eventbus.HubReconnecting, map[string]any{"attempt": attempts, "delay_ms": delay.Milliseconds()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectOnce dials, registers and serves one session. registered reports
// whether the hub accepted the registration.
func (c *Client) connectOnce(ctx context.Context) (registered bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.reconnect.HandshakeTimeout.Duration,
	}
	if c.hub.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.hub.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	defer func() { _ = conn.Close() }()

	interval, err := c.handshake(conn)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logger.Info("connected to hub", "url", c.hub.URL, "agent_id", c.register.AgentID, "heartbeat_interval", interval)
	c.bus.PublishType(eventbus.HubConnected, map[string]any{"url": c.hub.URL, "heartbeat_ms": interval.Milliseconds()})
	defer c.bus.PublishType(eventbus.HubDisconnected, nil)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(sessCtx, interval)
	go func() {
		<-sessCtx.Done()
		if ctx.Err() != nil {
			c.mu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			c.mu.Unlock()
		}
		// Unblocks ReadMessage.
		_ = conn.Close()
	}()

	for {
		frame, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}
		env, err := protocol.CodecFor(frame == websocket.BinaryMessage).Decode(data, protocol.Outbound)
		if err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}
		c.handler(sessCtx, env.Payload)
	}
}

// handshake sends register and waits for the hub's ack. It returns the
// heartbeat interval to use for the session.
func (c *Client) handshake(conn *websocket.Conn) (time.Duration, error) {
	if err := c.write(conn, &c.register); err != nil {
		return 0, fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.reconnect.HandshakeTimeout.Duration))
	frame, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read registered: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := protocol.CodecFor(frame == websocket.BinaryMessage).Decode(data, protocol.Outbound)
	if err != nil {
		return 0, fmt.Errorf("decode registered: %w", err)
	}
	switch m := env.Payload.(type) {
	case *protocol.Registered:
		if !m.OK {
			return 0, fmt.Errorf("%w: %s", ErrRegistrationRejected, m.Error)
		}
		if m.HeartbeatIntervalMs > 0 {
			return time.Duration(m.HeartbeatIntervalMs) * time.Millisecond, nil
		}
		return c.heartbeat, nil
	case *protocol.Error:
		return 0, fmt.Errorf("%w: %s: %s", ErrRegistrationRejected, m.Code, m.Message)
	default:
		return 0, fmt.Errorf("unexpected %s before registered", env.Type)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &protocol.Heartbeat{}
			if c.metrics != nil {
				hb.Metrics = c.metrics()
			}
			if err := c.Send(hb); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// Send writes one message on the current session.
func (c *Client) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.write(c.conn, msg)
}

// Connected reports whether a registered session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// write encodes msg with the configured codec. Callers serialize writes.
func (c *Client) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := c.codec.Encode(protocol.NewEnvelope(uuid.NewString(), msg))
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(frame, data)
}
