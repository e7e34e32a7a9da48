// Package liveness derives a relay's online flag from the agent sessions
// bound to it.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattmo0re/viveye/hub/internal/keylock"
	"github.com/mattmo0re/viveye/hub/internal/metrics"
)

// Counter reports how many sessions bound to a relay are online.
type Counter interface {
	OnlineCount(relayID string) int
}

// RelayWriter persists the derived relay state.
type RelayWriter interface {
	SetRelayLiveness(ctx context.Context, id string, online bool, lastSeen time.Time) error
}

// Aggregator recomputes relay liveness. Recomputes for the same relay are
// serialized; different relays proceed in parallel.
type Aggregator struct {
	store   RelayWriter
	counter Counter
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   keylock.Map
	now     func() time.Time
}

// New creates an Aggregator that reads live counts from counter.
func New(store RelayWriter, counter Counter, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		store:   store,
		counter: counter,
		logger:  logger.With("component", "liveness"),
		metrics: m,
		now:     time.Now,
	}
}

// Recompute sets the relay's online flag from the current session count and
// stamps last-seen. The count is read while holding the relay lock, so the
// last recompute to run always writes the state after the latest change.
func (a *Aggregator) Recompute(ctx context.Context, relayID string) (bool, error) {
	if relayID == "" {
		return false, nil
	}
	unlock := a.locks.Lock(relayID)
	defer unlock()

	n := a.counter.OnlineCount(relayID)
	online := n > 0
	if err := a.store.SetRelayLiveness(ctx, relayID, online, a.now().UTC()); err != nil {
		return false, fmt.Errorf("set relay %s liveness: %w", relayID, err)
	}
	a.metrics.SetRelayOnline(relayID, online)
	a.logger.Debug("relay liveness recomputed", "relay_id", relayID, "online", online, "online_sessions", n)
	return online, nil
}
