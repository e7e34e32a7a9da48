package liveness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *fakeCounter) OnlineCount(relayID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[relayID]
}

func (c *fakeCounter) add(relayID string, delta int) {
	c.mu.Lock()
	c.counts[relayID] += delta
	c.mu.Unlock()
}

type fakeWriter struct {
	mu     sync.Mutex
	online map[string]bool
	writes atomic.Int64
	err    error
}

func (w *fakeWriter) SetRelayLiveness(_ context.Context, id string, online bool, _ time.Time) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	w.online[id] = online
	w.mu.Unlock()
	w.writes.Add(1)
	return nil
}

func newTestAggregator() (*Aggregator, *fakeCounter, *fakeWriter) {
	c := &fakeCounter{counts: map[string]int{}}
	w := &fakeWriter{online: map[string]bool{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(w, c, logger, nil), c, w
}

func TestRecompute_FollowsCount(t *testing.T) {
	agg, c, w := newTestAggregator()
	ctx := context.Background()

	c.add("r1", 1)
	online, err := agg.Recompute(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, online)
	assert.True(t, w.online["r1"])

	c.add("r1", -1)
	online, err = agg.Recompute(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, online)
	assert.False(t, w.online["r1"])
}

func TestRecompute_EmptyRelayIsNoop(t *testing.T) {
	agg, _, w := newTestAggregator()
	_, err := agg.Recompute(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.writes.Load())
}

func TestRecompute_StoreError(t *testing.T) {
	agg, _, w := newTestAggregator()
	w.err = errors.New("disk full")
	_, err := agg.Recompute(context.Background(), "r1")
	assert.ErrorContains(t, err, "disk full")
}

// Each goroutine changes the count and then recomputes, the way the registry
// does. Whatever the interleaving, the final stored flag must match the final
// count.
func TestRecompute_ConcurrentChurn(t *testing.T) {
	for round := 0; round < 20; round++ {
		agg, c, w := newTestAggregator()
		ctx := context.Background()
		const n = 32

		c.add("r1", n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// Everyone disconnects; the last one must leave the relay offline.
				c.add("r1", -1)
				_, err := agg.Recompute(ctx, "r1")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 0, c.OnlineCount("r1"))
		assert.False(t, w.online["r1"], "round %d: relay left online with no sessions", round)
	}
}
