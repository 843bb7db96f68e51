package broadcast

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"availability-backend/config"
)

// fakeConn records writes. block, when set, stalls every write until closed.
type fakeConn struct {
	mu       sync.Mutex
	received []Delta
	block    chan struct{}
	fail     error
	closed   bool
	got      chan Delta
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan Delta, 64)}
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.block != nil {
		<-c.block
	}
	if c.fail != nil {
		return c.fail
	}
	d := v.(Delta)
	c.mu.Lock()
	c.received = append(c.received, d)
	c.mu.Unlock()
	c.got <- d
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func delta(site, category, device string) Delta {
	return Delta{Type: "machine_update", SiteID: site, Category: category, DeviceID: device, Status: "free"}
}

func startHub(t *testing.T, cfg config.BroadcastConfig) *Hub {
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func expectDelta(t *testing.T, c *fakeConn) Delta {
	t.Helper()
	select {
	case d := <-c.got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delta")
		return Delta{}
	}
}

func TestFilter_Matches(t *testing.T) {
	testCases := []struct {
		name   string
		filter Filter
		d      Delta
		want   bool
	}{
		{"empty matches all", Filter{}, delta("A", "washer", "1"), true},
		{"site match", Filter{SiteIDs: []string{"A"}}, delta("A", "washer", "1"), true},
		{"site mismatch", Filter{SiteIDs: []string{"A"}}, delta("B", "washer", "1"), false},
		{"or within dimension", Filter{SiteIDs: []string{"A", "B"}}, delta("B", "washer", "1"), true},
		{"and across dimensions", Filter{SiteIDs: []string{"A"}, Categories: []string{"dryer"}}, delta("A", "washer", "1"), false},
		{"device filter", Filter{DeviceIDs: []string{"7"}}, delta("A", "washer", "7"), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(tc.d))
		})
	}
}

func TestFilterFromQuery(t *testing.T) {
	q, err := url.ParseQuery("site=A,B&site=C&category=washer&device=")
	require.NoError(t, err)
	f := FilterFromQuery(q)
	assert.Equal(t, []string{"A", "B", "C"}, f.SiteIDs)
	assert.Equal(t, []string{"washer"}, f.Categories)
	assert.Empty(t, f.DeviceIDs)
}

func TestHub_SiteFilterIsolation(t *testing.T) {
	h := startHub(t, config.BroadcastConfig{QueueSize: 16, ConnBufferSize: 16})
	a, b := newFakeConn(), newFakeConn()
	h.Register(a, Filter{SiteIDs: []string{"A"}})
	h.Register(b, Filter{SiteIDs: []string{"B"}})

	require.True(t, h.Publish(delta("B", "washer", "1")))
	require.True(t, h.Publish(delta("A", "washer", "2")))

	assert.Equal(t, "2", expectDelta(t, a).DeviceID)
	assert.Equal(t, "1", expectDelta(t, b).DeviceID)

	// Nothing else arrives for A.
	select {
	case d := <-a.got:
		t.Fatalf("site A subscriber received %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UpdateFilter(t *testing.T) {
	h := startHub(t, config.BroadcastConfig{QueueSize: 16, ConnBufferSize: 16})
	c := newFakeConn()
	id := h.Register(c, Filter{SiteIDs: []string{"A"}})

	require.NoError(t, h.UpdateFilter(id, Filter{SiteIDs: []string{"B"}}))
	assert.ErrorIs(t, h.UpdateFilter("nope", Filter{}), ErrUnknownConn)

	h.Publish(delta("A", "washer", "1"))
	h.Publish(delta("B", "washer", "2"))
	assert.Equal(t, "2", expectDelta(t, c).DeviceID)
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	h := startHub(t, config.BroadcastConfig{QueueSize: 64, ConnBufferSize: 1})
	slow := newFakeConn()
	slow.block = make(chan struct{})
	defer close(slow.block)
	fast := newFakeConn()

	h.Register(slow, Filter{})
	h.Register(fast, Filter{})

	for i := 0; i < 5; i++ {
		require.True(t, h.Publish(delta("A", "washer", "d")))
		expectDelta(t, fast)
	}

	assert.Eventually(t, func() bool { return h.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, slow.isClosed())
	assert.False(t, fast.isClosed())
}

func TestHub_FailedWriteDeregisters(t *testing.T) {
	h := startHub(t, config.BroadcastConfig{QueueSize: 16, ConnBufferSize: 4})
	broken := newFakeConn()
	broken.fail = errors.New("connection reset")
	ok := newFakeConn()

	h.Register(broken, Filter{})
	h.Register(ok, Filter{})
	h.Publish(delta("A", "washer", "1"))

	expectDelta(t, ok)
	assert.Eventually(t, func() bool { return h.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, broken.isClosed())

	// No retry: the next delta only reaches the healthy subscriber.
	h.Publish(delta("A", "washer", "2"))
	assert.Equal(t, "2", expectDelta(t, ok).DeviceID)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(config.BroadcastConfig{QueueSize: 1, ConnBufferSize: 1})

	assert.True(t, h.Publish(delta("A", "washer", "1")))
	assert.False(t, h.Publish(delta("A", "washer", "2")))
}

func TestHub_RunClosesSubscribersOnShutdown(t *testing.T) {
	h := NewHub(config.BroadcastConfig{QueueSize: 1, ConnBufferSize: 1})
	c := newFakeConn()
	h.Register(c, Filter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Zero(t, h.Count())
	assert.True(t, c.isClosed())
	h.Deregister("already-gone")
}
