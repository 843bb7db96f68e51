package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"availability-backend/config"
	"availability-backend/internal/broadcast"
	"availability-backend/internal/model"
	"availability-backend/internal/store/storetest"
	"availability-backend/internal/tracker"
)

type recorder struct {
	mu          sync.Mutex
	invalidated []string
	dispatched  []model.TransitionEvent
	published   []broadcast.Delta
}

func (r *recorder) Invalidate(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, deviceID)
}

func (r *recorder) Dispatch(_ context.Context, ev model.TransitionEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, ev)
	return true
}

func (r *recorder) Publish(d broadcast.Delta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, d)
	return true
}

var t0 = time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)

func trackerConfig() config.TrackerConfig {
	return config.TrackerConfig{Tolerance: 5 * time.Minute, OfflineThreshold: 5 * time.Minute, MaxCASAttempts: 5}
}

func newPipeline(t *testing.T) (*Pipeline, *tracker.Tracker, *recorder) {
	tr := tracker.New(storetest.NewStore(t), trackerConfig())
	rec := &recorder{}
	return NewPipeline(tr, rec, rec, rec), tr, rec
}

func ev(device string, status model.Status, at time.Time) model.StatusEvent {
	return model.StatusEvent{DeviceID: device, SiteID: "s1", Category: "washer", Status: status, Timestamp: at}
}

func TestPipeline_FansOutTransitions(t *testing.T) {
	ctx := context.Background()
	p, _, rec := newPipeline(t)

	_, err := p.Handle(ctx, ev("X", model.StatusOccupied, t0))
	require.NoError(t, err)
	_, err = p.Handle(ctx, ev("X", model.StatusOccupied, t0.Add(time.Minute)))
	require.NoError(t, err)
	res, err := p.Handle(ctx, ev("X", model.StatusFree, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, model.KindFreed, res.Kind)

	require.Len(t, rec.published, 2, "heartbeats are not broadcast")
	assert.Equal(t, "machine_update", rec.published[1].Type)
	assert.Equal(t, model.StatusFree, rec.published[1].Status)
	assert.Equal(t, []string{"X", "X"}, rec.invalidated)
	require.Len(t, rec.dispatched, 1)
	assert.Equal(t, model.KindFreed, rec.dispatched[0].Kind)
}

func TestPipeline_ReplayIsSilent(t *testing.T) {
	ctx := context.Background()
	p, _, rec := newPipeline(t)

	events := []model.StatusEvent{
		ev("X", model.StatusOccupied, t0),
		ev("X", model.StatusFree, t0.Add(10*time.Minute)),
	}
	for _, e := range events {
		_, err := p.Handle(ctx, e)
		require.NoError(t, err)
	}
	published := len(rec.published)

	for _, e := range events {
		res, err := p.Handle(ctx, e)
		require.NoError(t, err)
		assert.False(t, res.Emitted())
	}
	assert.Equal(t, published, len(rec.published))
	assert.Len(t, rec.dispatched, 1)
}

func TestSweeper_MarksSilentDevicesOffline(t *testing.T) {
	ctx := context.Background()
	p, tr, rec := newPipeline(t)

	_, err := p.Handle(ctx, ev("quiet", model.StatusFree, t0))
	require.NoError(t, err)
	_, err = p.Handle(ctx, ev("chatty", model.StatusFree, t0.Add(9*time.Minute)))
	require.NoError(t, err)

	s := NewSweeper(tr, p, 1)
	s.now = func() time.Time { return t0.Add(10 * time.Minute) }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	last := rec.published[len(rec.published)-1]
	assert.Equal(t, "quiet", last.DeviceID)
	assert.Equal(t, model.StatusOffline, last.Status)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDecodeEvent(t *testing.T) {
	got, err := DecodeEvent([]byte(`{"deviceId":"X","siteId":"s1","category":"washer","status":"FREE","timestamp":"2026-03-03T08:00:00+08:00","sequence":7}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFree, got.Status)
	assert.True(t, got.Timestamp.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, got.Sequence)
	assert.Equal(t, int64(7), *got.Sequence)

	got, err = DecodeEvent([]byte(`{"deviceId":"X","status":"occupied","timestamp":1772496000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1772496000), got.Timestamp.Unix())

	for name, raw := range map[string]string{
		"bad json":      `{`,
		"bad status":    `{"deviceId":"X","status":"broken","timestamp":1}`,
		"no timestamp":  `{"deviceId":"X","status":"free"}`,
		"bad timestamp": `{"deviceId":"X","status":"free","timestamp":"yesterday"}`,
		"odd timestamp": `{"deviceId":"X","status":"free","timestamp":true}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(raw))
			assert.Error(t, err)
		})
	}
}

// orderHandler records the order events arrive in per device.
type orderHandler struct {
	mu   sync.Mutex
	seen map[string][]time.Time
	wg   *sync.WaitGroup
}

func (h *orderHandler) Handle(_ context.Context, ev model.StatusEvent) (tracker.Result, error) {
	h.mu.Lock()
	h.seen[ev.DeviceID] = append(h.seen[ev.DeviceID], ev.Timestamp)
	h.mu.Unlock()
	h.wg.Done()
	return tracker.Result{}, nil
}

func TestWorkers_PreservePerDeviceOrder(t *testing.T) {
	var wg sync.WaitGroup
	h := &orderHandler{seen: make(map[string][]time.Time), wg: &wg}
	w := NewWorkers(h, config.WorkerPoolConfig{Size: 4, QueueSize: 8})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	devices := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 20; i++ {
		for _, d := range devices {
			wg.Add(1)
			require.NoError(t, w.Enqueue(ctx, ev(d, model.StatusFree, t0.Add(time.Duration(i)*time.Second))))
		}
	}
	wg.Wait()

	for _, d := range devices {
		times := h.seen[d]
		require.Len(t, times, 20)
		for i := 1; i < len(times); i++ {
			assert.True(t, times[i].After(times[i-1]), "device %s out of order", d)
		}
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Lag() int64   { return 0 }
func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type flakyHandler struct {
	mu       sync.Mutex
	failures int
	handled  []model.StatusEvent
}

func (h *flakyHandler) Handle(_ context.Context, ev model.StatusEvent) (tracker.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failures > 0 {
		h.failures--
		return tracker.Result{}, errors.New("database unavailable")
	}
	h.handled = append(h.handled, ev)
	return tracker.Result{}, nil
}

func TestConsumer_Run(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 1, Value: []byte(`{"deviceId":"X","status":"occupied","timestamp":"2026-03-03T08:00:00Z"}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"deviceId":"X","status":"free","timestamp":"2026-03-03T08:10:00Z"}`)},
	}}
	h := &flakyHandler{failures: 1}
	c := &Consumer{reader: reader, handler: h, topic: "device.status", group: "test"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(reader.commits()) == 3 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.handled, 2, "the transient failure is retried, the malformed message skipped")
	assert.Equal(t, model.StatusFree, h.handled[1].Status)
}

func TestNewConsumer_RequiresBrokers(t *testing.T) {
	_, err := NewConsumer(config.KafkaConfig{GroupID: "g"}, &flakyHandler{})
	assert.Error(t, err)
}
