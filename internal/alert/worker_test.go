package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"availability-backend/config"
	"availability-backend/internal/model"
	"availability-backend/internal/store"
	"availability-backend/internal/store/storetest"
)

// recordingDeliverer captures deliveries and can be told to fail.
type recordingDeliverer struct {
	mu   sync.Mutex
	sent []Notification
	fail error
	done chan struct{}
}

func (r *recordingDeliverer) Deliver(_ context.Context, _ model.Subscription, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		defer func() { r.done <- struct{}{} }()
	}
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var noon = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store     store.Store
	service   *Service
	pool      *WorkerPool
	deliverer *recordingDeliverer
}

func newFixture(t *testing.T) fixture {
	ctx := context.Background()
	s := storetest.NewStore(t)
	require.NoError(t, s.UpsertInventory(ctx, []model.Site{{ID: "s1", Name: "s1"}}, []model.Device{
		{ID: "X", SiteID: "s1", Category: "washer", DisplayName: "Washer 3F-1", AlertEligible: true},
		{ID: "broken", SiteID: "s1", Category: "washer", DisplayName: "Broken", AlertEligible: false},
	}))

	svc := NewService(s, config.AlertsConfig{DefaultTTLHours: 12})
	svc.now = func() time.Time { return noon }

	d := &recordingDeliverer{}
	wp, err := NewWorkerPool(s, d, config.WorkerPoolConfig{Size: 1, QueueSize: 4}, config.AlertsConfig{Timezone: "UTC"})
	require.NoError(t, err)
	wp.now = func() time.Time { return noon.Add(10 * time.Minute) }

	return fixture{store: s, service: svc, pool: wp, deliverer: d}
}

func freed(deviceID string, at time.Time) model.TransitionEvent {
	prev := model.StatusOccupied
	return model.TransitionEvent{DeviceID: deviceID, SiteID: "s1", Category: "washer", PrevStatus: &prev, NewStatus: model.StatusFree, Kind: model.KindFreed, Timestamp: at}
}

func TestEvaluate_FiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, created, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1", QuietHours: QuietHours{"22:00", "07:00"}})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon.Add(5*time.Minute))))
	require.Equal(t, 1, f.deliverer.count())
	n := f.deliverer.sent[0]
	assert.Equal(t, "user_alert", n.Type)
	assert.Equal(t, sub.ID, n.AlertID)
	assert.Equal(t, "Washer 3F-1", n.DeviceName)
	assert.Equal(t, "Washer 3F-1 is available now!", n.Message)

	stored, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FiredAt)

	// A second freed transition does not re-fire the same subscription.
	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon.Add(8*time.Minute))))
	assert.Equal(t, 1, f.deliverer.count())

	// Re-subscribing arms a new one.
	_, created, err = f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon.Add(9*time.Minute))))
	assert.Equal(t, 2, f.deliverer.count())
}

func TestEvaluate_QuietHoursSuppress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, _, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1", QuietHours: QuietHours{"11:00", "13:00"}})
	require.NoError(t, err)

	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon)))
	assert.Zero(t, f.deliverer.count())

	stored, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.FiredAt, "suppressed alerts stay armed")
}

func TestEvaluate_DeliveryFailureRearms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deliverer.fail = errors.New("push service down")

	sub, _, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon)))
	stored, err := f.store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.FiredAt)

	f.deliverer.fail = nil
	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon.Add(time.Minute))))
	assert.Equal(t, 1, f.deliverer.count())
}

func TestEvaluate_ExpiredArePurged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sub, _, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1", TTL: 5 * time.Minute})
	require.NoError(t, err)

	require.NoError(t, f.pool.Evaluate(ctx, freed("X", noon)))
	assert.Zero(t, f.deliverer.count())

	_, err = f.store.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvaluate_IgnoresOtherKinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1"})
	require.NoError(t, err)

	ev := freed("X", noon)
	ev.Kind = model.KindInitialized
	require.NoError(t, f.pool.Evaluate(ctx, ev))
	assert.Zero(t, f.deliverer.count())
}

func TestWorkerPool_Dispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.True(t, f.pool.Dispatch(ctx, freed("X", noon)))
	occupied := freed("X", noon)
	occupied.Kind = model.KindOccupied
	assert.False(t, f.pool.Dispatch(ctx, occupied))

	select {
	case job := <-f.pool.Jobs():
		assert.Equal(t, model.KindFreed, job.Kind)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
	assert.Empty(t, f.pool.Jobs(), "only freed transitions are queued")
}

func TestWorkerPool_DispatchNeverBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No workers are running, so the queue (size 4) fills up.
	for i := 0; i < 4; i++ {
		require.True(t, f.pool.Dispatch(ctx, freed("X", noon)))
	}

	done := make(chan bool, 1)
	go func() { done <- f.pool.Dispatch(ctx, freed("X", noon)) }()

	select {
	case queued := <-done:
		assert.False(t, queued, "a full queue drops the job")
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
	assert.Len(t, f.pool.Jobs(), 4)
}

func TestWorkerPool_WorkerDelivers(t *testing.T) {
	f := newFixture(t)
	f.deliverer.done = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1"})
	require.NoError(t, err)

	f.pool.Start(ctx)
	f.pool.Dispatch(ctx, freed("X", noon))

	select {
	case <-f.deliverer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	assert.Equal(t, 1, f.deliverer.count())
}

func TestService_Management(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, _, err := f.service.Create(ctx, CreateRequest{DeviceID: "broken", UserID: "u1"})
	assert.ErrorIs(t, err, ErrNotEligible)

	_, _, err = f.service.Create(ctx, CreateRequest{DeviceID: "missing", UserID: "u1"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1", QuietHours: QuietHours{Start: "22:00"}})
	assert.ErrorIs(t, err, ErrInvalidQuietHours)

	_, _, err = f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1", TTL: 30 * 24 * time.Hour})
	assert.ErrorIs(t, err, ErrInvalidTTL)

	first, created, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.ExpiresAt.Equal(noon.Add(12*time.Hour)))

	again, created, err := f.service.Create(ctx, CreateRequest{DeviceID: "X", UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	assert.ErrorIs(t, f.service.UpdateQuietHours(ctx, first.ID, "someone-else", QuietHours{"22:00", "07:00"}), ErrNotFound)
	require.NoError(t, f.service.UpdateQuietHours(ctx, first.ID, "u1", QuietHours{"22:00", "07:00"}))

	list, err := f.service.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "22:00", list[0].QuietStart)

	assert.ErrorIs(t, f.service.Cancel(ctx, first.ID, "someone-else"), ErrNotFound)
	require.NoError(t, f.service.Cancel(ctx, first.ID, "u1"))
	assert.ErrorIs(t, f.service.Cancel(ctx, first.ID, "u1"), ErrNotFound)
}
