package store_test

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"availability-backend/internal/model"
	"availability-backend/internal/store"
	"availability-backend/internal/store/storetest"
)

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestGormStore_ApplyState_SQL(t *testing.T) {
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	next := model.CurrentState{DeviceID: "d1", SiteID: "s1", Category: "washer", Status: model.StatusFree, LastUpdate: now, LastChange: now}

	testCases := []struct {
		name             string
		expectedVersion  int64
		record           *model.TransitionRecord
		mockExpectations func(mock sqlmock.Sqlmock)
		wantApplied      bool
	}{
		{
			name:            "version matches, state updated and transition appended",
			expectedVersion: 3,
			record:          &model.TransitionRecord{DeviceID: "d1", OccurredAt: now, Status: model.StatusFree, Kind: model.KindFreed},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "current_states" SET`)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "transition_records"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectCommit()
			},
			wantApplied: true,
		},
		{
			name:            "version moved on, nothing appended",
			expectedVersion: 3,
			record:          &model.TransitionRecord{DeviceID: "d1", OccurredAt: now, Status: model.StatusFree, Kind: model.KindFreed},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta(`UPDATE "current_states" SET`)).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			wantApplied: false,
		},
		{
			name:            "first event inserts with on conflict do nothing",
			expectedVersion: 0,
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO "current_states" .* ON CONFLICT DO NOTHING`).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantApplied: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newMockDB(t)
			s := store.NewGormStore(gormDB)

			tc.mockExpectations(mock)

			applied, err := s.ApplyState(context.Background(), next, tc.expectedVersion, tc.record)
			assert.NoError(t, err)
			assert.Equal(t, tc.wantApplied, applied)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_StateCAS(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	t0 := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	_, err := s.GetState(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	first := model.CurrentState{DeviceID: "d1", Status: model.StatusOccupied, LastUpdate: t0, LastChange: t0}
	ok, err := s.ApplyState(ctx, first, 0, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second creator loses.
	ok, err = s.ApplyState(ctx, first, 0, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := s.GetState(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	next := st
	next.Status = model.StatusFree
	next.LastUpdate = t0.Add(time.Minute)
	ok, err = s.ApplyState(ctx, next, st.Version, &model.TransitionRecord{DeviceID: "d1", OccurredAt: next.LastUpdate, Status: model.StatusFree, Kind: model.KindFreed})
	require.NoError(t, err)
	assert.True(t, ok)

	// Stale version is refused and its record is not appended.
	stale := next
	stale.Status = model.StatusOccupied
	ok, err = s.ApplyState(ctx, stale, st.Version, &model.TransitionRecord{DeviceID: "d1", OccurredAt: t0.Add(2 * time.Minute), Status: model.StatusOccupied, Kind: model.KindOccupied})
	require.NoError(t, err)
	assert.False(t, ok)

	recs, err := s.ReadRange(ctx, "d1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.StatusFree, recs[0].Status)

	st, err = s.GetState(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFree, st.Status)
	assert.Equal(t, int64(2), st.Version)
}

func TestGormStore_EventLogIdempotentAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	t0 := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	for _, rec := range []model.TransitionRecord{
		{DeviceID: "d1", OccurredAt: t0.Add(2 * time.Minute), Status: model.StatusFree, Kind: model.KindFreed},
		{DeviceID: "d1", OccurredAt: t0, Status: model.StatusOccupied, Kind: model.KindInitialized},
		{DeviceID: "d2", OccurredAt: t0.Add(time.Minute), Status: model.StatusFree, Kind: model.KindInitialized},
	} {
		inserted, err := s.AppendTransition(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, err := s.AppendTransition(ctx, model.TransitionRecord{DeviceID: "d1", OccurredAt: t0, Status: model.StatusOccupied, Kind: model.KindInitialized})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate key must be a no-op")

	recs, err := s.ReadRange(ctx, "d1", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].OccurredAt.Before(recs[1].OccurredAt))

	found, err := s.FindTransition(ctx, "d1", t0, model.StatusOccupied)
	require.NoError(t, err)
	assert.Equal(t, model.KindInitialized, found.Kind)

	latest, err := s.LatestAtOrBefore(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, model.StatusOccupied, latest["d1"].Status)
	assert.Equal(t, model.StatusFree, latest["d2"].Status)

	all, err := s.ReadAllRange(ctx, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := s.ExpireTransitions(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestGormStore_StaleStates(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	for i, st := range []model.CurrentState{
		{DeviceID: "old", Status: model.StatusFree, LastUpdate: now.Add(-20 * time.Minute)},
		{DeviceID: "older", Status: model.StatusOccupied, LastUpdate: now.Add(-40 * time.Minute)},
		{DeviceID: "offline", Status: model.StatusOffline, LastUpdate: now.Add(-time.Hour)},
		{DeviceID: "fresh", Status: model.StatusFree, LastUpdate: now.Add(-time.Minute)},
	} {
		st.LastChange = st.LastUpdate
		ok, err := s.ApplyState(ctx, st, 0, nil)
		require.NoError(t, err, i)
		require.True(t, ok)
	}

	stale, err := s.StaleStates(ctx, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "older", stale[0].DeviceID)
	assert.Equal(t, "old", stale[1].DeviceID)

	limited, err := s.StaleStates(ctx, now.Add(-5*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestGormStore_Bins(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	w0 := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	_, ok, err := s.LatestDeviceWindowEnd(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	bins := []model.AggregateBin{
		{Scope: model.ScopeDevice, ScopeID: "d1", WindowStart: w0, WindowEnd: w0.Add(15 * time.Minute), OccupiedSeconds: 450, TotalSeconds: 900, OccupancyRatio: 0.5},
		{Scope: model.ScopeDevice, ScopeID: "d1", WindowStart: w0.Add(15 * time.Minute), WindowEnd: w0.Add(30 * time.Minute), OccupiedSeconds: 900, TotalSeconds: 900, OccupancyRatio: 1},
		{Scope: model.ScopeSite, ScopeID: "s1", WindowStart: w0, WindowEnd: w0.Add(15 * time.Minute), OccupancyRatio: 0.5},
	}
	require.NoError(t, s.SaveBins(ctx, bins))

	// Closed windows are immutable.
	rewrite := []model.AggregateBin{{Scope: model.ScopeDevice, ScopeID: "d1", WindowStart: w0, WindowEnd: w0.Add(15 * time.Minute), OccupancyRatio: 0}}
	require.NoError(t, s.SaveBins(ctx, rewrite))

	end, ok, err := s.LatestDeviceWindowEnd(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, end.Equal(w0.Add(30*time.Minute)))

	got, err := s.ListBins(ctx, model.ScopeDevice, "d1", w0, w0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0.5, got[0].OccupancyRatio)
}

func TestGormStore_Subscriptions(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	sub := model.Subscription{ID: "a1", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	got, created, err := s.CreateSubscription(ctx, sub, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a1", got.ID)

	// Second create for the same pair returns the active one.
	dup := model.Subscription{ID: "a2", DeviceID: "d1", UserID: "u1", CreatedAt: now.Add(time.Minute), ExpiresAt: now.Add(time.Hour)}
	got, created, err = s.CreateSubscription(ctx, dup, false)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a1", got.ID)

	// Explicit re-subscribe retires the old one.
	got, created, err = s.CreateSubscription(ctx, dup, true)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a2", got.ID)

	active, err := s.ActiveSubscriptions(ctx, "d1", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a2", active[0].ID)

	claimed, err := s.ClaimSubscription(ctx, "a2", now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = s.ClaimSubscription(ctx, "a2", now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "a subscription fires once")

	require.NoError(t, s.ReleaseSubscription(ctx, "a2"))
	claimed, err = s.ClaimSubscription(ctx, "a2", now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, s.UpdateQuietHours(ctx, "a2", "22:00", "07:00"))
	assert.ErrorIs(t, s.UpdateQuietHours(ctx, "missing", "22:00", "07:00"), store.ErrNotFound)

	list, err := s.ListSubscriptionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	purged, err := s.PurgeExpiredSubscriptions(ctx, "d1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	assert.ErrorIs(t, s.DeleteSubscription(ctx, "a1"), store.ErrNotFound)
}

func TestGormStore_ConcurrentCreateKeepsOneActive(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := model.Subscription{ID: fmt.Sprintf("a%d", i), DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
			got, ok, err := s.CreateSubscription(ctx, sub, false)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[got.ID]++
			if ok {
				created++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1, "every caller sees the same subscription")

	active, err := s.ActiveSubscriptions(ctx, "d1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestGormStore_ActiveKeyIsUnique(t *testing.T) {
	gormDB := storetest.NewDB(t)
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
	key := model.SubscriptionKey("d1", "u1")

	first := model.Subscription{ID: "a1", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), ActiveKey: &key}
	require.NoError(t, gormDB.Create(&first).Error)

	second := model.Subscription{ID: "a2", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour), ActiveKey: &key}
	assert.Error(t, gormDB.Create(&second).Error)

	// Fired and retired rows carry no key and do not collide.
	third := model.Subscription{ID: "a3", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	fourth := model.Subscription{ID: "a4", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, gormDB.Create(&third).Error)
	require.NoError(t, gormDB.Create(&fourth).Error)
}

func TestGormStore_CreateReusesExpiredKey(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	old := model.Subscription{ID: "a1", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	_, created, err := s.CreateSubscription(ctx, old, false)
	require.NoError(t, err)
	require.True(t, created)

	later := now.Add(2 * time.Hour)
	fresh := model.Subscription{ID: "a2", DeviceID: "d1", UserID: "u1", CreatedAt: later, ExpiresAt: later.Add(time.Hour)}
	got, created, err := s.CreateSubscription(ctx, fresh, false)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a2", got.ID)
}

func TestGormStore_ReleaseYieldsToNewerSubscription(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)
	now := time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	_, _, err := s.CreateSubscription(ctx, model.Subscription{ID: "a1", DeviceID: "d1", UserID: "u1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	claimed, err := s.ClaimSubscription(ctx, "a1", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	// The user re-subscribes while a1's delivery is still in flight.
	_, created, err := s.CreateSubscription(ctx, model.Subscription{ID: "a2", DeviceID: "d1", UserID: "u1", CreatedAt: now.Add(2 * time.Minute), ExpiresAt: now.Add(time.Hour)}, false)
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, s.ReleaseSubscription(ctx, "a1"))

	a1, err := s.GetSubscription(ctx, "a1")
	require.NoError(t, err)
	assert.NotNil(t, a1.FiredAt, "a1 stays fired once a2 is armed")

	active, err := s.ActiveSubscriptions(ctx, "d1", now.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a2", active[0].ID)

	assert.ErrorIs(t, s.ReleaseSubscription(ctx, "missing"), store.ErrNotFound)
}

func TestGormStore_Inventory(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	sites := []model.Site{{ID: "east-1", Name: "East 1"}}
	devices := []model.Device{
		{ID: "101", SiteID: "east-1", Category: "washer", DisplayName: "East1 3F-1", Floor: 3, Seq: 1, AlertEligible: true},
		{ID: "102", SiteID: "east-1", Category: "dryer", DisplayName: "East1 3F-2", Floor: 3, Seq: 2, AlertEligible: true},
	}
	require.NoError(t, s.UpsertInventory(ctx, sites, devices))

	devices[0].DisplayName = "East1 3F-1 (new)"
	require.NoError(t, s.UpsertInventory(ctx, sites, devices))

	d, err := s.GetDevice(ctx, "101")
	require.NoError(t, err)
	assert.Equal(t, "East1 3F-1 (new)", d.DisplayName)

	_, err = s.GetDevice(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	bySite, err := s.ListDevicesBySite(ctx, "east-1")
	require.NoError(t, err)
	assert.Len(t, bySite, 2)

	allSites, err := s.ListSites(ctx)
	require.NoError(t, err)
	assert.Len(t, allSites, 1)
}

func TestGormStore_PushEndpoints(t *testing.T) {
	ctx := context.Background()
	s := storetest.NewStore(t)

	require.NoError(t, s.UpsertPushEndpoint(ctx, model.PushEndpoint{Endpoint: "https://push/1", P256DH: "k", Auth: "a", UserID: "u1"}))
	require.NoError(t, s.UpsertPushEndpoint(ctx, model.PushEndpoint{Endpoint: "https://push/1", P256DH: "k2", Auth: "a2", UserID: "u1"}))

	eps, err := s.PushEndpointsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "k2", eps[0].P256DH)

	require.NoError(t, s.DeletePushEndpoint(ctx, "https://push/1"))
	eps, err = s.PushEndpointsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, eps)
}
