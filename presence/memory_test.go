package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpts() Options {
	return Options{
		HardTimeout: 2 * time.Minute,
		GracePeriod: 30 * time.Second,
	}
}

func newSession(courier, branch, conn string, now time.Time) *Session {
	return &Session{
		CourierID:    courier,
		BranchID:     branch,
		Name:         "Courier " + courier,
		ConnectionID: conn,
		Battery:      100,
		LastUpdate:   now,
	}
}

func TestConnectCreatesSession(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()

	prev, resumed, err := store.Connect(context.Background(), newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)
	assert.Nil(t, prev)
	assert.False(t, resumed)

	got, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "conn1", got.ConnectionID)
	assert.Equal(t, "b1", got.BranchID)

	snap, err := store.Snapshot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestConnectDisplacesOldConnection(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)

	prev, resumed, err := store.Connect(ctx, newSession("c1", "b1", "conn2", now))
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, "conn1", prev.ConnectionID)
	assert.False(t, resumed)

	// the most recent connect owns the courier
	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "conn2", got.ConnectionID)

	// still exactly one session, one branch entry
	snap, err := store.Snapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestConnectMovesBranchIndex(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)
	_, _, err = store.Connect(ctx, newSession("c1", "b2", "conn2", now))
	require.NoError(t, err)

	old, err := store.Snapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, old)

	cur, err := store.Snapshot(ctx, "b2")
	require.NoError(t, err)
	assert.Len(t, cur, 1)
}

func TestUpdateOwnership(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()
	loc := Location{Latitude: 41.0, Longitude: 29.0, Timestamp: now}

	_, err := store.Update(ctx, "ghost", "conn1", loc, -1, now)
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, _, err = store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)

	_, err = store.Update(ctx, "c1", "other-conn", loc, -1, now)
	assert.ErrorIs(t, err, ErrNotOwner)

	got, err := store.Update(ctx, "c1", "conn1", loc, 80, now.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, got.Location)
	assert.Equal(t, 41.0, got.Location.Latitude)
	assert.Equal(t, 80, got.Battery)

	// negative battery keeps the previous level
	got, err = store.Update(ctx, "c1", "conn1", loc, -1, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 80, got.Battery)
}

func TestUpdateRejectedDuringGrace(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)
	_, err = store.Downgrade(ctx, "c1", "conn1", now)
	require.NoError(t, err)

	// a late write from the disconnected connection must not resurrect
	_, err = store.Update(ctx, "c1", "conn1", Location{Latitude: 1, Longitude: 2, Timestamp: now}, -1, now)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestDowngradeOwnershipAndIdempotence(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)

	_, err = store.Downgrade(ctx, "c1", "stale-conn", now)
	assert.ErrorIs(t, err, ErrNotOwner)

	first, err := store.Downgrade(ctx, "c1", "conn1", now)
	require.NoError(t, err)
	assert.True(t, first.InGrace())

	// a second downgrade keeps the original grace start
	second, err := store.Downgrade(ctx, "c1", "conn1", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.GraceSince.Unix(), second.GraceSince.Unix())
}

func TestGraceResume(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()
	loc := Location{Latitude: 41.0, Longitude: 29.0, Timestamp: now}

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)
	_, err = store.Update(ctx, "c1", "conn1", loc, 90, now)
	require.NoError(t, err)
	_, err = store.Downgrade(ctx, "c1", "conn1", now)
	require.NoError(t, err)

	// reconnect inside the grace window resumes silently
	sess := newSession("c1", "b1", "conn2", now.Add(10*time.Second))
	prev, resumed, err := store.Connect(ctx, sess)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.True(t, resumed)

	// the resumed session keeps the last known position and is active
	got, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, got.InGrace())
	require.NotNil(t, got.Location)
	assert.Equal(t, 41.0, got.Location.Latitude)

	snap, err := store.Snapshot(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestReconnectAfterGraceExpiry(t *testing.T) {
	store := NewMemoryStore(testOpts())
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)
	_, err = store.Downgrade(ctx, "c1", "conn1", now)
	require.NoError(t, err)

	_, resumed, err := store.Connect(ctx, newSession("c1", "b1", "conn2", now.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestExpire(t *testing.T) {
	opts := testOpts()
	store := NewMemoryStore(opts)
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("stale", "b1", "conn1", now.Add(-3*time.Minute)))
	require.NoError(t, err)
	_, _, err = store.Connect(ctx, newSession("fresh", "b1", "conn2", now))
	require.NoError(t, err)
	_, _, err = store.Connect(ctx, newSession("graced", "b1", "conn3", now))
	require.NoError(t, err)
	_, err = store.Downgrade(ctx, "graced", "conn3", now.Add(-time.Minute))
	require.NoError(t, err)

	evicted, err := store.Expire(ctx, now)
	require.NoError(t, err)
	require.Len(t, evicted, 2)

	names := map[string]bool{}
	for _, s := range evicted {
		names[s.CourierID] = true
	}
	assert.True(t, names["stale"])
	assert.True(t, names["graced"])

	snap, err := store.Snapshot(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "fresh", snap[0].CourierID)

	// a second pass is a no-op
	again, err := store.Expire(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBranchCap(t *testing.T) {
	opts := testOpts()
	opts.MaxPerBranch = 2
	store := NewMemoryStore(opts)
	now := time.Now()
	ctx := context.Background()

	_, _, err := store.Connect(ctx, newSession("c1", "b1", "conn1", now))
	require.NoError(t, err)
	_, _, err = store.Connect(ctx, newSession("c2", "b1", "conn2", now))
	require.NoError(t, err)

	_, _, err = store.Connect(ctx, newSession("c3", "b1", "conn3", now))
	assert.ErrorIs(t, err, ErrBranchFull)

	// a reconnect of an existing courier is not a new branch member
	_, _, err = store.Connect(ctx, newSession("c1", "b1", "conn4", now))
	assert.NoError(t, err)
}
