package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 300 * time.Second

// setupTestRedis creates a miniredis instance and a redis client for testing
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestJoinAndList(t *testing.T) {
	_, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	require.NoError(t, tr.Join(ctx, "room-1", "u2"))

	users, err := tr.List(ctx, "room-1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func TestListEmptyRoom(t *testing.T) {
	_, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)

	users, err := tr.List(context.Background(), "nobody-here")
	assert.NoError(t, err)
	assert.Empty(t, users)
}

func TestLeave(t *testing.T) {
	_, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	require.NoError(t, tr.Leave(ctx, "room-1", "u1"))

	users, err := tr.List(ctx, "room-1")
	assert.NoError(t, err)
	assert.Empty(t, users)
}

func TestExpiredMemberHiddenBeforeReconcile(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	mr.FastForward(testTTL + time.Second)

	// Marker expired but the membership set entry still physically exists;
	// List must already treat the member as gone.
	users, err := tr.List(ctx, "room-1")
	assert.NoError(t, err)
	assert.Empty(t, users)
	assert.True(t, mr.Exists("presence:room-1"))
}

func TestMemberVisibleUntilTTL(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	mr.FastForward(testTTL - time.Second)

	users, err := tr.List(ctx, "room-1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestRenewKeepsMemberAlive(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	mr.FastForward(testTTL / 2)
	require.NoError(t, tr.Renew(ctx, "room-1", "u1"))
	mr.FastForward(testTTL - time.Second)

	users, err := tr.List(ctx, "room-1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users, "a renewed member must never expire before a fresh TTL")
}

func TestReconcileRemovesExpired(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	require.NoError(t, tr.Join(ctx, "room-1", "u2"))
	mr.FastForward(testTTL / 2)
	require.NoError(t, tr.Renew(ctx, "room-1", "u2"))
	mr.FastForward(testTTL/2 + time.Second)

	require.NoError(t, tr.Reconcile(ctx, "room-1"))

	members, err := rdb.SMembers(ctx, "presence:room-1").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members, "only the expired member may be reconciled away")
}

func TestReconcileLosesToConcurrentRenewal(t *testing.T) {
	_, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	// Member whose marker is present at reconcile time: the conditional
	// delete must leave it alone even though nothing else changed.
	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	require.NoError(t, tr.Reconcile(ctx, "room-1"))

	users, err := tr.List(ctx, "room-1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestScanRoomsSkipsMarkerKeys(t *testing.T) {
	_, rdb := setupTestRedis(t)
	tr := NewTracker(rdb, testTTL)
	ctx := context.Background()

	require.NoError(t, tr.Join(ctx, "room-1", "u1"))
	require.NoError(t, tr.Join(ctx, "room-2", "u2"))

	rooms, err := tr.scanRooms(ctx)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"room-1", "room-2"}, rooms)
}
