package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// removeIfExpired drops a member from the room set only if its liveness
// marker is gone, in one atomic step. A renewal racing with reconciliation
// recreates the marker before this runs or makes the EXISTS check pass, so
// the renewal always wins. Never split this into a client-side check + SREM.
var removeIfExpired = redis.NewScript(`
if redis.call('exists', KEYS[2]) == 0 then
	return redis.call('srem', KEYS[1], ARGV[1])
end
return 0
`)

// Tracker maintains "who is online in this room" across all server processes.
// Storage model: one membership set per room plus one TTL-bound liveness
// marker per member. Membership is durable until reconciled; liveness is what
// actually answers List.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl}
}

func setKey(roomID string) string { return "presence:" + roomID }

func markerKey(roomID, userID string) string { return "presence:" + roomID + ":" + userID }

// Join adds the user to the room's membership set and stamps the liveness
// marker, pipelined so a member without a marker can exist for at most one
// reconcile cycle even if the second command is lost.
func (t *Tracker) Join(ctx context.Context, roomID, userID string) error {
	pipe := t.rdb.Pipeline()
	pipe.SAdd(ctx, setKey(roomID), userID)
	pipe.Set(ctx, markerKey(roomID, userID), "1", t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence join %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Renew refreshes the liveness marker. Also re-adds membership so a member
// reconciled away during a network blip reappears on the next heartbeat.
func (t *Tracker) Renew(ctx context.Context, roomID, userID string) error {
	return t.Join(ctx, roomID, userID)
}

// Leave removes the user explicitly: set entry and marker together.
func (t *Tracker) Leave(ctx context.Context, roomID, userID string) error {
	pipe := t.rdb.Pipeline()
	pipe.SRem(ctx, setKey(roomID), userID)
	pipe.Del(ctx, markerKey(roomID, userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence leave %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// List returns the room members whose liveness marker still exists. Members
// past TTL are invisible here even before reconciliation physically removes
// them from the set.
func (t *Tracker) List(ctx context.Context, roomID string) ([]string, error) {
	members, err := t.rdb.SMembers(ctx, setKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list %s: %w", roomID, err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	pipe := t.rdb.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, userID := range members {
		checks[i] = pipe.Exists(ctx, markerKey(roomID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence list %s: %w", roomID, err)
	}

	alive := make([]string, 0, len(members))
	for i, userID := range members {
		if checks[i].Val() > 0 {
			alive = append(alive, userID)
		}
	}
	return alive, nil
}

// Reconcile removes members whose liveness marker has expired, one atomic
// conditional delete per member.
func (t *Tracker) Reconcile(ctx context.Context, roomID string) error {
	members, err := t.rdb.SMembers(ctx, setKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("presence reconcile %s: %w", roomID, err)
	}
	for _, userID := range members {
		removed, err := removeIfExpired.Run(ctx, t.rdb,
			[]string{setKey(roomID), markerKey(roomID, userID)}, userID).Int()
		if err != nil {
			return fmt.Errorf("presence reconcile %s/%s: %w", roomID, userID, err)
		}
		if removed > 0 {
			slog.Info("[PRESENCE] Expired member reconciled", "room", roomID, "user", userID)
		}
	}
	return nil
}

// RunReconciler sweeps all presence sets on the given interval until ctx is
// cancelled. It scans broker-side keys rather than asking the local registry,
// so rooms whose only process crashed still get cleaned up.
func (t *Tracker) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms, err := t.scanRooms(ctx)
			if err != nil {
				slog.Warn("[PRESENCE] Room scan failed, skipping sweep", "error", err)
				continue
			}
			for _, roomID := range rooms {
				if err := t.Reconcile(ctx, roomID); err != nil {
					slog.Warn("[PRESENCE] Reconcile failed", "room", roomID, "error", err)
				}
			}
		}
	}
}

// scanRooms finds every presence membership set. The TYPE filter keeps the
// per-member marker keys (plain strings under the same prefix) out.
func (t *Tracker) scanRooms(ctx context.Context) ([]string, error) {
	var rooms []string
	var cursor uint64
	for {
		keys, next, err := t.rdb.ScanType(ctx, cursor, "presence:*", 100, "set").Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			rooms = append(rooms, key[len("presence:"):])
		}
		cursor = next
		if cursor == 0 {
			return rooms, nil
		}
	}
}
