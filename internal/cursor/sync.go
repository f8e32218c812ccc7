package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// Position is the most recent cursor/viewport location one user reported for
// one document. Entries past TTL are treated as absent whether or not the
// broker has physically purged them yet.
type Position struct {
	Page      int       `json:"page"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Synchronizer stores per-(document, user) cursor positions with TTL.
// Semantics are unconditional overwrite, last write wins; rate limiting
// belongs to the caller at the socket boundary, not here.
type Synchronizer struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSynchronizer(rdb *redis.Client, ttl time.Duration) *Synchronizer {
	return &Synchronizer{rdb: rdb, ttl: ttl}
}

func key(documentID, userID string) string {
	return "cursor:" + documentID + ":" + userID
}

func (s *Synchronizer) Update(ctx context.Context, documentID, userID string, page int, x, y float64) error {
	pos := Position{Page: page, X: x, Y: y, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("cursor update %s/%s: %w", documentID, userID, err)
	}
	if err := s.rdb.Set(ctx, key(documentID, userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cursor update %s/%s: %w", documentID, userID, err)
	}
	return nil
}

// Snapshot returns every active cursor on a document, keyed by user id. A
// document nobody is pointing at yields an empty map, never an error.
func (s *Synchronizer) Snapshot(ctx context.Context, documentID string) (map[string]Position, error) {
	prefix := "cursor:" + documentID + ":"
	result := make(map[string]Position)

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cursor snapshot %s: %w", documentID, err)
		}

		for _, k := range keys {
			data, err := s.rdb.Get(ctx, k).Result()
			if err == redis.Nil {
				// Expired between SCAN and GET; absence is not an error.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("cursor snapshot %s: %w", documentID, err)
			}
			var pos Position
			if err := json.Unmarshal([]byte(data), &pos); err != nil {
				continue
			}
			result[k[len(prefix):]] = pos
		}

		cursor = next
		if cursor == 0 {
			return result, nil
		}
	}
}

// Clear removes a user's cursor on a document, used on explicit leave so
// other participants do not see a ghost cursor for up to a full TTL.
func (s *Synchronizer) Clear(ctx context.Context, documentID, userID string) error {
	if err := s.rdb.Del(ctx, key(documentID, userID)).Err(); err != nil {
		return fmt.Errorf("cursor clear %s/%s: %w", documentID, userID, err)
	}
	return nil
}
