package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	roomPrefix = "room:"
	userPrefix = "user:"

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// RoomChannel names the broker channel for room-wide fan-out.
func RoomChannel(roomID string) string { return roomPrefix + roomID }

// UserChannel names the broker channel for direct-to-user delivery.
func UserChannel(userID string) string { return userPrefix + userID }

// ParseChannel splits a channel name into its kind prefix and id.
func ParseChannel(channel string) (kind, id string) {
	if strings.HasPrefix(channel, roomPrefix) {
		return "room", channel[len(roomPrefix):]
	}
	if strings.HasPrefix(channel, userPrefix) {
		return "user", channel[len(userPrefix):]
	}
	return "", channel
}

// Handler receives every message the bridge pulls off the broker, on the
// listener goroutine. Local delivery happens synchronously inside it, which
// is what preserves per-channel order end to end.
type Handler func(channel string, payload []byte)

// Bridge is a thin wrapper over Redis pub/sub. It is explicitly constructed
// and injected; there is no package-level client. The bridge remembers which
// channels the process subscribed to so it can re-issue every subscription
// after a broker reconnect, since broker-side subscriptions do not survive one.
type Bridge struct {
	rdb     *redis.Client
	handler Handler

	mu       sync.Mutex
	channels map[string]bool
	pubsub   *redis.PubSub
}

func NewBridge(rdb *redis.Client, handler Handler) *Bridge {
	return &Bridge{
		rdb:      rdb,
		handler:  handler,
		channels: make(map[string]bool),
	}
}

// Publish sends an encoded envelope to a channel and returns the number of
// broker-side subscribers that received it. Callers must treat an error as
// degraded mode, not a delivery failure: local fan-out has already happened
// or will still happen.
func (b *Bridge) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return b.rdb.Publish(ctx, channel, payload).Result()
}

// Subscribe registers interest in a channel. Idempotent.
func (b *Bridge) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.channels[channel] {
		return nil
	}
	b.channels[channel] = true
	if b.pubsub != nil {
		if err := b.pubsub.Subscribe(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe drops interest in a channel. Messages that race in before the
// broker processes this are delivered to a room with no local members and
// dropped there; that lag is expected.
func (b *Bridge) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.channels[channel] {
		return nil
	}
	delete(b.channels, channel)
	if b.pubsub != nil {
		if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
			return err
		}
	}
	return nil
}

// Run is the process's single long-lived listener. It restarts the broker
// stream with doubling backoff whenever it ends, re-subscribing every channel
// that still has local interest. A stream that actually carried traffic was
// healthy, so its failure restarts the ladder at the minimum instead of
// paying the previous incident's penalty. Run returns only when ctx is
// cancelled, and quietly: listener shutdown must not propagate into the
// shutdown path.
func (b *Bridge) Run(ctx context.Context) {
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		delivered, err := b.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, delivered)
		if err != nil {
			slog.Warn("[BROKER] Listener stream ended, retrying", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// nextBackoff computes the wait before the next listen attempt: reset to the
// minimum after a stream that delivered anything, otherwise double up to the
// cap.
func nextBackoff(current time.Duration, delivered bool) time.Duration {
	if delivered || current == 0 {
		return minBackoff
	}
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func (b *Bridge) listenOnce(ctx context.Context) (delivered bool, err error) {
	b.mu.Lock()
	pubsub := b.rdb.Subscribe(ctx)
	b.pubsub = pubsub
	tracked := make([]string, 0, len(b.channels))
	for channel := range b.channels {
		tracked = append(tracked, channel)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.pubsub = nil
		b.mu.Unlock()
		pubsub.Close()
	}()

	if len(tracked) > 0 {
		if err := pubsub.Subscribe(ctx, tracked...); err != nil {
			return false, err
		}
		slog.Info("[BROKER] Subscriptions restored", "channels", len(tracked))
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case msg, ok := <-ch:
			if !ok {
				return delivered, redis.ErrClosed
			}
			delivered = true
			b.handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close tears the listener stream down; Run exits on its next receive.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
