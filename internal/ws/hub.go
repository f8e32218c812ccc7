package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"teamspace-ws/internal/broker"
	"teamspace-ws/internal/cursor"
	"teamspace-ws/internal/metrics"
	"teamspace-ws/internal/models"
	"teamspace-ws/internal/presence"
	"teamspace-ws/internal/registry"
)

// Hub orchestrates the fan-out path: local delivery through the registry,
// remote delivery through the broker bridge, presence and cursor state on the
// side. Rooms have no explicit state object; a room is "active" exactly while
// the registry holds at least one local socket for it, and the first/last
// register drives the broker subscription.
type Hub struct {
	id       string // this process's origin id, stamped on every publish
	registry *registry.Registry
	bridge   *broker.Bridge
	presence *presence.Tracker
	cursors  *cursor.Synchronizer

	// connMu serializes Connect/Disconnect orchestration. Without it, two
	// concurrent handshakes can interleave their registrations and join
	// broadcasts, and a dialer ends up receiving a join for a member that
	// connected before it did.
	connMu sync.Mutex
}

func NewHub(reg *registry.Registry, bridge *broker.Bridge, tracker *presence.Tracker, cursors *cursor.Synchronizer) *Hub {
	return &Hub{
		id:       uuid.New().String(),
		registry: reg,
		bridge:   bridge,
		presence: tracker,
		cursors:  cursors,
	}
}

// Connect registers a socket under (room, user), wiring up everything a live
// member needs: the broker subscription on the room's first local member,
// the presence record, and the join broadcast to everyone else. A reconnect
// that replaces a prior socket renews presence quietly, with no join echo.
func (h *Hub) Connect(ctx context.Context, roomID, userID, username string, sock registry.Socket) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	prior, first := h.registry.Register(roomID, userID, username, sock)
	if prior != nil {
		slog.Info("[HUB] Replacing prior socket", "room", roomID, "user", userID)
		prior.Close()
	} else {
		// A replacement occupies the same (room, user) slot; the gauge
		// tracks slots, and the stale teardown's no-op never decrements.
		metrics.OpenConnections.Inc()
	}
	metrics.ActiveRooms.Set(float64(len(h.registry.Rooms())))

	if first {
		if err := h.bridge.Subscribe(ctx, broker.RoomChannel(roomID)); err != nil {
			slog.Warn("[HUB] Room subscribe failed, remote events delayed until listener restart", "room", roomID, "error", err)
		}
	}

	// The user's direct channel follows their first/last local socket the
	// same way the room channel follows the room's.
	if err := h.bridge.Subscribe(ctx, broker.UserChannel(userID)); err != nil {
		slog.Warn("[HUB] User subscribe failed", "user", userID, "error", err)
	}

	if err := h.presence.Join(ctx, roomID, userID); err != nil {
		slog.Warn("[HUB] Presence join failed", "room", roomID, "user", userID, "error", err)
	}

	if prior == nil {
		h.BroadcastRoom(ctx, &models.Envelope{
			Type:          models.TypeSystem,
			RoomID:        roomID,
			UserID:        userID,
			Message:       fmt.Sprintf("%s joined", username),
			ExcludeSender: true,
		})
	}

	slog.Info("[HUB] Client connected", "room", roomID, "user", userID, "local_members", h.registry.Count(roomID))
}

// Disconnect is the guaranteed-cleanup path for a dead socket. It is a no-op
// if sock no longer owns the (room, user) slot, so the teardown of a replaced
// tab never evicts its replacement. The room's last local member triggers the
// broker unsubscription.
func (h *Hub) Disconnect(ctx context.Context, roomID, userID, username string, sock registry.Socket) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	remaining, removed := h.registry.Unregister(roomID, userID, sock)
	if !removed {
		return
	}
	metrics.OpenConnections.Dec()
	metrics.ActiveRooms.Set(float64(len(h.registry.Rooms())))

	if err := h.presence.Leave(ctx, roomID, userID); err != nil {
		slog.Warn("[HUB] Presence leave failed", "room", roomID, "user", userID, "error", err)
	}

	h.BroadcastRoom(ctx, &models.Envelope{
		Type:          models.TypeSystem,
		RoomID:        roomID,
		UserID:        userID,
		Message:       fmt.Sprintf("%s left", username),
		ExcludeSender: true,
	})

	if remaining == 0 {
		if err := h.bridge.Unsubscribe(ctx, broker.RoomChannel(roomID)); err != nil {
			slog.Warn("[HUB] Room unsubscribe failed", "room", roomID, "error", err)
		}
	}
	if len(h.registry.RoomsForUser(userID)) == 0 {
		if err := h.bridge.Unsubscribe(ctx, broker.UserChannel(userID)); err != nil {
			slog.Warn("[HUB] User unsubscribe failed", "user", userID, "error", err)
		}
	}

	slog.Info("[HUB] Client disconnected", "room", roomID, "user", userID, "local_members", remaining)
}

// RenewPresence refreshes the liveness marker; called on client heartbeats.
func (h *Hub) RenewPresence(ctx context.Context, roomID, userID string) {
	if err := h.presence.Renew(ctx, roomID, userID); err != nil {
		slog.Warn("[HUB] Presence renew failed", "room", roomID, "user", userID, "error", err)
	}
}

// BroadcastRoom fans an envelope out to the room: local sockets first, then
// the broker so sibling processes deliver to theirs. A broker failure leaves
// the broadcast in local-only degraded mode, logged, never raised.
func (h *Hub) BroadcastRoom(ctx context.Context, env *models.Envelope) {
	if err := env.Validate(); err != nil {
		slog.Warn("[HUB] Dropping invalid envelope", "room", env.RoomID, "error", err)
		metrics.EnvelopesDropped.WithLabelValues("invalid").Inc()
		return
	}
	env.Origin = h.id

	payload, err := env.Encode()
	if err != nil {
		slog.Error("[HUB] Envelope encode failed", "room", env.RoomID, "error", err)
		return
	}

	exclude := ""
	if env.ExcludeSender {
		exclude = env.UserID
	}
	sent, failed := h.registry.DeliverLocal(env.RoomID, payload, exclude)
	metrics.EnvelopesDelivered.WithLabelValues(string(env.Type)).Add(float64(sent))
	h.dropFailed(ctx, env.RoomID, failed)

	if _, err := h.bridge.Publish(ctx, broker.RoomChannel(env.RoomID), payload); err != nil {
		slog.Warn("[HUB] Publish failed, delivered locally only", "room", env.RoomID, "type", env.Type, "error", err)
		return
	}
	metrics.EnvelopesPublished.WithLabelValues("room").Inc()
}

// SendToUser delivers an envelope directly to one user wherever they are
// connected: this process's sockets synchronously, every other process via
// the user channel. The origin stamp keeps our own publish from coming back
// as a duplicate.
func (h *Hub) SendToUser(ctx context.Context, userID string, env *models.Envelope) {
	if err := env.Validate(); err != nil {
		slog.Warn("[HUB] Dropping invalid direct envelope", "user", userID, "error", err)
		metrics.EnvelopesDropped.WithLabelValues("invalid").Inc()
		return
	}
	env.Origin = h.id

	payload, err := env.Encode()
	if err != nil {
		slog.Error("[HUB] Envelope encode failed", "user", userID, "error", err)
		return
	}

	sent, _ := h.registry.DeliverToUser(userID, payload)
	metrics.EnvelopesDelivered.WithLabelValues(string(env.Type)).Add(float64(sent))

	if _, err := h.bridge.Publish(ctx, broker.UserChannel(userID), payload); err != nil {
		slog.Warn("[HUB] Direct publish failed", "user", userID, "error", err)
		return
	}
	metrics.EnvelopesPublished.WithLabelValues("user").Inc()
}

// HandleBrokerMessage is the bridge handler: it re-delivers envelopes
// published by sibling processes to this process's local sockets. It runs on
// the listener goroutine, synchronously, which preserves per-channel order.
func (h *Hub) HandleBrokerMessage(channel string, payload []byte) {
	env, err := models.Decode(payload)
	if err != nil {
		slog.Warn("[HUB] Dropping malformed broker message", "channel", channel, "error", err)
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if env.Origin == h.id {
		// Our own publish; local delivery already happened.
		return
	}

	ctx := context.Background()
	kind, id := broker.ParseChannel(channel)
	switch kind {
	case "room":
		if h.registry.Count(id) == 0 {
			// Unsubscription lags membership loss; expected, not an error.
			metrics.EnvelopesDropped.WithLabelValues("no_members").Inc()
			return
		}
		exclude := ""
		if env.ExcludeSender {
			exclude = env.UserID
		}
		sent, failed := h.registry.DeliverLocal(id, payload, exclude)
		metrics.EnvelopesDelivered.WithLabelValues(string(env.Type)).Add(float64(sent))
		h.dropFailed(ctx, id, failed)

	case "user":
		sent, _ := h.registry.DeliverToUser(id, payload)
		metrics.EnvelopesDelivered.WithLabelValues(string(env.Type)).Add(float64(sent))

	default:
		slog.Warn("[HUB] Message on unrecognized channel", "channel", channel)
	}
}

// UpdateCursor records a cursor move in the TTL store before it is broadcast.
func (h *Hub) UpdateCursor(ctx context.Context, documentID, userID string, page int, x, y float64) {
	if err := h.cursors.Update(ctx, documentID, userID, page, x, y); err != nil {
		slog.Warn("[HUB] Cursor store failed", "document", documentID, "user", userID, "error", err)
	}
}

// ClearCursor removes a cursor eagerly on disconnect instead of waiting out
// the TTL.
func (h *Hub) ClearCursor(ctx context.Context, documentID, userID string) {
	if err := h.cursors.Clear(ctx, documentID, userID); err != nil {
		slog.Warn("[HUB] Cursor clear failed", "document", documentID, "user", userID, "error", err)
	}
}

// Presence lists the TTL-filtered member set of a room.
func (h *Hub) Presence(ctx context.Context, roomID string) ([]string, error) {
	return h.presence.List(ctx, roomID)
}

// Cursors snapshots every active cursor on a document.
func (h *Hub) Cursors(ctx context.Context, documentID string) (map[string]cursor.Position, error) {
	return h.cursors.Snapshot(ctx, documentID)
}

// dropFailed turns send failures into implicit disconnects: close the failed
// socket and run the normal teardown so presence and membership never leak.
// The teardown targets the exact socket that failed; if a reconnect replaced
// it while the broadcast was in flight, Disconnect no-ops and the replacement
// stays. It runs asynchronously because broadcasts from inside
// Connect/Disconnect already hold connMu.
func (h *Hub) dropFailed(ctx context.Context, roomID string, failed []registry.FailedSend) {
	for _, f := range failed {
		f := f
		go func() {
			h.Disconnect(ctx, roomID, f.UserID, f.Username, f.Sock)
			f.Sock.Close()
		}()
	}
}
