package registry

import (
	"log/slog"
	"sync"
)

// Socket is the minimal transport surface the registry needs. The ws client
// satisfies it in production; tests use an in-memory double.
type Socket interface {
	Send(payload []byte) error
	Close()
}

// member is one live (room, user) binding. The username rides along so
// teardown paths that only have the socket can still produce the same
// user-facing messages as a normal leave.
type member struct {
	sock     Socket
	username string
}

// FailedSend identifies a socket whose delivery failed, so the caller can
// tear down exactly that socket rather than whatever currently owns the slot.
type FailedSend struct {
	UserID   string
	Username string
	Sock     Socket
}

// Registry is the process-local table of live sockets. All mutation goes
// through one mutex; nothing outside this process ever touches it, so no
// distributed coordination is involved here.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]map[string]member // room id -> user id -> member
	userRooms map[string]map[string]bool   // user id -> set of room ids
}

func New() *Registry {
	return &Registry{
		rooms:     make(map[string]map[string]member),
		userRooms: make(map[string]map[string]bool),
	}
}

// Register binds a socket to (room, user), overwriting any prior binding for
// the same pair (last tab wins). The prior socket, if any, is returned so the
// caller can close it and avoid duplicate delivery. The second return is true
// when this registration created the room.
func (r *Registry) Register(roomID, userID, username string, sock Socket) (prior Socket, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]member)
		r.rooms[roomID] = members
		first = true
	}
	if existing, ok := members[userID]; ok {
		prior = existing.sock
	}
	members[userID] = member{sock: sock, username: username}

	if r.userRooms[userID] == nil {
		r.userRooms[userID] = make(map[string]bool)
	}
	r.userRooms[userID][roomID] = true

	return prior, first
}

// Unregister removes (room, user) if sock still owns the slot and returns the
// room's remaining local member count. A reconnect that already overwrote the
// slot is left alone, so a stale disconnect never evicts its replacement.
func (r *Registry) Unregister(roomID, userID string, sock Socket) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	if current, ok := members[userID]; !ok || (sock != nil && current.sock != sock) {
		return len(members), false
	}

	delete(members, userID)
	if set := r.userRooms[userID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.userRooms, userID)
		}
	}
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return 0, true
	}
	return len(members), true
}

// DeliverLocal sends payload to every local socket in the room except
// excludeUser. A failed send never aborts delivery to the rest; the failed
// members are returned, socket included, so the caller can treat them as
// implicit disconnects without evicting a replacement that raced in while
// the sends were running outside the lock.
func (r *Registry) DeliverLocal(roomID string, payload []byte, excludeUser string) (sent int, failed []FailedSend) {
	r.mu.Lock()
	targets := make(map[string]member, len(r.rooms[roomID]))
	for userID, m := range r.rooms[roomID] {
		if userID != excludeUser {
			targets[userID] = m
		}
	}
	r.mu.Unlock()

	for userID, m := range targets {
		if err := m.sock.Send(payload); err != nil {
			slog.Warn("[REGISTRY] Send failed, treating as disconnect", "room", roomID, "user", userID, "error", err)
			failed = append(failed, FailedSend{UserID: userID, Username: m.username, Sock: m.sock})
			continue
		}
		sent++
	}
	return sent, failed
}

// DeliverToUser sends payload to the user's socket in each room they are
// locally connected to. Returns the rooms where a send failed.
func (r *Registry) DeliverToUser(userID string, payload []byte) (sent int, failedRooms []string) {
	r.mu.Lock()
	targets := make(map[string]Socket)
	for roomID := range r.userRooms[userID] {
		if m, ok := r.rooms[roomID][userID]; ok {
			targets[roomID] = m.sock
		}
	}
	r.mu.Unlock()

	for roomID, sock := range targets {
		if err := sock.Send(payload); err != nil {
			slog.Warn("[REGISTRY] Direct send failed", "room", roomID, "user", userID, "error", err)
			failedRooms = append(failedRooms, roomID)
			continue
		}
		sent++
	}
	return sent, failedRooms
}

// RoomsForUser returns the rooms the user is locally connected to.
func (r *Registry) RoomsForUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.userRooms[userID]))
	for roomID := range r.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Rooms returns every room with at least one local member.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Users returns the local members of a room.
func (r *Registry) Users(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.rooms[roomID]))
	for userID := range r.rooms[roomID] {
		users = append(users, userID)
	}
	return users
}

// Count returns the number of local members in a room.
func (r *Registry) Count(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

// Lookup returns the socket currently bound to (room, user).
func (r *Registry) Lookup(roomID, userID string) (Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rooms[roomID][userID]
	if !ok {
		return nil, false
	}
	return m.sock, true
}
