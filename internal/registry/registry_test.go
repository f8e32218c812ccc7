package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSocket struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
}

func (s *fakeSocket) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.msgs = append(s.msgs, payload)
	return nil
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSocket) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// hookSocket runs a callback before each send, to stage interleavings that
// happen while deliveries are in flight.
type hookSocket struct {
	fakeSocket
	beforeSend func()
}

func (s *hookSocket) Send(payload []byte) error {
	if s.beforeSend != nil {
		s.beforeSend()
	}
	return s.fakeSocket.Send(payload)
}

func TestRegisterFirstMember(t *testing.T) {
	r := New()

	prior, first := r.Register("room-1", "u1", "u1", &fakeSocket{})

	assert.Nil(t, prior)
	assert.True(t, first)
	assert.Equal(t, 1, r.Count("room-1"))
}

func TestRegisterReplacesDuplicate(t *testing.T) {
	r := New()
	sock1 := &fakeSocket{}
	sock2 := &fakeSocket{}

	r.Register("room-1", "u1", "u1", sock1)
	prior, first := r.Register("room-1", "u1", "u1", sock2)

	assert.Same(t, sock1, prior)
	assert.False(t, first)
	assert.Equal(t, 1, r.Count("room-1"), "replacement must not duplicate the entry")

	current, ok := r.Lookup("room-1", "u1")
	assert.True(t, ok)
	assert.Same(t, sock2, current)
}

func TestUnregisterLastMemberRemovesRoom(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.Register("room-1", "u1", "u1", sock)

	remaining, removed := r.Unregister("room-1", "u1", sock)

	assert.True(t, removed)
	assert.Equal(t, 0, remaining)
	assert.Empty(t, r.Rooms())
	assert.Empty(t, r.RoomsForUser("u1"))
}

func TestUnregisterStaleSocketIsNoop(t *testing.T) {
	r := New()
	sock1 := &fakeSocket{}
	sock2 := &fakeSocket{}
	r.Register("room-1", "u1", "u1", sock1)
	r.Register("room-1", "u1", "u1", sock2)

	// The old tab's teardown races in after the reconnect replaced it.
	_, removed := r.Unregister("room-1", "u1", sock1)

	assert.False(t, removed)
	current, ok := r.Lookup("room-1", "u1")
	assert.True(t, ok)
	assert.Same(t, sock2, current)
}

func TestDeliverLocalExcludesSender(t *testing.T) {
	r := New()
	socks := map[string]*fakeSocket{}
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		socks[u] = &fakeSocket{}
		r.Register("room-1", u, u, socks[u])
	}

	sent, failed := r.DeliverLocal("room-1", []byte("hello"), "u2")

	assert.Equal(t, 3, sent)
	assert.Empty(t, failed)
	assert.Equal(t, 0, socks["u2"].count())
	for _, u := range []string{"u1", "u3", "u4"} {
		assert.Equal(t, 1, socks[u].count(), u)
	}
}

func TestDeliverLocalContinuesPastFailures(t *testing.T) {
	r := New()
	good := &fakeSocket{}
	bad := &fakeSocket{fail: true}
	r.Register("room-1", "good", "Grace", good)
	r.Register("room-1", "bad", "Betty", bad)

	sent, failed := r.DeliverLocal("room-1", []byte("hello"), "")

	assert.Equal(t, 1, sent)
	assert.Equal(t, []FailedSend{{UserID: "bad", Username: "Betty", Sock: bad}}, failed)
	assert.Equal(t, 1, good.count(), "failure on one socket must not abort the rest")
}

func TestDeliverLocalReportsFailedSocketNotCurrent(t *testing.T) {
	r := New()
	replacement := &fakeSocket{}
	old := &hookSocket{fakeSocket: fakeSocket{fail: true}}
	// The reconnect lands while the send to the old socket is in flight;
	// DeliverLocal runs its sends outside the lock, so this is reachable.
	old.beforeSend = func() { r.Register("room-1", "u1", "u1", replacement) }
	r.Register("room-1", "u1", "u1", old)

	_, failed := r.DeliverLocal("room-1", []byte("hello"), "")

	if assert.Len(t, failed, 1) {
		assert.Same(t, Socket(old), failed[0].Sock,
			"the failure must name the socket that failed, not the slot's current owner")
	}

	// Tearing down the failed socket must leave the replacement alone.
	_, removed := r.Unregister("room-1", "u1", failed[0].Sock)
	assert.False(t, removed)
	assert.Equal(t, 1, r.Count("room-1"))
}

func TestDeliverToUser(t *testing.T) {
	r := New()
	sock1 := &fakeSocket{}
	sock2 := &fakeSocket{}
	r.Register("room-1", "u1", "u1", sock1)
	r.Register("room-2", "u1", "u1", sock2)
	r.Register("room-1", "u2", "u2", &fakeSocket{})

	sent, failedRooms := r.DeliverToUser("u1", []byte("ping"))

	assert.Equal(t, 2, sent)
	assert.Empty(t, failedRooms)
	assert.Equal(t, 1, sock1.count())
	assert.Equal(t, 1, sock2.count())
}

func TestRoomsForUser(t *testing.T) {
	r := New()
	r.Register("room-1", "u1", "u1", &fakeSocket{})
	r.Register("room-2", "u1", "u1", &fakeSocket{})

	rooms := r.RoomsForUser("u1")

	assert.ElementsMatch(t, []string{"room-1", "room-2"}, rooms)
}

func TestUsers(t *testing.T) {
	r := New()
	r.Register("room-1", "u1", "u1", &fakeSocket{})
	r.Register("room-1", "u2", "u2", &fakeSocket{})

	assert.ElementsMatch(t, []string{"u1", "u2"}, r.Users("room-1"))
	assert.Empty(t, r.Users("room-9"))
}
