package realtime

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSub collects delivered frames; full=false simulates a slow consumer.
type stubSub struct {
	frames  [][]byte
	full    bool
	dropped bool
}

func (s *stubSub) deliver(frame []byte) bool {
	if s.full {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *stubSub) closeSlow() { s.dropped = true }

func (s *stubSub) lastEvent(t *testing.T) Envelope {
	t.Helper()
	require.NotEmpty(t, s.frames)
	var env Envelope
	require.NoError(t, json.Unmarshal(s.frames[len(s.frames)-1], &env))
	return env
}

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func TestHub_RoomDelivery(t *testing.T) {
	hub := newTestHub()
	tech := &stubSub{}
	other := &stubSub{}
	hub.join(tech, TechnicianRoom(2))
	hub.join(other, TechnicianRoom(3))

	hub.NotifyTechnician(2, EventJobOffer, map[string]interface{}{"requestId": 1, "expiresIn": 20})

	env := tech.lastEvent(t)
	assert.Equal(t, EventJobOffer, env.Event)
	assert.Empty(t, other.frames, "events stay inside their room")
}

func TestHub_NotifyUserMirrorsToRequestRoom(t *testing.T) {
	hub := newTestHub()
	user := &stubSub{}
	watcher := &stubSub{}
	hub.join(user, UserRoom(1))
	hub.join(watcher, RequestRoom(7))

	hub.NotifyUser(1, EventJobStatusUpdate, map[string]interface{}{"requestId": 7, "status": "assigned"})

	assert.Equal(t, EventJobStatusUpdate, user.lastEvent(t).Event)
	assert.Equal(t, EventJobStatusUpdate, watcher.lastEvent(t).Event)

	// Without a requestId the request room stays quiet.
	hub.NotifyUser(1, EventJobStatusUpdate, map[string]interface{}{"status": "assigned"})
	assert.Len(t, watcher.frames, 1)
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := newTestHub()
	slow := &stubSub{full: true}
	hub.join(slow, UserRoom(1))

	hub.NotifyUser(1, EventJobStatusUpdate, map[string]interface{}{"status": "paid"})

	assert.True(t, slow.dropped, "a subscriber that cannot keep up is disconnected")
	assert.Zero(t, hub.RoomSize(UserRoom(1)))
}

func TestHub_Broadcast(t *testing.T) {
	hub := newTestHub()
	a := &stubSub{}
	b := &stubSub{}
	hub.join(a, UserRoom(1))
	hub.join(a, RequestRoom(9)) // same connection in two rooms
	hub.join(b, TechnicianRoom(2))

	hub.Broadcast(EventAdminPaymentUpdate, map[string]interface{}{"requestId": 9})

	assert.Len(t, a.frames, 1, "broadcast reaches each connection once")
	assert.Len(t, b.frames, 1)
}

func TestHub_LeaveAll(t *testing.T) {
	hub := newTestHub()
	sub := &stubSub{}
	hub.join(sub, UserRoom(1))
	hub.join(sub, RequestRoom(2))
	hub.leaveAll(sub)

	hub.NotifyUser(1, EventJobStatusUpdate, nil)
	hub.NotifyRequest(2, EventJobStatusUpdate, nil)
	assert.Empty(t, sub.frames)
}
