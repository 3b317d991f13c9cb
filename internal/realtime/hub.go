// Package realtime implements the room-based push notifier. Delivery is
// best-effort and at-most-once per connection; correctness always lives in
// the database and clients reconcile from a fresh read on reconnect.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Room name builders. Rooms are plain strings so a bridge can carry them
// across instances.
func UserRoom(userID int64) string          { return fmt.Sprintf("user_%d", userID) }
func TechnicianRoom(techID int64) string    { return fmt.Sprintf("technician_%d", techID) }
func RequestRoom(requestID int64) string    { return fmt.Sprintf("request_%d", requestID) }

// Event names pushed by the core.
const (
	EventJobOffer           = "job_offer"
	EventJobAssigned        = "job_assigned"
	EventJobAssignedNS      = "job:assigned"
	EventJobRevoked         = "job:revoked"
	EventJobStatusUpdate    = "job:status_update"
	EventJobListUpdate      = "job:list_update"
	EventPaymentCompleted   = "payment_completed"
	EventAdminPaymentUpdate = "admin:payment_update"
	EventLocationUpdate     = "location_update"
	EventTechLocationUpdate = "technician:location_update"
	EventTechStatusUpdate   = "technician:status_update"
)

// Envelope is the wire frame delivered to subscribers.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// subscriber is anything that can receive a marshaled frame without
// blocking. A subscriber that cannot keep up is dropped silently.
type subscriber interface {
	deliver(frame []byte) bool
	closeSlow()
}

// Bridge fans events out to sibling instances. Publish must not block the
// caller for long; the redis implementation hands off to a goroutine.
type Bridge interface {
	Publish(room string, frame []byte)
}

// Hub tracks room membership and routes events. Concurrent sends to the
// same room are permitted.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[subscriber]struct{}

	bridge Bridge
	log    zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[subscriber]struct{}),
		log:   log.With().Str("component", "realtime").Logger(),
	}
}

// SetBridge attaches a cross-instance fan-out bridge.
func (h *Hub) SetBridge(b Bridge) { h.bridge = b }

func (h *Hub) join(sub subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[subscriber]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
}

func (h *Hub) leave(sub subscriber, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) leaveAll(sub subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomSize reports current membership, used by tests and the admin surface.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit delivers an event to one room and mirrors it over the bridge.
func (h *Hub) Emit(room, event string, payload interface{}) {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshal push event")
		return
	}
	h.emitFrame(room, frame)
	if h.bridge != nil {
		h.bridge.Publish(room, frame)
	}
}

// EmitLocal delivers a pre-marshaled frame to local subscribers only. The
// bridge uses this for frames arriving from sibling instances.
func (h *Hub) EmitLocal(room string, frame []byte) {
	h.emitFrame(room, frame)
}

func (h *Hub) emitFrame(room string, frame []byte) {
	h.mu.RLock()
	var slow []subscriber
	for sub := range h.rooms[room] {
		if !sub.deliver(frame) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	// Subscribers that cannot keep up are disconnected rather than blocked on.
	for _, sub := range slow {
		h.leaveAll(sub)
		sub.closeSlow()
	}
}

// Broadcast delivers an event to every connection (admin dashboards).
func (h *Hub) Broadcast(event string, payload interface{}) {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("marshal broadcast")
		return
	}

	h.mu.RLock()
	seen := make(map[subscriber]struct{})
	var slow []subscriber
	for _, members := range h.rooms {
		for sub := range members {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			if !sub.deliver(frame) {
				slow = append(slow, sub)
			}
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.leaveAll(sub)
		sub.closeSlow()
	}
}

// NotifyUser pushes to the user's room; if the payload names a requestId the
// request watchers get the same event.
func (h *Hub) NotifyUser(userID int64, event string, payload interface{}) {
	h.Emit(UserRoom(userID), event, payload)
	if requestID, ok := payloadRequestID(payload); ok {
		h.Emit(RequestRoom(requestID), event, payload)
	}
}

// NotifyTechnician pushes to the technician's room.
func (h *Hub) NotifyTechnician(techID int64, event string, payload interface{}) {
	h.Emit(TechnicianRoom(techID), event, payload)
}

// NotifyRequest pushes to the request watchers' room.
func (h *Hub) NotifyRequest(requestID int64, event string, payload interface{}) {
	h.Emit(RequestRoom(requestID), event, payload)
}

func payloadRequestID(payload interface{}) (int64, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := m["requestId"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
