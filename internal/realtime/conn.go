package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// heartbeatInterval keeps NAT paths open on one-way streams.
	heartbeatInterval = 15 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = heartbeatInterval * 4
	sendBufferSize    = 64
	maxFrameSize      = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer in front of the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one websocket subscriber.
type Conn struct {
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
}

// controlFrame is the client-to-server room management message.
type controlFrame struct {
	Action string `json:"action"` // join | leave
	Room   string `json:"room"`
}

// ServeWS upgrades the HTTP request and runs the connection until it drops.
// Clients join rooms by sending {"action":"join","room":"user_1"} frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Conn{hub: h, ws: ws, send: make(chan []byte, sendBufferSize)}
	go c.writePump()
	go c.readPump()
}

// deliver enqueues a frame without blocking. A full buffer reports failure
// so the hub can drop the connection.
func (c *Conn) deliver(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) closeSlow() {
	c.ws.Close()
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.leaveAll(c)
		c.ws.Close()
		close(c.send)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Room == "" {
			continue
		}
		switch frame.Action {
		case "join":
			c.hub.join(c, frame.Room)
		case "leave":
			c.hub.leave(c, frame.Room)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
