package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"attendguard/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxBacklog     = 100
	clientSendSize = 64
)

// InAppMessage is the frame pushed to websocket clients.
type InAppMessage struct {
	Type      string            `json:"type"`
	MessageID string            `json:"message_id"`
	Priority  model.Priority    `json:"priority"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	AlertID   string            `json:"alert_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Hub is the in-app channel. Connected recipients get frames immediately;
// offline recipients get them on their next connect.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*hubClient]struct{}
	backlog map[string][][]byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*hubClient]struct{}),
		backlog: make(map[string][][]byte),
	}
}

// Send implements Sender for the in-app channel.
func (h *Hub) Send(_ context.Context, _ Contact, recipientID string, m model.Message) error {
	payload, err := encodeInApp(m)
	if err != nil {
		return err
	}
	h.deliver(recipientID, payload)
	return nil
}

func encodeInApp(m model.Message) ([]byte, error) {
	return json.Marshal(InAppMessage{
		Type:      "notification",
		MessageID: m.ID,
		Priority:  m.Priority,
		Subject:   m.Subject,
		Body:      m.Body,
		Data:      m.Data,
		AlertID:   m.AlertID,
		CreatedAt: m.CreatedAt,
	})
}

// deliver pushes an encoded frame to live clients, or backlogs it.
func (h *Hub) deliver(recipientID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := false
	for c := range h.clients[recipientID] {
		select {
		case c.send <- payload:
			delivered = true
		default:
			h.dropLocked(c)
		}
	}
	if !delivered {
		q := append(h.backlog[recipientID], payload)
		if len(q) > maxBacklog {
			q = q[len(q)-maxBacklog:]
		}
		h.backlog[recipientID] = q
	}
}

// Pending returns the number of frames waiting for an offline recipient.
func (h *Hub) Pending(recipientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.backlog[recipientID])
}

// ServeWS upgrades the request and streams frames for recipientID until the
// connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, recipientID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &hubClient{hub: h, conn: conn, send: make(chan []byte, clientSendSize+maxBacklog), recipientID: recipientID}
	h.register(c)
	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.recipientID]
	if !ok {
		set = make(map[*hubClient]struct{})
		h.clients[c.recipientID] = set
	}
	set[c] = struct{}{}
	for _, payload := range h.backlog[c.recipientID] {
		c.send <- payload
	}
	delete(h.backlog, c.recipientID)
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *hubClient) {
	set, ok := h.clients[c.recipientID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.recipientID)
	}
	close(c.send)
}

type hubClient struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	recipientID string
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
