// Package stream broadcasts a live agent run to websocket clients and
// accepts approval decisions and cancellation from them.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/codeagent/internal/agent"
	"github.com/haasonsaas/codeagent/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
	sendBuffer      = 256
)

// Event names sent to clients.
const (
	EventHello    = "hello"
	EventItem     = "timeline.item"
	EventChunk    = "stream.chunk"
	EventTokens   = "tokens"
	EventTasks    = "tasks"
	EventApproval = "approval.requested"
)

// Frame is the JSON envelope of every websocket message. Server events have
// Type "event"; client requests have Type "req" and get a "res" frame back.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload any             `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// Controller receives requests from clients.
type Controller interface {
	Resolve(approvalID string, approved bool) error
	Cancel()
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithController lets clients resolve approvals and cancel the run.
func WithController(c Controller) Option {
	return func(h *Hub) { h.controller = c }
}

// WithSnapshot sends the items returned by fn to each client on connect.
func WithSnapshot(fn func() []models.TimelineItem) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// Hub fans run events out to connected clients. It implements
// agent.Renderer. A client that falls behind is disconnected.
type Hub struct {
	logger     *slog.Logger
	controller Controller
	snapshot   func() []models.TimelineItem
	upgrader   websocket.Upgrader

	seq     atomic.Int64
	mu      sync.RWMutex
	clients map[*client]struct{}
}

var _ agent.Renderer = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "stream")
	return h
}

type client struct {
	hub    *Hub
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		hub:    h,
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	// Holding the lock orders the hello snapshot before any later broadcast.
	h.mu.Lock()
	var items []models.TimelineItem
	if h.snapshot != nil {
		items = h.snapshot()
	}
	c.enqueue(h.frame(EventHello, map[string]any{"client_id": c.id, "items": items}))
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("client connected", "client_id", c.id)

	go c.writeLoop()
	c.readLoop()
	c.close()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) frame(event string, payload any) []byte {
	data, err := json.Marshal(Frame{Type: "event", Event: event, Payload: payload, Seq: h.seq.Add(1)})
	if err != nil {
		h.logger.Warn("failed to encode event", "event", event, "error", err)
		return nil
	}
	return data
}

// Broadcast sends an event to every client.
func (h *Hub) Broadcast(event string, payload any) {
	data := h.frame(event, payload)
	if data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.enqueue(data) {
			h.logger.Warn("dropping slow client", "client_id", c.id)
			go c.close()
		}
	}
}

func (h *Hub) OnChunk(text string) { h.Broadcast(EventChunk, map[string]string{"text": text}) }

func (h *Hub) OnItem(item models.TimelineItem) { h.Broadcast(EventItem, item) }

func (h *Hub) OnTokens(latest, total models.TokenInfo) {
	h.Broadcast(EventTokens, map[string]models.TokenInfo{"latest": latest, "total": total})
}

func (h *Hub) OnTasks(tasks []models.Task) { h.Broadcast(EventTasks, tasks) }

// PublishApproval announces a pending approval so a client can resolve it.
func (h *Hub) PublishApproval(req agent.ApprovalRequest) { h.Broadcast(EventApproval, req) }

func (c *client) enqueue(data []byte) bool {
	if data == nil {
		return true
	}
	select {
	case <-c.ctx.Done():
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		c.hub.mu.Unlock()
		c.cancel()
		_ = c.conn.Close()
		c.hub.logger.Debug("client disconnected", "client_id", c.id)
	})
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.respond("", fmt.Errorf("invalid frame: %w", err))
			continue
		}
		if frame.Type != "req" {
			continue
		}
		c.respond(frame.ID, c.hub.handle(frame))
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) respond(id string, err error) {
	ok := err == nil
	frame := Frame{Type: "res", ID: id, OK: &ok}
	if err != nil {
		frame.Error = err.Error()
	}
	data, encErr := json.Marshal(frame)
	if encErr != nil {
		return
	}
	c.enqueue(data)
}

type resolveParams struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// ErrNoController is returned for requests when no controller is attached.
var ErrNoController = errors.New("run control is not available")

func (h *Hub) handle(frame Frame) error {
	if h.controller == nil {
		return ErrNoController
	}
	switch frame.Method {
	case "approval.resolve":
		var p resolveParams
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
		if p.ID == "" {
			return errors.New("id is required")
		}
		return h.controller.Resolve(p.ID, p.Approved)
	case "run.cancel":
		h.controller.Cancel()
		return nil
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}
