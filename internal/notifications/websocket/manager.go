// Package websocket pushes delivered reports to connected clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
	"carbon-scribe/analytics-engine/pkg/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Manager handles WebSocket connections and report fan-out
type Manager struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	closeOnce sync.Once
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID          string
	UserID      string
	TenantID    string
	Conn        *websocket.Conn
	Send        chan Message
	ConnectedAt time.Time
	UserAgent   string
	IPAddress   string

	mu            sync.Mutex
	subscriptions map[string]bool
	lastActivity  time.Time
}

// accepts reports whether a report notice is meant for this connection.
// Recipients, when set, are user ids. A connection without subscriptions
// sees every report.
func (c *Connection) accepts(reportID, scheduleID string, recipients []string) bool {
	if len(recipients) > 0 {
		found := false
		for _, r := range recipients {
			if r == c.UserID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[reportID] || c.subscriptions[scheduleID]
}

type envelope struct {
	message Message
	match   func(*Connection) bool
}

// Hub owns the connection set. Only the hub goroutine writes to or closes
// a connection's Send channel.
type Hub struct {
	connections map[*Connection]bool
	broadcast   chan envelope
	register    chan *Connection
	unregister  chan *Connection
	query       chan func(map[*Connection]bool)
	stop        chan struct{}
	done        chan struct{}
	logger      *zap.Logger
}

// NewManager creates a new WebSocket manager
func NewManager(logger *zap.Logger) *Manager {
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan envelope, sendBuffer),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		query:       make(chan func(map[*Connection]bool)),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}

	go hub.run()

	return &Manager{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers are authenticated by token, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and attaches the connection to the
// hub under the caller's identity.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, sc security.Context) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		ID:            uuid.New().String(),
		UserID:        sc.UserID,
		TenantID:      sc.TenantID,
		Conn:          conn,
		Send:          make(chan Message, sendBuffer),
		ConnectedAt:   now,
		UserAgent:     r.Header.Get("User-Agent"),
		IPAddress:     r.RemoteAddr,
		subscriptions: make(map[string]bool),
		lastActivity:  now,
	}

	select {
	case m.hub.register <- connection:
	case <-m.hub.done:
		conn.Close()
		return nil, fmt.Errorf("websocket manager closed")
	}

	go m.readPump(connection)
	go m.writePump(connection)

	return connection, nil
}

// readPump reads subscription updates until the connection drops
func (m *Manager) readPump(conn *Connection) {
	defer func() {
		select {
		case m.hub.unregister <- conn:
		case <-m.hub.done:
		}
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(maxMessageSize)
	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := conn.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}

		conn.mu.Lock()
		conn.lastActivity = time.Now()
		conn.mu.Unlock()

		m.handleMessage(conn, &msg)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming WebSocket messages
func (m *Manager) handleMessage(conn *Connection, msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		ids := subscriptionIDs(msg.Data)
		conn.mu.Lock()
		conn.subscriptions = make(map[string]bool, len(ids))
		for _, id := range ids {
			conn.subscriptions[id] = true
		}
		conn.mu.Unlock()

		m.reply(conn, Message{
			Type:      MessageTypeStatus,
			Data:      map[string]any{"status": "subscribed", "connection_id": conn.ID, "reports": ids},
			Timestamp: time.Now().UTC(),
			Channel:   "private",
			Target:    conn.UserID,
		})
	default:
		m.reply(conn, Message{
			Type:      MessageTypeError,
			Data:      map[string]any{"error": "unknown message type " + msg.Type},
			Timestamp: time.Now().UTC(),
			Channel:   "private",
			Target:    conn.UserID,
		})
	}
}

func subscriptionIDs(data any) []string {
	fields, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	raw, _ := fields["reports"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			ids = append(ids, s)
		}
	}
	return ids
}

func (m *Manager) reply(conn *Connection, msg Message) {
	_ = m.hub.publish(context.Background(), envelope{
		message: msg,
		match:   func(c *Connection) bool { return c == conn },
	})
}

// run runs the hub in its own goroutine
func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case conn := <-h.register:
			h.connections[conn] = true
			h.logger.Debug("Connection registered",
				zap.String("connection_id", conn.ID),
				zap.String("user_id", conn.UserID))

		case conn := <-h.unregister:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.Send)
				h.logger.Debug("Connection unregistered", zap.String("connection_id", conn.ID))
			}

		case env := <-h.broadcast:
			for conn := range h.connections {
				if !env.match(conn) {
					continue
				}
				select {
				case conn.Send <- env.message:
				default:
					h.logger.Warn("Dropping slow connection", zap.String("connection_id", conn.ID))
					close(conn.Send)
					delete(h.connections, conn)
				}
			}

		case fn := <-h.query:
			fn(h.connections)

		case <-h.stop:
			for conn := range h.connections {
				close(conn.Send)
				delete(h.connections, conn)
			}
			return
		}
	}
}

func (h *Hub) publish(ctx context.Context, env envelope) error {
	select {
	case <-h.done:
		return fmt.Errorf("websocket manager closed")
	default:
	}
	select {
	case h.broadcast <- env:
		return nil
	case <-h.done:
		return fmt.Errorf("websocket manager closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) inspect(fn func(map[*Connection]bool)) {
	finished := make(chan struct{})
	select {
	case h.query <- func(conns map[*Connection]bool) {
		fn(conns)
		close(finished)
	}:
		<-finished
	case <-h.done:
	}
}

// =====================================================
// Delivery
// =====================================================

// Deliver pushes a generated report to matching connections. It
// implements scheduler.Sink; delivery means the notice was queued.
func (m *Manager) Deliver(ctx context.Context, d *scheduler.Delivery) error {
	r := d.Result
	notice := ReportNotice{
		ScheduleID:  d.ScheduleID,
		ReportID:    r.DefinitionID,
		ExecutionID: r.ExecutionID,
		Name:        r.Name,
		Format:      string(r.Format),
		RowCount:    r.RowCount,
		GeneratedAt: r.GeneratedAt,
	}
	if r.Format == export.FormatJSON && json.Valid(r.Data) {
		notice.Result = r.Data
	}

	recipients := d.Recipients
	return m.hub.publish(ctx, envelope{
		message: Message{
			Type:      MessageTypeReport,
			Data:      notice,
			Timestamp: time.Now().UTC(),
			Channel:   "reports",
			Target:    r.DefinitionID,
		},
		match: func(c *Connection) bool {
			return c.accepts(r.DefinitionID, d.ScheduleID, recipients)
		},
	})
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	count := 0
	m.hub.inspect(func(conns map[*Connection]bool) { count = len(conns) })
	return count
}

// GetConnectionInfo returns information about all active connections
func (m *Manager) GetConnectionInfo() []ConnectionInfo {
	var info []ConnectionInfo
	m.hub.inspect(func(conns map[*Connection]bool) {
		for conn := range conns {
			conn.mu.Lock()
			subs := make([]string, 0, len(conn.subscriptions))
			for id := range conn.subscriptions {
				subs = append(subs, id)
			}
			last := conn.lastActivity
			conn.mu.Unlock()
			sort.Strings(subs)

			info = append(info, ConnectionInfo{
				ConnectionID:  conn.ID,
				UserID:        conn.UserID,
				TenantID:      conn.TenantID,
				Subscriptions: subs,
				ConnectedAt:   conn.ConnectedAt,
				LastActivity:  last,
				UserAgent:     conn.UserAgent,
				IPAddress:     conn.IPAddress,
			})
		}
	})
	sort.Slice(info, func(i, j int) bool { return info[i].ConnectedAt.Before(info[j].ConnectedAt) })
	return info
}

// Close closes the WebSocket manager and all connections
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.hub.stop) })
	<-m.hub.done
}
