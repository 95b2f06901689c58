package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages WebSocket connections per session code and fans
// store changes out to them.
type ConnectionManager struct {
	store store.Store
	clock clockwork.Clock

	// Connection pools organized by session code
	sessions map[string]map[*Connection]bool
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Connection is one WebSocket client.
type Connection struct {
	ID            string
	Code          string
	Role          Role
	ParticipantID string
	Conn          *websocket.Conn
	Manager       *ConnectionManager

	ConnectedAt time.Time

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	lastPing time.Time
	sub      store.Subscription
	handler  func(c *Connection, message []byte)
	onClose  []func()
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a frame queued for the connections of one session.
// ParticipantID narrows delivery to that participant's connections. Close
// disconnects the targets instead, after anything queued before it.
type BroadcastMessage struct {
	Code          string
	ParticipantID string
	Frame         Frame
	Close         bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

func NewConnectionManager(st store.Store, config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionManager{
		store:    st,
		clock:    clock,
		sessions: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start processes queued broadcasts until ctx is done.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades the request and starts streaming every change
// under the session's store subtree to the new connection. handler receives
// client messages and may be nil.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, claims *Claims, handler func(*Connection, []byte)) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	now := cm.clock.Now()
	c := &Connection{
		ID:            uuid.New().String(),
		Code:          claims.Code,
		Role:          claims.Role,
		ParticipantID: claims.ParticipantID,
		Conn:          conn,
		Manager:       cm,
		ConnectedAt:   now,
		send:          make(chan []byte, cm.config.SendBuffer),
		lastPing:      now,
		handler:       handler,
	}
	cm.registerConnection(c)

	// Each connection gets its own prefix subscription so it starts from the
	// current values and then sees changes in store order.
	ch := session.NewChannel(cm.store, c.Code)
	sub, err := cm.store.SubscribePrefix(context.Background(), ch.Root(), func(e store.Entry) {
		c.SendFrame(changeFrame(e.Path, e.Value, e.Exists, cm.clock.Now()))
	})
	if err != nil {
		cm.unregisterConnection(c)
		conn.Close()
		return nil, fmt.Errorf("subscribe session %s: %w", c.Code, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
	} else {
		c.sub = sub
		c.mu.Unlock()
	}

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("session_code", c.Code).
		Str("role", string(c.Role)).
		Str("participant_id", c.ParticipantID).
		Msg("WebSocket connection established")
	return c, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.sessions[conn.Code] == nil {
		cm.sessions[conn.Code] = make(map[*Connection]bool)
	}
	cm.sessions[conn.Code][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_code", conn.Code).
		Int("total_connections", len(cm.sessions[conn.Code])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.sessions[conn.Code]
	if exists {
		delete(connections, conn)
		if len(connections) == 0 {
			delete(cm.sessions, conn.Code)
		}
	}
	cm.mu.Unlock()

	if conn.shutdown() {
		log.Info().
			Str("connection_id", conn.ID).
			Str("session_code", conn.Code).
			Str("participant_id", conn.ParticipantID).
			Msg("connection unregistered")
	}
}

// SendToParticipant queues a frame for one participant's connections.
func (cm *ConnectionManager) SendToParticipant(code, participantID string, frame Frame) {
	cm.enqueue(BroadcastMessage{Code: code, ParticipantID: participantID, Frame: frame})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().Str("session_code", message.Code).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.sessions[message.Code]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	var targets []*Connection
	for conn := range connections {
		if message.ParticipantID != "" && conn.ParticipantID != message.ParticipantID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	if message.Close {
		for _, conn := range targets {
			cm.unregisterConnection(conn)
		}
		log.Info().Str("session_code", message.Code).Int("connections", len(targets)).Msg("session connections closed")
		return
	}
	for _, conn := range targets {
		conn.SendFrame(message.Frame)
	}

	log.Debug().
		Str("frame_type", string(message.Frame.Type)).
		Str("session_code", message.Code).
		Int("connections", len(targets)).
		Msg("frame broadcasted")
}

// ConnectionStats summarizes open connections. A connection is stale when
// no pong has arrived for two ping intervals.
type ConnectionStats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveSessions     int            `json:"active_sessions"`
	StaleConnections   int            `json:"stale_connections"`
	SessionConnections map[string]int `json:"session_connections"`
}

func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveSessions:     len(cm.sessions),
		SessionConnections: make(map[string]int, len(cm.sessions)),
	}
	staleBefore := cm.clock.Now().Add(-2 * cm.config.PingInterval)
	for code, connections := range cm.sessions {
		stats.TotalConnections += len(connections)
		stats.SessionConnections[code] = len(connections)
		for c := range connections {
			if c.LastPing().Before(staleBefore) {
				stats.StaleConnections++
			}
		}
	}
	return stats
}

// CloseSession disconnects every client of a session once the frames already
// queued for it have been handed to the connections.
func (cm *ConnectionManager) CloseSession(code string) {
	cm.enqueue(BroadcastMessage{Code: code, Close: true})
}

// SendFrame queues a frame on this connection. A connection whose buffer is
// full is too slow to keep up and is dropped.
func (c *Connection) SendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal frame")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().
			Str("connection_id", c.ID).
			Str("session_code", c.Code).
			Msg("connection send buffer full, closing connection")
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}
}

// OnClose registers fn to run once when the connection goes away.
func (c *Connection) OnClose(fn func()) {
	c.mu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// LastPing is when the client last answered a ping, or connected.
func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// shutdown closes the send queue and the socket once. It reports whether
// this call did the work.
func (c *Connection) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.send)
	sub := c.sub
	c.sub = nil
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	for _, fn := range hooks {
		fn()
	}
	return true
}

func (c *Connection) writePump() {
	ticker := c.Manager.clock.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.Chan():
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.mu.Lock()
		c.lastPing = c.Manager.clock.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.handler != nil {
			c.handler(c, message)
		} else {
			log.Debug().Str("connection_id", c.ID).Msg("ignoring client message")
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
