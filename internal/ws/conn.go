package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of messages that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0

	// defaultIdleTimeout is the default time after which an idle connection is reaped.
	defaultIdleTimeout = 0

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client is one live WebSocket connection. Its identity is the opaque
// connection ID; the bound username lives in the presence table, not here.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// ID returns the opaque connection identifier.
func (c *Client) ID() string { return c.id }

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	client      *Client
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
	IdleReaped      int64
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management including graceful shutdown, per-client buffered
// send channels, connection limits, and idle detection. It also
// implements the session core's outbound fan-out primitives: sends are
// queued per connection and never awaited, so a slow consumer cannot
// stall event processing.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[string]*connEntry // keyed by connection ID
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	// Atomic counters for stats.
	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is automatically closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:  make(map[string]*connEntry),
		maxConns: defaultMaxConns,
		idleTTL:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a connection, assigns it an ID, and starts its write
// pump. The returned context is cancelled when the client is removed or
// the manager shuts down; callers should select on ctx.Done() in their
// read loop. Returns a nil client with a cancelled context if the
// manager is closed or at capacity.
func (cm *ConnManager) Add(conn *websocket.Conn) (*Client, context.Context) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return nil, ctx
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return nil, ctx
	}

	now := time.Now()
	c := &Client{
		id:   generateConnID(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c.id] = &connEntry{
		client:      c,
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}

	go cm.writePump(ctx, c)

	return c, ctx
}

// Remove stops a client's write pump and cleans it up.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c.id]
	if ok {
		delete(cm.clients, c.id)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		close(c.send)
	}
}

// sendBytes queues data for delivery to the client. Returns false if
// the client's buffer is full (slow consumer) or the client has been
// removed.
func (cm *ConnManager) sendBytes(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for connection %s, dropping message", c.id)
		return false
	}
}

// envelope marshals an event into the wire framing.
func envelope(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s payload: %v", event, err)
		return nil, false
	}
	env, err := json.Marshal(Envelope{Type: event, Payload: data})
	if err != nil {
		log.Printf("ws: failed to marshal %s envelope: %v", event, err)
		return nil, false
	}
	return env, true
}

// ToConn sends an event to a single connection.
func (cm *ConnManager) ToConn(connID, event string, payload any) {
	env, ok := envelope(event, payload)
	if !ok {
		return
	}

	cm.mu.Lock()
	entry := cm.clients[connID]
	cm.mu.Unlock()

	if entry != nil {
		cm.sendBytes(entry.client, env)
	}
}

// Broadcast sends an event to every connection.
func (cm *ConnManager) Broadcast(event string, payload any) {
	cm.broadcast("", event, payload)
}

// BroadcastExcept sends an event to every connection except one.
func (cm *ConnManager) BroadcastExcept(exceptID, event string, payload any) {
	cm.broadcast(exceptID, event, payload)
}

func (cm *ConnManager) broadcast(exceptID, event string, payload any) {
	env, ok := envelope(event, payload)
	if !ok {
		return
	}

	cm.mu.Lock()
	// Copy the target set so we can release the lock before sending.
	targets := make([]*Client, 0, len(cm.clients))
	for id, entry := range cm.clients {
		if id == exceptID {
			continue
		}
		targets = append(targets, entry.client)
	}
	cm.mu.Unlock()

	for _, c := range targets {
		cm.sendBytes(c, env)
	}
}

// CloseConn deliberately closes a connection (kick/ban). The read loop
// observes the close and runs the normal disconnect path.
func (cm *ConnManager) CloseConn(connID, reason string) {
	cm.mu.Lock()
	entry, ok := cm.clients[connID]
	if ok {
		delete(cm.clients, connID)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		close(entry.client.send)
		entry.client.conn.Close(websocket.StatusPolicyViolation, reason)
	}
}

// TouchActivity updates the last-active timestamp for a client.
// Call this when a client sends a message to prevent idle reaping.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c.id]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	entries := make([]*connEntry, 0, len(cm.clients))
	for _, entry := range cm.clients {
		entries = append(entries, entry)
	}
	cm.clients = make(map[string]*connEntry)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for _, entry := range entries {
		entry.cancel()
		close(entry.client.send)
		entry.client.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*connEntry
	for id, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, entry)
			delete(cm.clients, id)
		}
	}
	cm.mu.Unlock()

	for _, entry := range stale {
		entry.cancel()
		close(entry.client.send)
		entry.client.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Printf("ws: reaped idle connection %s", entry.client.id)
	}
}

// writePump drains the client's send channel, writing each message
// to the WebSocket connection. It exits when ctx is cancelled or the
// send channel is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := c.conn.Write(writeCtx, websocket.MessageText, msg); err != nil {
				cancel()
				log.Printf("ws: write to connection %s failed: %v", c.id, err)
				return
			}
			cancel()
		}
	}
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
