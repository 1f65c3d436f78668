package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/christopherjohns/bookreview/internal/metrics"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 16

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// Client is one accepted websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	cm   *ConnManager

	mu     sync.RWMutex
	send   chan []byte
	closed bool
}

func newClient(id string, conn *websocket.Conn, cm *ConnManager) *Client {
	return &Client{
		id:   id,
		conn: conn,
		cm:   cm,
		send: make(chan []byte, sendBufferSize),
	}
}

// Send queues a frame for the write pump. It never blocks: it returns false
// if the buffer is full or the client is gone.
func (c *Client) Send(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.cm.dropped(c)
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int   `json:"active"`
	MaxConns        int   `json:"max_conns"`
	Rejected        int64 `json:"rejected"`
	DroppedMessages int64 `json:"dropped_messages"`
	IdleReaped      int64 `json:"idle_reaped"`
}

// ConnManager tracks all active websocket connections and owns their write
// pumps, connection limit, idle reaping and shutdown.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc
	metrics  *metrics.Metrics
	log      *zap.Logger

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before
// it is closed. A value of 0 disables idle reaping (default).
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithConnMetrics reports connection counts and drops to m.
func WithConnMetrics(m *metrics.Metrics) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.metrics = m
	}
}

// NewConnManager creates a new connection manager.
func NewConnManager(log *zap.Logger, opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		log:     log,
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

// Add registers a client and starts its write pump. The returned context
// is cancelled when the client is removed or the manager shuts down. The
// boolean is false if the connection was refused; the socket has then
// already been closed.
func (cm *ConnManager) Add(c *Client) (context.Context, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return nil, false
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return nil, false
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	cm.gauge(len(cm.clients))

	go cm.writePump(ctx, c)

	return ctx, true
}

// Remove stops a client's write pump and cleans it up.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
		cm.gauge(len(cm.clients))
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		c.closeSend()
	}
}

// TouchActivity updates the last-active timestamp for a client.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
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

// Shutdown closes every connection with StatusGoingAway. Each read loop
// then observes the close and runs its own cleanup.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	cm.gauge(0)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c, entry := range clients {
		entry.cancel()
		c.closeSend()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	cm.log.Info("websocket connections closed", zap.Int("count", len(clients)))
}

func (cm *ConnManager) dropped(c *Client) {
	cm.droppedMessages.Add(1)
	if cm.metrics != nil {
		cm.metrics.DroppedMessages.Inc()
	}
	cm.log.Warn("send buffer full, dropping frame", zap.String("client", c.id))
}

func (cm *ConnManager) gauge(n int) {
	if cm.metrics != nil {
		cm.metrics.ActiveConnections.Set(float64(n))
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
	entries := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			entries[c] = entry
			delete(cm.clients, c)
		}
	}
	cm.gauge(len(cm.clients))
	cm.mu.Unlock()

	for c, entry := range entries {
		entry.cancel()
		c.closeSend()
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		cm.log.Info("reaped idle connection", zap.String("client", c.id))
	}
}

// writePump drains the client's send channel, writing each frame to the
// connection. It exits when ctx is cancelled or the channel is closed.
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
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				cm.log.Debug("write failed", zap.String("client", c.id), zap.Error(err))
				return
			}
		}
	}
}
