package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/stream"
)

// Connection represents an authenticated gateway connection.
type Connection struct {
	// ID uniquely identifies this connection; it is also the broker
	// subscriber id.
	ID string

	// Principal is the authenticated caller.
	Principal *auth.Principal

	// Codec is the negotiated wire format.
	Codec Codec

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received.
	LastActivity atomic.Value // time.Time

	conn         net.Conn
	sub          *stream.Subscriber
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// NewConnection creates a connection state for an authenticated socket.
// conn and sub may be nil in tests that only exercise the handler.
func NewConnection(connID string, p *auth.Principal, codec Codec, conn net.Conn, sub *stream.Subscriber) *Connection {
	c := &Connection{
		ID:          connID,
		Principal:   p,
		Codec:       codec,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		sub:         sub,
	}
	c.LastActivity.Store(time.Now().UTC())
	return c
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// Subscriptions returns the topics the connection is a member of.
func (c *Connection) Subscriptions() []string {
	if c.sub == nil {
		return nil
	}
	return c.sub.Topics()
}

// WriteFrame encodes and sends a frame. Writes are serialized.
func (c *Connection) WriteFrame(frame *Frame) error {
	data, err := c.Codec.Encode(frame)
	if err != nil {
		return err
	}
	op := ws.OpText
	if c.Codec.Binary() {
		op = ws.OpBinary
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// Close closes the underlying socket. Safe to call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// ConnectionManager tracks active gateway connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Get returns a connection by ID.
func (cm *ConnectionManager) Get(connID string) (*Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.conns[connID]
	return c, ok
}

// Count returns the number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
