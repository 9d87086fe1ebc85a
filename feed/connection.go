package feed

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one live feed WebSocket.
type Connection struct {
	// ID uniquely identifies this connection.
	ID string

	// SubscriberID is the broker subscriber feeding this connection.
	SubscriberID string

	// Codec is the negotiated wire format.
	Codec Codec

	// Topics are the broker topics the connection listens on.
	Topics []string

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	// LastActivity tracks the most recent frame received.
	LastActivity atomic.Value // time.Time

	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex // serializes frame writes
}

func newConnection(id, subscriberID string, conn net.Conn, codec Codec, topics []string, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		SubscriberID: subscriberID,
		Codec:        codec,
		Topics:       topics,
		ConnectedAt:  time.Now().UTC(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
	c.LastActivity.Store(time.Now().UTC())
	return c
}

// Touch updates the last activity timestamp.
func (c *Connection) Touch() {
	c.LastActivity.Store(time.Now().UTC())
}

// send encodes m and writes it as a single frame.
func (c *Connection) send(m *Message) error {
	data, err := c.Codec.Encode(m)
	if err != nil {
		return err
	}
	return c.write(c.Codec.OpCode(), data)
}

func (c *Connection) write(op ws.OpCode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.conn, op, payload)
}

// readLoop consumes client frames until the connection fails or the client
// closes it. Data frames are keepalives and are discarded; pings are
// answered.
func (c *Connection) readLoop() error {
	rd := wsutil.NewReader(c.conn, ws.StateServerSide)
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		c.Touch()

		if !hdr.OpCode.IsControl() {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		switch hdr.OpCode {
		case ws.OpPing:
			if err := c.write(ws.OpPong, payload); err != nil {
				return err
			}
		case ws.OpClose:
			_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			return io.EOF
		}
	}
}

// ConnectionManager tracks active feed connections.
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
