package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID           string        // session ID (UUID)
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor for epoll lookups
	CreatedAt    time.Time     // when the connection was established
	lastActive   int64         // unix nanos of the last frame read, accessed atomically
	writeMu      sync.Mutex    // serializes writes to this connection
	writeTimeout time.Duration // per-frame write deadline, 0 = none
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	evicting     int32         // atomic flag: set once the connection is being evicted

	outbox    chan []byte   // frames waiting for the writer goroutine; nil until started
	closed    chan struct{} // closed by Close
	closeOnce sync.Once
}

// NewConnection wraps an upgraded network connection.
func NewConnection(id string, conn net.Conn, fd int) *Connection {
	now := time.Now()
	return &Connection{
		ID:         id,
		Conn:       conn,
		Fd:         fd,
		CreatedAt:  now,
		lastActive: now.UnixNano(),
		closed:     make(chan struct{}),
	}
}

// Touch marks the connection as alive now.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// LastActive reports when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(func() error {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	})
}

// writeLocked runs write under the connection's write deadline. The deadline
// is set and cleared while writeMu is held so concurrent writers never clear
// each other's deadline.
func (c *Connection) writeLocked(write func() error) error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return write()
}

// Enqueue hands a frame to the connection's writer goroutine without
// blocking. It returns false when the queue is full, the writer was never
// started, or the connection is closed.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

// Close closes the underlying network connection and stops the writer.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps session IDs and file
// descriptors to their respective Connection objects.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
