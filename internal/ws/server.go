// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	HeartbeatInterval time.Duration // how often connections are pinged
	HeartbeatTimeout  time.Duration // grace period after a missed interval
	MaxFrameSize      int64         // largest accepted client data frame in bytes
	SendQueueSize     int           // outbound frames buffered per connection
}

// Defaults applied when the corresponding ServerConfig field is unset. A
// message body is capped at 4096 bytes; the frame limit leaves room for the
// JSON envelope and escaping.
const (
	DefaultMaxFrameSize  = 32 << 10
	DefaultSendQueueSize = 256
)

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	hb := DefaultHeartbeatConfig()
	return ServerConfig{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: hb.Interval,
		HeartbeatTimeout:  hb.Timeout,
		MaxFrameSize:      DefaultMaxFrameSize,
		SendQueueSize:     DefaultSendQueueSize,
	}
}

func (c ServerConfig) maxFrameSize() int64 {
	if c.MaxFrameSize > 0 {
		return c.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

func (c ServerConfig) sendQueueSize() int {
	if c.SendQueueSize > 0 {
		return c.SendQueueSize
	}
	return DefaultSendQueueSize
}

// heartbeat returns the heartbeat settings, falling back to the defaults for
// unset fields.
func (c ServerConfig) heartbeat() HeartbeatConfig {
	hb := DefaultHeartbeatConfig()
	if c.HeartbeatInterval > 0 {
		hb.Interval = c.HeartbeatInterval
	}
	if c.HeartbeatTimeout > 0 {
		hb.Timeout = c.HeartbeatTimeout
	}
	return hb
}

// SessionStore records session lifecycle outside the process. The Redis
// session store satisfies it.
type SessionStore interface {
	Create(ctx context.Context, sessionID string) error
	Touch(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
}

// Server is the high-performance WebSocket server built on gobwas/ws and Linux
// epoll. It upgrades HTTP connections to WebSocket, registers them with an
// epoll instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading.
//
// A connection is read by at most one worker at a time and onMessage runs
// inside that worker, so the events of one session are handled in arrival
// order.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	sessionStore SessionStore                       // optional external session record
	workerPool   chan struct{}                      // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	routes       map[string]http.Handler             // extra handlers mounted next to /ws
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client. The
// session store may be nil.
func NewServer(config ServerConfig, sessionStore SessionStore, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		routes:       make(map[string]http.Handler),
		done:         make(chan struct{}),
	}
}

// Handle mounts an additional HTTP handler on the server's mux, e.g. the REST
// API or the metrics endpoint. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.routes[pattern] = handler
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.heartbeat())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader. On success it creates a Connection, registers
// it with the connection manager and epoll instance, and greets the client
// with its session id.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	sessionID := uuid.New().String()
	c := NewConnection(sessionID, conn, fd)

	// Register the connection in the manager and epoll.
	s.attach(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, sessionID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", sessionID, err)
		}
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err != nil {
		log.Printf("ws: failed to build sessionCreated for session %s: %v", sessionID, err)
	} else if !c.Enqueue(sessionMsg) {
		log.Printf("ws: failed to queue sessionCreated for session %s", sessionID)
	}

	log.Printf("ws: new connection session=%s fd=%d (total=%d)", sessionID, fd, s.conns.Count())
}

// attach registers c and starts its writer goroutine. All server-initiated
// frames go through the connection's bounded queue so a client that stops
// reading only ever delays itself.
func (s *Server) attach(c *Connection) {
	c.writeTimeout = s.config.WriteTimeout
	c.outbox = make(chan []byte, s.config.sendQueueSize())
	s.conns.Add(c)
	go s.writeLoop(c)
}

// writeLoop drains the connection's queue until it is closed. A failed write
// removes the connection.
func (s *Server) writeLoop(c *Connection) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.outbox:
			if err := c.WriteMessage(data); err != nil {
				log.Printf("ws: write failed session=%s: %v", c.ID, err)
				s.RemoveConnection(c)
				return
			}
		}
	}
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat evicts connections that are really dead.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > s.config.maxFrameSize() {
		log.Printf("ws: frame too large session=%s length=%d limit=%d",
			c.ID, header.Length, s.config.maxFrameSize())
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the session record is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only the caller that actually removed the connection runs the cleanup,
	// so a read error racing a heartbeat timeout disconnects once.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage queues a WebSocket text frame for the connection identified by
// connID. It never blocks; a connection whose queue is full is evicted.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if !c.Enqueue(data) {
		s.evict(c)
		return fmt.Errorf("ws: send queue full for connection %s", connID)
	}
	return nil
}

// Broadcast queues a text frame for every open connection without waiting
// for any of them to be written.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.conns.All() {
		if !c.Enqueue(data) {
			s.evict(c)
		}
	}
}

// evict drops a connection that cannot keep up. Removal runs asynchronously
// so the caller's fan-out is never held up by disconnect handling.
func (s *Server) evict(c *Connection) {
	if !atomic.CompareAndSwapInt32(&c.evicting, 0, 1) {
		return
	}
	log.Printf("ws: send queue full session=%s, evicting", c.ID)
	metrics.SlowConsumerEvictions.Inc()
	go s.RemoveConnection(c)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, disconnects all active
// connections, and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	// Run the normal removal path so the application sees every disconnect.
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
