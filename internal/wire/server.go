package wire

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rqure/qdb/internal/metrics"
	"github.com/rqure/qdb/internal/qdb"
)

// Engine bundles the qdb.Engine core with the wire-level collaborators a
// Session needs: authentication, per-subscription notification queue
// sizing, and optional Prometheus collectors.
type Engine struct {
	Core                *qdb.Engine
	Authenticator       qdb.Authenticator
	NotifyQueueCapacity int
	Metrics             *metrics.Metrics
}

// Config holds the listener settings and per-connection buffer sizing.
type Config struct {
	ListenAddress   string
	MaxConnections  int
	ReadBufferSize  int
	WriteBufferSize int
}

func DefaultConfig() Config {
	return Config{
		ListenAddress:   ":6380",
		MaxConnections:  1000,
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
	}
}

// Server accepts TCP connections and runs one Session per connection.
type Server struct {
	config   Config
	engine   *Engine
	listener net.Listener
	closed   atomic.Bool

	connSem chan struct{}

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func New(config Config, engine *Engine) *Server {
	if config.ListenAddress == "" {
		config = DefaultConfig()
	}
	var sem chan struct{}
	if config.MaxConnections > 0 {
		sem = make(chan struct{}, config.MaxConnections)
	}
	return &Server{
		config:   config,
		engine:   engine,
		connSem:  sem,
		sessions: make(map[*Session]struct{}),
	}
}

// ListenAndServe binds the configured address and accepts connections
// until Close is called.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("wire: failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = listener
	return s.serve()
}

func (s *Server) serve() error {
	for {
		if s.closed.Load() {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
			defer func() { <-s.connSem }()
		default:
			conn.Close()
			return
		}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	if m := s.engine.Metrics; m != nil {
		m.ConnectionsActive.Inc()
		defer m.ConnectionsActive.Dec()
	}

	session := newSession(conn, s.engine, s.config.ReadBufferSize, s.config.WriteBufferSize)

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, session)
		s.mu.Unlock()
	}()

	session.serve()
}

// Close stops accepting new connections. In-flight sessions run to
// completion; a closing client's queued-but-undispatched commands die
// with its socket.
func (s *Server) Close() error {
	s.closed.Store(true)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
