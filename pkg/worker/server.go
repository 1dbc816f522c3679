package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/recall/pkg/provider"
	"github.com/harun/recall/pkg/ratelimit"
)

const (
	// ProbeTimeout bounds the liveness probe against an existing
	// socket before binding.
	ProbeTimeout = 500 * time.Millisecond

	// DefaultIdleTimeout is how long the server lingers with no
	// active connections before exiting.
	DefaultIdleTimeout = 60 * time.Second
)

// ErrAlreadyRunning signals that another worker answered the socket
// probe; this instance must perform no work.
var ErrAlreadyRunning = errors.New("worker: already running")

// Server owns the embedding provider and serves requests over a unix
// domain socket.
type Server struct {
	socketPath  string
	embedder    provider.Embedder
	limiter     *ratelimit.Limiter
	logger      zerolog.Logger
	idleTimeout time.Duration

	mu        sync.Mutex
	listener  net.Listener
	active    int
	idleTimer *time.Timer
	closed    bool
}

// ServerConfig configures a worker server.
type ServerConfig struct {
	SocketPath  string
	Embedder    provider.Embedder
	Limiter     *ratelimit.Limiter
	Logger      zerolog.Logger
	IdleTimeout time.Duration
}

// NewServer creates a worker server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(0, 0)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Server{
		socketPath:  cfg.SocketPath,
		embedder:    cfg.Embedder,
		limiter:     cfg.Limiter,
		logger:      cfg.Logger.With().Str("component", "worker").Logger(),
		idleTimeout: cfg.IdleTimeout,
	}, nil
}

// Run probes for a live instance, binds the socket, and serves until
// the idle timer fires or the context is cancelled. It returns
// ErrAlreadyRunning without binding when another instance answers the
// probe.
func (s *Server) Run(ctx context.Context) error {
	if Probe(s.socketPath) {
		return ErrAlreadyRunning
	}
	// A socket file nobody answers is a leftover from a crashed
	// instance.
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to bind socket: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().
		Str("socket", s.socketPath).
		Dur("idle_timeout", s.idleTimeout).
		Msg("Worker listening")

	s.armIdleTimer()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.connOpened()
		go s.handleConn(conn)
	}
}

// Shutdown closes the listener and removes the socket file.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	os.Remove(s.socketPath)
	s.logger.Info().Msg("Worker stopped")
}

func (s *Server) connOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Server) connClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.active == 0 && !s.closed {
		s.armIdleTimerLocked()
	}
}

func (s *Server) armIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 && !s.closed {
		s.armIdleTimerLocked()
	}
}

func (s *Server) armIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.logger.Info().Msg("Idle timeout reached, shutting down")
		s.Shutdown()
	})
}

// handleConn reads newline-delimited requests. Bytes are buffered until
// a newline arrives; any remainder after the last complete line is kept
// for the next read, so partial-stream delivery is tolerated.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.connClosed()
	}()

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := bytes.IndexByte(buf, '\n')
				if idx < 0 {
					break
				}
				line := make([]byte, idx)
				copy(line, buf[:idx])
				buf = buf[idx+1:]
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					resp := s.handleLine(line)
					s.writeResponse(conn, &writeMu, resp)
				}()
			}
		}
		if err != nil {
			break
		}
	}
	wg.Wait()
}

// handleLine serves one request. A line that fails to parse, or lacks
// required fields, is answered in-band rather than closing the
// connection.
func (s *Server) handleLine(line []byte) Response {
	id := "unknown"

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		// Salvage the id if the line is JSON-ish enough.
		var partial map[string]any
		if json.Unmarshal(line, &partial) == nil {
			if v, ok := partial["id"].(string); ok && v != "" {
				id = v
			}
		}
		return Response{ID: id, Error: (&ProtocolError{Msg: "invalid request JSON"}).Error()}
	}
	if req.ID == "" {
		return Response{ID: id, Error: (&ProtocolError{Msg: "missing id field"}).Error()}
	}
	id = req.ID
	if req.Text == "" {
		return Response{ID: id, Error: (&ProtocolError{Msg: "missing text field"}).Error()}
	}

	ctx := context.Background()
	if err := s.limiter.Acquire(ctx); err != nil {
		return Response{ID: id, Error: err.Error()}
	}
	defer s.limiter.Release()

	embedding, err := s.embedder.Embed(ctx, req.Text)
	if err != nil {
		return Response{ID: id, Error: err.Error()}
	}
	if embedding == nil {
		return Response{ID: id, Error: "embedding returned null"}
	}
	return Response{ID: id, Embedding: embedding}
}

func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal response")
		return
	}
	data = append(data, '\n')

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// Probe reports whether a live worker answers the socket path. The
// connection attempt times out after ProbeTimeout.
func Probe(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
