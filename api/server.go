package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rescp17/peerFileSharer/pkg/concurrency"
	"github.com/rescp17/peerFileSharer/pkg/session"
	"github.com/rescp17/peerFileSharer/pkg/system"
)

// ServerConfig holds the signaling server settings.
type ServerConfig struct {
	Listen         string        `toml:"listen" json:"listen"`
	MaxConnections int           `toml:"max_connections" json:"max_connections"`
	OutboxSize     int           `toml:"outbox_size" json:"outbox_size"`
	PingInterval   time.Duration `toml:"ping_interval" json:"ping_interval"`
	// Announce advertises the server on the LAN over mDNS.
	Announce bool           `toml:"announce" json:"announce"`
	Session  session.Config `toml:"session" json:"session"`
}

const (
	DefaultListen = ":7373"

	maxFrameSize    = 64 * 1024
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:         DefaultListen,
		MaxConnections: 256,
		OutboxSize:     256,
		PingInterval:   20 * time.Second,
		Session:        session.DefaultConfig(),
	}
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.OutboxSize <= 0 {
		return errors.New("outbox_size must be positive")
	}
	if c.PingInterval < time.Second {
		return errors.New("ping_interval cannot be less than 1s")
	}
	return c.Session.Validate()
}

// pongWait is how long a socket may stay silent before it is dropped.
func (c *ServerConfig) pongWait() time.Duration {
	return c.PingInterval * 5 / 2
}

// Server is the rendezvous endpoint. It satisfies http.Handler.
type Server struct {
	cfg      ServerConfig
	registry *session.Registry
	guard    *concurrency.ConcurrencyGuard
	monitor  *system.SystemMonitor
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	conns    sync.WaitGroup
}

// NewServer creates a server around registry.
func NewServer(cfg ServerConfig, registry *session.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		guard:    concurrency.NewConcurrencyGuard(cfg.MaxConnections),
		monitor:  system.NewSystemMonitor(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.Handle("GET /ws", s.admissionMiddleware(http.HandlerFunc(s.SocketHandler)))
	s.mux.HandleFunc("GET /api/find/{code}", s.FindHandler)
	s.mux.HandleFunc("GET /healthz", s.HealthHandler)
}

// Registry exposes the session registry.
func (s *Server) Registry() *session.Registry { return s.registry }

// admissionMiddleware rejects sockets beyond MaxConnections.
func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := s.guard.Execute(func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if errors.Is(err, concurrency.ErrBusy) {
			slog.Warn("Socket rejected, server is busy", "remote", r.RemoteAddr, "active", s.guard.Active())
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": concurrency.ErrBusy.Error(),
			})
		}
	})
}

// SocketHandler upgrades the request and serves one signaling connection.
// A "session" query parameter resumes an existing session.
func (s *Server) SocketHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	c := newConn(ws, s.cfg.OutboxSize)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(s.cfg.PingInterval)
	}()
	defer func() {
		c.shutdown()
		<-writerDone
	}()

	var id string
	if resume := r.URL.Query().Get("session"); resume != "" {
		if _, err := s.registry.Resume(resume, c); err != nil {
			slog.Info("Resume refused", "session", resume, "remote", r.RemoteAddr, "error", err)
			c.send(errorFrame(0, err))
			return
		}
		id = resume
		c.send(Frame{Type: FrameSession, Session: id})
	} else {
		snap, err := s.registry.Open(c)
		if err != nil {
			c.send(errorFrame(0, err))
			return
		}
		id = snap.ID
		c.send(Frame{Type: FrameSession, Session: id})
	}
	slog.Debug("Signaling connection open", "session", id, "remote", r.RemoteAddr)

	c.readPump(s.cfg.pongWait(), func(f Frame) { s.dispatch(c, id, f) })

	cause := session.CauseClientGone
	if c.closedByServer() {
		cause = session.CauseServerTeardown
	}
	s.registry.Disconnect(id, c, cause)
	slog.Debug("Signaling connection closed", "session", id, "remote", r.RemoteAddr)
}

// dispatch handles one client frame.
func (s *Server) dispatch(c *conn, id string, f Frame) {
	switch f.Type {
	case FrameRegister:
		if f.File == nil {
			c.send(errorFrame(f.ID, session.ErrNoCandidate))
			return
		}
		code, key, err := s.registry.Register(id, *f.File)
		if err != nil {
			c.send(errorFrame(f.ID, err))
			return
		}
		c.send(Frame{Type: FrameRegistered, ID: f.ID, Code: code, Key: key})
	case FrameFind:
		file, available, err := s.registry.Find(f.Code)
		if err != nil {
			c.send(errorFrame(f.ID, err))
			return
		}
		c.send(Frame{Type: FrameFound, ID: f.ID, File: &file, Available: available})
	case FrameRequest:
		match, err := s.registry.Request(id, f.Code)
		if err != nil {
			c.send(errorFrame(f.ID, err))
			return
		}
		c.send(Frame{Type: FrameMatched, ID: f.ID, File: &match.File, Key: match.Key, Peer: match.Peer})
	case FrameForward:
		msg := session.Message{Kind: f.Kind, Index: f.Index, Payload: f.Payload}
		if err := s.registry.Relay(id, f.To, msg); err != nil {
			c.send(errorFrame(f.ID, err))
		}
	case FrameComplete:
		slog.Info("Transfer complete", "session", id)
		s.registry.Destroy(id)
	default:
		slog.Debug("Unknown frame", "session", id, "type", f.Type)
		c.send(errorFrame(f.ID, session.ErrInternal))
	}
}

// FindHandler serves GET /api/find/{code}.
func (s *Server) FindHandler(w http.ResponseWriter, r *http.Request) {
	file, available, err := s.registry.Find(r.PathValue("code"))
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, session.ErrNoCandidate) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"reason": reasonOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, Preview{
		Name:      file.Name,
		Mime:      file.Mime,
		Size:      file.Size,
		Available: available,
	})
}

// HealthHandler serves GET /healthz.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
		"sockets":  s.guard.Active(),
		"runtime":  s.monitor.GetResourceUsage(),
	})
}

// Serve accepts connections on ln until ctx is cancelled, then destroys
// every session and shuts down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Signaling server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.registry.Close()
		return fmt.Errorf("signaling server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down signaling server")
	s.registry.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown signaling server: %w", err)
	}
	// Hijacked websocket connections are not tracked by Shutdown.
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("Signaling connections still open at shutdown deadline")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}
