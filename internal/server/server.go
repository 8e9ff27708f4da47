// Package server carries commands from the IDE surface to the router over
// a local WebSocket and sends back one response per command.
//
// Each command runs in its own goroutine so slow backend calls do not hold
// up the read loop; responses may therefore arrive out of order and carry
// the request id for correlation.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	hostErrors "github.com/codementor/host/internal/errors"
)

// channelBufferSize is the buffer size for per-client send channels.
const channelBufferSize = 64

// Defaults for the per-client command limiter.
const (
	DefaultCommandRate  = 10
	DefaultCommandBurst = 20
)

// Options configures a Server.
type Options struct {
	Addr   string
	Router *Router
	Logger *zap.Logger

	// CommandRate is the sustained commands per second accepted from one
	// client. Zero means DefaultCommandRate.
	CommandRate float64

	// CommandBurst is how many commands may arrive at once. Zero means
	// DefaultCommandBurst.
	CommandBurst int
}

// Server manages WebSocket connections from IDE surfaces.
type Server struct {
	addr   string
	router *Router
	logger *zap.Logger

	upgrader websocket.Upgrader

	commandRate  rate.Limit
	commandBurst int

	// clients tracks connected clients. Guarded by mu.
	clients map[*Client]bool
	mu      sync.RWMutex
	stopped bool

	httpServer *http.Server
	startTime  time.Time

	// ctx is the parent of every command context; cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks pumps and in-flight commands so Stop can wait for them.
	wg sync.WaitGroup
}

// NewServer creates a Server. Call Handler or StartAsync to serve it.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.CommandRate
	if limit <= 0 {
		limit = DefaultCommandRate
	}

	burst := opts.CommandBurst
	if burst <= 0 {
		burst = DefaultCommandBurst
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:         opts.Addr,
		router:       opts.Router,
		logger:       logger.Named("server"),
		commandRate:  rate.Limit(limit),
		commandBurst: burst,
		clients:      make(map[*Client]bool),
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
		upgrader: websocket.Upgrader{
			// Only loopback peers are accepted, and editor webviews send
			// origins such as vscode-webview://, so origin is not checked.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Handler returns the HTTP handler with every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// StartAsync listens on the configured address and serves in a goroutine.
// The returned channel receives nil once listening, or the listen error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	s.addr = ln.Addr().String()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errCh <- nil
		close(errCh)

		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()

	return errCh
}

// Stop closes every client, cancels in-flight commands and waits for them
// to finish. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for client := range s.clients {
		client.closeSend()
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	s.cancel()

	var err error
	if httpServer != nil {
		err = httpServer.Close()
	}
	s.wg.Wait()
	return err
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status           string `json:"status"`
	Session          string `json:"session"`
	ConnectedClients int    `json:"connected_clients"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: local-only endpoint", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := HealthResponse{
		Status:           "ok",
		ConnectedClients: s.ClientCount(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
	}
	if s.router != nil {
		resp.Session = string(s.router.SessionStatus())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encode health response", zap.Error(err))
	}
}

// handleWebSocket upgrades a loopback connection and starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		s.logger.Warn("rejected non-loopback connection", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Forbidden: local-only endpoint", http.StatusForbidden)
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("connection rejected",
			zap.Error(hostErrors.Wrap(hostErrors.CodeServerUpgradeFailed, "websocket upgrade failed", err)))
		return
	}

	id := uuid.NewString()
	client := &Client{
		id:      id,
		conn:    conn,
		send:    make(chan *Response, channelBufferSize),
		done:    make(chan struct{}),
		server:  s,
		limiter: rate.NewLimiter(s.commandRate, s.commandBurst),
		logger:  s.logger.With(zap.String("client", id)),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	s.wg.Add(2)
	s.mu.Unlock()

	client.logger.Info("client connected", zap.Int("clients", s.ClientCount()))

	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// isLoopbackRequest reports whether the request came from this machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
