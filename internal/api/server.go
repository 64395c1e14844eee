// Package api implements the HTTP and WebSocket transport for sessions.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/almanac/internal/auth"
	"github.com/nugget/almanac/internal/buildinfo"
	"github.com/nugget/almanac/internal/connwatch"
	"github.com/nugget/almanac/internal/events"
	"github.com/nugget/almanac/internal/memory"
)

// maxBodyBytes bounds a message request body.
const maxBodyBytes = 1 << 20

// sessionIDPattern admits IDs that are safe in URLs and MQTT topics.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Router delivers a message to a session and waits for the answer.
// *router.Router implements it.
type Router interface {
	Route(ctx context.Context, sessionID, userID, text string) (string, error)
	Active() int
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	router   Router
	store    memory.Store
	auth     *auth.Authenticator
	bus      *events.Bus
	usage    UsageReporter
	services func() map[string]connwatch.ServiceStatus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewServer creates a new API server.
func NewServer(address string, port int, rtr Router, store memory.Store, authn *auth.Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if authn == nil {
		authn = auth.New(nil, logger)
	}
	return &Server{
		address: address,
		port:    port,
		router:  rtr,
		store:   store,
		auth:    authn,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// SetEventBus enables streaming of session events to WebSocket clients.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetUsage enables GET /v1/usage.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetServiceStatus adds dependency health to /health.
func (s *Server) SetServiceStatus(fn func() map[string]connwatch.ServiceStatus) {
	s.services = fn
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /v1/sessions", s.authenticated(s.handleCreateSession))
	mux.HandleFunc("GET /v1/sessions", s.authenticated(s.handleListSessions))
	mux.HandleFunc("POST /v1/sessions/{id}/messages", s.authenticated(s.handlePostMessage))
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.authenticated(s.handleHistory))

	// Accounting
	mux.HandleFunc("GET /v1/usage", s.authenticated(s.handleUsage))

	// Streaming
	mux.HandleFunc("GET /ws/{id}", s.authenticated(s.handleWebSocket))

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves HTTP requests until Shutdown. It returns nil after a
// graceful shutdown, including one requested before Start ran.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A turn may run many model rounds before it answers.
		WriteTimeout: 10 * time.Minute,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "single_user", s.auth.SingleUser())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes the WebSocket upgrade through to the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// authenticated resolves the caller before invoking h.
func (s *Server) authenticated(h func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.auth.AuthenticateRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="almanac"`)
			s.errorResponse(w, http.StatusUnauthorized, "authentication_error", "missing or invalid token")
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200 while the process serves; a down
// dependency only marks the status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":          "healthy",
		"active_sessions": s.router.Active(),
		"uptime":          buildinfo.Uptime().String(),
	}
	if s.services != nil {
		services := s.services()
		for _, svc := range services {
			if !svc.Ready {
				resp["status"] = "degraded"
			}
		}
		resp["services"] = services
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}
