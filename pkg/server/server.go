package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aeolun/teamchat/pkg/database"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server owns the HTTP API, the WebSocket hub, and the metrics endpoint
type Server struct {
	config   ServerConfig
	db       *database.DB
	hub      *Hub
	auth     *AuthService
	validate *validator.Validate

	metrics  *Metrics
	registry *prometheus.Registry

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener

	upgrader websocket.Upgrader

	errorLog *log.Logger
	debugLog *log.Logger
}

// Options tunes server construction beyond what the config file carries
type Options struct {
	LogDir      string
	EnableDebug bool
}

// NewServer wires a server instance around an open database
func NewServer(db *database.DB, config ServerConfig, opts Options) (*Server, error) {
	auth, err := NewAuthService(config.JWTSecret, time.Duration(config.TokenTTLHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	metrics, registry := NewMetrics()

	s := &Server{
		config:   config,
		db:       db,
		auth:     auth,
		validate: validator.New(),
		metrics:  metrics,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API is token-authenticated, not cookie-authenticated, so
			// cross-origin upgrades carry no ambient credentials.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if err := s.initLoggers(opts.LogDir, opts.EnableDebug); err != nil {
		return nil, err
	}
	s.hub = NewHub(metrics, s.errorLog, s.debugLog)

	return s, nil
}

// initLoggers sets up error and debug loggers. Errors always go to stderr and,
// when a log directory is given, to errors.log; debug output goes to server.log
// only when enabled.
func (s *Server) initLoggers(logDir string, enableDebug bool) error {
	errorOut := io.Writer(os.Stderr)
	debugOut := io.Writer(io.Discard)
	if enableDebug {
		debugOut = os.Stderr
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		errorFile, err := os.OpenFile(filepath.Join(logDir, "errors.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open error log: %w", err)
		}
		errorOut = io.MultiWriter(os.Stderr, errorFile)

		if enableDebug {
			debugFile, err := os.OpenFile(filepath.Join(logDir, "server.log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("failed to open debug log: %w", err)
			}
			debugOut = io.MultiWriter(os.Stderr, debugFile)
		}
	}

	s.errorLog = log.New(errorOut, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	s.debugLog = log.New(debugOut, "DEBUG: ", log.Ldate|log.Ltime)
	return nil
}

// routes builds the API route table
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Setup and auth (no token required)
	mux.HandleFunc("GET /api/setup", s.handleSetupStatus)
	mux.HandleFunc("POST /api/setup", s.handleSetup)
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	// Current user
	mux.HandleFunc("GET /api/user", s.requireAuth(s.handleCurrentUser))
	mux.HandleFunc("PATCH /api/user", s.requireAuth(s.handleUpdateProfile))
	mux.HandleFunc("PATCH /api/user/password", s.requireAuth(s.handleUpdatePassword))
	mux.HandleFunc("GET /api/users", s.requireAuth(s.handleListUsers))

	// Channels and messages
	mux.HandleFunc("GET /api/channels", s.requireAuth(s.handleListChannels))
	mux.HandleFunc("POST /api/channels", s.requireAuth(s.handleCreateChannel))
	mux.HandleFunc("GET /api/channels/{id}", s.requireAuth(s.handleGetChannel))
	mux.HandleFunc("PATCH /api/channels/{id}", s.requireAuth(s.handleUpdateChannel))
	mux.HandleFunc("DELETE /api/channels/{id}", s.requireAuth(s.handleDeleteChannel))
	mux.HandleFunc("GET /api/channels/{id}/messages", s.requireAuth(s.handleListChannelMessages))
	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handleCreateMessage))
	mux.HandleFunc("PATCH /api/messages/{id}", s.requireAuth(s.handleUpdateMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", s.requireAuth(s.handleDeleteMessage))

	// Direct messages
	mux.HandleFunc("POST /api/dms", s.requireAuth(s.handleCreateDM))
	mux.HandleFunc("GET /api/dms/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /api/dms/{userId}", s.requireAuth(s.handleGetConversation))

	// Reports
	mux.HandleFunc("POST /api/reports", s.requireAuth(s.handleCreateReport))

	// Admin console
	mux.HandleFunc("GET /api/admin/users", s.requireRole("admin", s.handleAdminListUsers))
	mux.HandleFunc("PATCH /api/admin/users/{id}/role", s.requireRole("admin", s.handleUpdateUserRole))
	mux.HandleFunc("POST /api/admin/users/{id}/ban", s.requireRole("moderator", s.handleBanUser))
	mux.HandleFunc("POST /api/admin/users/{id}/timeout", s.requireRole("moderator", s.handleTimeoutUser))
	mux.HandleFunc("GET /api/admin/reports", s.requireRole("moderator", s.handleAdminListReports))
	mux.HandleFunc("PATCH /api/admin/reports/{id}", s.requireRole("moderator", s.handleUpdateReport))
	mux.HandleFunc("GET /api/admin/logs", s.requireRole("moderator", s.handleAdminListLogs))

	// Real-time event stream
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.withRequestMetrics(mux)
}

// handleWebSocket authenticates and upgrades a client socket, then hands it
// to the hub. An upgrade without a valid token is rejected before upgrading.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, _, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.hub.Register(ws, user.ID)
}

// statusRecorder captures the response status for request metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrade hijacks the connection; hijacking doesn't survive the
		// recorder wrapper, so the socket endpoint bypasses request metrics.
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.metrics.RequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// Start begins listening on the configured ports. It returns once the
// listeners are bound; request serving continues in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.HTTPPort, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf("localhost:%d", s.config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.debugLog.Printf("Server listening on %s", s.Addr())
	return nil
}

// Addr returns the bound address of the HTTP listener. Useful when the
// configured port is 0 and the OS picked one.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Hub exposes the fan-out core, mainly for tests
func (s *Server) Hub() *Hub {
	return s.hub
}

// Stop shuts down gracefully: stop accepting requests, close all sockets,
// wait for in-flight work up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.hub.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
