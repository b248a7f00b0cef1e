package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/craigderington/lazysocks/internal/tunnel"
	"github.com/craigderington/lazysocks/pkg/types"
)

// Server exposes read-only status over HTTP: a health check, Prometheus
// metrics, the current forward list, and a websocket feed of status/ready
// events. It never mutates the wrapped Tunnel — forwards are still added
// through Tunnel.AddForward/AddReverseForward before the server starts.
type Server struct {
	addr        string
	t           *tunnel.Tunnel
	router      *mux.Router
	server      *http.Server
	logger      zerolog.Logger
	metrics     *Metrics
	wsManager   *WebSocketManager
	rateLimiter *RateLimiter
}

// Config holds server construction parameters.
type Config struct {
	Addr        string
	Tunnel      *tunnel.Tunnel
	Logger      zerolog.Logger
	Metrics     *Metrics
	WebSocket   *WebSocketManager
	RateLimiter *RateLimiter
}

// NewServer builds a Server. It does not hook into the tunnel itself:
// StatusCallback must be passed to Tunnel.Start for status events to reach
// the Prometheus counters and the websocket broadcaster.
func NewServer(config Config) *Server {
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	wsManager := config.WebSocket
	if wsManager == nil {
		wsManager = NewWebSocketManager()
		wsManager.Start()
	}

	rateLimiter := config.RateLimiter
	if rateLimiter == nil {
		rateLimiter = NewRateLimiter(10, 20)
	}

	s := &Server{
		addr:        config.Addr,
		t:           config.Tunnel,
		router:      mux.NewRouter(),
		logger:      config.Logger,
		metrics:     metrics,
		wsManager:   wsManager,
		rateLimiter: rateLimiter,
	}

	s.setupRoutes()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// StatusCallback returns a types.StatusCallback that feeds this server's
// metrics and websocket broadcast. Pass it to Tunnel.Start.
func (s *Server) StatusCallback() types.StatusCallback {
	return func(kind types.StatusKind, err error, forward *types.ForwardSpec) {
		s.metrics.StatusEventsTotal.WithLabelValues(string(kind)).Inc()
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		s.wsManager.BroadcastStatus(forward.ID, string(kind), errMsg)
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimiter.Middleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	api.Handle("/metrics", HandleMetrics()).Methods("GET", "OPTIONS")
	api.HandleFunc("/forwards", s.handleListForwards).Methods("GET", "OPTIONS")
	api.HandleFunc("/forwards/{id}", s.handleGetForward).Methods("GET", "OPTIONS")
	api.HandleFunc("/ws", s.wsManager.HandleWebSocket)
}

func (s *Server) handleGetForward(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	for _, f := range s.t.Snapshot() {
		if f.ID == id {
			s.respondJSON(w, http.StatusOK, f)
			return
		}
	}
	s.notFound(w, "forward "+id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListForwards(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.t.Snapshot())
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("starting monitor server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and the websocket manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down monitor server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown monitor http server: %w", err)
	}
	s.wsManager.Stop()
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}
