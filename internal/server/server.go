// Package server is the public HTTP surface: REST pass-through endpoints,
// the relay socket, the consumer book stream and a status endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/depthrelay/depthrelay/internal/adapter"
	"github.com/depthrelay/depthrelay/internal/adapter/mexc"
	"github.com/depthrelay/depthrelay/internal/config"
)

// Registry hands out reference-counted feeds.
type Registry interface {
	Acquire(key adapter.FeedKey) (*adapter.Supervisor, error)
	Release(key adapter.FeedKey) error
	List() []adapter.FeedStatus
}

// Events delivers a single feed's events.
type Events interface {
	Subscribe(key adapter.FeedKey) (<-chan adapter.Event, func())
}

// DepthSource fetches a REST depth snapshot.
type DepthSource interface {
	Depth(ctx context.Context, symbol string, limit int) (*mexc.Depth, error)
}

// RelayHandler serves the downstream relay socket.
type RelayHandler interface {
	http.Handler
	Active() int
	CloseAll()
}

// Deps are the collaborators behind each route. A nil dependency disables
// its route.
type Deps struct {
	Sessions adapter.SessionSource
	Depth    DepthSource
	Registry Registry
	Events   Events
	Relay    RelayHandler
	Logger   *slog.Logger
}

// Server represents the HTTP server.
type Server struct {
	cfg      config.HTTPConfig
	book     config.BookConfig
	deps     Deps
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	// ctx ends every consumer stream on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server; call Start to listen.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg.HTTP,
		book:   cfg.Book,
		deps:   deps,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     OriginChecker(cfg.HTTP.AllowedOrigins),
	}

	mux := http.NewServeMux()
	if deps.Sessions != nil {
		mux.HandleFunc("GET /api/kucoin-session", s.handleKuCoinSession)
	}
	if deps.Depth != nil {
		mux.HandleFunc("GET /api/mexc/perp-depth", s.handleMEXCDepth)
	}
	if deps.Relay != nil {
		mux.Handle("GET "+cfg.Relay.Path, deps.Relay)
	}
	if deps.Registry != nil && deps.Events != nil {
		mux.HandleFunc("GET /ws/book", s.handleBookStream)
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.cors(mux),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the root handler with CORS applied.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start listens on the configured address. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server: listening", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends consumer streams and relay
// bridges, and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s.cancel()
	if s.deps.Relay != nil {
		s.deps.Relay.CloseAll()
	}
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status  string               `json:"status"`
	Feeds   []adapter.FeedStatus `json:"feeds"`
	Bridges int                  `json:"bridges"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Feeds: []adapter.FeedStatus{}}
	if s.deps.Registry != nil {
		resp.Feeds = s.deps.Registry.List()
	}
	if s.deps.Relay != nil {
		resp.Bridges = s.deps.Relay.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
