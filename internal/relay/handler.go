package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler upgrades downstream connections and runs one Bridge per
// connection. Each bridge has its own upstream socket; nothing is shared
// between consumers.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	ctx context.Context

	mu      sync.Mutex
	bridges map[string]*Bridge

	onQueue func(depth int)
}

// NewHandler creates a Handler. Bridges are torn down when ctx is cancelled
// or CloseAll is called. checkOrigin may be nil to accept any origin.
func NewHandler(ctx context.Context, cfg Config, checkOrigin func(*http.Request) bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log:     logger,
		ctx:     ctx,
		bridges: make(map[string]*Bridge),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	down, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("relay: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := uuid.NewString()
	b := newBridge(h.ctx, id, h.cfg, down, h.log.With("bridge", id))
	b.onQueue = h.onQueue

	h.mu.Lock()
	h.bridges[id] = b
	h.mu.Unlock()

	h.log.Info("relay: downstream connected", "bridge", id, "remote", r.RemoteAddr)
	b.Run()

	h.mu.Lock()
	delete(h.bridges, id)
	h.mu.Unlock()
	h.log.Info("relay: bridge closed", "bridge", id)
}

// Active returns the number of open bridges.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bridges)
}

// CloseAll tears down every open bridge. Hijacked connections are not
// closed by http.Server.Shutdown, so the server calls this on the way out.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	bridges := make([]*Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		bridges = append(bridges, b)
	}
	h.mu.Unlock()

	for _, b := range bridges {
		b.Close()
	}
}
