package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/depthrelay/depthrelay/internal/adapter"
	"github.com/depthrelay/depthrelay/internal/adapter/mexc"
)

const defaultDepthLimit = 50

type sessionEndpoint struct {
	URL string `json:"url"`
}

type sessionResponse struct {
	Token          string            `json:"token"`
	Endpoints      []sessionEndpoint `json:"endpoints"`
	PingIntervalMs int64             `json:"pingIntervalMs"`
	PingTimeoutMs  int64             `json:"pingTimeoutMs"`
	IssuedAt       int64             `json:"issuedAt"`
}

// handleKuCoinSession issues a fresh KuCoin socket session. The market comes
// from ?market= or its alias ?product= and defaults to spot.
func (s *Server) handleKuCoinSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("market")
	if raw == "" {
		raw = q.Get("product")
	}
	if raw == "" {
		raw = string(adapter.MarketSpot)
	}
	market, err := adapter.ParseMarket(strings.ToLower(raw))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sess, err := s.deps.Sessions.Acquire(r.Context(), market)
	if err != nil {
		s.logger.Error("server: kucoin session failed", "market", string(market), "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Token:          sess.Token,
		Endpoints:      []sessionEndpoint{{URL: sess.Endpoint}},
		PingIntervalMs: sess.PingInterval.Milliseconds(),
		PingTimeoutMs:  sess.PingTimeout.Milliseconds(),
		IssuedAt:       sess.IssuedAt.UnixMilli(),
	})
}

type depthResponse struct {
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Version   int64       `json:"version,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

func pairs(levels []adapter.PriceLevel) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price, l.Size}
	}
	return out
}

// handleMEXCDepth proxies the MEXC contract depth endpoint. symbol defaults
// to BTC_USDT and limit to 50, capped at 100.
func (s *Server) handleMEXCDepth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := strings.ToUpper(strings.TrimSpace(q.Get("symbol")))
	if symbol == "" {
		symbol = "BTC_USDT"
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultDepthLimit
	}
	limit = min(limit, mexc.MaxDepthLimit)

	d, err := s.deps.Depth.Depth(r.Context(), symbol, limit)
	if err != nil {
		s.logger.Error("server: mexc depth failed", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := depthResponse{
		Bids:    pairs(d.Bids),
		Asks:    pairs(d.Asks),
		Version: d.Version,
	}
	if !d.Timestamp.IsZero() {
		resp.Timestamp = d.Timestamp.UnixMilli()
	}
	writeJSON(w, http.StatusOK, resp)
}
