package kucoin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const (
	SpotAPI    = "https://api.kucoin.com"
	FuturesAPI = "https://api-futures.kucoin.com"

	publicPath  = "/api/v1/bullet-public"
	privatePath = "/api/v1/bullet-private"

	codeOK = "200000"
)

// DefaultSessionTTL is the validity window assumed for a bullet token.
const DefaultSessionTTL = 60 * time.Second

// tokenResponse is the bullet-public/bullet-private body.
type tokenResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			Protocol     string `json:"protocol"`
			Encrypt      bool   `json:"encrypt"`
			PingInterval int64  `json:"pingInterval"`
			PingTimeout  int64  `json:"pingTimeout"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	SpotURL    string
	FuturesURL string

	// TTL is the validity window recorded on each Session.
	TTL time.Duration

	// Credentials switch acquisition to bullet-private. Nil uses
	// bullet-public.
	Credentials *Credentials

	HTTPClient *http.Client
}

// SessionManager fetches KuCoin bullet tokens. It keeps no cache: every
// Acquire is a fresh REST call, so each feed owns its own session.
type SessionManager struct {
	cfg     SessionConfig
	http    *http.Client
	nowFunc func() time.Time
}

// NewSessionManager creates a SessionManager. Zero fields take defaults.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	if cfg.SpotURL == "" {
		cfg.SpotURL = SpotAPI
	}
	if cfg.FuturesURL == "" {
		cfg.FuturesURL = FuturesAPI
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SessionManager{cfg: cfg, http: client, nowFunc: time.Now}
}

// Acquire requests a new token for market and returns it with the first
// instance server. Every failure is a *adapter.SessionAcquisitionError.
func (m *SessionManager) Acquire(ctx context.Context, market adapter.Market) (*adapter.Session, error) {
	fail := func(status int, err error) error {
		return &adapter.SessionAcquisitionError{Market: market, Status: status, Err: err}
	}

	var base string
	switch market {
	case adapter.MarketSpot:
		base = m.cfg.SpotURL
	case adapter.MarketFutures:
		base = m.cfg.FuturesURL
	default:
		return nil, fail(0, adapter.ErrUnsupportedMarket)
	}

	path := publicPath
	if m.cfg.Credentials != nil {
		path = privatePath
	}

	body := "{}"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewBufferString(body))
	if err != nil {
		return nil, fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.Credentials != nil {
		if err := m.cfg.Credentials.Apply(req, path, body, m.nowFunc()); err != nil {
			return nil, fail(0, fmt.Errorf("sign: %w", err))
		}
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fail(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, fmt.Errorf("unexpected status: %s", bytes.TrimSpace(raw)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("malformed body: %w", err))
	}
	if tr.Code != codeOK {
		return nil, fail(resp.StatusCode, fmt.Errorf("code %s: %s", tr.Code, tr.Msg))
	}
	if tr.Data.Token == "" {
		return nil, fail(resp.StatusCode, errors.New("missing token"))
	}
	if len(tr.Data.InstanceServers) == 0 || tr.Data.InstanceServers[0].Endpoint == "" {
		return nil, fail(resp.StatusCode, errors.New("no instance servers"))
	}

	srv := tr.Data.InstanceServers[0]
	return &adapter.Session{
		Token:        tr.Data.Token,
		Endpoint:     srv.Endpoint,
		IssuedAt:     m.nowFunc(),
		TTL:          m.cfg.TTL,
		PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(srv.PingTimeout) * time.Millisecond,
	}, nil
}
