package mexc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/depthrelay/depthrelay/internal/adapter"
)

const (
	ContractAPI = "https://contract.mexc.com"

	// MaxDepthLimit is the deepest book the depth endpoint returns.
	MaxDepthLimit = 100
)

type depthResponse struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Asks      [][]adapter.FlexString `json:"asks"`
		Bids      [][]adapter.FlexString `json:"bids"`
		Version   int64                  `json:"version"`
		Timestamp int64                  `json:"timestamp"`
	} `json:"data"`
}

// Depth is one REST depth snapshot.
type Depth struct {
	Bids      []adapter.PriceLevel
	Asks      []adapter.PriceLevel
	Version   int64
	Timestamp time.Time
}

// DepthClient fetches contract depth snapshots over REST.
type DepthClient struct {
	base string
	http *http.Client
}

// NewDepthClient creates a client for base (empty for the public API).
func NewDepthClient(base string, client *http.Client) *DepthClient {
	if base == "" {
		base = ContractAPI
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DepthClient{base: strings.TrimSuffix(base, "/"), http: client}
}

// Depth fetches the book for a contract symbol as MEXC spells it
// (BTC_USDT). Dashes are rewritten to underscores and limit is capped at
// MaxDepthLimit.
func (c *DepthClient) Depth(ctx context.Context, symbol string, limit int) (*Depth, error) {
	symbol = strings.ReplaceAll(strings.ToUpper(symbol), "-", "_")
	if limit <= 0 || limit > MaxDepthLimit {
		limit = MaxDepthLimit
	}

	u := fmt.Sprintf("%s/api/v1/contract/depth/%s?limit=%s",
		c.base, url.PathEscape(symbol), strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("mexc: depth: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mexc: depth: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("mexc: depth: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mexc: perp depth error: %d", resp.StatusCode)
	}

	var dr depthResponse
	if err := json.Unmarshal(body, &dr); err != nil {
		return nil, fmt.Errorf("mexc: depth: malformed body: %w", err)
	}
	if !dr.Success && dr.Code != 0 {
		return nil, fmt.Errorf("mexc: depth: code %d: %s", dr.Code, dr.Message)
	}

	bids, err := adapter.Levels(dr.Data.Bids)
	if err != nil {
		return nil, fmt.Errorf("mexc: depth: %w", err)
	}
	asks, err := adapter.Levels(dr.Data.Asks)
	if err != nil {
		return nil, fmt.Errorf("mexc: depth: %w", err)
	}
	d := &Depth{Bids: bids, Asks: asks, Version: dr.Data.Version}
	if dr.Data.Timestamp > 0 {
		d.Timestamp = time.UnixMilli(dr.Data.Timestamp)
	}
	return d, nil
}

// FetchDepth implements adapter.DepthFetcher for a canonical symbol.
func (c *DepthClient) FetchDepth(ctx context.Context, symbol string, limit int) ([]adapter.PriceLevel, []adapter.PriceLevel, error) {
	s, err := symbols.Format(symbol)
	if err != nil {
		return nil, nil, err
	}
	d, err := c.Depth(ctx, s, limit)
	if err != nil {
		return nil, nil, err
	}
	return d.Bids, d.Asks, nil
}
