// Package exchanges maps an exchange identifier to its wire protocol and
// builds supervised feeds from configuration.
package exchanges

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/depthrelay/depthrelay/internal/adapter"
	"github.com/depthrelay/depthrelay/internal/adapter/binance"
	"github.com/depthrelay/depthrelay/internal/adapter/bingx"
	"github.com/depthrelay/depthrelay/internal/adapter/bybit"
	"github.com/depthrelay/depthrelay/internal/adapter/kucoin"
	"github.com/depthrelay/depthrelay/internal/adapter/mexc"
	"github.com/depthrelay/depthrelay/internal/config"
)

type protocolFunc func(cfg *config.Config, market adapter.Market) (adapter.Protocol, error)

func pick(market adapter.Market, ec config.ExchangeConfig) string {
	if market == adapter.MarketSpot {
		return ec.SpotURL
	}
	return ec.FuturesURL
}

// protocols is the dispatch table from exchange to parser.
var protocols = map[adapter.Exchange]protocolFunc{
	adapter.ExchangeBinance: func(cfg *config.Config, m adapter.Market) (adapter.Protocol, error) {
		return binance.New(m, pick(m, cfg.Binance), cfg.Binance.Trades)
	},
	adapter.ExchangeBybit: func(cfg *config.Config, m adapter.Market) (adapter.Protocol, error) {
		return bybit.New(m, pick(m, cfg.Bybit), cfg.Bybit.Trades)
	},
	adapter.ExchangeBingX: func(cfg *config.Config, m adapter.Market) (adapter.Protocol, error) {
		return bingx.New(m, pick(m, cfg.BingX), cfg.BingX.Trades)
	},
	adapter.ExchangeKuCoin: func(cfg *config.Config, m adapter.Market) (adapter.Protocol, error) {
		return kucoin.New(m, cfg.KuCoin.Trades)
	},
	adapter.ExchangeMEXC: func(cfg *config.Config, m adapter.Market) (adapter.Protocol, error) {
		return mexc.New(m, cfg.MEXC.URL, cfg.MEXC.Trades)
	},
}

// Supported returns the known exchange identifiers, sorted.
func Supported() []adapter.Exchange {
	out := make([]adapter.Exchange, 0, len(protocols))
	for ex := range protocols {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// unknownExchange names the exchanges a caller could have asked for.
func unknownExchange(name string) error {
	supported := Supported()
	names := make([]string, len(supported))
	for i, ex := range supported {
		names[i] = string(ex)
	}
	return fmt.Errorf("%w: %q (supported: %s)", adapter.ErrUnknownExchange, name, strings.Join(names, ", "))
}

// Protocol returns the parser for (exchange, market).
func Protocol(cfg *config.Config, ex adapter.Exchange, market adapter.Market) (adapter.Protocol, error) {
	fn, ok := protocols[ex]
	if !ok {
		return nil, unknownExchange(string(ex))
	}
	return fn(cfg, market)
}

// NewKey validates and normalizes user input into a FeedKey. The symbol may
// be spelled any common way (btc-usdt, BTC_USDT, BTCUSDT).
func NewKey(exchange, market, symbol string) (adapter.FeedKey, error) {
	ex := adapter.Exchange(strings.ToLower(strings.TrimSpace(exchange)))
	if _, ok := protocols[ex]; !ok {
		return adapter.FeedKey{}, unknownExchange(exchange)
	}
	m, err := adapter.ParseMarket(strings.ToLower(strings.TrimSpace(market)))
	if err != nil {
		return adapter.FeedKey{}, err
	}
	sym, err := adapter.NormalizeSymbol(symbol)
	if err != nil {
		return adapter.FeedKey{}, err
	}
	return adapter.FeedKey{Exchange: ex, Market: m, Symbol: sym}, nil
}

// ParseKey parses "exchange/market/SYMBOL", the form used in config and as
// the health service name.
func ParseKey(s string) (adapter.FeedKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return adapter.FeedKey{}, fmt.Errorf("exchanges: feed %q is not exchange/market/symbol", s)
	}
	return NewKey(parts[0], parts[1], parts[2])
}

// Builder turns FeedKeys into running supervisors.
type Builder struct {
	cfg       *config.Config
	sessions  adapter.SessionSource
	depth     adapter.DepthFetcher
	publisher adapter.Publisher
	onState   func(adapter.FeedKey, adapter.ConnState)
	onStop    func(adapter.FeedKey)
	log       *slog.Logger
}

// BuilderDeps are the shared collaborators every supervisor is wired to.
type BuilderDeps struct {
	Sessions  adapter.SessionSource
	Depth     adapter.DepthFetcher
	Publisher adapter.Publisher
	OnState   func(adapter.FeedKey, adapter.ConnState)
	OnStop    func(adapter.FeedKey)
	Logger    *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg *config.Config, deps BuilderDeps) *Builder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:       cfg,
		sessions:  deps.Sessions,
		depth:     deps.Depth,
		publisher: deps.Publisher,
		onState:   deps.OnState,
		onStop:    deps.OnStop,
		log:       logger,
	}
}

// Supervisor implements adapter.SupervisorFactory.
func (b *Builder) Supervisor(key adapter.FeedKey) (*adapter.Supervisor, error) {
	logger := b.log.With("exchange", string(key.Exchange), "market", string(key.Market), "symbol", key.Symbol)

	sc := adapter.SupervisorConfig{
		Key: key,
		Backoff: adapter.BackoffConfig{
			Base:   b.cfg.Backoff.Base,
			Max:    b.cfg.Backoff.Max,
			Factor: b.cfg.Backoff.Factor,
		},
		Publisher: b.publisher,
		OnState:   b.onState,
		OnStop:    b.onStop,
		Logger:    logger,
	}

	if key.Exchange == adapter.ExchangeMEXC && b.cfg.MEXC.Mode == "poll" {
		if key.Market != adapter.MarketFutures {
			return nil, fmt.Errorf("exchanges: mexc poll: %w: %q", adapter.ErrUnsupportedMarket, key.Market)
		}
		if b.depth == nil {
			return nil, fmt.Errorf("exchanges: mexc poll mode needs a depth client")
		}
		sc.NewSource = func(_ *adapter.Session, _ func(adapter.ConnState)) adapter.Source {
			return adapter.NewDepthPoller(adapter.PollerConfig{
				Key:      key,
				Fetcher:  b.depth,
				Limit:    b.cfg.MEXC.PollLimit,
				Depth:    b.cfg.Book.Depth,
				Interval: b.cfg.MEXC.PollInterval,
				Logger:   logger,
			})
		}
		return adapter.NewSupervisor(sc), nil
	}

	proto, err := Protocol(b.cfg, key.Exchange, key.Market)
	if err != nil {
		return nil, err
	}
	if _, err := proto.Symbols().Format(key.Symbol); err != nil {
		return nil, err
	}
	if proto.NeedsSession() {
		if b.sessions == nil {
			return nil, fmt.Errorf("exchanges: %s needs a session source", key.Exchange)
		}
		sc.Sessions = b.sessions
		sc.Refresh = b.cfg.KuCoin.Refresh
	}
	sc.NewSource = func(sess *adapter.Session, onState func(adapter.ConnState)) adapter.Source {
		return adapter.NewFeed(adapter.FeedConfig{
			Key:              key,
			Protocol:         proto,
			Session:          sess,
			Depth:            b.cfg.Book.Depth,
			HeartbeatTimeout: b.cfg.Book.HeartbeatTimeout,
			OnState:          onState,
			Logger:           logger,
		})
	}
	return adapter.NewSupervisor(sc), nil
}
