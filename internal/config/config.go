package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config holds all application configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	HTTP               HTTPConfig
	Health             HealthConfig
	Book               BookConfig
	Backoff            BackoffConfig
	Feeds              []string
	KuCoin             KuCoinConfig
	Binance            ExchangeConfig
	Bybit              ExchangeConfig
	BingX              ExchangeConfig
	MEXC               MEXCConfig
	Relay              RelayConfig
	Redis              RedisConfig
	Log                LogConfig
}

// HTTPConfig holds the public listener settings.
type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// HealthConfig holds the gRPC health server and staleness settings.
type HealthConfig struct {
	SocketPath     string        `mapstructure:"socket_path"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// BookConfig controls what consumers see.
type BookConfig struct {
	Depth            int           `mapstructure:"depth"`
	TradeTape        int           `mapstructure:"trade_tape"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// BackoffConfig is the reconnection schedule.
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Factor float64       `mapstructure:"factor"`
}

// ExchangeConfig holds per-exchange socket overrides.
type ExchangeConfig struct {
	SpotURL    string `mapstructure:"spot_url"`
	FuturesURL string `mapstructure:"futures_url"`
	Trades     bool   `mapstructure:"trades"`
}

// KuCoinConfig holds session settings. The API secret is stored as a KMS
// ciphertext (base64) and only decrypted at boot.
type KuCoinConfig struct {
	SpotAPI          string        `mapstructure:"spot_api"`
	FuturesAPI       string        `mapstructure:"futures_api"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	Refresh          time.Duration `mapstructure:"refresh"`
	Trades           bool          `mapstructure:"trades"`
	APIKey           string        `mapstructure:"api_key"`
	Passphrase       string        `mapstructure:"passphrase"`
	SecretCiphertext string        `mapstructure:"secret_ciphertext"`
	AWSRegion        string        `mapstructure:"aws_region"`
}

// Private reports whether API credentials are configured.
func (k KuCoinConfig) Private() bool {
	return k.APIKey != "" && k.SecretCiphertext != ""
}

// MEXCConfig holds MEXC settings. Mode is "ws" or "poll".
type MEXCConfig struct {
	URL          string        `mapstructure:"url"`
	RESTURL      string        `mapstructure:"rest_url"`
	Mode         string        `mapstructure:"mode"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollLimit    int           `mapstructure:"poll_limit"`
	Trades       bool          `mapstructure:"trades"`
}

// RelayConfig configures the downstream relay bridge.
type RelayConfig struct {
	Path          string `mapstructure:"path"`
	Upstream      string `mapstructure:"upstream"`
	MaxQueue      int    `mapstructure:"max_queue"`
	DefaultSub    bool   `mapstructure:"default_sub"`
	DefaultMethod string `mapstructure:"default_method"`
	DefaultSymbol string `mapstructure:"default_symbol"`
	DefaultLimit  int    `mapstructure:"default_limit"`
}

// RedisConfig holds Redis connection settings for the top-of-book mirror.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from environment variables prefixed with
// DEPTHRELAY_ and, when file is non-empty, from that config file. The
// environment wins over the file.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEPTHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	cfg.HTTP = HTTPConfig{
		Addr:              v.GetString("http.addr"),
		AllowedOrigins:    v.GetStringSlice("http.allowed_origins"),
		ReadHeaderTimeout: v.GetDuration("http.read_header_timeout"),
	}

	cfg.Health = HealthConfig{
		SocketPath:     v.GetString("health.socket_path"),
		StaleThreshold: v.GetDuration("health.stale_threshold"),
		PollInterval:   v.GetDuration("health.poll_interval"),
	}

	cfg.Book = BookConfig{
		Depth:            v.GetInt("book.depth"),
		TradeTape:        v.GetInt("book.trade_tape"),
		HeartbeatTimeout: v.GetDuration("book.heartbeat_timeout"),
	}

	cfg.Backoff = BackoffConfig{
		Base:   v.GetDuration("backoff.base"),
		Max:    v.GetDuration("backoff.max"),
		Factor: v.GetFloat64("backoff.factor"),
	}

	cfg.Feeds = v.GetStringSlice("feeds")

	cfg.KuCoin = KuCoinConfig{
		SpotAPI:          v.GetString("kucoin.spot_api"),
		FuturesAPI:       v.GetString("kucoin.futures_api"),
		SessionTTL:       v.GetDuration("kucoin.session_ttl"),
		Refresh:          v.GetDuration("kucoin.refresh"),
		Trades:           v.GetBool("kucoin.trades"),
		APIKey:           v.GetString("kucoin.api_key"),
		Passphrase:       v.GetString("kucoin.passphrase"),
		SecretCiphertext: v.GetString("kucoin.secret_ciphertext"),
		AWSRegion:        v.GetString("kucoin.aws_region"),
	}

	cfg.Binance = exchangeConfig(v, "binance")
	cfg.Bybit = exchangeConfig(v, "bybit")
	cfg.BingX = exchangeConfig(v, "bingx")

	cfg.MEXC = MEXCConfig{
		URL:          v.GetString("mexc.url"),
		RESTURL:      v.GetString("mexc.rest_url"),
		Mode:         strings.ToLower(v.GetString("mexc.mode")),
		PollInterval: v.GetDuration("mexc.poll_interval"),
		PollLimit:    v.GetInt("mexc.poll_limit"),
		Trades:       v.GetBool("mexc.trades"),
	}

	cfg.Relay = RelayConfig{
		Path:          v.GetString("relay.path"),
		Upstream:      v.GetString("relay.upstream"),
		MaxQueue:      v.GetInt("relay.max_queue"),
		DefaultSub:    v.GetBool("relay.default_sub"),
		DefaultMethod: v.GetString("relay.default_method"),
		DefaultSymbol: v.GetString("relay.default_symbol"),
		DefaultLimit:  v.GetInt("relay.default_limit"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("http.addr", ":3001")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.read_header_timeout", 10*time.Second)

	v.SetDefault("health.socket_path", "/var/run/depthrelay/health.sock")
	v.SetDefault("health.stale_threshold", 10*time.Second)
	v.SetDefault("health.poll_interval", time.Second)

	v.SetDefault("book.depth", 10)
	v.SetDefault("book.trade_tape", 1000)
	v.SetDefault("book.heartbeat_timeout", 30*time.Second)

	v.SetDefault("backoff.base", 5*time.Second)
	v.SetDefault("backoff.max", 60*time.Second)
	v.SetDefault("backoff.factor", 2.0)

	v.SetDefault("feeds", []string{})

	v.SetDefault("kucoin.session_ttl", 60*time.Second)
	v.SetDefault("kucoin.refresh", 55*time.Second)
	v.SetDefault("kucoin.aws_region", "us-east-1")

	v.SetDefault("binance.trades", true)

	v.SetDefault("mexc.mode", "ws")
	v.SetDefault("mexc.poll_interval", 1000*time.Millisecond)
	v.SetDefault("mexc.poll_limit", 20)

	v.SetDefault("relay.path", "/ws/mexc")
	v.SetDefault("relay.upstream", "wss://contract.mexc.com/ws")
	v.SetDefault("relay.max_queue", 0)
	v.SetDefault("relay.default_sub", true)
	v.SetDefault("relay.default_method", "sub.dealDepth")
	v.SetDefault("relay.default_symbol", "BTC_USDT")
	v.SetDefault("relay.default_limit", 20)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func exchangeConfig(v *viper.Viper, name string) ExchangeConfig {
	return ExchangeConfig{
		SpotURL:    v.GetString(name + ".spot_url"),
		FuturesURL: v.GetString(name + ".futures_url"),
		Trades:     v.GetBool(name + ".trades"),
	}
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	var errs []error
	if c.Book.Depth <= 0 {
		errs = append(errs, fmt.Errorf("book.depth must be positive, got %d", c.Book.Depth))
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff: need 0 < base <= max, got %s/%s", c.Backoff.Base, c.Backoff.Max))
	}
	if c.Backoff.Factor < 1 {
		errs = append(errs, fmt.Errorf("backoff.factor must be >= 1, got %g", c.Backoff.Factor))
	}
	if c.KuCoin.Refresh >= c.KuCoin.SessionTTL {
		errs = append(errs, fmt.Errorf("kucoin.refresh (%s) must be shorter than kucoin.session_ttl (%s)",
			c.KuCoin.Refresh, c.KuCoin.SessionTTL))
	}
	if c.MEXC.Mode != "ws" && c.MEXC.Mode != "poll" {
		errs = append(errs, fmt.Errorf("mexc.mode must be ws or poll, got %q", c.MEXC.Mode))
	}
	if c.Relay.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("relay.max_queue must be >= 0, got %d", c.Relay.MaxQueue))
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		errs = append(errs, fmt.Errorf("relay.path must start with /, got %q", c.Relay.Path))
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
