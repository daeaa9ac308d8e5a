package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/depthrelay/depthrelay/internal/adapter"
	"github.com/depthrelay/depthrelay/internal/adapter/kucoin"
	"github.com/depthrelay/depthrelay/internal/adapter/mexc"
	"github.com/depthrelay/depthrelay/internal/config"
	"github.com/depthrelay/depthrelay/internal/exchanges"
	"github.com/depthrelay/depthrelay/internal/health"
	"github.com/depthrelay/depthrelay/internal/kms"
	"github.com/depthrelay/depthrelay/internal/logger"
	"github.com/depthrelay/depthrelay/internal/relay"
	"github.com/depthrelay/depthrelay/internal/server"
)

func main() {
	defer memguard.Purge()

	configFile := pflag.StringP("config", "c", "", "path to a config file (yaml, json or toml)")
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("depthrelay starting", "env", cfg.Env, "addr", cfg.HTTP.Addr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("depthrelay stopped with error", "error", err)
		memguard.Purge()
		os.Exit(1)
	}
	log.Info("depthrelay stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	creds, err := kucoinCredentials(ctx, cfg)
	if err != nil {
		return err
	}
	sessions := kucoin.NewSessionManager(kucoin.SessionConfig{
		SpotURL:     cfg.KuCoin.SpotAPI,
		FuturesURL:  cfg.KuCoin.FuturesAPI,
		TTL:         cfg.KuCoin.SessionTTL,
		Credentials: creds,
	})
	depth := mexc.NewDepthClient(cfg.MEXC.RESTURL, nil)
	events := adapter.NewBroadcaster(log)

	hs, err := health.New(cfg.Health.SocketPath)
	if err != nil {
		return err
	}
	healthEvents, unsubscribeHealth := events.SubscribeAll()
	defer unsubscribeHealth()
	monitor := adapter.NewHealthMonitor(adapter.HealthConfig{
		StaleThreshold: cfg.Health.StaleThreshold,
		PollInterval:   cfg.Health.PollInterval,
	}, hs, healthEvents)

	builder := exchanges.NewBuilder(cfg, exchanges.BuilderDeps{
		Sessions:  sessions,
		Depth:     depth,
		Publisher: events,
		OnState:   monitor.OnState,
		OnStop:    monitor.Forget,
		Logger:    log,
	})
	registry := adapter.NewFeedRegistry(ctx, builder.Supervisor, log)

	relayHandler := relay.NewHandler(ctx, relay.Config{
		Upstream:      cfg.Relay.Upstream,
		MaxQueue:      cfg.Relay.MaxQueue,
		DefaultSub:    cfg.Relay.DefaultSub,
		DefaultMethod: cfg.Relay.DefaultMethod,
		DefaultSymbol: cfg.Relay.DefaultSymbol,
		DefaultLimit:  cfg.Relay.DefaultLimit,
	}, server.OriginChecker(cfg.HTTP.AllowedOrigins), log)

	srv := server.New(cfg, server.Deps{
		Sessions: sessions,
		Depth:    depth,
		Registry: registry,
		Events:   events,
		Relay:    relayHandler,
		Logger:   log,
	})

	var wg conc.WaitGroup
	errCh := make(chan error, 2)
	wg.Go(func() {
		if err := hs.Serve(); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	})
	wg.Go(func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	})
	wg.Go(func() { monitor.Run(ctx) })

	var redisClient *adapter.GoRedis
	if cfg.Redis.Enabled {
		redisClient = adapter.NewGoRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		mirrorEvents, unsubscribeMirror := events.SubscribeAll()
		defer unsubscribeMirror()
		writer := adapter.NewRedisWriter(redisClient, mirrorEvents, log)
		wg.Go(func() { writer.Run(ctx) })
		log.Info("redis mirror enabled", "addr", cfg.Redis.Addr)
	}

	warm := prewarm(registry, cfg.Feeds, log)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("depthrelay shutting down")
	case runErr = <-errCh:
	}

	// Shutdown order: stop accepting consumers, stop feeds, then the
	// health socket so probes see NOT_SERVING until the end.
	var errs error
	errs = multierr.Append(errs, srv.Shutdown(context.Background()))
	for _, key := range warm {
		errs = multierr.Append(errs, registry.Release(key))
	}
	errs = multierr.Append(errs, registry.CloseAll())
	hs.GracefulStop()
	if redisClient != nil {
		errs = multierr.Append(errs, redisClient.Close())
	}
	wg.Wait()

	if errs != nil {
		log.Warn("shutdown errors", "error", errs)
	}
	return runErr
}

// prewarm acquires the configured feeds so health is reported before any
// consumer connects. Bad entries are logged and skipped.
func prewarm(registry *adapter.FeedRegistry, feeds []string, log *slog.Logger) []adapter.FeedKey {
	keys := make([]adapter.FeedKey, 0, len(feeds))
	for _, f := range feeds {
		key, err := exchanges.ParseKey(f)
		if err != nil {
			log.Warn("skipping feed", "feed", f, "error", err)
			continue
		}
		if _, err := registry.Acquire(key); err != nil {
			log.Warn("skipping feed", "feed", f, "error", err)
			continue
		}
		log.Info("feed pre-warmed", "feed", key.String())
		keys = append(keys, key)
	}
	return keys
}

// kucoinCredentials decrypts the configured API secret, or returns nil for
// public sessions.
func kucoinCredentials(ctx context.Context, cfg *config.Config) (*kucoin.Credentials, error) {
	if !cfg.KuCoin.Private() {
		return nil, nil
	}
	client, err := kms.New(ctx, cfg.KuCoin.AWSRegion, cfg.LocalStackEndpoint)
	if err != nil {
		return nil, err
	}
	secret, err := kms.DecryptString(ctx, client, cfg.KuCoin.SecretCiphertext)
	if err != nil {
		return nil, fmt.Errorf("kucoin secret: %w", err)
	}
	return kucoin.NewCredentials(cfg.KuCoin.APIKey, secret, cfg.KuCoin.Passphrase)
}
