// aegisd — request-time security mitigation daemon.
//
// It fronts a multi-tenant HTTP API with an inline decision chain (IP filter,
// fixed-window rate limiter, brute-force guard, suspicious-pattern detector),
// keeps a per-IP reputation table with threshold auto-blocking, and exposes a
// queryable security-event trail over an admin API.
//
// Usage:
//
//	aegisd -config=aegisd.yaml -upstream=http://127.0.0.1:3000
//
// Environment variables:
//
//	AEGISD_API_KEY    - admin API key (alternative to config)
//	AEGISD_REDIS_URL  - shared state store URL (alternative to config)
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegisd-project/aegisd/internal/api"
	"github.com/aegisd-project/aegisd/internal/core"
	"github.com/aegisd-project/aegisd/internal/security"
	"github.com/aegisd-project/aegisd/internal/store"
)

var (
	configFlag     = flag.String("config", "", "Path to YAML config file")
	initConfigFlag = flag.String("init-config", "", "Write a default config file to the given path and exit")
	redisFlag      = flag.String("redis", "", "Redis URL (overrides config, e.g. redis://localhost:6379)")
	upstreamFlag   = flag.String("upstream", "", "Upstream URL to front with the mitigation chain (optional)")
	protectedAddr  = flag.String("protected-addr", ":8080", "Listen address for the protected surface (with -upstream)")
	tapFlag        = flag.Bool("tap", false, "Log every published security event (requires bus.enabled)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "aegisd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *initConfigFlag != "" {
		if err := core.SaveConfig(core.DefaultConfig(), *initConfigFlag); err != nil {
			return err
		}
		fmt.Printf("wrote default config to %s\n", *initConfigFlag)
		return nil
	}

	cfg, err := core.LoadConfig(*configFlag)
	if err != nil {
		return err
	}
	if *redisFlag != "" {
		cfg.Store.URL = *redisFlag
	}

	logBuf := core.NewLogRingBuffer(1000)
	logger := newLogger(cfg, logBuf)

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}

	var bus *core.EventBus
	if cfg.Bus.Enabled {
		bus, err = core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
	}

	if *tapFlag {
		if bus == nil {
			logger.Warn().Msg("-tap requires bus.enabled, ignoring")
		} else {
			err := bus.SubscribeEvents("aegisd-tap", func(event *core.SecurityEvent) {
				logger.Info().
					Str("event_id", event.ID).
					Str("type", string(event.Type)).
					Str("severity", event.Severity.String()).
					Str("ip", event.IP).
					Str("endpoint", event.Endpoint).
					Msg("event tap")
			})
			if err != nil {
				return fmt.Errorf("starting event tap: %w", err)
			}
		}
	}

	engine, err := security.New(cfg, st, bus, logger)
	if err != nil {
		return err
	}
	if err := engine.Init(context.Background()); err != nil {
		return err
	}

	adminSrv := api.NewServer(engine, cfg, logBuf, logger)
	if err := adminSrv.Start(); err != nil {
		return err
	}

	var protectedSrv *http.Server
	if *upstreamFlag != "" {
		protectedSrv, err = startProtected(engine, *upstreamFlag, *protectedAddr, logger)
		if err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if protectedSrv != nil {
		if err := protectedSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error stopping protected server")
		}
	}
	if err := adminSrv.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping admin API")
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down engine")
	}

	logger.Info().Msg("aegisd stopped")
	return nil
}

func newLogger(cfg *core.Config, logBuf *core.LogRingBuffer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(logBuf.MultiWriter(os.Stdout)).With().Timestamp().Logger()
	} else {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		logger = zerolog.New(logBuf.MultiWriter(console)).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func openStore(cfg *core.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.Store.URL == "" {
		logger.Warn().Msg("no state store configured — using in-process store (single replica, no persistence)")
		return store.NewMemoryStore(), nil
	}
	st, err := store.NewRedisStore(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to state store: %w", err)
	}
	logger.Info().Str("url", cfg.Store.URL).Msg("connected to state store")
	return st, nil
}

// startProtected fronts the upstream with the mitigation chain. This is the
// wiring a host application would do in-process via engine.Middleware.
func startProtected(engine *security.Engine, upstream, addr string, logger zerolog.Logger) (*http.Server, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	srv := &http.Server{
		Addr:         addr,
		Handler:      engine.Middleware(proxy),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Str("upstream", upstream).Msg("protected surface starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("protected server error")
		}
	}()
	return srv, nil
}
