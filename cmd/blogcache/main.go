package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/config"
	"github.com/boddenberg/blog-content-cache/internal/handler"
	"github.com/boddenberg/blog-content-cache/internal/infra/dedup"
	"github.com/boddenberg/blog-content-cache/internal/infra/memstore"
	"github.com/boddenberg/blog-content-cache/internal/infra/observability"
	"github.com/boddenberg/blog-content-cache/internal/infra/postgrest"
	"github.com/boddenberg/blog-content-cache/internal/infra/resilience"
	"github.com/boddenberg/blog-content-cache/internal/infra/sqlstore"
	"github.com/boddenberg/blog-content-cache/internal/port"
	"github.com/boddenberg/blog-content-cache/internal/service"

	"go.uber.org/zap"
)

func main() {
	issueToken := flag.String("issue-admin-token", "", "print an admin bearer token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the issued admin token")
	flag.Parse()

	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := handler.NewAdminToken([]byte(cfg.AdminJWTSecret), *issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "blog-content-cache")
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Duration("cache_default_ttl", cfg.Cache.DefaultTTL),
		zap.Duration("cache_sweep_interval", cfg.Cache.SweepInterval),
		zap.Duration("dedup_short_window", cfg.Dedup.ShortWindow),
		zap.Duration("dedup_long_horizon", cfg.Dedup.LongHorizon),
		zap.String("dedup_sweep_mode", cfg.Dedup.SweepMode),
		zap.Int("max_retries", cfg.MaxRetries),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "blog-content-cache")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store ---
	store, closeStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to init store", zap.Error(err))
	}
	defer closeStore()

	// --- Service ---
	postTTL, listTTL, taxonomyTTL := cfg.Cache.TTLs()
	logger.Info("cache ttls resolved",
		zap.Duration("post", postTTL),
		zap.Duration("list", listTTL),
		zap.Duration("taxonomy", taxonomyTTL),
	)
	contentSvc, err := service.NewContentService(store, service.Options{
		PostTTL:       postTTL,
		ListTTL:       listTTL,
		TaxonomyTTL:   taxonomyTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Dedup: dedup.Options{
			ShortWindow:   cfg.Dedup.ShortWindow,
			LongHorizon:   cfg.Dedup.LongHorizon,
			Mode:          dedup.SweepMode(cfg.Dedup.SweepMode),
			SweepInterval: cfg.Dedup.SweepInterval,
		},
		MaxConcurrency: cfg.MaxConcurrency,
	}, metrics, logger)
	if err != nil {
		logger.Fatal("failed to init content service", zap.Error(err))
	}
	defer contentSvc.Close()

	// --- Router ---
	router := handler.NewRouter(contentSvc, metrics, []byte(cfg.AdminJWTSecret), logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// buildStore selects the PostStore named by cfg.StoreDriver.
func buildStore(cfg *config.Config, logger *zap.Logger) (port.PostStore, func(), error) {
	noop := func() {}

	switch cfg.StoreDriver {
	case "postgrest":
		logger.Info("using PostgREST as content store", zap.String("url", cfg.PostgRESTURL))
		resilienceCfg := resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		}
		client := postgrest.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.PostgRESTURL,
			cfg.PostgRESTKey,
			cfg.PostgRESTServiceKey,
			resilience.NewCircuitBreaker("postgrest"),
			resilienceCfg,
			logger,
		)
		return client, noop, nil

	case "postgres", "sqlite":
		logger.Info("using SQL content store", zap.String("driver", cfg.StoreDriver))
		s, err := sqlstore.Open(cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			return nil, noop, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout)
		defer cancel()
		if err := s.Init(ctx); err != nil {
			_ = s.Close()
			return nil, noop, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("closing store", zap.Error(err))
			}
		}, nil

	default:
		logger.Warn("using in-memory content store with demo data")
		s := memstore.New()
		memstore.Seed(s)
		return s, noop, nil
	}
}
