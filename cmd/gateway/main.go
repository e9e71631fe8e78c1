package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-gateway/config"
	"github.com/vnmchuo/credit-gateway/internal/auth"
	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/byok"
	"github.com/vnmchuo/credit-gateway/internal/events"
	"github.com/vnmchuo/credit-gateway/internal/metering"
	"github.com/vnmchuo/credit-gateway/internal/metrics"
	"github.com/vnmchuo/credit-gateway/internal/migrations"
	"github.com/vnmchuo/credit-gateway/internal/provider"
	"github.com/vnmchuo/credit-gateway/internal/provider/claude"
	"github.com/vnmchuo/credit-gateway/internal/provider/gemini"
	"github.com/vnmchuo/credit-gateway/internal/provider/openai"
	"github.com/vnmchuo/credit-gateway/internal/proxy"
	"github.com/vnmchuo/credit-gateway/internal/seeder"
	"github.com/vnmchuo/credit-gateway/internal/telemetry"
	"github.com/vnmchuo/credit-gateway/internal/worker"
	"github.com/vnmchuo/credit-gateway/pkg/ratelimit"
)

const serviceName = "credit-gateway"

type stores struct {
	keys    auth.Store
	billing billing.Store
	vault   byok.Vault
	close   func()
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 3. Storage
	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.close()

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("redis connected", zap.String("addr", cfg.RedisAddr))

	// 5. Init auth
	authMiddleware := auth.NewMiddleware(st.keys, rdb, logger)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 7. Init providers
	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}
	router := proxy.NewRouter(providers, logger)

	// 8. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 9. Billing events
	var publisher events.Publisher = events.Discard{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaFaultTopic, cfg.KafkaUsageTopic)
		defer kp.Close()
		publisher = kp
		logger.Info("publishing billing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	// 10. Metering
	pool := worker.NewPool(cfg.Metering.ReconcileWorkers, cfg.Metering.ReconcileQueueSize, logger)
	pool.Start()

	tracer := otel.GetTracerProvider().Tracer(serviceName)
	ledger := billing.NewLedger(st.billing, billing.ZeroAllocationPolicy(cfg.Metering.ZeroAllocationPolicy))
	resolver := byok.NewResolver(st.vault, rdb, logger)
	gateway := metering.NewGateway(metering.Options{
		Enabled:          cfg.Metering.Enabled,
		Classifier:       newClassifier(cfg.Metering),
		Estimator:        newEstimator(cfg.Metering),
		Extractor:        metering.NewExtractor(cfg.Metering.CreditsPerUSD),
		Resolver:         resolver,
		Ledger:           ledger,
		Reconciler:       billing.NewReconciler(st.billing),
		Dispatcher:       pool,
		Publisher:        publisher,
		Metrics:          m,
		Logger:           logger,
		Tracer:           tracer,
		ReconcileTimeout: cfg.Metering.ReconcileTimeout,
		AdmitTimeout:     cfg.Metering.AdmitTimeout,
		SettleBudget:     cfg.Metering.SettleBudget,
		UpgradeURL:       cfg.Metering.UpgradeURL,
	})
	logger.Info("metering configured",
		zap.Bool("enabled", cfg.Metering.Enabled),
		zap.Stringer("credits_per_usd", cfg.Metering.CreditsPerUSD),
		zap.String("zero_allocation_policy", cfg.Metering.ZeroAllocationPolicy),
	)

	// 11. Init handler
	handler := proxy.NewHandler(proxy.HandlerConfig{
		Router:  router,
		Gateway: gateway,
		Ledger:  ledger,
		Usage:   st.billing,
		Limiter: limiter,
		Metrics: m,
		Tracer:  tracer,
		Logger:  logger,
	})

	// 12. Seed test account if RUN_SEED=true
	if cfg.RunSeed {
		seed := seeder.New(st.keys, st.billing, ledger, resolver, logger)
		if cfg.SeedBYOKKey != "" {
			seed.WithBYOK("openai", cfg.SeedBYOKKey)
		}
		if err := seed.Run(ctx); err != nil {
			logger.Error("seeding failed", zap.Error(err))
		}
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(telemetry.AccessLog(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"credit-gateway"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/billing/balance", handler.HandleBalance)
		r.Get("/v1/models", handler.HandleModels)
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("credit gateway starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	// streams finished after the server stopped may still be settling
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("reconciliation queue not drained", zap.Error(err))
	}
	logger.Info("server stopped")
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory stores; balances are lost on restart")
		return &stores{
			keys:    auth.NewMemoryStore(),
			billing: billing.NewMemoryStore(),
			vault:   byok.NewMemoryVault(),
			close:   func() {},
		}, nil
	}

	if cfg.MigrateOnStart {
		if err := migrations.Up(cfg.PostgresDSN, logger); err != nil {
			return nil, err
		}
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("postgres connected")

	return &stores{
		keys:    auth.NewPostgresStore(db),
		billing: billing.NewPostgresStore(db),
		vault:   byok.NewPostgresVault(db),
		close:   db.Close,
	}, nil
}

func newClassifier(cfg config.Metering) *metering.Classifier {
	tracked := metering.DefaultTracked()
	if cfg.Tracked != nil {
		tracked = make(map[string]metering.CostClass, len(cfg.Tracked))
		for path, class := range cfg.Tracked {
			tracked[path] = metering.CostClass(class)
		}
	}
	excluded := metering.DefaultExcluded()
	if len(cfg.Excluded) > 0 {
		excluded = cfg.Excluded
	}
	return metering.NewClassifier(tracked, excluded)
}

func newEstimator(cfg config.Metering) *metering.Estimator {
	prices := metering.DefaultPrices()
	for class, p := range cfg.Prices {
		prices[metering.CostClass(class)] = metering.Price{NominalUnits: p.NominalUnits, UnitPrice: p.UnitPrice}
	}
	return metering.NewEstimator(prices, metering.CostClass(cfg.FallbackClass))
}
