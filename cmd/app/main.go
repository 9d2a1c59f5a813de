package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"intent-code-pipeline/internal/config"
	"intent-code-pipeline/internal/domain/ports/adapter"
	aiAdapters "intent-code-pipeline/internal/infra/adapters/ai"
	"intent-code-pipeline/internal/infra/adapters/executor"
	"intent-code-pipeline/internal/infra/adapters/intent"
	"intent-code-pipeline/internal/infra/api"
	"intent-code-pipeline/internal/infra/api/apiv1"
	"intent-code-pipeline/internal/infra/cache"
	pg "intent-code-pipeline/internal/infra/db/postgres"
	"intent-code-pipeline/internal/infra/fanout"
	"intent-code-pipeline/internal/infra/gateway"
	"intent-code-pipeline/internal/infra/logging"
	"intent-code-pipeline/internal/infra/metrics"
	red "intent-code-pipeline/internal/infra/redis"
	"intent-code-pipeline/internal/infra/sched"
	"intent-code-pipeline/internal/infra/web"
	"intent-code-pipeline/internal/infra/worker"
	"intent-code-pipeline/internal/usecase"
)

// set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, noop provider allowed)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.PoolSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect")
	}
	defer pool.Close()
	if err := pg.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("postgres schema")
	}

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)
	rateLimiter := red.NewRateLimiter(redisClient)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	sessionRepo := pg.NewSessionRepo(pool)
	jobRepo := pg.NewJobRepo(pool, tm)
	eventRepo := pg.NewEventRepo(pool)
	webhookRepo := pg.NewWebhookRepo(pool)

	// ---- Result cache (memory -> redis -> sqlite) ----
	memTier := cache.NewMemoryTier(cfg.Cache.MemoryCapacity, cfg.Cache.MemoryTTL)
	redisTier := cache.NewRedisTier(redisClient, cfg.Cache.RedisTTL)
	sqliteTier, err := cache.NewSQLiteTier(cfg.Cache.SQLitePath, cfg.Cache.SQLiteTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("sqlite cache tier")
	}
	defer sqliteTier.Close()
	resultCache := cache.NewMultiTier(logger, memTier, redisTier, sqliteTier)

	// ---- Providers and gateway ----
	providers := buildProviders(ctx, cfg, logger)
	if len(providers) == 0 {
		logger.Fatal().Msg("no usable provider configured")
	}
	gw := gateway.New(&cfg.Gateway, providers, gateway.CheapestFirst, logger)

	// ---- Phase executors ----
	defaultModel := cfg.Gateway.Providers[0].Model
	executors, err := executor.NewSet(gw, resultCache, defaultModel, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("phase executors")
	}

	// ---- Intent parser ----
	var parser adapter.IntentParser
	if cfg.Intent.ParserURL != "" {
		parser, err = intent.NewHTTPParser(cfg.Intent)
		if err != nil {
			logger.Fatal().Err(err).Msg("intent parser")
		}
	} else {
		logger.Warn().Msg("intent.parser_url not set; using passthrough parser")
		parser = intent.NewPassthroughParser()
	}

	// ---- Event fan-out ----
	hub := fanout.NewHub(eventRepo, cfg.Fanout.SubscriberBuffer, logger)
	webhooks := fanout.NewWebhookDispatcher(webhookRepo, &cfg.Fanout, logger)
	go webhooks.Start(ctx)
	publisher := fanout.NewPublisher(eventRepo, hub, webhooks, logger)

	// ---- Pipeline state machine ----
	pipeline := usecase.NewPipelineUseCase(parser, sessionRepo, jobRepo, tm, publisher, &cfg.Scheduler, logger)

	// ---- Scheduler and worker pool ----
	workerPool := worker.NewPool(cfg.Scheduler.Workers, logger)
	workerPool.Start(ctx)
	defer workerPool.Stop()
	scheduler := worker.NewScheduler(jobRepo, pipeline, executors, publisher, locker, workerPool, &cfg.Scheduler, logger)
	pipeline.SetWake(scheduler.Wake)
	go scheduler.Start(ctx)

	// ---- Retention worker ----
	retention := sched.NewRetentionWorker(
		cfg.Fanout.RetentionInterval, cfg.Fanout.RetainEvents,
		sessionRepo, eventRepo, sqliteTier, logger,
	)
	go func() { _ = retention.Run(ctx) }()

	// ---- Operator API ----
	var auth *web.AuthManager
	if cfg.API.JWTSecret != "" {
		auth = web.NewAuthManager(cfg.API.JWTSecret, cfg.API.TokenTTL)
	} else {
		logger.Warn().Msg("api.jwt_secret not set; operator API is unauthenticated")
	}
	stream := fanout.NewStreamHandler(hub, logger)
	v1 := apiv1.NewServer(
		pipeline, jobRepo, webhookRepo, gw, stream,
		auth, rateLimiter, cfg.API.RateLimit, cfg.API.RateWindow,
		logger,
	)
	server := api.NewServer(&cfg.API, v1, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info().Msg("shutdown requested")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
}

// buildProviders instantiates every configured provider, skipping the ones
// whose client fails to initialize so one bad credential does not take the
// whole gateway down.
func buildProviders(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) []adapter.ModelProvider {
	var providers []adapter.ModelProvider
	for _, pc := range cfg.Gateway.Providers {
		var (
			p   adapter.ModelProvider
			err error
		)
		switch pc.Name {
		case "openai":
			p, err = aiAdapters.NewOpenAIProvider(pc, cfg.Gateway.MaxOutputTokens)
		case "gemini":
			p, err = aiAdapters.NewGeminiProvider(ctx, pc, cfg.Gateway.MaxOutputTokens)
		case "noop":
			p = aiAdapters.NewNoopProvider()
		default:
			logger.Warn().Str("provider", pc.Name).Msg("unknown provider kind, skipping")
			continue
		}
		if err != nil {
			logger.Error().Err(err).Str("provider", pc.Name).Msg("provider init failed, skipping")
			continue
		}
		providers = append(providers, aiAdapters.NewLimitedProvider(p, cfg.Gateway.MaxConcurrent))
		logger.Info().Str("provider", pc.Name).Str("model", pc.Model).Msg("provider registered")
	}
	return providers
}
