// Command risk-agent runs the validation stage of the pipeline. It consumes
// trade intents from the fabric, sizes them against the live portfolio
// snapshot in Redis, derives stop levels, applies the ordered risk checks
// and publishes order commands or rejections.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/db"
	"github.com/ajitpratap0/tradefabric/internal/exchange"
	"github.com/ajitpratap0/tradefabric/internal/fabric"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/portfolio"
	"github.com/ajitpratap0/tradefabric/internal/profile"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
	"github.com/ajitpratap0/tradefabric/internal/risk"
	"github.com/ajitpratap0/tradefabric/internal/sizing"
	"github.com/ajitpratap0/tradefabric/internal/worker"
)

const workerName = "risk-worker"

func main() {
	configPath := flag.String("config", "", "path to config file")
	verifyKeys := flag.Bool("verify-keys", false, "verify exchange API keys at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewWorkerLogger(workerName, protocol.GroupRisk)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.DefaultValidatorOptions()
	opts.VerifyAPIKeys = *verifyKeys
	if err := config.NewValidator(cfg, opts).ValidateStartup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Startup validation failed")
	}

	database, err := db.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// The execution worker's position manager is the snapshot authority;
	// this worker only reads, so a stale snapshot surfaces as a rejection.
	store := portfolio.NewStore(metrics.NewRedisMetrics(redisClient), nil, portfolio.StoreConfig{
		SnapshotAge: cfg.Trading.SnapshotStaleness(),
	}, logger)

	bus, err := fabric.New(fabric.Config{
		URL:             cfg.NATS.URL,
		Name:            workerName,
		EnableJetStream: cfg.NATS.EnableJetStream,
		MaxAge:          time.Duration(cfg.NATS.MaxAgeHours) * time.Hour,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to message fabric")
	}
	defer bus.Close()

	var quant sizing.Quantizer
	if !cfg.Execution.PaperTrading {
		venue := exchange.NewBinance(cfg.Exchanges[cfg.Trading.Exchange], exchange.PolicyFor(cfg.Execution.MaxRetries), logger)
		if err := venue.LoadFilters(ctx, cfg.Trading.Symbols...); err != nil {
			logger.Fatal().Err(err).Msg("Failed to load exchange filters")
		}
		quant = venue
	}

	profiles, err := profile.Load(cfg.Trading.ProfilesDir, profile.Defaults{
		Fusion: cfg.Fusion,
		Sizing: cfg.Sizing,
		Stops:  cfg.Stops,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load symbol profiles")
	}

	engine := risk.NewEngine(risk.Config{
		Risk:          cfg.Risk,
		Sizing:        cfg.Sizing,
		Stops:         cfg.Stops,
		MinConfidence: cfg.Fusion.MinConfidence,
		Exchange:      cfg.Trading.Exchange,
		Symbols:       cfg.Trading.Symbols,
	}, store, bus, database, quant, workerName, logger)
	if profiles.Len() > 0 {
		engine.SetProfiles(profiles)
	}

	w := worker.New(worker.Config{Name: workerName, Kind: protocol.GroupRisk}, bus, logger)
	for _, symbol := range cfg.Trading.Symbols {
		if err := w.Subscribe(protocol.TopicTradeIntent, symbol, protocol.GroupRisk, engine.HandleIntent); err != nil {
			logger.Fatal().Err(err).Str("symbol", symbol).Msg("Failed to subscribe to trade intents")
		}
	}

	metricsServer := metrics.NewServer(config.GetWorkerMetricsPort(workerName), bus.IsConnected, logger)
	if err := metricsServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start metrics server")
	}

	logger.Info().
		Strs("symbols", cfg.Trading.Symbols).
		Bool("paper_trading", cfg.Execution.PaperTrading).
		Str("sizing_method", cfg.Sizing.Method).
		Msg("Risk worker started")

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(runCtx) })
	g.Go(func() error { return w.Run(runCtx) })
	runErr := g.Wait()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		w.ReportFatal(shutdownCtx, "worker_exit", runErr, uuid.Nil)
		logger.Error().Err(runErr).Msg("Risk worker halted")
		os.Exit(1)
	}
	logger.Info().Msg("Risk worker shutdown complete")
}
