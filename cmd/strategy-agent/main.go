// Command strategy-agent runs the fusion stage of the pipeline. It consumes
// technical, fundamental, and sentiment signals from the fabric, fuses them
// per symbol, and publishes trade intents for the risk stage. Closed-position
// updates feed back into the engine's per-kind accuracy tracking.
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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/db"
	"github.com/ajitpratap0/tradefabric/internal/fabric"
	"github.com/ajitpratap0/tradefabric/internal/fusion"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/profile"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
	"github.com/ajitpratap0/tradefabric/internal/worker"
)

const workerName = "strategy-worker"

var signalTopics = []string{
	protocol.TopicSignalsTechnical,
	protocol.TopicSignalsFundamental,
	protocol.TopicSignalsSentiment,
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	verifyKeys := flag.Bool("verify-keys", false, "verify exchange API keys at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewWorkerLogger(workerName, protocol.GroupStrategy)

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

	profiles, err := profile.Load(cfg.Trading.ProfilesDir, profile.Defaults{
		Fusion: cfg.Fusion,
		Sizing: cfg.Sizing,
		Stops:  cfg.Stops,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load symbol profiles")
	}

	engine := fusion.NewEngine(cfg.Fusion, bus, database, workerName, logger)
	if profiles.Len() > 0 {
		engine.SetProfiles(profiles)
	}

	w := worker.New(worker.Config{Name: workerName, Kind: protocol.GroupStrategy}, bus, logger)
	for _, topic := range signalTopics {
		for _, symbol := range cfg.Trading.Symbols {
			if err := w.Subscribe(topic, symbol, protocol.GroupStrategy, engine.HandleSignal); err != nil {
				logger.Fatal().Err(err).Str("topic", topic).Str("symbol", symbol).Msg("Failed to subscribe to signals")
			}
		}
	}
	if err := w.Subscribe(protocol.TopicPositionUpdate, "*", protocol.GroupStrategy, resolveOutcome(engine, logger)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to position updates")
	}

	metricsServer := metrics.NewServer(config.GetWorkerMetricsPort(workerName), bus.IsConnected, logger)
	if err := metricsServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start metrics server")
	}

	logger.Info().
		Strs("symbols", cfg.Trading.Symbols).
		Int("profiles", profiles.Len()).
		Str("method", cfg.Fusion.Method).
		Msg("Strategy worker started")

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
		logger.Error().Err(runErr).Msg("Strategy worker halted")
		os.Exit(1)
	}
	logger.Info().Msg("Strategy worker shutdown complete")
}

// resolveOutcome feeds closed trades back into the engine so per-kind
// accuracy follows realized results rather than staying at its prior.
func resolveOutcome(engine *fusion.Engine, logger zerolog.Logger) fabric.Handler {
	return func(ctx context.Context, env *protocol.Envelope) error {
		var update protocol.PositionUpdate
		if err := env.Open(protocol.KindPositionUpdate, &update); err != nil {
			logger.Warn().Err(err).Msg("Dropping malformed position update")
			return nil
		}
		if update.Action != protocol.PositionActionClose {
			return nil
		}
		kinds := engine.SignalKinds(update.Symbol)
		if len(kinds) == 0 {
			return nil
		}
		engine.ResolveTrade(kinds, update.RealizedPnL.IsPositive())
		logger.Debug().
			Str("symbol", update.Symbol).
			Strs("kinds", kinds).
			Str("realized_pnl", update.RealizedPnL.String()).
			Msg("Trade outcome resolved")
		return nil
	}
}
