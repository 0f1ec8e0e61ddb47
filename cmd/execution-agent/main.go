// Command execution-agent runs the terminal stage of the pipeline. It
// consumes order commands from the fabric, drives them through the exchange
// venue, and owns the position lifecycle: fills open and mutate positions,
// marks ratchet trailing stops and trigger protective levels, and every
// mutation republishes the portfolio snapshot the risk stage sizes against.
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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tradefabric/internal/config"
	"github.com/ajitpratap0/tradefabric/internal/db"
	"github.com/ajitpratap0/tradefabric/internal/exchange"
	"github.com/ajitpratap0/tradefabric/internal/execution"
	"github.com/ajitpratap0/tradefabric/internal/fabric"
	"github.com/ajitpratap0/tradefabric/internal/metrics"
	"github.com/ajitpratap0/tradefabric/internal/portfolio"
	"github.com/ajitpratap0/tradefabric/internal/position"
	"github.com/ajitpratap0/tradefabric/internal/protocol"
	"github.com/ajitpratap0/tradefabric/internal/stops"
	"github.com/ajitpratap0/tradefabric/internal/worker"
)

const (
	workerName = "execution-worker"

	// markPollInterval caps the mark-routing and snapshot-refresh cadence.
	// In paper mode this is also the stop-trigger cadence.
	markPollInterval = 5 * time.Second

	metricsUpdateInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	verifyKeys := flag.Bool("verify-keys", false, "verify exchange API keys at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewWorkerLogger(workerName, protocol.GroupExecution)

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

	var venue exchange.Exchange
	var paper *exchange.Paper
	if cfg.Execution.PaperTrading {
		paper = exchange.NewPaperWithFees(cfg.Exchanges[cfg.Trading.Exchange].Fees, logger)
		venue = paper
	} else {
		binance := exchange.NewBinance(cfg.Exchanges[cfg.Trading.Exchange], exchange.PolicyFor(cfg.Execution.MaxRetries), logger)
		if err := binance.LoadFilters(ctx, cfg.Trading.Symbols...); err != nil {
			logger.Fatal().Err(err).Msg("Failed to load exchange filters")
		}
		venue = binance
	}

	manager := position.NewManager(position.Config{
		Exchange:       cfg.Trading.Exchange,
		InitialCapital: decimal.NewFromFloat(cfg.Trading.InitialCapital),
	}, database, store, bus, workerName, logger)

	executor := execution.NewExecutor(execution.Config{
		Exchange:     cfg.Trading.Exchange,
		OrderTimeout: cfg.Execution.OrderTimeout(),
		MaxSlippage:  cfg.Execution.MaxSlippageFraction,
		Trailing:     protocol.StopMethod(cfg.Stops.Method) == protocol.StopTrailing,
	}, venue, manager, database, bus, workerName, logger)
	executor.SetOrderJournal(database)
	manager.SetOrderControl(executor)
	manager.SetTrailer(stops.NewPlacer(cfg.Stops, logger))

	if err := manager.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to restore open positions")
	}

	// The risk worker sizes against the cached snapshot, and the manager
	// republishes only on mutations. Seed the cache with the restored book
	// so a fresh or idle deployment can approve its first trade.
	if snap, err := manager.LoadSnapshot(ctx); err == nil {
		if err := store.PublishSnapshot(ctx, snap); err != nil {
			logger.Warn().Err(err).Msg("Failed to seed portfolio snapshot")
		}
	}

	w := worker.New(worker.Config{
		Name: workerName,
		Kind: protocol.GroupExecution,
		HaltOn: func(err error) bool {
			return errors.Is(err, execution.ErrInvariantViolation)
		},
	}, bus, logger)

	hbSub, err := worker.WatchHeartbeats(bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to watch heartbeats")
	}
	defer hbSub.Drain()

	metricsServer := metrics.NewServer(config.GetWorkerMetricsPort(workerName), bus.IsConnected, logger)
	if err := metricsServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start metrics server")
	}
	updater := metrics.NewUpdater(database.Pool(), metricsUpdateInterval, cfg.Trading.InitialCapital)

	logger.Info().
		Strs("symbols", cfg.Trading.Symbols).
		Bool("paper_trading", cfg.Execution.PaperTrading).
		Str("exchange", cfg.Trading.Exchange).
		Msg("Execution worker started")

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return executor.Run(runCtx) })

	// Order commands are consumed only once the fill stream is live, so a
	// fill can never race its own submission.
	select {
	case <-executor.Ready():
		for _, symbol := range cfg.Trading.Symbols {
			if err := w.Subscribe(protocol.TopicTradeOrder, symbol, protocol.GroupExecution, executor.HandleOrder); err != nil {
				logger.Fatal().Err(err).Str("symbol", symbol).Msg("Failed to subscribe to order commands")
			}
		}
	case <-runCtx.Done():
	}

	// The snapshot republished on each tick must land inside the risk
	// reader's staleness bound, so the poller runs at half that bound,
	// capped at markPollInterval.
	pollInterval := cfg.Trading.SnapshotStaleness() / 2
	if pollInterval <= 0 || pollInterval > markPollInterval {
		pollInterval = markPollInterval
	}
	poller := &markPoller{
		symbols:  cfg.Trading.Symbols,
		interval: pollInterval,
		marks:    store,
		book:     manager,
		paper:    paper,
		log:      logger,
	}

	g.Go(func() error { return w.Run(runCtx) })
	g.Go(func() error { return poller.run(runCtx) })
	g.Go(func() error {
		updater.Start(runCtx)
		return nil
	})
	runErr := g.Wait()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		w.ReportFatal(shutdownCtx, "worker_exit", runErr, uuid.Nil)
		logger.Error().Err(runErr).Msg("Execution worker halted")
		os.Exit(1)
	}
	logger.Info().Msg("Execution worker shutdown complete")
}

// markPoller routes cached marks to open positions and refreshes the
// portfolio snapshot cache on a fixed cadence. Each delivered mark advances
// trailing stops and checks protective levels; the tick-end snapshot publish
// keeps the cache fresh even while the book is flat, so the risk worker can
// always size the next entry. In paper mode the venue receives the mark
// first so resting stop and take-profit orders can fill.
type markPoller struct {
	symbols  []string
	interval time.Duration
	marks    *portfolio.Store
	book     *position.Manager
	paper    *exchange.Paper
	log      zerolog.Logger
}

func (p *markPoller) run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *markPoller) poll(ctx context.Context) {
	for _, symbol := range p.symbols {
		mark, err := p.marks.Mark(ctx, symbol)
		if err != nil {
			p.log.Debug().Err(err).Str("symbol", symbol).Msg("No usable mark")
			continue
		}
		if p.paper != nil {
			p.paper.SetMarkPrice(symbol, mark.Price)
		}
		if _, err := p.book.MarkSymbol(ctx, symbol, mark.Price); err != nil && !errors.Is(err, position.ErrNotFound) {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to mark position")
		}
	}

	snap, err := p.book.LoadSnapshot(ctx)
	if err != nil {
		return
	}
	if err := p.marks.PublishSnapshot(ctx, snap); err != nil {
		p.log.Warn().Err(err).Msg("Failed to refresh portfolio snapshot")
	}
}
