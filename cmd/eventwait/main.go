// Command eventwait serves the wait-for-event engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/eventwait/internal/feed"
	"github.com/coachpo/eventwait/internal/infra/config"
	"github.com/coachpo/eventwait/internal/infra/persistence"
	"github.com/coachpo/eventwait/internal/infra/persistence/migrations"
	"github.com/coachpo/eventwait/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/eventwait/internal/infra/server/http"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/internal/pool"
	"github.com/coachpo/eventwait/internal/telemetry"
	"github.com/coachpo/eventwait/internal/waiter"
)

const (
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	historyShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	startupTimeout           = 30 * time.Second
	shutdownReason           = "Service shutting down"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	configPath := config.ResolvePath(cfgPathFlag)
	appCfg, err := config.Load(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger := observability.NewLogrusLogger(os.Stdout, appCfg.Logging.Level, "eventwait")
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("path", configPath),
		observability.F("environment", string(appCfg.Environment)),
		observability.F("feed_enabled", appCfg.Feed.Enabled),
		observability.F("relay_enabled", appCfg.RedisRelay.Enabled),
		observability.F("history_enabled", appCfg.Database.Enabled))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}

	poolCfg := pool.Config{
		FanoutWorkers:    appCfg.Pools.FanoutWorkers.Resolve(),
		CandleBufferSize: appCfg.Pools.CandleBufferSize,
	}
	markets := pool.NewMarketPool(poolCfg)
	orders := pool.NewOrderPool(poolCfg)

	var lifecycle conc.WaitGroup

	sources, err := buildSources(ctx, logger, appCfg, markets, orders, &lifecycle)
	if err != nil {
		fatal(logger, "initialise data sources", err)
	}

	engineOpts := []waiter.Option{waiter.WithMaxTimeout(appCfg.Waiter.MaxTimeoutSeconds)}
	history, err := buildHistory(ctx, logger, appCfg)
	if err != nil {
		fatal(logger, "initialise wait history", err)
	}
	if history.recorder != nil {
		engineOpts = append(engineOpts, waiter.WithHistory(history.recorder))
	}
	engine := waiter.NewEngine(sources.markets, sources.orders, engineOpts...)

	deps := httpserver.Dependencies{
		Environment: appCfg.Environment,
		Waiter:      engine,
		Markets:     markets,
		Orders:      orders,
		Feed:        sources.status,
	}
	if history.store != nil {
		deps.History = history.store
	}
	apiServer := &http.Server{
		Addr:              appCfg.APIServer.Addr,
		Handler:           httpserver.NewHandler(deps),
		ReadHeaderTimeout: appCfg.APIServer.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("api listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		sources:    sources,
		markets:    markets,
		orders:     orders,
		history:    history,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: $%s or %s)", config.ConfigPathEnv, config.DefaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger observability.Logger, msg string, err error) {
	logger.Error(msg, observability.F("error", err))
	os.Exit(1)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialised",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// dataSources are the pools handed to the engine plus whatever feeds them.
type dataSources struct {
	markets pool.MarketDataPool
	orders  pool.OrderDataPool
	status  httpserver.FeedStatus
	client  *feed.Client
	redis   *redis.Client
}

func buildSources(ctx context.Context, logger observability.Logger, appCfg config.AppConfig, markets *pool.MarketPool, orders *pool.OrderPool, lifecycle *conc.WaitGroup) (dataSources, error) {
	out := dataSources{markets: markets, orders: orders}
	relayCfg := appCfg.RedisRelay
	channels := feed.RelayChannels{
		Ticker:   relayCfg.TickerChannel,
		Candle:   relayCfg.CandleChannel,
		Order:    relayCfg.OrderChannel,
		Interest: relayCfg.InterestChannel,
		Status:   relayCfg.StatusChannel,
	}

	if relayCfg.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		rdb, err := feed.NewRedisClient(connectCtx, feed.RedisOptions{
			Addr:     relayCfg.Addr,
			Password: relayCfg.Password,
			DB:       relayCfg.DB,
		})
		cancel()
		if err != nil {
			return dataSources{}, err
		}
		out.redis = rdb
		logger.Info("redis relay connected", observability.F("addr", relayCfg.Addr), observability.F("mode", string(relayCfg.Mode)))
	}

	if appCfg.Feed.Enabled {
		var opts []feed.Option
		var mirror *feed.RedisMirror
		if out.redis != nil && relayCfg.Mode == config.RelayPublish {
			mirror = feed.NewRedisMirror(out.redis, channels)
			opts = append(opts, feed.WithMirror(mirror))
		}
		client := feed.NewClient(feed.Config{
			URL:          appCfg.Feed.URL,
			JWT:          appCfg.Feed.JWT,
			DialAttempts: appCfg.Feed.DialAttempts,
			ControlRate:  appCfg.Feed.ControlRate,
			ControlBurst: appCfg.Feed.ControlBurst,
			ReadLimit:    appCfg.Feed.ReadLimitBytes,
		}, markets, orders, opts...)
		if mirror != nil {
			lifecycle.Go(func() {
				if err := mirror.ServeInterest(ctx, client); err != nil {
					logger.Error("relay interest listener stopped", observability.F("error", err))
				}
			})
		}
		out.client = client
		out.status = client
		out.markets = feed.NewMarketSource(markets, client)
		out.orders = feed.NewOrderSource(orders, client)
		logger.Info("exchange feed configured", observability.F("url", appCfg.Feed.URL))
		return out, nil
	}

	if out.redis != nil {
		relay := feed.NewRedisRelay(out.redis, channels, markets, orders)
		lifecycle.Go(func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", observability.F("error", err))
			}
		})
		watcher := feed.NewRedisWatcher(out.redis, channels.Interest)
		out.markets = feed.NewMarketSource(markets, watcher)
		out.orders = feed.NewOrderSource(orders, watcher)
		return out, nil
	}

	logger.Warn("no upstream feed configured; waits only settle on timeout or cancellation")
	return out, nil
}

type historyComponents struct {
	pool     *pgxpool.Pool
	store    *postgres.OutcomeStore
	recorder *waiter.AsyncRecorder
}

func buildHistory(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (historyComponents, error) {
	dbCfg := appCfg.Database
	if !dbCfg.Enabled {
		return historyComponents{}, nil
	}
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if dbCfg.RunMigrations {
		if err := migrations.Apply(startCtx, dbCfg.DSN, migrations.Embedded(), logger); err != nil {
			return historyComponents{}, err
		}
	}
	dbPool, err := persistence.Open(startCtx, persistence.PoolOptions{
		DSN:               dbCfg.DSN,
		MaxConns:          dbCfg.MaxConns,
		MinConns:          dbCfg.MinConns,
		MaxConnLifetime:   dbCfg.MaxConnLifetime,
		MaxConnIdleTime:   dbCfg.MaxConnIdleTime,
		HealthCheckPeriod: dbCfg.HealthCheckPeriod,
	})
	if err != nil {
		return historyComponents{}, err
	}
	if err := postgres.ObservePoolMetrics(dbPool, "history"); err != nil {
		logger.Warn("database pool metrics unavailable", observability.F("error", err))
	}

	store := postgres.New(dbPool)
	recorder, err := waiter.NewAsyncRecorder(store.Outcomes, appCfg.Waiter.HistoryWorkers, appCfg.Waiter.HistoryQueue, appCfg.Waiter.HistoryWriteTimeout)
	if err != nil {
		dbPool.Close()
		return historyComponents{}, err
	}
	logger.Info("wait history enabled", observability.F("workers", appCfg.Waiter.HistoryWorkers))
	return historyComponents{pool: dbPool, store: store.Outcomes, recorder: recorder}, nil
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", observability.F("error", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	sources    dataSources
	markets    *pool.MarketPool
	orders     *pool.OrderPool
	history    historyComponents
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.F("error", err))
		}
	}

	if cfg.sources.client != nil {
		cfg.sources.client.Close()
	}
	cfg.markets.Close(shutdownReason)
	cfg.orders.Close(shutdownReason)

	shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
		return cfg.server.Shutdown(stepCtx)
	})

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}
	shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			cfg.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
		}
	})

	if cfg.sources.redis != nil {
		if err := cfg.sources.redis.Close(); err != nil {
			logger.Warn("shutdown: closing redis failed", observability.F("error", err))
		}
	}
	if cfg.history.recorder != nil {
		shutdownStep("draining wait history", historyShutdownTimeout, cfg.history.recorder.Shutdown)
	}
	if cfg.history.pool != nil {
		cfg.history.pool.Close()
	}
	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
}
