package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/coverage/internal/config"
	"github.com/clinic/coverage/internal/domain/insurance"
	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/auth"
	"github.com/clinic/coverage/internal/platform/cache"
	"github.com/clinic/coverage/internal/platform/db"
	"github.com/clinic/coverage/internal/platform/events"
	"github.com/clinic/coverage/internal/platform/middleware"
	"github.com/clinic/coverage/internal/platform/telemetry"
	"github.com/clinic/coverage/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coverage-server",
		Short: "Insurance coverage and tariff calculation service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(calculateCmd())
	rootCmd.AddCommand(freezeYearCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the coverage API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// newLogger builds the process logger. Development gets the console writer;
// an unparseable level falls back to info.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// migrationSource returns the embedded migrations unless a directory
// override is configured.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// services is the calculation and administration graph shared by the
// server and the one-shot commands.
type services struct {
	engine      *insurance.Engine
	admin       *insurance.AdminService
	factorAdmin *pricing.FactorAdmin
}

func buildServices(pool *pgxpool.Pool, c *cache.Cache, cfg *config.Config, observer insurance.CalculationObserver, logger zerolog.Logger) *services {
	serviceRepo := pricing.NewServiceRepoPG(pool)
	factorRepo := pricing.NewFactorSettingRepoPG(pool)
	yearRepo := pricing.NewFinancialYearRepoPG(pool)
	tariffRepo := insurance.NewTariffRepoPG(pool)
	planRepo := insurance.NewPlanRepoPG(pool)
	ruleRepo := insurance.NewRuleRepoPG(pool)

	engine := insurance.NewEngine(insurance.Repositories{
		Services: serviceRepo,
		Factors:  factorRepo,
		Years:    yearRepo,
		Tariffs:  tariffRepo,
		Plans:    planRepo,
		Policies: insurance.NewPolicyRepoPG(pool),
		Patients: insurance.NewPatientRepoPG(pool),
		Rules:    ruleRepo,
	}, c, insurance.EngineConfig{
		Timeout:          cfg.CalcTimeout,
		BatchConcurrency: cfg.BatchWorkers,
		Observer:         observer,
	}, logger)

	txm := db.NewTxManager(pool)
	return &services{
		engine:      engine,
		admin:       insurance.NewAdminService(tariffRepo, planRepo, ruleRepo, txm, c, c, logger),
		factorAdmin: pricing.NewFactorAdmin(factorRepo, yearRepo, txm, c, logger),
	}
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	logger := newLogger(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Calculation cache
	calcCache := cache.New(cache.Config{TTL: cfg.CacheTTL, ComputeTimeout: cfg.CalcTimeout}, logger)
	calcCache.StartCleanup(ctx, cfg.CacheCleanup)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := cache.NewRedisBus(rdb, cfg.RedisChannel, calcCache, logger).Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start cache invalidation bus")
		}
	}

	if cfg.AMQPURL != "" {
		consumer, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, calcCache, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to message broker")
		}
		defer consumer.Close()
		if err := consumer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start event consumer")
		}
	}

	// Metrics
	metrics := telemetry.NewProvider().WithCache(calcCache).WithPool(func() telemetry.PoolStats {
		st := pool.Stat()
		return telemetry.PoolStats{Total: st.TotalConns(), Acquired: st.AcquiredConns(), Idle: st.IdleConns()}
	})

	svc := buildServices(pool, calcCache, cfg, metrics, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	// API groups
	apiV1 := e.Group("/api/v1")
	pricing.NewHandler(svc.engine.Prices, svc.factorAdmin).RegisterRoutes(apiV1)
	insurance.NewHandler(svc.engine, svc.admin).RegisterRoutes(apiV1)
	cache.NewHandler(calcCache).RegisterRoutes(apiV1)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, func() db.PoolStats { return db.GetPoolStats(pool) }))
	e.GET("/metrics", metrics.PrometheusHandler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// connect loads the config and opens a pool for the one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}
