package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bizmatters/agent-builder/app-studio/internal/auth"
	"github.com/bizmatters/agent-builder/app-studio/internal/config"
	"github.com/bizmatters/agent-builder/app-studio/internal/credentials"
	"github.com/bizmatters/agent-builder/app-studio/internal/gateway"
	"github.com/bizmatters/agent-builder/app-studio/internal/logging"
	"github.com/bizmatters/agent-builder/app-studio/internal/metrics"
	"github.com/bizmatters/agent-builder/app-studio/internal/notify"
	"github.com/bizmatters/agent-builder/app-studio/internal/orchestration"
	"github.com/bizmatters/agent-builder/app-studio/internal/registry"
	"github.com/bizmatters/agent-builder/app-studio/internal/session"
	"github.com/bizmatters/agent-builder/app-studio/internal/store"

	_ "github.com/bizmatters/agent-builder/app-studio/docs" // swagger docs
)

// @title App Studio Gateway API
// @version 1.0
// @description Streams application builds from the remote build service to UI clients.
// @description
// @description Prompts are routed to generation or modification, progress is reduced from the
// @description build service event stream and pushed to subscribers over WebSocket.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	cfg, err := config.Load(os.Getenv("STUDIO_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("app studio gateway exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	tp, err := initTracer()
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	buildMetrics, err := metrics.NewBuildMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	st, closeStore, err := openStore(cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	creds, err := credentials.Open(cfg.Credentials.Path, cfg.Credentials.Key)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer creds.Close()
	if cfg.Credentials.Key == "" {
		logger.Warn("CREDENTIALS_KEY not set, credential store is locked")
	}

	var notifier notify.Publisher = notify.Nop{}
	if cfg.Redis.URL != "" {
		rn, err := notify.NewRedis(notify.Config{URL: cfg.Redis.URL, Channel: cfg.Redis.Channel})
		if err != nil {
			return fmt.Errorf("failed to create build notifier: %w", err)
		}
		notifier = rn
		logger.Info("publishing build notifications to redis")
	}
	defer notifier.Close()

	jwtManager, err := auth.NewJWTManager(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	client := orchestration.NewBuildClient(cfg.BuildServiceURL, logger)
	sessions := session.NewManager(client,
		session.WithLogger(logger),
		session.WithMetrics(buildMetrics),
	)
	hub := gateway.NewHub(logger)

	svc := orchestration.NewService(orchestration.ServiceConfig{
		Store:       st,
		Client:      client,
		Sessions:    sessions,
		Registry:    registry.New(),
		Hub:         hub,
		Notifier:    notifier,
		Credentials: creds,
		Metrics:     buildMetrics,
		Logger:      logger,
		Poll: orchestration.PollConfig{
			Interval:    cfg.StatusPoll.Interval,
			MaxAttempts: cfg.StatusPoll.MaxAttempts,
		},
		PollBudget: cfg.StatusPoll.Budget,
		Pacing:     cfg.Workflow.Pacing,
	})

	if !logger.Core().Enabled(zapcore.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := gateway.NewHandler(svc, st, creds, hub, logger)
	router := gateway.NewRouter(handler, jwtManager, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting app studio gateway",
			zap.String("port", cfg.Port),
			zap.String("build_service_url", cfg.BuildServiceURL))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// sessions and workflows first, so their final snapshots reach the hub
	// and the store before connections close
	svc.Shutdown()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

// openStore connects to PostgreSQL with retries, or falls back to the
// in-memory store when no database is configured
func openStore(databaseURL string, logger *zap.Logger) (store.Store, func(), error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	logger.Info("connecting to PostgreSQL database")
	var pool *pgxpool.Pool
	var err error
	for i := 0; i < 10; i++ {
		pool, err = store.Connect(context.Background(), databaseURL)
		if err == nil {
			break
		}
		logger.Warn("waiting for database", zap.Int("attempt", i+1), zap.Int("max_attempts", 10), zap.Error(err))
		time.Sleep(3 * time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	pg := store.NewPostgres(pool)
	if err := pg.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("connected to PostgreSQL database")
	return pg, pool.Close, nil
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}
