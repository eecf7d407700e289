package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/food-calorie/internal/auth"
	"github.com/example/food-calorie/internal/config"
	"github.com/example/food-calorie/internal/dispatch"
	"github.com/example/food-calorie/internal/handlers"
	"github.com/example/food-calorie/internal/history"
	"github.com/example/food-calorie/internal/inference"
	"github.com/example/food-calorie/internal/logging"
	"github.com/example/food-calorie/internal/metrics"
	"github.com/example/food-calorie/internal/repository"
	"github.com/example/food-calorie/internal/storage"
	"github.com/example/food-calorie/internal/telemetry"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "food-calorie",
		Short:         "Food calorie estimation API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "serve-model",
		Short: "Expose the configured model over gRPC for remote inference.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeModel(cmd.Context())
		},
	})
	return root
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if logging.ParseLevel(cfg.LogLevel) > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing := setupTracing(ctx, cfg, logger)
	defer shutdownTracing()

	m := metrics.New()
	store, err := storage.NewStore(afero.NewOsFs(), cfg.TempStorageDir, logger, storage.WithMetrics(m))
	if err != nil {
		return err
	}
	// Nothing is live yet, so anything left under the root belongs to a previous process.
	if _, err := store.Sweep(0); err != nil {
		logger.Warn("failed to sweep temporary storage", zap.Error(err))
	}

	backend, closeBackend, err := buildBackend(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer closeBackend()

	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		backend = inference.NewCached(backend, inference.NewRedisCache(redisClient), cfg.EstimateCacheTTL(), logger, m)
	}

	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(m), dispatch.WithAllowedTypes("image/")}
	var hist *history.Service
	if cfg.DatabaseDSN != "" {
		dbCtx, dbCancel := context.WithTimeout(ctx, 15*time.Second)
		db := initDatabase(dbCtx, cfg.DatabaseDSN, logger)
		repo := repository.NewEstimateRepository(db, logger)
		if err := repo.AutoMigrate(dbCtx); err != nil {
			dbCancel()
			return err
		}
		dbCancel()
		dispatchOpts = append(dispatchOpts, dispatch.WithAuditLog(repo))
		hist = history.NewService(repo, logger)
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}
	gate := auth.NewGate(verifier, logger)

	router := handlers.NewRouter(logger)
	handlers.RegisterRoutes(router, handlers.Dependencies{
		Dispatcher:     dispatch.New(store, backend, cfg.MaxUploadBytes, logger, dispatchOpts...),
		History:        hist,
		Metrics:        m,
		Logger:         logger,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, auth.Middleware(gate, logger))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(router, "food-calorie-http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Food calorie API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", backend.Name()),
		zap.String("max_upload", humanize.IBytes(uint64(cfg.MaxUploadBytes))),
	)
	return serveHTTPServer(server, cfg.ShutdownGrace(), logger)
}

func setupTracing(ctx context.Context, cfg *config.Config, logger *zap.Logger) func() {
	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: telemetry.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		return func() {}
	}
	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
}

// buildBackend returns the configured inference backend and a function releasing its resources.
func buildBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (inference.Backend, func(), error) {
	switch cfg.InferenceBackend {
	case config.BackendLocal:
		opts := []inference.LocalOption{inference.WithLoadMetrics(m)}
		if cfg.SerializeInference {
			opts = append(opts, inference.WithSerializedInference())
		}
		model := inference.NewLocalModel(cfg.ModelArtifactPath, inference.ArtifactLoader{Fs: afero.NewOsFs()}, logger, opts...)

		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := model.Warm(warmCtx); err != nil {
			logger.Warn("model warm-up failed, loading on first request", zap.Error(err))
		}
		return model, func() {}, nil
	case config.BackendRemote:
		remote, conn, err := inference.DialRemote(cfg.InferenceAddr, cfg.InferenceTimeout(), cfg.MaxUploadBytes, logger)
		if err != nil {
			return nil, nil, err
		}
		return remote, func() { conn.Close() }, nil
	default:
		return inference.NewStub(cfg.StubCalories), func() {}, nil
	}
}

func buildVerifier(cfg *config.Config) (auth.Verifier, error) {
	if cfg.VerifierURL != "" {
		return auth.NewHTTPVerifier(cfg.VerifierURL, cfg.VerifierTimeout()), nil
	}
	return auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTAudience)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

// shutdownSignals returns signalCh when set, otherwise a channel fed by SIGINT and SIGTERM.
func shutdownSignals(signalCh <-chan os.Signal) (<-chan os.Signal, func()) {
	if signalCh != nil {
		return signalCh, func() {}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}
