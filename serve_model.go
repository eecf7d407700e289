package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/food-calorie/internal/config"
	"github.com/example/food-calorie/internal/inference"
	"github.com/example/food-calorie/internal/logging"
	"github.com/example/food-calorie/internal/metrics"
)

func runServeModel(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.InferenceBackend == config.BackendRemote {
		return errors.New("serve-model needs a local or stub INFERENCE_BACKEND")
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing := setupTracing(ctx, cfg, logger)
	defer shutdownTracing()

	backend, closeBackend, err := buildBackend(ctx, cfg, logger, metrics.New())
	if err != nil {
		return err
	}
	defer closeBackend()

	listener, err := net.Listen("tcp", cfg.ModelGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ModelGRPCAddr, err)
	}

	server := grpc.NewServer(inference.ServerOptions(cfg.MaxUploadBytes)...)
	inference.RegisterEstimatorServer(server, backend, logger)

	logger.Info("Model server listening", zap.String("addr", listener.Addr().String()), zap.String("backend", backend.Name()))
	return serveGRPCServer(server, listener, cfg.ShutdownGrace(), logger, nil)
}

// serveGRPCServer mirrors serveHTTPServerWithOptions: in-flight calls get shutdownTimeout
// to finish after a signal before the server is stopped hard.
func serveGRPCServer(server *grpc.Server, listener net.Listener, shutdownTimeout time.Duration, logger *zap.Logger, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	sigCh, stopSignals := shutdownSignals(signalCh)
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if ok {
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing")
		server.Stop()
		<-stopped
	}

	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
