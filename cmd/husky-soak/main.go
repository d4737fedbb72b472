// Command husky-soak hammers one allocator from many goroutines and checks
// that no block is lost or overwritten.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/husky"
	"github.com/23skdu/husky/internal/logging"
	"github.com/23skdu/husky/internal/memory"
	"github.com/23skdu/husky/internal/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code: 0 on a clean run, 1 on corruption
// or runtime failure, 2 on bad configuration.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := LoadConfig(args)
	if err != nil {
		fmt.Fprintf(stderr, "husky-soak: %v\n", err)
		return 2
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: zapcore.AddSync(stderr),
		Name:   "husky-soak",
	})
	if err != nil {
		fmt.Fprintf(stderr, "husky-soak: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	a, err := husky.New(husky.Config{
		Stripes:     cfg.Stripes,
		MemoryLimit: cfg.MemoryLimit,
		LogLevel:    cfg.LogLevel,
		LogFormat:   cfg.LogFormat,
		Logger:      logger.Named("allocator"),
	})
	if err != nil {
		logger.Error("allocator setup failed", zap.Error(err))
		return 2
	}

	// Package-level husky_* metrics live in the default registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(memory.NewStatsCollector(a))
	gatherers := prometheus.Gatherers{reg, prometheus.DefaultGatherer}

	if cfg.MetricsAddr != "" {
		srv, err := startMetrics(cfg.MetricsAddr, gatherers, logger)
		if err != nil {
			logger.Error("failed to start metrics server", zap.Error(err), zap.String("address", cfg.MetricsAddr))
			return 1
		}
		defer func() { _ = srv.Close() }()
	}

	var hs *healthEndpoint
	if cfg.HealthAddr != "" {
		if hs, err = startHealth(cfg.HealthAddr, logger); err != nil {
			logger.Error("failed to start health server", zap.Error(err), zap.String("address", cfg.HealthAddr))
			return 1
		}
		defer hs.Stop()
	}

	logger.Info("soak starting",
		zap.Int("workers", cfg.Workers),
		zap.Int("cycles", cfg.Cycles),
		zap.Int("max_size", cfg.MaxSize),
		zap.Int("stripes", a.Stripes()),
		zap.Uintptr("page_size", a.PageSize()),
	)
	start := time.Now()
	res, runErr := Run(ctx, a, cfg, logger)

	if err := report.Write(stdout, res.Stats); err != nil {
		logger.Warn("failed to write report", zap.Error(err))
	}

	code := 0
	if runErr != nil {
		if errors.Is(runErr, ErrCorruption) && hs != nil {
			hs.markCorrupt()
		}
		logger.Error("soak failed", zap.Error(runErr), zap.Duration("elapsed", time.Since(start)))
		code = 1
	} else {
		logger.Info("soak passed", zap.Duration("elapsed", time.Since(start)))
	}

	if cfg.Linger > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Linger):
		}
	}
	return code
}

func startMetrics(addr string, g prometheus.Gatherer, logger *zap.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("metrics server listening", zap.String("address", lis.Addr().String()))
	return srv, nil
}
