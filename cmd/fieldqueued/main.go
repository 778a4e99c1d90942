package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/config"
	"github.com/agentworkforce/fieldqueue/internal/fieldapp"
	"github.com/agentworkforce/fieldqueue/internal/httpapi"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fieldqueued: %v\n", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, args []string) error {
	flags := flag.NewFlagSet("fieldqueued", flag.ContinueOnError)
	configFile := flags.String("config", "", "config file (yaml, json or toml)")
	envFile := flags.String("env-file", ".env", "dotenv file loaded before the environment")
	interval := flags.Duration("interval", 0, "cycle interval (overrides sync_interval)")
	intervalJitter := flags.Float64("interval-jitter", -1, "cycle interval jitter ratio (0.0-1.0, overrides sync_jitter)")
	once := flags.Bool("once", false, "run one cycle and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.LoadOptions{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		return err
	}
	if *interval > 0 {
		cfg.SyncInterval = *interval
	}
	if *intervalJitter >= 0 {
		cfg.SyncJitter = *intervalJitter
	}
	cfg.SyncJitter = clampJitterRatio(cfg.SyncJitter)

	logger, err := fieldapp.NewSlogLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	app, err := fieldapp.New(rootCtx, cfg, fieldapp.Options{Logger: fieldapp.ComponentLogger(logger)})
	if err != nil {
		return fmt.Errorf("initialize field queue: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(rootCtx)
	defer func() {
		cancel()
		app.Wait()
	}()

	cycle := func() {
		result, err := app.RunCycle(ctx)
		if err != nil {
			logger.Warn("cycle failed", "error", err)
		}
		logger.Info("cycle completed",
			"online", app.Monitor.IsOnline(),
			"pending", app.Queue.Stats().Pending,
			"attempted", result.Drain.Attempted,
			"succeeded", result.Drain.Succeeded,
			"retrying", result.Drain.Retrying,
			"failed", result.Drain.Failed,
			"skipped", result.Drain.SkipReason,
			"stopped", result.Drain.StopReason,
			"reconciled", len(result.Reconciled),
			"blobs_pruned", result.BlobsPruned,
		)
	}

	if *once {
		app.Watch(ctx)
		app.WaitOnline(ctx, cfg.CallTimeout)
		cycle()
		return nil
	}

	if cfg.ListenAddr != "" {
		stopServer, err := serveOperatorAPI(ctx, app, cfg, logger)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	app.Start(ctx)
	cycle()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.SyncInterval, cfg.SyncJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("field queue stopping", slog.String("reason", context.Cause(ctx).Error()))
			return nil
		case <-timer.C:
			cycle()
			timer.Reset(jitteredIntervalWithSample(cfg.SyncInterval, cfg.SyncJitter, rng.Float64()))
		}
	}
}

func operatorServer(app *fieldapp.App, cfg config.Config) *http.Server {
	handler := httpapi.NewServer(httpapi.Backends{
		Queue:        app.Queue,
		Drainer:      app.Processor,
		Documents:    app.Documents,
		Applications: app.Records,
		Online:       app.Monitor.IsOnline,
	}, httpapi.ServerConfig{
		AdminSecret:     cfg.AdminSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	return &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
}

// serveOperatorAPI listens on cfg.ListenAddr until the returned stop func runs.
func serveOperatorAPI(ctx context.Context, app *fieldapp.App, cfg config.Config, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	if cfg.AdminSecret == "" {
		logger.Warn("operator api running without authentication", "addr", listener.Addr().String())
	}
	server := operatorServer(app, cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("operator api listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("operator api failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		<-done
	}, nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
