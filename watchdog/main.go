package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linluma/feedwatch/shared/config"
	"github.com/linluma/feedwatch/shared/logger"
	"github.com/linluma/feedwatch/watchdog/metrics"
	"github.com/linluma/feedwatch/watchdog/monitor"
	"github.com/linluma/feedwatch/watchdog/recovery"
	"github.com/linluma/feedwatch/watchdog/server"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load .env")
	}

	cfg, err := config.ParseWatchdogFlags()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Invalid configuration")
	}

	logger := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Logger = logger

	logger.Info().Msg("🚀 Starting Feed Watchdog...")
	logger.Info().
		Interface("feeds", cfg.FeedIDs()).
		Dur("max_latency", cfg.MaxLatency).
		Dur("max_silence", cfg.MaxSilence).
		Str("restart_command", cfg.RestartCommand).
		Msg("📊 Config loaded")

	restart := recovery.NewCommand(cfg.RestartCommand, recovery.WithLogger(logger))
	health := server.NewHealthServer(cfg.FeedIDs())

	mon := monitor.New(cfg, restart,
		monitor.WithLogger(logger),
		monitor.WithObserver(metrics.NewObserver(cfg.FeedIDs())),
		monitor.WithObserver(health),
	)

	// Initialize gRPC health server
	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("❌ Failed to listen")
		}

		grpcServer = grpc.NewServer()
		health.Register(grpcServer)

		go func() {
			logger.Info().Str("addr", cfg.GRPCAddr).Msg("🌐 gRPC health server listening")
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("❌ gRPC server error")
			}
		}()
	}

	// Initialize metrics endpoint
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("📈 Metrics server listening")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("❌ Metrics server error")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon.Start(ctx)

	// Log system status
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				states := mon.Snapshots()
				connected := 0
				for _, state := range states {
					if state.Connected {
						connected++
					}
				}
				logger.Info().
					Int("connected", connected).
					Int("feeds", len(states)).
					Msg("📈 System Status")

			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("🛑 Shutdown signal received, initiating graceful shutdown...")

	mon.Shutdown()
	cancel()

	if grpcServer != nil {
		if !health.Stop(grpcServer, 5*time.Second) {
			logger.Warn().Msg("⚠️ gRPC graceful stop timed out, open streams closed")
		}
	} else {
		health.Shutdown()
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("⚠️ Metrics server shutdown error")
		}
		shutdownCancel()
	}

	if restart.Wait(5 * time.Second) {
		logger.Info().Msg("✅ All restart commands finished")
	} else {
		logger.Warn().Msg("⚠️ Shutdown timeout reached, forcing exit")
	}

	logger.Info().Msg("👋 Watchdog stopped")
}
