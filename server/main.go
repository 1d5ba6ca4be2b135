package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ponyo877/spectragate/server/adaptor"
	"github.com/ponyo877/spectragate/server/config"
	"github.com/ponyo877/spectragate/server/domain"
	"github.com/ponyo877/spectragate/server/emitter"
	"github.com/ponyo877/spectragate/server/engine"
	"github.com/ponyo877/spectragate/server/repository"
	"github.com/ponyo877/spectragate/server/usecase"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		boot.Fatal().Err(err).Msg("failed to build logger")
	}

	profile, err := config.LoadProfile(cfg.EngineProfile, cfg.APIKey)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.EngineProfile).Msg("failed to load engine profile")
	}
	factory, err := engine.NewFactory(profile.Engine, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure engine")
	}

	db, err := repository.Open(cfg.LedgerPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open ledger")
	}
	defer db.Close()
	rp := repository.NewRepository(db)

	tombstones, err := usecase.NewTombstones(cfg.Tombstones)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create tombstone cache")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mirror usecase.MetricsMirror
	if cfg.MQTTBroker != "" {
		hostname, _ := os.Hostname()
		m := emitter.NewMQTTMirror(cfg.MQTTBroker, cfg.MQTTTopic, "spectragate-"+hostname, logger)
		if err := m.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to connect metrics mirror")
		}
		defer m.Close()
		mirror = m
	}

	registry := domain.NewSessionRegistry(cfg.MaxSessions, factory, profile.Settings, logger)
	sessions := usecase.NewSessionUsecase(registry, rp, tombstones, usecase.SessionOptions{
		PublicHost:      cfg.PublicHost,
		Port:            cfg.Port,
		DefaultCapacity: cfg.BufferCapacity,
	}, logger)
	streams := usecase.NewStreamUsecase(registry, rp, tombstones, mirror, cfg.Telemetry, logger)
	ad := adaptor.NewAdaptor(sessions, streams, adaptor.Options{MaxFrameBytes: cfg.MaxFrameBytes}, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           ad.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go registry.Run(ctx, cfg.SweepInterval, cfg.IdleTimeout)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("engine", profile.Engine.Kind.String()).
			Str("operation_mode", profile.Settings.Operation.Mode.String()).
			Int("max_sessions", cfg.MaxSessions).
			Msg("server is running")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	n := registry.CloseAll(usecase.ReasonShuttingDown)
	logger.Info().Int("sessions", n).Msg("server stopped")
}
