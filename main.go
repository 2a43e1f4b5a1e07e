package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ttybridge/admission"
	"ttybridge/audit"
	"ttybridge/config"
	"ttybridge/handlers"
	"ttybridge/middleware"
	"ttybridge/prefs"
	"ttybridge/server"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: colorable.NewColorableStdout(), TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	log.Logger = logger

	cfg := config.Load()
	logger.Info().
		Strs("argv", cfg.Argv).
		Str("ws_path", cfg.WSPath).
		Bool("check_origin", cfg.CheckOrigin).
		Bool("readonly", cfg.ReadOnly).
		Msg("starting ttybridge")

	if cfg.WorkingDir != "" {
		if err := os.MkdirAll(cfg.WorkingDir, 0755); err != nil {
			logger.Fatal().Err(err).Str("dir", cfg.WorkingDir).Msg("failed to create working directory")
		}
	}

	var counter server.Counter
	if cfg.RedisURL != "" {
		rc, err := server.NewRedisCounter(cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis for distributed client counter")
		}
		counter = rc
		logger.Info().Str("redis", cfg.RedisURL).Msg("distributed max_clients counter enabled")
	}

	auditLog, err := audit.Open(cfg.AuditDSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open audit log")
	}
	if auditLog != nil {
		logger.Info().Msg("session audit log enabled")
	}

	lockout, err := admission.NewLockout(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis for auth lockout")
	}

	var prefsWatcher *prefs.Watcher
	if cfg.PrefsPath != "" {
		prefsWatcher, err = prefs.New(cfg.PrefsPath, cfg.PrefsJSON, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.PrefsPath).Msg("failed to start preferences watcher")
		}
		defer prefsWatcher.Close()
		logger.Info().Str("path", cfg.PrefsPath).Msg("hot-reloading preferences")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handle := server.New(cfg, counter, cancel)

	terminalHandler := handlers.NewTerminalHandler(handle, auditLog, lockout, prefsWatcher, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RequestLog(logger))

	r.GET("/healthz", handlers.Healthz(handle))
	r.GET(cfg.WSPath, terminalHandler.HandleWebSocket)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
			handle.Shutdown()
		case <-ctx.Done():
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown did not complete cleanly")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}
