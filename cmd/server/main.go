package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/config"
	"realtime-service/internal/factory"
	"realtime-service/internal/handler"
	"realtime-service/internal/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		// Logger is not up yet.
		panic(err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	util.Info("Starting realtime service",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	f, err := factory.New(cfg)
	if err != nil {
		util.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer f.Close()

	f.Start()

	h := handler.NewUserHandler(f.Directory, f.Gateway, f.TokenVerifier, f.AuditPublisher, cfg)
	router := handler.NewRouter(cfg, h)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		util.Info("HTTP server listening", zap.String("addr", server.Addr))
		var serveErr error
		if cfg.Server.EnableTLS {
			serveErr = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		util.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		util.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error("Graceful shutdown failed", zap.Error(err))
		_ = server.Close()
	}

	util.Info("Server stopped")
}
