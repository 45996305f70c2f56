package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-resumable/chunkstore"
	"github.com/bitrise-io/go-resumable/chunkstore/handler"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("Failed to load .env: %s", err)
	}

	if err := run(logger); err != nil {
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	settings, err := chunkstore.ParseServerSettings(env.NewRepository())
	if err != nil {
		return err
	}
	logger.EnableDebugLog(settings.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.OpenStore(ctx, logger)
	if err != nil {
		return err
	}
	if settings.Token == "" {
		logger.Warnf("%s is not set, the upload API accepts unauthenticated requests", chunkstore.TokenEnvKey)
	}

	server := &http.Server{
		Addr: settings.Addr,
		Handler: handler.New(store, handler.Config{
			Token:         settings.Token,
			MaxChunkBytes: settings.MaxChunkBytes,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
		MaxHeaderBytes:    8192,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("Listening on %s", settings.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
