// Command coedit-api serves the document API and the realtime gateway.
//
//	coedit-api [serve]                      run the server
//	coedit-api token -user ID -email ADDR   print a signed identity token
//	coedit-api join -doc ID -user ID ...    open a headless editing session
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

	"go.uber.org/zap"

	"coedit/api/internal/app"
	"coedit/api/internal/config"
	"coedit/api/internal/email"
	"coedit/api/internal/gateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "token":
		err = token(cfg, args, os.Stdout)
	case "join":
		err = join(ctx, cfg, args, logger)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		logger.Fatal(cmd+" failed", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	arch, err := openArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var opts []app.ServiceOption
	if mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: "Coedit",
		AppURL:   cfg.AppURL,
	}, logger); mailer.IsConfigured() {
		opts = append(opts, app.WithNotifier(mailer))
	}

	service := app.NewService(b.store, arch, logger, opts...)
	realtime := gateway.New(b.transport, b.feed, service, gateway.Config{
		TrackViewers:  cfg.PresenceForViewer,
		AllowedOrigin: cfg.CORSOrigin,
	}, logger)
	httpServer := app.NewHTTPServer(service, realtime, []byte(cfg.JWTSecret), cfg.CORSOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coedit API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}
