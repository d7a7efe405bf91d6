package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/SwayamMehta10/AuthRecall/internal/app"
	"github.com/SwayamMehta10/AuthRecall/internal/config"
	"github.com/SwayamMehta10/AuthRecall/internal/httpapi"
)

type options struct {
	config.Config
	once bool
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := opts.Logger(os.Stderr)
	if err := run(opts, logger); err != nil {
		logger.Error("authrecall exited", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	cfg, err := config.Load()
	if err != nil {
		return options{}, err
	}
	opts := options{Config: cfg}
	flags := pflag.NewFlagSet("authrecall", pflag.ContinueOnError)
	opts.RegisterFlags(flags)
	flags.BoolVar(&opts.once, "once", false, "run one bidirectional sync and exit")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if err := opts.Validate(); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(opts options, logger *slog.Logger) error {
	a, err := app.Open(opts.Config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close store failed", "error", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.once {
		result := a.Controller.BidirectionalSync(rootCtx)
		if !result.Success {
			return errors.New(result.Error)
		}
		logger.Info("sync completed", "fetched", result.Fetched, "synced", result.Synced, "failed", result.Failed)
		return nil
	}

	server := &http.Server{
		Addr: opts.Addr,
		Handler: httpapi.NewServerWithConfig(a.Controller, httpapi.ServerConfig{
			JWTSecret:       opts.JWTSecret,
			RateLimitMax:    opts.RateLimitMax,
			RateLimitWindow: opts.RateLimitWindow,
			MaxBodyBytes:    opts.MaxBodyBytes,
			Logger:          logger.With("component", "httpapi"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	background := make(chan error, 1)
	go func() { background <- a.RunBackground(rootCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("authrecall listening", "addr", opts.Addr, "auth", opts.JWTSecret != "")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-background
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-rootCtx.Done():
	}

	logger.Info("authrecall stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return <-background
}
