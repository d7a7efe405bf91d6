package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/SwayamMehta10/AuthRecall/internal/app"
	"github.com/SwayamMehta10/AuthRecall/internal/browserhost"
	"github.com/SwayamMehta10/AuthRecall/internal/config"
)

type options struct {
	config.Config
	headless bool
	install  bool
	urls     []string
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := opts.Logger(os.Stderr)
	if err := run(opts, logger); err != nil {
		logger.Error("authrecall-watch exited", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	cfg, err := config.Load()
	if err != nil {
		return options{}, err
	}
	opts := options{Config: cfg}
	flags := pflag.NewFlagSet("authrecall-watch", pflag.ContinueOnError)
	opts.RegisterFlags(flags)
	flags.BoolVar(&opts.headless, "headless", false, "run the browser without a window")
	flags.BoolVar(&opts.install, "install", false, "download the browser driver before launching")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}
	if err := opts.Validate(); err != nil {
		return options{}, err
	}
	for _, arg := range flags.Args() {
		if arg = strings.TrimSpace(arg); arg != "" {
			opts.urls = append(opts.urls, normalizeStartURL(arg))
		}
	}
	if len(opts.urls) == 0 {
		return options{}, errors.New("at least one URL to open is required")
	}
	return opts, nil
}

// normalizeStartURL lets bare hosts be given on the command line.
func normalizeStartURL(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	return "https://" + raw
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

	host, err := browserhost.Launch(browserhost.Options{
		Extractor: a.Extractor,
		Sink:      browserhost.ControllerSink{Controller: a.Controller, Logger: logger},
		Headless:  opts.headless,
		Install:   opts.install,
		Logger:    logger.With("component", "browserhost"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := host.Close(); err != nil {
			logger.Warn("close browser failed", "error", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, target := range opts.urls {
		if _, err := host.Open(target); err != nil {
			logger.Warn("open page failed", "url", target, "error", err)
		}
	}

	notices, cancel := a.Controller.Subscribe(16)
	defer cancel()
	background := make(chan error, 1)
	go func() { background <- a.RunBackground(rootCtx) }()

	logger.Info("watching browser", "pages", len(opts.urls))
	for {
		select {
		case <-rootCtx.Done():
			return <-background
		case notice := <-notices:
			if notice.Domain != "" {
				logger.Info("account event", "type", notice.Type, "domain", notice.Domain)
			}
		}
	}
}
