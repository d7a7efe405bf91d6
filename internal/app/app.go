// Package app assembles the store, signal rules and controller from a
// loaded config. Both binaries start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
	"github.com/SwayamMehta10/AuthRecall/internal/config"
	"github.com/SwayamMehta10/AuthRecall/internal/controller"
	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Backend    accounts.Backend
	Store      *accounts.Store
	Extractor  *signal.Extractor
	Controller *controller.Controller
}

func Open(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rules, err := signal.LoadRuleset(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	backend, err := accounts.OpenBackend(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", redactDSN(cfg.StoreDSN), err)
	}
	store := accounts.NewStore(accounts.StoreOptions{Backend: backend, Logger: logger.With("component", "accounts")})
	ctrl, err := controller.New(controller.Options{
		Store:         store,
		Logger:        logger.With("component", "controller"),
		Seed:          SeedSettings(cfg),
		Debounce:      cfg.Debounce,
		SyncTimeout:   cfg.SyncTimeout,
		SyncInterval:  cfg.SyncInterval,
		SyncJitter:    cfg.SyncJitter,
		NotionBaseURL: cfg.NotionBaseURL,
		HTTPClient:    &http.Client{Timeout: cfg.SyncTimeout},
	})
	if err != nil {
		closeBackend(backend)
		return nil, err
	}
	return &App{
		Config:     cfg,
		Logger:     logger,
		Backend:    backend,
		Store:      store,
		Extractor:  signal.NewExtractor(rules),
		Controller: ctrl,
	}, nil
}

// SeedSettings are used until settings are saved through the API. Sync is
// enabled when the config carries both Notion credentials.
func SeedSettings(cfg config.Config) controller.Settings {
	key := strings.TrimSpace(cfg.NotionAPIKey)
	database := strings.TrimSpace(cfg.NotionDatabase)
	return controller.Settings{
		NotionAPIKey:     key,
		NotionDatabaseID: database,
		NotionEnabled:    key != "" && database != "",
	}
}

// RunBackground runs the periodic sync and, when configured, the store
// watcher until ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	errs := make(chan error, 2)
	running := 1
	go func() { errs <- a.Controller.RunPeriodic(ctx) }()
	if a.Config.WatchStore {
		running++
		go func() { errs <- a.Controller.WatchStore(ctx) }()
	}
	var result error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error("background task stopped", "error", err)
			result = errors.Join(result, err)
		}
	}
	return result
}

// Close flushes pending pushes and releases the backend.
func (a *App) Close() error {
	a.Controller.Flush()
	a.Controller.Close()
	return closeBackend(a.Backend)
}

func closeBackend(backend accounts.Backend) error {
	if closer, ok := backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}
