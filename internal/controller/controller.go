// Package controller routes observed account events into the local store
// and drives Notion syncing: debounced per-domain pushes, manual commands
// and the periodic bidirectional cycle.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
	"github.com/SwayamMehta10/AuthRecall/internal/notion"
)

const (
	DefaultDebounce     = 2 * time.Second
	DefaultSyncInterval = time.Hour
	DefaultSyncTimeout  = 30 * time.Second
)

// CommandResult is what every outward command reports.
type CommandResult struct {
	Success bool                 `json:"success"`
	Error   string               `json:"error,omitempty"`
	Message string               `json:"message,omitempty"`
	Synced  int                  `json:"synced,omitempty"`
	Fetched int                  `json:"fetched,omitempty"`
	Failed  int                  `json:"failed,omitempty"`
	Errors  []notion.DomainError `json:"errors,omitempty"`
}

func failure(err error) CommandResult {
	return CommandResult{Success: false, Error: err.Error()}
}

// Notifier shows a user-facing "account tracked" message.
type Notifier interface {
	Notify(title, message string)
}

type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(title, message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info(title, "message", message)
}

// EngineFactory builds one sync session for the given settings.
type EngineFactory func(settings Settings) *notion.Engine

type Options struct {
	Store        *accounts.Store
	Logger       *slog.Logger
	Notifier     Notifier
	Engines      EngineFactory
	Seed         Settings
	Debounce     time.Duration
	SyncTimeout  time.Duration
	SyncInterval time.Duration
	SyncJitter   float64
	// NotionBaseURL and HTTPClient feed the default EngineFactory.
	NotionBaseURL string
	HTTPClient    *http.Client
}

type Controller struct {
	store    *accounts.Store
	logger   *slog.Logger
	notifier Notifier
	engines  EngineFactory
	seed     Settings

	syncTimeout  time.Duration
	syncInterval time.Duration
	syncJitter   float64

	debouncer *Debouncer
	hub       *hub
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	engines := opts.Engines
	if engines == nil {
		engines = DefaultEngineFactory(opts.NotionBaseURL, opts.HTTPClient, logger)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	syncTimeout := opts.SyncTimeout
	if syncTimeout <= 0 {
		syncTimeout = DefaultSyncTimeout
	}
	syncInterval := opts.SyncInterval
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}
	c := &Controller{
		store:        opts.Store,
		logger:       logger,
		notifier:     notifier,
		engines:      engines,
		seed:         opts.Seed,
		syncTimeout:  syncTimeout,
		syncInterval: syncInterval,
		syncJitter:   clampJitterRatio(opts.SyncJitter),
		hub:          newHub(),
	}
	c.debouncer = NewDebouncer(debounce, c.autoSync)
	c.store.OnChange(func(event accounts.ChangeEvent) {
		notice := Notice{Type: string(event.Kind), Domain: event.Domain}
		if event.Account != nil {
			notice.Email = event.Account.Email
		}
		c.publish(notice)
	})
	return c, nil
}

func DefaultEngineFactory(baseURL string, httpClient *http.Client, logger *slog.Logger) EngineFactory {
	return func(settings Settings) *notion.Engine {
		client := notion.NewClient(notion.ClientOptions{
			BaseURL:       baseURL,
			TokenProvider: notion.StaticToken(settings.NotionAPIKey),
			HTTPClient:    httpClient,
			UserAgent:     "authrecall",
		})
		return notion.NewEngine(notion.EngineOptions{
			Client:     client,
			DatabaseID: settings.NotionDatabaseID,
			Logger:     logger,
		})
	}
}

func (c *Controller) Store() *accounts.Store {
	return c.store
}

// Close cancels pending debounced syncs.
func (c *Controller) Close() {
	c.debouncer.Close()
}

// Flush runs pending debounced syncs immediately.
func (c *Controller) Flush() {
	c.debouncer.Flush()
}

// HandleEmailDetected records an email observed on pageURL. Invalid input
// is dropped without error.
func (c *Controller) HandleEmailDetected(ctx context.Context, email, source, pageURL string) (string, bool, error) {
	domain := domainFromURL(pageURL)
	saved, err := c.capture(ctx, domain, accounts.AccountInput{Email: email}, "Account Tracked", source)
	return domain, saved, err
}

// HandleOAuthAccountSelected records an account chosen on the identity
// provider for domain.
func (c *Controller) HandleOAuthAccountSelected(ctx context.Context, email, domain string) (string, bool, error) {
	domain = accounts.NormalizeDomain(domain)
	saved, err := c.capture(ctx, domain, accounts.AccountInput{Email: email}, "OAuth Account Tracked", "oauth-chooser")
	return domain, saved, err
}

// HandleLegacyOAuthData accepts the older captured-profile payloads: an
// identity-toolkit lookup ({users:[{email,displayName,photoUrl}]}) or a
// flat {email,name|displayName,picture|photoUrl} object.
func (c *Controller) HandleLegacyOAuthData(ctx context.Context, data json.RawMessage, pageURL string) (string, bool, error) {
	domain := domainFromURL(pageURL)
	input, ok := legacyProfile(data)
	if !ok {
		return domain, false, nil
	}
	saved, err := c.capture(ctx, domain, input, "Account Tracked", "legacy-oauth")
	return domain, saved, err
}

func legacyProfile(data json.RawMessage) (accounts.AccountInput, bool) {
	if !gjson.ValidBytes(data) {
		return accounts.AccountInput{}, false
	}
	parsed := gjson.ParseBytes(data)
	if user := parsed.Get("users.0"); user.Exists() {
		return accounts.AccountInput{
			Email:       user.Get("email").String(),
			DisplayName: user.Get("displayName").String(),
			PhotoURL:    user.Get("photoUrl").String(),
		}, user.Get("email").String() != ""
	}
	email := parsed.Get("email").String()
	if email == "" {
		return accounts.AccountInput{}, false
	}
	return accounts.AccountInput{
		Email:       email,
		DisplayName: firstNonEmpty(parsed.Get("name").String(), parsed.Get("displayName").String()),
		PhotoURL:    firstNonEmpty(parsed.Get("picture").String(), parsed.Get("photoUrl").String()),
	}, true
}

func (c *Controller) capture(ctx context.Context, domain string, input accounts.AccountInput, title, source string) (bool, error) {
	input.Email = strings.TrimSpace(input.Email)
	if !accounts.IsValidDomain(domain) || !accounts.ValidEmail(input.Email) {
		c.logger.Debug("dropping capture", "domain", domain, "source", source)
		return false, nil
	}
	if _, err := c.store.Save(ctx, domain, input); err != nil {
		return false, err
	}
	c.logger.Info("account tracked", "domain", domain, "source", source)
	c.notifier.Notify("AuthRecall: "+title, fmt.Sprintf("%s → %s", input.Email, domain))
	c.debouncer.Trigger(domain)
	return true, nil
}

func (c *Controller) GetAccount(ctx context.Context, domain string) (accounts.AccountRecord, error) {
	return c.store.GetByDomain(ctx, accounts.NormalizeDomain(domain))
}

// SaveAccount is the manual-entry path; validation failures are returned.
func (c *Controller) SaveAccount(ctx context.Context, domain string, input accounts.AccountInput) (string, accounts.AccountRecord, error) {
	domain, record, err := c.store.SaveManual(ctx, domain, input)
	if err != nil {
		return domain, record, err
	}
	c.debouncer.Trigger(domain)
	return domain, record, nil
}

// DeleteAccount removes the local record and archives the remote page.
func (c *Controller) DeleteAccount(ctx context.Context, domain string) CommandResult {
	domain = accounts.NormalizeDomain(domain)
	if err := c.store.Delete(ctx, domain); err != nil {
		return failure(err)
	}
	return c.DeleteRemote(ctx, domain)
}

// SyncNow pushes every local account to Notion.
func (c *Controller) SyncNow(ctx context.Context) CommandResult {
	settings, err := c.Settings(ctx)
	if err != nil {
		return failure(err)
	}
	if !settings.hasCredentials() {
		return CommandResult{Success: false, Error: "Notion not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.syncTimeout)
	defer cancel()
	engine := c.engines(settings)
	if !engine.VerifyConnection(ctx) {
		return CommandResult{Success: false, Error: "Unable to connect to Notion"}
	}
	all, err := c.store.GetAll(ctx)
	if err != nil {
		return failure(err)
	}
	result := fromSync(engine.SyncAccounts(ctx, all))
	c.publish(Notice{Type: NoticeSyncCompleted, Result: &result})
	return result
}

// BidirectionalSync fetches remote entries, merges them into the store and
// pushes the merged state back.
func (c *Controller) BidirectionalSync(ctx context.Context) CommandResult {
	settings, err := c.Settings(ctx)
	if err != nil {
		return failure(err)
	}
	if !settings.Active() {
		return CommandResult{Success: false, Error: "Notion not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.syncTimeout)
	defer cancel()
	engine := c.engines(settings)
	remote, err := engine.FetchAllEntries(ctx)
	if err != nil {
		return failure(err)
	}
	merged, err := c.store.MergeWithConflictResolution(ctx, remote)
	if err != nil {
		return failure(err)
	}
	pushed := engine.SyncAccounts(ctx, merged)
	result := CommandResult{
		Success: true,
		Synced:  pushed.Synced,
		Failed:  pushed.Failed,
		Fetched: len(remote),
		Errors:  pushed.Errors,
	}
	c.logger.Info("bidirectional sync finished", "fetched", result.Fetched, "synced", result.Synced, "failed", result.Failed)
	c.publish(Notice{Type: NoticeSyncCompleted, Result: &result})
	return result
}

// DeleteRemote archives the Notion page for domain. Without Notion
// configured this is a successful no-op.
func (c *Controller) DeleteRemote(ctx context.Context, domain string) CommandResult {
	settings, err := c.Settings(ctx)
	if err != nil {
		return failure(err)
	}
	if !settings.Active() {
		return CommandResult{Success: true, Message: "Notion sync not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.syncTimeout)
	defer cancel()
	archived := c.engines(settings).ArchiveByDomain(ctx, domain)
	return CommandResult{Success: archived.Success, Message: archived.Message, Error: archived.Error}
}

// autoSync is the debounced per-domain push.
func (c *Controller) autoSync(domain string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.syncTimeout)
	defer cancel()
	settings, err := c.Settings(ctx)
	if err != nil {
		c.logger.Warn("auto sync settings unavailable", "error", err)
		return
	}
	if !settings.Active() {
		return
	}
	record, err := c.store.GetByDomain(ctx, domain)
	if err != nil {
		return
	}
	result := c.engines(settings).SyncAccounts(ctx, accounts.Accounts{domain: record})
	if !result.Success {
		c.logger.Warn("auto sync failed", "domain", domain, "error", result.Error)
		return
	}
	c.logger.Debug("auto sync pushed", "domain", domain)
}

func (c *Controller) Export(ctx context.Context) (accounts.ExportBundle, error) {
	return c.store.ExportData(ctx)
}

func (c *Controller) Import(ctx context.Context, data []byte) (int, error) {
	return c.store.ImportBundle(ctx, data)
}

func (c *Controller) Stats(ctx context.Context) (accounts.Stats, error) {
	return c.store.Stats(ctx)
}

func (c *Controller) ListAccounts(ctx context.Context) (accounts.Accounts, error) {
	return c.store.GetAll(ctx)
}

func fromSync(result notion.SyncResult) CommandResult {
	return CommandResult{
		Success: result.Success,
		Error:   result.Error,
		Message: result.Message,
		Synced:  result.Synced,
		Failed:  result.Failed,
		Errors:  result.Errors,
	}
}

func domainFromURL(pageURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return ""
	}
	return accounts.NormalizeDomain(parsed.Hostname())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
