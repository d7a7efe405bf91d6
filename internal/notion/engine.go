package notion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
)

const queryPageSize = 100

type DomainError struct {
	Domain string `json:"domain"`
	Error  string `json:"error"`
}

type SyncResult struct {
	Success bool          `json:"success"`
	Synced  int           `json:"synced"`
	Failed  int           `json:"failed"`
	Errors  []DomainError `json:"errors,omitempty"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
}

type ArchiveResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type EngineOptions struct {
	Client     *Client
	DatabaseID string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Engine is one sync session against one database. The schema is fetched
// once per Engine and reused.
type Engine struct {
	client     *Client
	databaseID string
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	schema Schema
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		client:     opts.Client,
		databaseID: strings.TrimSpace(opts.DatabaseID),
		logger:     logger,
		now:        now,
	}
}

func (e *Engine) databasePath(suffix string) string {
	return "/v1/databases/" + url.PathEscape(e.databaseID) + suffix
}

// VerifyConnection reports whether the database is reachable with the
// configured key.
func (e *Engine) VerifyConnection(ctx context.Context) bool {
	if e.databaseID == "" {
		return false
	}
	if err := e.client.Do(ctx, http.MethodGet, e.databasePath(""), nil, nil); err != nil {
		e.logger.Debug("notion connection check failed", "error", err)
		return false
	}
	return true
}

func (e *Engine) DatabaseSchema(ctx context.Context) (Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.schema != nil {
		return e.schema, nil
	}
	if e.databaseID == "" {
		return nil, ErrNotConfigured
	}
	var resp struct {
		Properties Schema `json:"properties"`
	}
	if err := e.client.Do(ctx, http.MethodGet, e.databasePath(""), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Properties == nil {
		resp.Properties = Schema{}
	}
	e.schema = resp.Properties
	return e.schema, nil
}

// QueryDatabase returns every page, following pagination cursors.
func (e *Engine) QueryDatabase(ctx context.Context) ([]Page, error) {
	if e.databaseID == "" {
		return nil, ErrNotConfigured
	}
	var pages []Page
	cursor := ""
	for {
		body := map[string]any{"page_size": queryPageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp struct {
			Results    []Page `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := e.client.Do(ctx, http.MethodPost, e.databasePath("/query"), body, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" || resp.NextCursor == cursor {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

func (e *Engine) CreatePage(ctx context.Context, domain string, record accounts.AccountRecord) error {
	schema, err := e.DatabaseSchema(ctx)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"parent":     map[string]string{"database_id": e.databaseID},
		"properties": BuildProperties(schema, domain, record),
	}
	return e.client.Do(ctx, http.MethodPost, "/v1/pages", payload, nil)
}

func (e *Engine) UpdatePage(ctx context.Context, pageID, domain string, record accounts.AccountRecord) error {
	schema, err := e.DatabaseSchema(ctx)
	if err != nil {
		return err
	}
	payload := map[string]any{"properties": BuildProperties(schema, domain, record)}
	return e.client.Do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), payload, nil)
}

func (e *Engine) ArchivePage(ctx context.Context, pageID string) error {
	return e.client.Do(ctx, http.MethodPatch, "/v1/pages/"+url.PathEscape(pageID), map[string]bool{"archived": true}, nil)
}

// SyncAccounts upserts every account by title. Per-domain failures do not
// stop the batch; the result is unsuccessful only if nothing synced.
func (e *Engine) SyncAccounts(ctx context.Context, all accounts.Accounts) SyncResult {
	if len(all) == 0 {
		return SyncResult{Success: true, Message: "No accounts to sync"}
	}
	if _, err := e.DatabaseSchema(ctx); err != nil {
		return SyncResult{Success: false, Error: "Cannot access database: " + err.Error()}
	}

	existing := map[string]string{}
	pages, err := e.QueryDatabase(ctx)
	if err != nil {
		// Without the index every account is created.
		e.logger.Warn("notion query failed before sync", "error", err)
	}
	for _, page := range pages {
		if title := page.Title(); title != "" {
			existing[strings.ToLower(title)] = page.ID
		}
	}

	result := SyncResult{Success: true}
	for _, domain := range sortedDomains(all) {
		record := all[domain]
		var err error
		if pageID, ok := existing[strings.ToLower(domain)]; ok {
			err = e.UpdatePage(ctx, pageID, domain, record)
		} else {
			err = e.CreatePage(ctx, domain, record)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, DomainError{Domain: domain, Error: err.Error()})
			continue
		}
		result.Synced++
	}
	if result.Failed > 0 && result.Synced == 0 {
		result.Success = false
		result.Error = result.Errors[0].Error
	}
	e.logger.Info("notion sync finished", "synced", result.Synced, "failed", result.Failed)
	return result
}

// FetchAllEntries reads every page back into local-shaped records keyed by
// lowercased domain.
func (e *Engine) FetchAllEntries(ctx context.Context) (accounts.Accounts, error) {
	if _, err := e.DatabaseSchema(ctx); err != nil {
		return nil, fmt.Errorf("read notion schema: %w", err)
	}
	pages, err := e.QueryDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("query notion database: %w", err)
	}
	now := e.now()
	entries := accounts.Accounts{}
	for _, page := range pages {
		domain, record, ok := entryFromPage(page, now)
		if !ok {
			continue
		}
		entries[domain] = record
	}
	return entries, nil
}

// ArchiveByDomain archives the page titled domain. A missing page is a
// successful no-op.
func (e *Engine) ArchiveByDomain(ctx context.Context, domain string) ArchiveResult {
	pages, err := e.QueryDatabase(ctx)
	if err != nil {
		return ArchiveResult{Success: false, Error: err.Error()}
	}
	pageID := ""
	for _, page := range pages {
		if title := page.Title(); title != "" && strings.EqualFold(title, domain) {
			pageID = page.ID
			break
		}
	}
	if pageID == "" {
		return ArchiveResult{Success: true, Message: "Page not found in Notion"}
	}
	if err := e.ArchivePage(ctx, pageID); err != nil {
		return ArchiveResult{Success: false, Error: err.Error()}
	}
	return ArchiveResult{Success: true}
}

func sortedDomains(all accounts.Accounts) []string {
	domains := make([]string, 0, len(all))
	for domain := range all {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}
