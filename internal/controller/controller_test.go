package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SwayamMehta10/AuthRecall/internal/accounts"
)

type remotePage struct {
	ID       string
	Domain   string
	Email    string
	LastUsed string
	Archived bool
}

type fakeNotion struct {
	mu       sync.Mutex
	pages    []*remotePage
	creates  int
	updates  int
	archives int
}

func (f *fakeNotion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer secret_ok" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"unauthorized","message":"API token is invalid."}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/databases/db1":
		_ = json.NewEncoder(w).Encode(map[string]any{"properties": map[string]any{
			"Domain":    map[string]any{"id": "title", "name": "Domain", "type": "title"},
			"Email":     map[string]any{"id": "e", "name": "Email", "type": "email"},
			"Last Used": map[string]any{"id": "l", "name": "Last Used", "type": "date"},
		}})
	case r.Method == http.MethodPost && r.URL.Path == "/v1/databases/db1/query":
		results := []any{}
		for _, p := range f.pages {
			if p.Archived {
				continue
			}
			props := map[string]any{
				"Domain": map[string]any{"type": "title", "title": []any{map[string]any{"plain_text": p.Domain, "text": map[string]any{"content": p.Domain}}}},
				"Email":  map[string]any{"type": "email", "email": p.Email},
			}
			if p.LastUsed != "" {
				props["Last Used"] = map[string]any{"type": "date", "date": map[string]any{"start": p.LastUsed}}
			}
			results = append(results, map[string]any{"id": p.ID, "properties": props})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results, "has_more": false})
	case r.Method == http.MethodPost && r.URL.Path == "/v1/pages":
		var body struct {
			Properties struct {
				Domain struct {
					Title []struct {
						Text struct {
							Content string `json:"content"`
						} `json:"text"`
					} `json:"title"`
				} `json:"Domain"`
				Email struct {
					Email string `json:"email"`
				} `json:"Email"`
			} `json:"properties"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.creates++
		page := &remotePage{ID: "page-" + strings.Repeat("x", f.creates), Email: body.Properties.Email.Email}
		if len(body.Properties.Domain.Title) > 0 {
			page.Domain = body.Properties.Domain.Title[0].Text.Content
		}
		f.pages = append(f.pages, page)
		_, _ = w.Write([]byte(`{"object":"page"}`))
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/pages/"):
		id := strings.TrimPrefix(r.URL.Path, "/v1/pages/")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if archived, _ := body["archived"].(bool); archived {
			f.archives++
			for _, p := range f.pages {
				if p.ID == id {
					p.Archived = true
				}
			}
		} else {
			f.updates++
		}
		_, _ = w.Write([]byte(`{"object":"page"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no route"}`))
	}
}

func (f *fakeNotion) counts() (creates, updates, archives int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.updates, f.archives
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, title+": "+message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

var activeSettings = Settings{NotionAPIKey: "secret_ok", NotionDatabaseID: "db1", NotionEnabled: true}

type harness struct {
	ctrl     *Controller
	store    *accounts.Store
	notion   *fakeNotion
	notifier *recordingNotifier
	clock    *atomic.Int64
}

func newHarness(t *testing.T, seed Settings) *harness {
	t.Helper()
	fake := &fakeNotion{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	clock := &atomic.Int64{}
	clock.Store(1_000)
	store := accounts.NewStore(accounts.StoreOptions{Now: func() int64 { return clock.Add(1) }})
	notifier := &recordingNotifier{}
	ctrl, err := New(Options{
		Store:         store,
		Notifier:      notifier,
		Seed:          seed,
		Debounce:      time.Hour,
		NotionBaseURL: server.URL,
		HTTPClient:    server.Client(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Close)
	return &harness{ctrl: ctrl, store: store, notion: fake, notifier: notifier, clock: clock}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestHandleEmailDetectedSavesAndNotifies(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	domain, saved, err := h.ctrl.HandleEmailDetected(ctx, "alice@example.com", "fetch", "https://Example.com/login?next=1")
	if err != nil || !saved {
		t.Fatalf("expected save, got saved=%v err=%v", saved, err)
	}
	if domain != "example.com" {
		t.Fatalf("expected normalized domain example.com, got %q", domain)
	}
	record, err := h.ctrl.GetAccount(ctx, "example.com")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if record.Email != "alice@example.com" {
		t.Fatalf("unexpected email %q", record.Email)
	}
	messages := h.notifier.all()
	if len(messages) != 1 || messages[0] != "AuthRecall: Account Tracked: alice@example.com → example.com" {
		t.Fatalf("unexpected notifications %v", messages)
	}
}

func TestHandleEmailDetectedDropsInvalidInput(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	cases := []struct{ email, page string }{
		{"alice@example.com", "http://localhost:3000/"},
		{"alice@example.com", "not a url"},
		{"not-an-email", "https://example.com/"},
		{"", "https://example.com/"},
	}
	for _, tc := range cases {
		_, saved, err := h.ctrl.HandleEmailDetected(ctx, tc.email, "fetch", tc.page)
		if err != nil {
			t.Fatalf("unexpected error for %+v: %v", tc, err)
		}
		if saved {
			t.Fatalf("expected %+v to be dropped", tc)
		}
	}
	all, _ := h.ctrl.ListAccounts(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %v", all)
	}
	if h.ctrl.debouncer.Pending() != 0 {
		t.Fatalf("dropped captures must not schedule syncs")
	}
}

func TestHandleOAuthAccountSelected(t *testing.T) {
	h := newHarness(t, Settings{})
	domain, saved, err := h.ctrl.HandleOAuthAccountSelected(context.Background(), "bob@gmail.com", " Shop.Example. ")
	if err != nil || !saved {
		t.Fatalf("expected save, got saved=%v err=%v", saved, err)
	}
	if domain != "shop.example" {
		t.Fatalf("unexpected domain %q", domain)
	}
	messages := h.notifier.all()
	if len(messages) != 1 || !strings.HasPrefix(messages[0], "AuthRecall: OAuth Account Tracked") {
		t.Fatalf("unexpected notifications %v", messages)
	}
}

func TestHandleLegacyOAuthData(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	lookup := json.RawMessage(`{"users":[{"email":"carol@example.com","displayName":"Carol","photoUrl":"https://img/c.png"}]}`)
	if _, saved, err := h.ctrl.HandleLegacyOAuthData(ctx, lookup, "https://one.example/"); err != nil || !saved {
		t.Fatalf("lookup payload: saved=%v err=%v", saved, err)
	}
	record, _ := h.ctrl.GetAccount(ctx, "one.example")
	if record.DisplayName != "Carol" || record.PhotoURL != "https://img/c.png" {
		t.Fatalf("unexpected lookup record %+v", record)
	}

	flat := json.RawMessage(`{"email":"dan@example.com","name":"Dan","picture":"https://img/d.png"}`)
	if _, saved, err := h.ctrl.HandleLegacyOAuthData(ctx, flat, "https://two.example/"); err != nil || !saved {
		t.Fatalf("flat payload: saved=%v err=%v", saved, err)
	}
	record, _ = h.ctrl.GetAccount(ctx, "two.example")
	if record.DisplayName != "Dan" || record.PhotoURL != "https://img/d.png" {
		t.Fatalf("unexpected flat record %+v", record)
	}

	for _, payload := range []string{`{"name":"nobody"}`, `not json`, `{"users":[]}`} {
		if _, saved, _ := h.ctrl.HandleLegacyOAuthData(ctx, json.RawMessage(payload), "https://three.example/"); saved {
			t.Fatalf("expected %s to be ignored", payload)
		}
	}
}

func TestDebouncedAutoSyncCoalescesSaves(t *testing.T) {
	h := newHarness(t, activeSettings)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, _, err := h.ctrl.HandleEmailDetected(ctx, "alice@example.com", "fetch", "https://example.com/"); err != nil {
			t.Fatalf("capture %d: %v", i, err)
		}
	}
	if pending := h.ctrl.debouncer.Pending(); pending != 1 {
		t.Fatalf("expected one pending sync, got %d", pending)
	}
	h.ctrl.Flush()
	creates, updates, _ := h.notion.counts()
	if creates != 1 || updates != 0 {
		t.Fatalf("expected one page create, got creates=%d updates=%d", creates, updates)
	}
}

func TestAutoSyncSkippedWhenDisabled(t *testing.T) {
	seed := activeSettings
	seed.NotionEnabled = false
	h := newHarness(t, seed)

	if _, _, err := h.ctrl.HandleEmailDetected(context.Background(), "alice@example.com", "fetch", "https://example.com/"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	h.ctrl.Flush()
	if creates, updates, _ := h.notion.counts(); creates+updates != 0 {
		t.Fatalf("expected no remote writes, got creates=%d updates=%d", creates, updates)
	}
}

func TestSyncNowRequiresConfiguration(t *testing.T) {
	h := newHarness(t, Settings{})
	result := h.ctrl.SyncNow(context.Background())
	if result.Success || result.Error != "Notion not configured" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSyncNowReportsUnreachableNotion(t *testing.T) {
	seed := activeSettings
	seed.NotionAPIKey = "secret_wrong"
	h := newHarness(t, seed)
	result := h.ctrl.SyncNow(context.Background())
	if result.Success || result.Error != "Unable to connect to Notion" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSyncNowPushesEveryAccount(t *testing.T) {
	// Manual sync only needs credentials, not the enabled flag.
	seed := activeSettings
	seed.NotionEnabled = false
	h := newHarness(t, seed)
	ctx := context.Background()
	for _, domain := range []string{"a.example", "b.example"} {
		if _, err := h.store.Save(ctx, domain, accounts.AccountInput{Email: "user@" + domain}); err != nil {
			t.Fatalf("save %s: %v", domain, err)
		}
	}
	notices, cancel := h.ctrl.Subscribe(8)
	defer cancel()

	result := h.ctrl.SyncNow(ctx)
	if !result.Success || result.Synced != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	select {
	case notice := <-notices:
		if notice.Type != NoticeSyncCompleted || notice.Result == nil || notice.Result.Synced != 2 {
			t.Fatalf("unexpected notice %+v", notice)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected sync notice")
	}

	result = h.ctrl.SyncNow(ctx)
	if !result.Success {
		t.Fatalf("second sync failed: %+v", result)
	}
	creates, updates, _ := h.notion.counts()
	if creates != 2 || updates != 2 {
		t.Fatalf("expected second sync to update, got creates=%d updates=%d", creates, updates)
	}
}

func TestBidirectionalSyncMergesRemoteChanges(t *testing.T) {
	h := newHarness(t, activeSettings)
	ctx := context.Background()
	if _, err := h.store.Save(ctx, "example.com", accounts.AccountInput{Email: "old@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	h.notion.pages = []*remotePage{
		{ID: "p1", Domain: "Example.com", Email: "new@example.com", LastUsed: "2024-01-01"},
		{ID: "p2", Domain: "remote-only.example", Email: "r@example.com", LastUsed: "2024-02-01"},
	}

	result := h.ctrl.BidirectionalSync(ctx)
	if !result.Success {
		t.Fatalf("bidirectional sync failed: %+v", result)
	}
	if result.Fetched != 2 || result.Synced != 2 {
		t.Fatalf("unexpected counts %+v", result)
	}
	record, err := h.ctrl.GetAccount(ctx, "example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Email != "new@example.com" {
		t.Fatalf("expected newer remote email, got %q", record.Email)
	}
	if _, err := h.ctrl.GetAccount(ctx, "remote-only.example"); err != nil {
		t.Fatalf("expected remote-only account to be pulled: %v", err)
	}
}

func TestBidirectionalSyncRequiresEnabled(t *testing.T) {
	seed := activeSettings
	seed.NotionEnabled = false
	h := newHarness(t, seed)
	if result := h.ctrl.BidirectionalSync(context.Background()); result.Success {
		t.Fatalf("expected failure while disabled, got %+v", result)
	}
}

func TestDeleteRemoteWithoutNotion(t *testing.T) {
	h := newHarness(t, Settings{})
	result := h.ctrl.DeleteRemote(context.Background(), "example.com")
	if !result.Success || result.Message != "Notion sync not configured" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestDeleteAccountArchivesRemotePage(t *testing.T) {
	h := newHarness(t, activeSettings)
	ctx := context.Background()
	if _, err := h.store.Save(ctx, "example.com", accounts.AccountInput{Email: "a@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	h.notion.pages = []*remotePage{{ID: "p1", Domain: "example.com", Email: "a@example.com"}}

	result := h.ctrl.DeleteAccount(ctx, "Example.com")
	if !result.Success {
		t.Fatalf("delete failed: %+v", result)
	}
	if _, err := h.ctrl.GetAccount(ctx, "example.com"); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected local record gone, got %v", err)
	}
	if _, _, archives := h.notion.counts(); archives != 1 {
		t.Fatalf("expected one archive, got %d", archives)
	}

	result = h.ctrl.DeleteRemote(ctx, "missing.example")
	if !result.Success || result.Message != "Page not found in Notion" {
		t.Fatalf("unexpected missing-page result %+v", result)
	}
}

func TestSaveAccountValidatesAndSchedulesSync(t *testing.T) {
	h := newHarness(t, activeSettings)
	ctx := context.Background()
	if _, _, err := h.ctrl.SaveAccount(ctx, "localhost", accounts.AccountInput{Email: "a@example.com"}); !errors.Is(err, accounts.ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
	if _, _, err := h.ctrl.SaveAccount(ctx, "example.com", accounts.AccountInput{Email: "nope"}); !errors.Is(err, accounts.ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	domain, record, err := h.ctrl.SaveAccount(ctx, "Example.com", accounts.AccountInput{Email: "a@example.com", DisplayName: "A"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if domain != "example.com" || record.DisplayName != "A" {
		t.Fatalf("unexpected save result %q %+v", domain, record)
	}
	if h.ctrl.debouncer.Pending() != 1 {
		t.Fatalf("expected a pending sync")
	}
}

func TestSettingsSeedAndUpdate(t *testing.T) {
	h := newHarness(t, Settings{NotionAPIKey: "seed"})
	ctx := context.Background()

	settings, err := h.ctrl.Settings(ctx)
	if err != nil || settings.NotionAPIKey != "seed" {
		t.Fatalf("expected seed settings, got %+v err=%v", settings, err)
	}
	notices, cancel := h.ctrl.Subscribe(4)
	defer cancel()

	if err := h.ctrl.UpdateSettings(ctx, Settings{NotionAPIKey: "  secret_ok ", NotionDatabaseID: "db1", NotionEnabled: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	settings, err = h.ctrl.Settings(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if settings != activeSettings {
		t.Fatalf("unexpected stored settings %+v", settings)
	}
	if notice := <-notices; notice.Type != NoticeSettingsUpdated {
		t.Fatalf("unexpected notice %+v", notice)
	}
}

func TestSettingsRedacted(t *testing.T) {
	got := Settings{NotionAPIKey: "secret_abcdefgh"}.Redacted().NotionAPIKey
	if got != "secr*******efgh" {
		t.Fatalf("unexpected redaction %q", got)
	}
	if got := (Settings{NotionAPIKey: "short"}).Redacted().NotionAPIKey; got != "*****" {
		t.Fatalf("unexpected short redaction %q", got)
	}
}

func TestSubscribeReceivesAccountChanges(t *testing.T) {
	h := newHarness(t, Settings{})
	notices, cancel := h.ctrl.Subscribe(4)

	if _, _, err := h.ctrl.HandleEmailDetected(context.Background(), "a@example.com", "fetch", "https://example.com/"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	notice := <-notices
	if notice.Type != string(accounts.ChangeSaved) || notice.Domain != "example.com" || notice.Email != "a@example.com" {
		t.Fatalf("unexpected notice %+v", notice)
	}
	cancel()
	cancel()
	if _, ok := <-notices; ok {
		t.Fatalf("expected channel closed after cancel")
	}
}

func TestRunPeriodicStopsOnCancel(t *testing.T) {
	h := newHarness(t, activeSettings)
	h.ctrl.syncInterval = 10 * time.Millisecond
	if _, err := h.store.Save(context.Background(), "example.com", accounts.AccountInput{Email: "a@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.RunPeriodic(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		creates, updates, _ := h.notion.counts()
		if creates == 1 && updates >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("periodic sync did not repeat: creates=%d updates=%d", creates, updates)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("periodic loop did not stop")
	}
}

func TestWatchStoreIgnoresUnwatchableBackend(t *testing.T) {
	h := newHarness(t, Settings{})
	if err := h.ctrl.WatchStore(context.Background()); err != nil {
		t.Fatalf("expected nil for memory backend, got %v", err)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := time.Hour
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.1, 0); got != 54*time.Minute {
		t.Fatalf("expected min jitter interval 54m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.1, 1); got != 66*time.Minute {
		t.Fatalf("expected max jitter interval 66m, got %s", got)
	}
}
