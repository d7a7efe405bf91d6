package accounts

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: 1_000}
	return NewStore(StoreOptions{Backend: NewMemoryBackend(), Now: clock.Now}), clock
}

func TestIsValidDomain(t *testing.T) {
	cases := map[string]bool{
		"a.co":             true,
		"shop.example.com": true,
		"localhost":        false,
		"undefined":        false,
		"https":            false,
		"":                 false,
		"abc":              false,
		"a.b":              false,
		"nodots":           false,
	}
	for domain, want := range cases {
		if got := IsValidDomain(domain); got != want {
			t.Fatalf("IsValidDomain(%q): expected %v, got %v", domain, want, got)
		}
	}
}

func TestNormalizeDomain(t *testing.T) {
	cases := map[string]string{
		" Shop.Example.COM. ": "shop.example.com",
		"bücher.de":           "xn--bcher-kva.de",
		"":                    "",
	}
	for in, want := range cases {
		if got := NormalizeDomain(in); got != want {
			t.Fatalf("NormalizeDomain(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestSaveThenGetByDomainRoundTrip(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	clock.Set(5_000)
	if _, err := store.Save(ctx, "shop.example.com", AccountInput{Email: "Jane@Corp.io", DisplayName: "Jane", PhotoURL: "https://img/x.png"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := store.GetByDomain(ctx, "shop.example.com")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Email != "Jane@Corp.io" || got.DisplayName != "Jane" || got.PhotoURL != "https://img/x.png" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.LastUsed < 5_000 || got.LastModified < 5_000 {
		t.Fatalf("expected timestamps refreshed, got %+v", got)
	}
	if _, err := store.GetByDomain(ctx, "other.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveOverwritesAndKeepsFirstSeen(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	clock.Set(100)
	if _, err := store.Save(ctx, "shop.example.com", AccountInput{Email: "alice@co.com", DisplayName: "Alice"}); err != nil {
		t.Fatalf("save alice: %v", err)
	}
	clock.Set(200)
	if _, err := store.Save(ctx, "shop.example.com", AccountInput{Email: "bob@co.com"}); err != nil {
		t.Fatalf("save bob: %v", err)
	}
	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one domain, got %d", len(all))
	}
	got := all["shop.example.com"]
	want := AccountRecord{Email: "bob@co.com", FirstSeen: 100, LastUsed: 200, LastModified: 200}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestSaveManualRejectsInvalidInput(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, _, err := store.SaveManual(ctx, "localhost", AccountInput{Email: "a@b.co"}); !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
	if _, _, err := store.SaveManual(ctx, "shop.com", AccountInput{Email: "nobody"}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	domain, _, err := store.SaveManual(ctx, "Shop.COM", AccountInput{Email: " me@shop.com "})
	if err != nil || domain != "shop.com" {
		t.Fatalf("expected normalized save, got %q (%v)", domain, err)
	}
	record, err := store.GetByDomain(ctx, "shop.com")
	if err != nil || record.Email != "me@shop.com" {
		t.Fatalf("expected trimmed email, got %+v (%v)", record, err)
	}
}

func TestMergeWithConflictResolutionLaw(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	local := Accounts{"a.com": {Email: "local@a.com", LastModified: 100}}
	if _, err := store.ImportData(ctx, local); err != nil {
		t.Fatalf("seed: %v", err)
	}
	remote := Accounts{
		"a.com": {Email: "remote@a.com", LastModified: 200},
		"b.com": {Email: "remote@b.com", LastModified: 50},
	}
	merged, err := store.MergeWithConflictResolution(ctx, remote)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !reflect.DeepEqual(merged, remote) {
		t.Fatalf("expected remote to win both, got %+v", merged)
	}
	persisted, _ := store.GetAll(ctx)
	if !reflect.DeepEqual(persisted, merged) {
		t.Fatalf("expected merged state persisted, got %+v", persisted)
	}
}

func TestMergeKeepsNewerLocal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = store.ImportData(ctx, Accounts{
		"a.com":     {Email: "local@a.com", LastModified: 100},
		"local.com": {Email: "only@local.com", LastModified: 1},
	})
	merged, err := store.MergeWithConflictResolution(ctx, Accounts{"a.com": {Email: "remote@a.com", LastModified: 50}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged["a.com"].Email != "local@a.com" {
		t.Fatalf("expected local to be retained, got %+v", merged["a.com"])
	}
	if merged["local.com"].Email != "only@local.com" {
		t.Fatalf("expected local-only domain untouched")
	}
}

// Equal clocks keep the local record: remote has to be strictly newer.
func TestMergeTieFavorsLocal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = store.ImportData(ctx, Accounts{"a.com": {Email: "local@a.com", LastModified: 100}})
	merged, err := store.MergeWithConflictResolution(ctx, Accounts{"a.com": {Email: "remote@a.com", LastModified: 100}})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged["a.com"].Email != "local@a.com" {
		t.Fatalf("expected tie to keep local, got %+v", merged["a.com"])
	}
}

func TestMergeComparesMaxOfModifiedAndUsed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = store.ImportData(ctx, Accounts{"a.com": {Email: "local@a.com", LastModified: 100, LastUsed: 300}})
	merged, _ := store.MergeWithConflictResolution(ctx, Accounts{"a.com": {Email: "remote@a.com", LastModified: 200}})
	if merged["a.com"].Email != "local@a.com" {
		t.Fatalf("expected local lastUsed to count, got %+v", merged["a.com"])
	}
}

func TestMergeAndImportDropInvalidEntries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	merged, err := store.MergeWithConflictResolution(ctx, Accounts{
		"localhost": {Email: "me@corp.io", LastModified: 10},
		"shop.io":   {Email: "n/a", LastModified: 10},
		"corp.io":   {Email: "me@corp.io", LastModified: 10},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(merged) != 1 || merged["corp.io"].Email != "me@corp.io" {
		t.Fatalf("expected only the valid remote entry, got %+v", merged)
	}

	n, err := store.ImportBundle(ctx, []byte(`{"accounts":{"undefined":{"email":"x@y.io"},"bank.io":{"email":"x@y.io"}}}`))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one imported entry, got %d", n)
	}
	all, _ := store.GetAll(ctx)
	for _, domain := range []string{"localhost", "shop.io", "undefined"} {
		if _, ok := all[domain]; ok {
			t.Fatalf("expected %s to be dropped, got %+v", domain, all)
		}
	}
	if len(all) != 2 {
		t.Fatalf("expected corp.io and bank.io only, got %+v", all)
	}
}

func TestImportDataOverwritesWithoutTimestampCheck(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = store.ImportData(ctx, Accounts{
		"a.com": {Email: "new@a.com", LastModified: 900},
		"b.com": {Email: "keep@b.com"},
	})
	merged, err := store.ImportData(ctx, Accounts{"a.com": {Email: "old@a.com", LastModified: 1}})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if merged["a.com"].Email != "old@a.com" || merged["a.com"].LastModified != 1 {
		t.Fatalf("expected imported record to replace, got %+v", merged["a.com"])
	}
	if merged["b.com"].Email != "keep@b.com" {
		t.Fatalf("expected non-colliding domain kept")
	}
}

func TestDeleteClearAndChangeEvents(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	var kinds []ChangeKind
	store.OnChange(func(event ChangeEvent) { kinds = append(kinds, event.Kind) })

	_, _ = store.Save(ctx, "a.com", AccountInput{Email: "x@a.com"})
	_, _ = store.Save(ctx, "b.com", AccountInput{Email: "y@b.com"})
	if err := store.Delete(ctx, "a.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "missing.com"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	all, _ := store.GetAll(ctx)
	if _, ok := all["a.com"]; ok || len(all) != 1 {
		t.Fatalf("expected only b.com left, got %+v", all)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ = store.GetAll(ctx)
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %+v", all)
	}
	want := []ChangeKind{ChangeSaved, ChangeSaved, ChangeDeleted, ChangeCleared}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
}

func TestStatsAndExport(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	_, _ = store.Save(ctx, "b.com", AccountInput{Email: "same@x.com"})
	_, _ = store.Save(ctx, "a.com", AccountInput{Email: "same@x.com"})
	_, _ = store.Save(ctx, "c.com", AccountInput{Email: "other@x.com"})
	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDomains != 3 || stats.UniqueAccounts != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !reflect.DeepEqual(stats.Domains, []string{"a.com", "b.com", "c.com"}) {
		t.Fatalf("unexpected domains %v", stats.Domains)
	}

	clock.Set(0)
	bundle, err := store.ExportData(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if bundle.Version != 1 || bundle.ExportedAt != "1970-01-01T00:00:00Z" || len(bundle.Accounts) != 3 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
}

func TestConcurrentSavesAreSerialized(t *testing.T) {
	store := NewStore(StoreOptions{})
	ctx := context.Background()
	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com", "g.com", "h.com"}
	var wg sync.WaitGroup
	for _, domain := range domains {
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			if _, err := store.Save(ctx, domain, AccountInput{Email: "u@" + domain}); err != nil {
				t.Errorf("save %s: %v", domain, err)
			}
		}(domain)
	}
	wg.Wait()
	all, _ := store.GetAll(ctx)
	if len(all) != len(domains) {
		t.Fatalf("expected %d domains, got %d", len(domains), len(all))
	}
}
