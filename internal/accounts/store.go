package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type StoreOptions struct {
	Backend Backend
	Logger  *slog.Logger
	// Now overrides the clock, in Unix milliseconds.
	Now func() int64
}

// Store owns every persisted AccountRecord. Read-modify-write cycles are
// serialized so concurrent saves never drop each other.
type Store struct {
	backend Backend
	logger  *slog.Logger
	now     func() int64

	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(ChangeEvent)
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = nowMillis
	}
	return &Store{backend: backend, logger: logger, now: now}
}

func (s *Store) Backend() Backend {
	return s.backend
}

// OnChange registers fn for every mutation. Listeners run synchronously
// after the write is persisted.
func (s *Store) OnChange(fn func(ChangeEvent)) {
	if fn == nil {
		return
	}
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(event ChangeEvent) {
	s.listenersMu.RLock()
	listeners := append([]func(ChangeEvent){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Store) GetAll(ctx context.Context) (Accounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// GetByDomain returns ErrNotFound when the domain has no record.
func (s *Store) GetByDomain(ctx context.Context, domain string) (AccountRecord, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return AccountRecord{}, err
	}
	record, ok := all[domain]
	if !ok {
		return AccountRecord{}, ErrNotFound
	}
	return record, nil
}

// Save upserts the record for domain. firstSeen survives; lastUsed and
// lastModified are refreshed; the input fields overwrite unconditionally.
// Domain and email validity are the caller's concern, see SaveManual.
func (s *Store) Save(ctx context.Context, domain string, input AccountInput) (AccountRecord, error) {
	s.mu.Lock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return AccountRecord{}, err
	}
	now := s.now()
	record := AccountRecord{
		Email:        input.Email,
		DisplayName:  input.DisplayName,
		PhotoURL:     input.PhotoURL,
		FirstSeen:    now,
		LastUsed:     now,
		LastModified: now,
	}
	if existing, ok := all[domain]; ok && existing.FirstSeen != 0 {
		record.FirstSeen = existing.FirstSeen
	}
	all[domain] = record
	if err := s.persistLocked(ctx, all); err != nil {
		s.mu.Unlock()
		return AccountRecord{}, err
	}
	s.mu.Unlock()

	saved := record
	s.notify(ChangeEvent{Kind: ChangeSaved, Domain: domain, Account: &saved})
	return record, nil
}

// SaveManual validates before saving and reports why input was rejected.
func (s *Store) SaveManual(ctx context.Context, domain string, input AccountInput) (string, AccountRecord, error) {
	domain = NormalizeDomain(domain)
	if !IsValidDomain(domain) {
		return "", AccountRecord{}, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	input.Email = strings.TrimSpace(input.Email)
	if !ValidEmail(input.Email) {
		return "", AccountRecord{}, fmt.Errorf("%w: %q", ErrInvalidEmail, input.Email)
	}
	record, err := s.Save(ctx, domain, input)
	return domain, record, err
}

func (s *Store) Delete(ctx context.Context, domain string) error {
	s.mu.Lock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := all[domain]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(all, domain)
	if err := s.persistLocked(ctx, all); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.notify(ChangeEvent{Kind: ChangeDeleted, Domain: domain})
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := s.backend.Remove(ctx, StorageKey)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(ChangeEvent{Kind: ChangeCleared})
	return nil
}

// ImportData merges accounts into the store. Imported records replace
// colliding domains whole; timestamps are not compared. Entries with an
// invalid domain or email are dropped.
func (s *Store) ImportData(ctx context.Context, accounts Accounts) (Accounts, error) {
	accounts = s.persistable(accounts, "import")
	s.mu.Lock()
	all, err := s.loadLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for domain, record := range accounts {
		all[domain] = record
	}
	if err := s.persistLocked(ctx, all); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	s.notify(ChangeEvent{Kind: ChangeImported})
	return all.clone(), nil
}

// ImportBundle validates and imports a raw export document.
func (s *Store) ImportBundle(ctx context.Context, data []byte) (int, error) {
	accounts, err := ParseBundle(data)
	if err != nil {
		return 0, err
	}
	accounts = s.persistable(accounts, "import")
	if _, err := s.ImportData(ctx, accounts); err != nil {
		return 0, err
	}
	return len(accounts), nil
}

// MergeWithConflictResolution folds remote into local state. A domain only
// in remote is inserted. A domain on both sides takes the remote record
// only when its clock is strictly newer, so equal clocks keep local.
// Local-only domains are untouched. Remote entries with an invalid domain
// or email are dropped.
func (s *Store) MergeWithConflictResolution(ctx context.Context, remote Accounts) (Accounts, error) {
	remote = s.persistable(remote, "merge")
	s.mu.Lock()
	local, err := s.loadLocked(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	merged := local.clone()
	replaced := 0
	for domain, remoteRecord := range remote {
		localRecord, ok := local[domain]
		if !ok || remoteRecord.ClockTime() > localRecord.ClockTime() {
			merged[domain] = remoteRecord
			replaced++
		}
	}
	if err := s.persistLocked(ctx, merged); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()
	s.logger.Debug("merged remote accounts", "remote", len(remote), "taken", replaced, "total", len(merged))
	s.notify(ChangeEvent{Kind: ChangeMerged})
	return merged.clone(), nil
}

// persistable returns the entries that pass the domain and email gates.
func (s *Store) persistable(in Accounts, origin string) Accounts {
	out := make(Accounts, len(in))
	for domain, record := range in {
		if !IsValidDomain(domain) || !ValidEmail(record.Email) {
			s.logger.Debug("dropped invalid account", "origin", origin, "domain", domain)
			continue
		}
		out[domain] = record
	}
	return out
}

func (s *Store) ExportData(ctx context.Context) (ExportBundle, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return ExportBundle{}, err
	}
	return ExportBundle{
		Version:    1,
		ExportedAt: time.UnixMilli(s.now()).UTC().Format(time.RFC3339Nano),
		Accounts:   all,
	}, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	domains := make([]string, 0, len(all))
	emails := map[string]struct{}{}
	for domain, record := range all {
		domains = append(domains, domain)
		emails[record.Email] = struct{}{}
	}
	sort.Strings(domains)
	return Stats{TotalDomains: len(domains), UniqueAccounts: len(emails), Domains: domains}, nil
}

func (s *Store) loadLocked(ctx context.Context) (Accounts, error) {
	raw, ok, err := s.backend.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	all := Accounts{}
	if !ok || len(raw) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}
	if all == nil {
		all = Accounts{}
	}
	return all, nil
}

func (s *Store) persistLocked(ctx context.Context, all Accounts) error {
	data, err := json.Marshal(all)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("persist accounts: %w", err)
	}
	return nil
}
