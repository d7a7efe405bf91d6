package capture

import (
	"log/slog"
	"strings"
	"time"

	"github.com/SwayamMehta10/AuthRecall/internal/signal"
)

// StorageScanDelays are the two post-load passes: one for fast hydration and
// one for pages that restore their session late.
var StorageScanDelays = []time.Duration{2 * time.Second, 5 * time.Second}

// KeyValueStorage is a read view over one of the page's web storages.
type KeyValueStorage interface {
	Keys() ([]string, error)
	Get(key string) (string, bool, error)
}

// MapStorage is a KeyValueStorage over a plain map.
type MapStorage map[string]string

func (m MapStorage) Keys() ([]string, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m MapStorage) Get(key string) (string, bool, error) {
	value, ok := m[key]
	return value, ok, nil
}

type namedStorage struct {
	source  string
	storage KeyValueStorage
}

// StorageScanner looks for identity tokens in the page's local and session
// storage.
type StorageScanner struct {
	extractor *signal.Extractor
	reporter  *Reporter
	logger    *slog.Logger
	storages  []namedStorage
}

func NewStorageScanner(extractor *signal.Extractor, reporter *Reporter, local, session KeyValueStorage, logger *slog.Logger) *StorageScanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	scanner := &StorageScanner{extractor: extractor, reporter: reporter, logger: logger}
	if local != nil {
		scanner.storages = append(scanner.storages, namedStorage{source: SourceLocalStorage, storage: local})
	}
	if session != nil {
		scanner.storages = append(scanner.storages, namedStorage{source: SourceSessionStorage, storage: session})
	}
	return scanner
}

// Scan makes one pass over both storages and returns how many new emails it
// reported. A failing storage is skipped.
func (s *StorageScanner) Scan() int {
	reported := 0
	for _, named := range s.storages {
		reported += s.scanOne(named)
	}
	return reported
}

func (s *StorageScanner) scanOne(named namedStorage) (reported int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("storage scan panicked", "source", named.source, "panic", r)
		}
	}()
	keys, err := named.storage.Keys()
	if err != nil {
		s.logger.Debug("storage keys unavailable", "source", named.source, "error", err)
		return 0
	}
	for _, key := range keys {
		if !s.extractor.IsIdentityKey(key) {
			continue
		}
		value, ok, err := named.storage.Get(key)
		if err != nil || !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if !signal.LooksLikeJWT(value) {
			continue
		}
		email, ok := s.extractor.EmailFromToken(value)
		if !ok {
			continue
		}
		if s.reporter.Report(email, named.source) {
			reported++
		}
	}
	return reported
}

// Tasks returns the scheduled passes for a scheduler.
func (s *StorageScanner) Tasks() []Task {
	tasks := make([]Task, 0, len(StorageScanDelays))
	for _, delay := range StorageScanDelays {
		tasks = append(tasks, Task{Name: "storage-scan", Delay: delay, Action: func() { s.Scan() }})
	}
	return tasks
}
