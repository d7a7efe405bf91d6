package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileWatchDebounce = 100 * time.Millisecond

// FileBackend stores every key in one JSON object on disk. Writes go to a
// temp file and are renamed into place while holding an advisory lock on a
// sibling lock file, so cooperating processes never see a torn document.
type FileBackend struct {
	Path string

	mu sync.Mutex
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	values, err := b.readLocked()
	if err != nil {
		return nil, false, err
	}
	value, ok := values[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (b *FileBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(value) {
		return errors.New("file backend: value is not valid json")
	}
	return b.update(func(values map[string]json.RawMessage) {
		values[key] = append(json.RawMessage(nil), value...)
	})
}

func (b *FileBackend) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.update(func(values map[string]json.RawMessage) {
		delete(values, key)
	})
}

func (b *FileBackend) update(mutate func(map[string]json.RawMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.TrimSpace(b.Path) == "" {
		return ErrInvalidBackendDSN
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	unlock, err := lockFile(b.Path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	values, err := b.readLocked()
	if err != nil {
		return err
	}
	mutate(values)
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data, 0o600)
}

func (b *FileBackend) readLocked() (map[string]json.RawMessage, error) {
	values := map[string]json.RawMessage{}
	if strings.TrimSpace(b.Path) == "" {
		return values, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Watch calls onChange after the file is written or replaced, by this
// process or another one. It watches the parent directory so atomic
// renames are seen. It blocks until ctx is done.
func (b *FileBackend) Watch(ctx context.Context, onChange func()) error {
	if strings.TrimSpace(b.Path) == "" {
		return ErrInvalidBackendDSN
	}
	absPath, err := filepath.Abs(b.Path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			// Coalesce the bursts editors and atomic writers produce.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fileWatchDebounce, onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
