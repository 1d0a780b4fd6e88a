package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"goldrun/internal/game"
)

// FileStore keeps the whole snapshot in one JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (game.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return game.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return game.EmptySnapshot(), nil
		}
		return game.Snapshot{}, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return game.EmptySnapshot(), nil
	}
	var snap game.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return game.Snapshot{}, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if snap.Tick <= 0 {
		snap.Tick = 1
	}
	if snap.Accounts == nil {
		snap.Accounts = map[int64]*game.Account{}
	}
	for id, a := range snap.Accounts {
		if a == nil {
			delete(snap.Accounts, id)
			continue
		}
		a.ID = id
	}
	return snap, nil
}

// Save writes to a temp file in the same directory and renames it over the
// target, so readers never observe a partial document.
func (s *FileStore) Save(ctx context.Context, snap game.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.path, raw)
}

// Backup copies the current document next to it as <unix-ms>-<name>.
// It returns the empty string when there is nothing to back up.
func (s *FileStore) Backup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	name := strconv.FormatInt(s.now().UnixMilli(), 10) + "-" + filepath.Base(s.path)
	dst := filepath.Join(filepath.Dir(s.path), name)
	if err := writeAtomic(dst, raw); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *FileStore) Close() error { return nil }

func writeAtomic(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
