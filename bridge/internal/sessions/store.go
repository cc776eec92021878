package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotFound is returned when a session key has no stored entry.
var ErrNotFound = errors.New("session not found")

// Store is a file-backed session map shared between bridge processes.
// Reads go through a TTL cache validated against the file mtime; writes
// take an advisory flock, re-read under the lock, mutate, and replace
// the file atomically.
type Store struct {
	cfg    StoreConfig
	logger *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*Entry
	cacheAt time.Time
	cacheMt int64

	mtimeMu  sync.RWMutex
	mtime    int64
	mtimeExp time.Time
}

// NewStore creates a store at cfg.Path, creating the parent directory.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("session store path required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With("component", "session-store"),
	}, nil
}

// Load returns a snapshot of all sessions. The snapshot is a copy; the
// caller may mutate it freely.
func (s *Store) Load() (map[string]*Entry, error) {
	if s.cfg.CacheTTL > 0 {
		s.cacheMu.RLock()
		if s.cache != nil && time.Since(s.cacheAt) < s.cfg.CacheTTL && s.fileMtimeCached() == s.cacheMt {
			snap := copyEntries(s.cache)
			s.cacheMu.RUnlock()
			return snap, nil
		}
		s.cacheMu.RUnlock()
	}

	store, err := s.readFile()
	if err != nil {
		return nil, err
	}

	if s.cfg.CacheTTL > 0 {
		s.cacheMu.Lock()
		s.cache = copyEntries(store)
		s.cacheAt = time.Now()
		s.cacheMt = s.fileMtimeCached()
		s.cacheMu.Unlock()
	}
	return store, nil
}

// Get returns the entry for key, or ErrNotFound.
func (s *Store) Get(key string) (*Entry, error) {
	store, err := s.Load()
	if err != nil {
		return nil, err
	}
	entry, ok := store[key]
	if !ok || entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return entry, nil
}

// List returns all sessions keyed by session key.
func (s *Store) List() (map[string]*Entry, error) {
	return s.Load()
}

// Update runs mutator against the live store under the advisory lock
// and persists the result. The map is always re-read inside the lock so
// concurrent writers in other processes are never clobbered.
func (s *Store) Update(mutator func(map[string]*Entry) error) error {
	return s.withLock(func() error {
		store, err := s.readFile()
		if err != nil {
			return err
		}
		if err := mutator(store); err != nil {
			return err
		}
		return s.writeFile(store)
	})
}

// Upsert applies update to the entry at key (nil when absent) and stores
// the returned entry. Returning nil from update leaves the store
// untouched.
func (s *Store) Upsert(key string, update func(existing *Entry) *Entry) (*Entry, error) {
	var result *Entry
	err := s.Update(func(store map[string]*Entry) error {
		next := update(store[key])
		if next == nil {
			result = store[key]
			return nil
		}
		store[key] = next
		result = next
		return nil
	})
	return result, err
}

// Reset replaces the entry at key with a fresh session. The new entry's
// CreatedAt is strictly later than the old one's, and the delivery
// context survives so responses still route.
func (s *Store) Reset(key string) (*Entry, error) {
	return s.Upsert(key, func(existing *Entry) *Entry {
		now := time.Now().UnixMilli()
		fresh := &Entry{
			SessionID: NewSessionID(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing != nil {
			if existing.CreatedAt >= now {
				fresh.CreatedAt = existing.CreatedAt + 1
				fresh.UpdatedAt = fresh.CreatedAt
			}
			fresh.DeliveryContext = existing.DeliveryContext
			fresh.LastChannel = existing.LastChannel
			fresh.LastTo = existing.LastTo
			fresh.LastAccountID = existing.LastAccountID
			fresh.LastThreadID = existing.LastThreadID
		}
		return fresh
	})
}

// Delete removes the entry at key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	return s.Update(func(store map[string]*Entry) error {
		delete(store, key)
		return nil
	})
}

// RecordInbound updates session metadata for an incoming webhook
// message, creating the session when absent.
func (s *Store) RecordInbound(key, msgID string, ctx *DeliveryContext) (*Entry, error) {
	return s.Upsert(key, func(existing *Entry) *Entry {
		now := time.Now().UnixMilli()
		entry := &Entry{
			SessionID:        NewSessionID(),
			CreatedAt:        now,
			UpdatedAt:        now,
			DeliveryContext:  ctx,
			WebhookMessageID: msgID,
			WebhookSessionID: key,
		}
		if existing != nil {
			entry.SessionID = existing.SessionID
			entry.CreatedAt = existing.CreatedAt
		}
		if ctx != nil {
			entry.LastChannel = ctx.Channel
			entry.LastTo = ctx.To
			entry.LastAccountID = ctx.AccountID
			entry.LastThreadID = ctx.ThreadID
		}
		return entry
	})
}

// UpdateLastRoute refreshes the delivery route for a session after an
// outbound event referenced it.
func (s *Store) UpdateLastRoute(key string, ctx *DeliveryContext) (*Entry, error) {
	return s.Upsert(key, func(existing *Entry) *Entry {
		entry := &Entry{SessionID: NewSessionID()}
		if existing != nil {
			entry = existing
		}
		entry.UpdatedAt = time.Now().UnixMilli()
		entry.DeliveryContext = ctx
		if ctx != nil {
			entry.LastChannel = ctx.Channel
			entry.LastTo = ctx.To
			entry.LastAccountID = ctx.AccountID
			entry.LastThreadID = ctx.ThreadID
		}
		return entry
	})
}

// readFile loads the store file. A missing file is an empty store; a
// corrupt file degrades to empty with a warning rather than wedging the
// bridge.
func (s *Store) readFile() (map[string]*Entry, error) {
	store := make(map[string]*Entry)
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if err := json.Unmarshal(data, &store); err != nil {
		s.logger.Warn("session store corrupt, starting fresh", "path", s.cfg.Path, "error", err)
		return make(map[string]*Entry), nil
	}
	return store, nil
}

// writeFile persists the store atomically via temp file and rename.
func (s *Store) writeFile(store map[string]*Entry) error {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheMu.Unlock()

	s.mtimeMu.Lock()
	s.mtime = 0
	s.mtimeExp = time.Time{}
	s.mtimeMu.Unlock()

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}

	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session store: %w", err)
	}
	s.logger.Debug("session store saved", "sessions", len(store))
	return nil
}

// withLock runs fn holding the advisory file lock, polling up to the
// configured timeout.
func (s *Store) withLock(fn func() error) error {
	lock := flock.New(s.cfg.Path + ".lock")
	started := time.Now()
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("session store lock: %w", err)
		}
		if locked {
			defer lock.Unlock()
			return fn()
		}
		if time.Since(started) > s.cfg.LockTimeout {
			return fmt.Errorf("session store lock timeout after %s", s.cfg.LockTimeout)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// fileMtimeCached returns the store file mtime in ms, refreshed at most
// once per second to keep cache validation cheap.
func (s *Store) fileMtimeCached() int64 {
	s.mtimeMu.RLock()
	if time.Now().Before(s.mtimeExp) && s.mtime > 0 {
		mt := s.mtime
		s.mtimeMu.RUnlock()
		return mt
	}
	s.mtimeMu.RUnlock()

	var mt int64
	if info, err := os.Stat(s.cfg.Path); err == nil {
		mt = info.ModTime().UnixMilli()
	}

	s.mtimeMu.Lock()
	s.mtime = mt
	s.mtimeExp = time.Now().Add(time.Second)
	s.mtimeMu.Unlock()
	return mt
}

func copyEntries(store map[string]*Entry) map[string]*Entry {
	out := make(map[string]*Entry, len(store))
	for k, v := range store {
		if v != nil {
			e := *v
			out[k] = &e
		}
	}
	return out
}
