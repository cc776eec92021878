package sessions

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultStoreConfig(filepath.Join(t.TempDir(), "sessions.json"))
	cfg.CacheTTL = 0 // read through to disk in tests
	store, err := NewStore(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestStore_RecordInboundRoundTrip(t *testing.T) {
	store := newTestStore(t)

	ctx := &DeliveryContext{Channel: "webhook", To: "alice", AccountID: "bridge-1"}
	entry, err := store.RecordInbound("webhook:m1", "m1", ctx)
	if err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if entry.SessionID == "" {
		t.Fatal("expected a generated session id")
	}

	got, err := store.Get("webhook:m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != entry.SessionID {
		t.Errorf("session id changed across reload: %q vs %q", got.SessionID, entry.SessionID)
	}
	if got.LastTo != "alice" || got.LastChannel != "webhook" {
		t.Errorf("delivery route not recorded: %+v", got)
	}
}

func TestStore_RecordInboundPreservesIdentity(t *testing.T) {
	store := newTestStore(t)

	first, err := store.RecordInbound("k", "m1", nil)
	if err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	second, err := store.RecordInbound("k", "m2", &DeliveryContext{To: "bob"})
	if err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Error("second message should continue the same session")
	}
	if second.WebhookMessageID != "m2" {
		t.Errorf("got message id %q, want m2", second.WebhookMessageID)
	}
}

func TestStore_ResetCreatesStrictlyLaterSession(t *testing.T) {
	store := newTestStore(t)

	before, err := store.RecordInbound("k", "m1", &DeliveryContext{To: "alice"})
	if err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}

	after, err := store.Reset("k")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if after.SessionID == before.SessionID {
		t.Error("reset must mint a new session id")
	}
	if after.CreatedAt <= before.CreatedAt {
		t.Errorf("reset CreatedAt %d not strictly greater than %d", after.CreatedAt, before.CreatedAt)
	}
	if after.DeliveryContext == nil || after.DeliveryContext.To != "alice" {
		t.Error("reset must preserve the delivery context")
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.RecordInbound("k", "m1", nil); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after delete", err)
	}
	// Deleting again is a no-op.
	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete absent key: %v", err)
	}
}

func TestStore_CorruptFileDegradesToEmpty(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.cfg.Path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	all, err := store.Load()
	if err != nil {
		t.Fatalf("Load over corrupt file: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("got %d sessions, want empty store", len(all))
	}
	// Writes still work afterwards.
	if _, err := store.RecordInbound("k", "m1", nil); err != nil {
		t.Fatalf("RecordInbound after corruption: %v", err)
	}
}

func TestStore_ConcurrentUpsertsDistinctKeys(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	keys := []string{"a", "b", "c", "d", "e"}
	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if _, err := store.RecordInbound(k, "msg-"+k, nil); err != nil {
				t.Errorf("RecordInbound(%s): %v", k, err)
			}
		}(key)
	}
	wg.Wait()

	all, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, key := range keys {
		if all[key] == nil {
			t.Errorf("key %s lost under concurrent writes", key)
		}
	}
}

func TestStore_FileIsHumanInspectableJSON(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.RecordInbound("k", "m1", nil); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}

	data, err := os.ReadFile(store.cfg.Path)
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}
	var onDisk map[string]*Entry
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("store file is not valid JSON: %v", err)
	}
	if onDisk["k"] == nil {
		t.Fatal("entry missing from on-disk JSON")
	}
}

func TestStore_CacheServedWithinTTL(t *testing.T) {
	cfg := DefaultStoreConfig(filepath.Join(t.TempDir(), "sessions.json"))
	cfg.CacheTTL = time.Minute
	store, err := NewStore(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, err := store.RecordInbound("k", "m1", nil); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}
	if _, err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// A second load inside the TTL must serve a copy, not the cache itself.
	a, _ := store.Load()
	a["k"].SessionID = "mutated"
	b, _ := store.Load()
	if b["k"].SessionID == "mutated" {
		t.Fatal("Load returned a shared reference to the cache")
	}
}
