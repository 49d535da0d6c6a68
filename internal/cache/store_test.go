package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "fs", open: newTestStore},
		{name: "sqlite", open: newTestSQLiteStore},
	}
}

func TestStorePutAndMatch(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			ctx := context.Background()

			gen, err := store.Open(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
			entry := testEntry("https://gp.local/logo192.png", "png-bytes")
			entry.StoredAt = storedAt
			if err := gen.Put(ctx, entry); err != nil {
				t.Fatalf("put error: %v", err)
			}

			got, err := gen.Match(ctx, entry.Key)
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "png-bytes" {
				t.Fatalf("cached payload mismatch: %s", string(got.Body))
			}
			if got.Status != http.StatusOK {
				t.Fatalf("status mismatch: %d", got.Status)
			}
			if got.Header.Get("Content-Type") != "image/png" {
				t.Fatalf("header mismatch: %v", got.Header)
			}
			if !got.StoredAt.Equal(storedAt) {
				t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
			}
		})
	}
}

func TestStoreMatchMissing(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			gen, err := store.Open(context.Background(), "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			_, err = gen.Match(context.Background(), mustKey(t, "GET", "https://gp.local/missing.css"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreKeysAndDelete(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			ctx := context.Background()

			for _, name := range []string{"gp-cache-v2", "gp-cache-v1"} {
				gen, err := store.Open(ctx, "portfolio", name)
				if err != nil {
					t.Fatalf("open %s error: %v", name, err)
				}
				if err := gen.Put(ctx, testEntry("https://gp.local/app.js", name)); err != nil {
					t.Fatalf("put error: %v", err)
				}
			}
			if _, err := store.Open(ctx, "other-site", "gp-cache-v1"); err != nil {
				t.Fatalf("open other site error: %v", err)
			}

			names, err := store.Keys(ctx, "portfolio")
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(names) != 2 || names[0] != "gp-cache-v1" || names[1] != "gp-cache-v2" {
				t.Fatalf("unexpected generations: %v", names)
			}

			deleted, err := store.Delete(ctx, "portfolio", "gp-cache-v1")
			if err != nil || !deleted {
				t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
			}
			deleted, err = store.Delete(ctx, "portfolio", "gp-cache-v1")
			if err != nil || deleted {
				t.Fatalf("second delete should report missing, got %v %v", deleted, err)
			}

			names, _ = store.Keys(ctx, "portfolio")
			if len(names) != 1 || names[0] != "gp-cache-v2" {
				t.Fatalf("unexpected generations after delete: %v", names)
			}
			others, _ := store.Keys(ctx, "other-site")
			if len(others) != 1 {
				t.Fatalf("other site generations should be untouched: %v", others)
			}

			reopened, err := store.Open(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			keys, err := reopened.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("recreated generation should be empty, got %v", keys)
			}
		})
	}
}

func TestStoreLookupDoesNotCreate(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			ctx := context.Background()

			if _, err := store.Lookup(ctx, "portfolio", "gp-cache-v1"); !errors.Is(err, ErrGenerationMissing) {
				t.Fatalf("expected ErrGenerationMissing, got %v", err)
			}
			names, _ := store.Keys(ctx, "portfolio")
			if len(names) != 0 {
				t.Fatalf("lookup must not create generations, got %v", names)
			}

			gen, err := store.Open(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if err := gen.Put(ctx, testEntry("https://gp.local/logo192.png", "png")); err != nil {
				t.Fatalf("put error: %v", err)
			}
			found, err := store.Lookup(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("lookup error: %v", err)
			}
			if _, err := found.Match(ctx, mustKey(t, "GET", "https://gp.local/logo192.png")); err != nil {
				t.Fatalf("lookup should see stored entries: %v", err)
			}

			if _, err := store.Delete(ctx, "portfolio", "gp-cache-v1"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			if _, err := store.Lookup(ctx, "portfolio", "gp-cache-v1"); !errors.Is(err, ErrGenerationMissing) {
				t.Fatalf("lookup after delete should miss, got %v", err)
			}
			if _, err := store.Lookup(ctx, "portfolio", ".staging"); err == nil || errors.Is(err, ErrGenerationMissing) {
				t.Fatalf("unsafe names should be rejected, got %v", err)
			}
		})
	}
}

func TestStorePutAfterDeleteFails(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			ctx := context.Background()
			gen, err := store.Open(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}
			if _, err := store.Delete(ctx, "portfolio", "gp-cache-v1"); err != nil {
				t.Fatalf("delete error: %v", err)
			}
			err = gen.Put(ctx, testEntry("https://gp.local/app.css", "body"))
			if !errors.Is(err, ErrGenerationMissing) {
				t.Fatalf("expected ErrGenerationMissing, got %v", err)
			}
		})
	}
}

func TestStorePutAllRejectsInvalidBatch(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			ctx := context.Background()
			gen, err := store.Open(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			good := testEntry("https://gp.local/offline.html", "offline")
			bad := testEntry("https://gp.local/favicon.ico", "icon")
			bad.Status = 0
			if err := gen.PutAll(ctx, []Entry{good, bad}); err == nil {
				t.Fatalf("expected PutAll to reject invalid entry")
			}
			keys, err := gen.Keys(ctx)
			if err != nil {
				t.Fatalf("keys error: %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("no entry should be visible after failed PutAll, got %v", keys)
			}

			if err := gen.PutAll(ctx, []Entry{good, testEntry("https://gp.local/favicon.ico", "icon")}); err != nil {
				t.Fatalf("PutAll error: %v", err)
			}
			keys, _ = gen.Keys(ctx)
			if len(keys) != 2 {
				t.Fatalf("expected 2 keys, got %v", keys)
			}
		})
	}
}

func TestStoreConcurrentPutsLastWriteWins(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.open(t)
			ctx := context.Background()
			gen, err := store.Open(ctx, "portfolio", "gp-cache-v1")
			if err != nil {
				t.Fatalf("open error: %v", err)
			}

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := gen.Put(ctx, testEntry("https://gp.local/race.js", "same-body")); err != nil {
						t.Errorf("put error: %v", err)
					}
				}()
			}
			wg.Wait()

			got, err := gen.Match(ctx, mustKey(t, "GET", "https://gp.local/race.js"))
			if err != nil {
				t.Fatalf("match error: %v", err)
			}
			if string(got.Body) != "same-body" {
				t.Fatalf("unexpected body: %s", got.Body)
			}
			keys, _ := gen.Keys(ctx)
			if len(keys) != 1 {
				t.Fatalf("expected a single key after racing writes, got %v", keys)
			}
		})
	}
}

func TestStoreRejectsUnsafeNames(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "..", ".staging", "a/b"} {
		if _, err := store.Open(context.Background(), "portfolio", name); err == nil {
			t.Fatalf("expected error for generation name %q", name)
		}
	}
}

func TestFileStoreSkipsStagingDirectories(t *testing.T) {
	store := newTestStore(t)
	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if err := os.MkdirAll(filepath.Join(fs.basePath, "portfolio", ".staging-123"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	names, err := store.Keys(context.Background(), "portfolio")
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("staging directories must not be listed, got %v", names)
	}
}

func TestNewKeyDropsFragment(t *testing.T) {
	key := mustKey(t, "get", "https://gp.local/portfolio/#projects")
	if key.Method != http.MethodGet {
		t.Fatalf("method should be upper-cased: %s", key.Method)
	}
	if key.URL != "https://gp.local/portfolio/" {
		t.Fatalf("fragment should be dropped: %s", key.URL)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	dir := t.TempDir()
	fsStore, err := Open("fs", filepath.Join(dir, "fs"))
	if err != nil {
		t.Fatalf("fs open error: %v", err)
	}
	if _, ok := fsStore.(*fileStore); !ok {
		t.Fatalf("expected fileStore, got %T", fsStore)
	}

	sqlStore, err := Open("sqlite", filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("sqlite open error: %v", err)
	}
	defer sqlStore.Close()
	if _, ok := sqlStore.(*sqliteStore); !ok {
		t.Fatalf("expected sqliteStore, got %T", sqlStore)
	}

	if _, err := Open("redis", dir); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	first, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	gen, _ := first.Open(ctx, "portfolio", "gp-cache-v1")
	if err := gen.Put(ctx, testEntry("https://gp.local/manifest.json", "{}")); err != nil {
		t.Fatalf("put error: %v", err)
	}
	first.Close()

	second, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer second.Close()
	caches := ForSite(second, "portfolio")
	names, err := caches.Keys(ctx)
	if err != nil || len(names) != 1 {
		t.Fatalf("expected persisted generation, got %v %v", names, err)
	}
	reopened, _ := caches.Open(ctx, "gp-cache-v1")
	if _, err := reopened.Match(ctx, mustKey(t, "GET", "https://gp.local/manifest.json")); err != nil {
		t.Fatalf("expected persisted entry: %v", err)
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustKey(t *testing.T, method, raw string) Key {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return NewKey(method, u)
}

func testEntry(raw, body string) Entry {
	u, _ := url.Parse(raw)
	return Entry{
		Key:    NewKey(http.MethodGet, u),
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/png"}},
		Body:   []byte(body),
	}
}
