package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTripAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fieldqueue.db")
	store, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite store failed: %v", err)
	}
	if err := store.Set(ctx, NamespaceRecords, "drafts/D1", []byte(`{"amount":50000}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, NamespaceRecords, "drafts/D1", []byte(`{"amount":60000}`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if err := store.Set(ctx, NamespaceBlobs, "blob_1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("set blob failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite store failed: %v", err)
	}
	defer reopened.Close()
	value, err := reopened.Get(ctx, NamespaceRecords, "drafts/D1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != `{"amount":60000}` {
		t.Fatalf("expected overwritten value, got %q", value)
	}
	keys, err := reopened.Keys(ctx, NamespaceRecords)
	if err != nil || len(keys) != 1 || keys[0] != "drafts/D1" {
		t.Fatalf("expected single records key, got %v (err=%v)", keys, err)
	}
	if err := reopened.Remove(ctx, NamespaceBlobs, "blob_1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := reopened.Get(ctx, NamespaceBlobs, "blob_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}
