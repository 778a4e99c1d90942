package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

type countingStore struct {
	*MemoryStore
	blobReads int
}

func (s *countingStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if namespace == NamespaceBlobs {
		s.blobReads++
	}
	return s.MemoryStore.Get(ctx, namespace, key)
}

func TestBlobCacheRoundTripAndStatSkipsPayload(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStore: NewMemoryStore()}
	cache, err := NewBlobCache(store, BlobCacheOptions{})
	if err != nil {
		t.Fatalf("new blob cache failed: %v", err)
	}
	data := []byte("jpeg-bytes")
	info, err := cache.Put(ctx, data, "image/jpeg")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !IsBlobKey(info.Key) || info.Size != int64(len(data)) {
		t.Fatalf("unexpected blob info: %+v", info)
	}

	stat, err := cache.Stat(ctx, info.Key)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if stat.ContentType != "image/jpeg" || stat.SHA256 != info.SHA256 {
		t.Fatalf("unexpected stat: %+v", stat)
	}
	if store.blobReads != 0 {
		t.Fatalf("expected metadata read to skip blob namespace, got %d blob reads", store.blobReads)
	}

	got, _, err := cache.Get(ctx, info.Key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("expected %q, got %q", data, got)
	}
}

func TestBlobCacheIdenticalPayloadsGetDistinctKeys(t *testing.T) {
	ctx := context.Background()
	cache, err := NewBlobCache(NewMemoryStore(), BlobCacheOptions{})
	if err != nil {
		t.Fatalf("new blob cache failed: %v", err)
	}
	first, err := cache.Put(ctx, []byte("same"), "")
	if err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	second, err := cache.Put(ctx, []byte("same"), "")
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if first.Key == second.Key {
		t.Fatalf("expected distinct keys for separate owners, got %s twice", first.Key)
	}
	if first.Key[:21] != second.Key[:21] {
		t.Fatalf("expected shared digest prefix, got %s and %s", first.Key, second.Key)
	}
}

func TestBlobCacheEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	key := bytes.Repeat([]byte{7}, 32)
	cache, err := NewBlobCache(store, BlobCacheOptions{EncryptionKey: key})
	if err != nil {
		t.Fatalf("new encrypted blob cache failed: %v", err)
	}
	plain := []byte("dpi front scan")
	info, err := cache.Put(ctx, plain, "image/png")
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	raw, err := store.Get(ctx, NamespaceBlobs, info.Key)
	if err != nil {
		t.Fatalf("raw get failed: %v", err)
	}
	if bytes.Contains(raw, plain) {
		t.Fatalf("expected ciphertext at rest")
	}
	got, _, err := cache.Get(ctx, info.Key)
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("expected decrypted payload, got %q (err=%v)", got, err)
	}

	raw[len(raw)-1] ^= 0xff
	if err := store.Set(ctx, NamespaceBlobs, info.Key, raw); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}
	if _, _, err := cache.Get(ctx, info.Key); !errors.Is(err, ErrBlobCorrupt) {
		t.Fatalf("expected ErrBlobCorrupt after tampering, got %v", err)
	}
}

func TestBlobCacheRejectsShortKey(t *testing.T) {
	if _, err := NewBlobCache(NewMemoryStore(), BlobCacheOptions{EncryptionKey: []byte("short")}); err == nil {
		t.Fatalf("expected short encryption key to be rejected")
	}
}

func TestBlobCacheDeleteAndPrune(t *testing.T) {
	ctx := context.Background()
	cache, err := NewBlobCache(NewMemoryStore(), BlobCacheOptions{})
	if err != nil {
		t.Fatalf("new blob cache failed: %v", err)
	}
	keep, _ := cache.Put(ctx, []byte("keep"), "")
	drop, _ := cache.Put(ctx, []byte("drop"), "")
	gone, _ := cache.Put(ctx, []byte("gone"), "")

	if err := cache.Delete(ctx, gone.Key); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := cache.Delete(ctx, gone.Key); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := cache.Stat(ctx, gone.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected metadata removed with blob, got %v", err)
	}

	removed, err := cache.Prune(ctx, func(key string) bool { return key == keep.Key })
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one pruned blob, got %d", removed)
	}
	if _, _, err := cache.Get(ctx, drop.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pruned blob to be gone, got %v", err)
	}
	if _, _, err := cache.Get(ctx, keep.Key); err != nil {
		t.Fatalf("expected kept blob to survive, got %v", err)
	}
}
