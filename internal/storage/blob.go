package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	blobKeyPrefix  = "blob_"
	blobMetaPrefix = "blobmeta/"
)

var ErrBlobCorrupt = errors.New("blob content does not match its digest")

// BlobInfo is the metadata record stored beside each blob.
type BlobInfo struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	ContentType string    `json:"contentType,omitempty"`
	Encrypted   bool      `json:"encrypted,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type BlobCacheOptions struct {
	// EncryptionKey enables XChaCha20-Poly1305 at rest when set. Must be 32 bytes.
	EncryptionKey []byte
	Now           func() time.Time
}

// BlobCache stores binary payloads in the blobs namespace and their metadata
// in the records namespace, so Stat never reads the payload.
type BlobCache struct {
	store Store
	aead  cipher.AEAD
	now   func() time.Time
}

func NewBlobCache(store Store, opts BlobCacheOptions) (*BlobCache, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	c := &BlobCache{store: store, now: opts.Now}
	if c.now == nil {
		c.now = time.Now
	}
	if len(opts.EncryptionKey) > 0 {
		aead, err := chacha20poly1305.NewX(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("blob encryption key: %w", err)
		}
		c.aead = aead
	}
	return c, nil
}

// Put stores data under a fresh key derived from its digest. Two identical
// payloads still get distinct keys so each owner can release its own copy.
func (c *BlobCache) Put(ctx context.Context, data []byte, contentType string) (BlobInfo, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	info := BlobInfo{
		Key:         blobKeyPrefix + digest[:16] + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Size:        int64(len(data)),
		SHA256:      digest,
		ContentType: strings.TrimSpace(contentType),
		Encrypted:   c.aead != nil,
		CreatedAt:   c.now().UTC(),
	}
	payload, err := c.seal(data, info.Key)
	if err != nil {
		return BlobInfo{}, err
	}
	if err := c.store.Set(ctx, NamespaceBlobs, info.Key, payload); err != nil {
		return BlobInfo{}, fmt.Errorf("write blob: %w", err)
	}
	if err := SetJSON(ctx, c.store, NamespaceRecords, blobMetaPrefix+info.Key, info); err != nil {
		_ = c.store.Remove(ctx, NamespaceBlobs, info.Key)
		return BlobInfo{}, fmt.Errorf("write blob metadata: %w", err)
	}
	return info, nil
}

// Get returns the plaintext payload and verifies it against the recorded digest.
func (c *BlobCache) Get(ctx context.Context, key string) ([]byte, BlobInfo, error) {
	info, err := c.Stat(ctx, key)
	if err != nil {
		return nil, BlobInfo{}, err
	}
	payload, err := c.store.Get(ctx, NamespaceBlobs, key)
	if err != nil {
		return nil, BlobInfo{}, err
	}
	data, err := c.open(payload, key, info.Encrypted)
	if err != nil {
		return nil, BlobInfo{}, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != info.SHA256 {
		return nil, BlobInfo{}, fmt.Errorf("%w: %s", ErrBlobCorrupt, key)
	}
	return data, info, nil
}

func (c *BlobCache) Stat(ctx context.Context, key string) (BlobInfo, error) {
	if !IsBlobKey(key) {
		return BlobInfo{}, ErrInvalidInput
	}
	var info BlobInfo
	if err := GetJSON(ctx, c.store, NamespaceRecords, blobMetaPrefix+key, &info); err != nil {
		return BlobInfo{}, err
	}
	return info, nil
}

// Delete removes the payload and its metadata. Missing blobs are not an error.
func (c *BlobCache) Delete(ctx context.Context, key string) error {
	if !IsBlobKey(key) {
		return ErrInvalidInput
	}
	if err := c.store.Remove(ctx, NamespaceBlobs, key); err != nil {
		return err
	}
	return c.store.Remove(ctx, NamespaceRecords, blobMetaPrefix+key)
}

func (c *BlobCache) Keys(ctx context.Context) ([]string, error) {
	return c.store.Keys(ctx, NamespaceBlobs)
}

// Prune deletes every blob for which keep returns false and reports how many
// were removed.
func (c *BlobCache) Prune(ctx context.Context, keep func(key string) bool) (int, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if keep != nil && keep(key) {
			continue
		}
		if err := c.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	metaKeys, err := KeysWithPrefix(ctx, c.store, NamespaceRecords, blobMetaPrefix)
	if err != nil {
		return removed, err
	}
	for _, metaKey := range metaKeys {
		key := strings.TrimPrefix(metaKey, blobMetaPrefix)
		if keep != nil && keep(key) {
			continue
		}
		if _, err := c.store.Get(ctx, NamespaceBlobs, key); errors.Is(err, ErrNotFound) {
			if err := c.store.Remove(ctx, NamespaceRecords, metaKey); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func IsBlobKey(key string) bool {
	return strings.HasPrefix(key, blobKeyPrefix) && len(key) > len(blobKeyPrefix)
}

func (c *BlobCache) seal(data []byte, key string) ([]byte, error) {
	if c.aead == nil {
		return cloneBytes(data), nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(data)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, data, []byte(key)), nil
}

func (c *BlobCache) open(payload []byte, key string, encrypted bool) ([]byte, error) {
	if !encrypted {
		return payload, nil
	}
	if c.aead == nil {
		return nil, fmt.Errorf("blob %s is encrypted but no key is configured", key)
	}
	if len(payload) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: %s", ErrBlobCorrupt, key)
	}
	nonce, ciphertext := payload[:c.aead.NonceSize()], payload[c.aead.NonceSize():]
	data, err := c.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBlobCorrupt, key)
	}
	return data, nil
}
