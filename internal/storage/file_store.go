package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	fileStoreLockName = ".lock"
	fileValueSuffix   = ".val"
)

// FileStore keeps one directory per namespace and one file per key under root.
// Writes go through a temp file and a rename so a crash never leaves a torn
// value behind. The root directory is locked for the lifetime of the store.
type FileStore struct {
	root string
	lock *os.File

	mu     sync.RWMutex
	closed bool
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	lock, err := lockDirectory(filepath.Join(root, fileStoreLockName))
	if err != nil {
		return nil, err
	}
	return &FileStore{root: root, lock: lock}, nil
}

// Root returns the directory backing the store.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := validateAddress(namespace, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	dir := s.namespaceDir(namespace)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, encodeKey(key)), value, 0o600)
}

func (s *FileStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := validateAddress(namespace, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	data, err := os.ReadFile(filepath.Join(s.namespaceDir(namespace), encodeKey(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) Remove(ctx context.Context, namespace, key string) error {
	if err := validateAddress(namespace, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := os.Remove(filepath.Join(s.namespaceDir(namespace), encodeKey(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries, err := os.ReadDir(s.namespaceDir(namespace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileValueSuffix) {
			continue
		}
		key, ok := decodeKey(entry.Name())
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.lock == nil {
		return nil
	}
	return unlockDirectory(s.lock)
}

func (s *FileStore) namespaceDir(namespace string) string {
	return filepath.Join(s.root, namespace)
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + fileValueSuffix
}

func decodeKey(name string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileValueSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

// syncDir makes a rename in dir durable.
var syncDir = syncDirectory
