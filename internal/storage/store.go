// Package storage provides the durable key/value layer every other component
// persists through. Values are opaque bytes grouped by namespace; JSON records
// and binary blobs live in separate namespaces so metadata reads never touch
// blob payloads.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrLocked         = errors.New("store is locked by another process")
	ErrClosed         = errors.New("store is closed")
)

const (
	NamespaceRecords = "records"
	NamespaceBlobs   = "blobs"
)

// Store is the persistent key/value contract. Get returns ErrNotFound for a
// missing key, Remove of a missing key succeeds, and Keys is sorted.
type Store interface {
	Set(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Remove(ctx context.Context, namespace, key string) error
	Keys(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// SetJSON marshals value and stores it under namespace/key.
func SetJSON(ctx context.Context, s Store, namespace, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	return s.Set(ctx, namespace, key, data)
}

// GetJSON loads namespace/key into out. Missing keys return ErrNotFound.
func GetJSON(ctx context.Context, s Store, namespace, key string, out any) error {
	data, err := s.Get(ctx, namespace, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return nil
}

// KeysWithPrefix filters Keys by prefix, preserving order.
func KeysWithPrefix(ctx context.Context, s Store, namespace, prefix string) ([]string, error) {
	keys, err := s.Keys(ctx, namespace)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func validateAddress(namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return nil
}

// Namespaces double as directory names for the file backend.
func validateNamespace(namespace string) error {
	if strings.TrimSpace(namespace) == "" || strings.HasPrefix(namespace, ".") || strings.ContainsAny(namespace, `/\`) {
		return ErrInvalidInput
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
