package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStoreRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tableName = postgresIntegrationTableName("fieldqueue_kv_it")
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTable(t, dsn, store.tableName)
	})

	if _, err := store.Get(ctx, NamespaceRecords, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty table, got %v", err)
	}
	if err := store.Set(ctx, NamespaceRecords, "queue/tasks", []byte(`{"items":[]}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Set(ctx, NamespaceRecords, "queue/tasks", []byte(`{"items":[{"id":"t1"}]}`)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := store.Set(ctx, NamespaceBlobs, "blob_it", []byte{0, 1, 2}); err != nil {
		t.Fatalf("set blob failed: %v", err)
	}
	value, err := store.Get(ctx, NamespaceRecords, "queue/tasks")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != `{"items":[{"id":"t1"}]}` {
		t.Fatalf("expected upserted value, got %q", value)
	}
	keys, err := store.Keys(ctx, NamespaceBlobs)
	if err != nil || len(keys) != 1 || keys[0] != "blob_it" {
		t.Fatalf("expected blob key listing, got %v (err=%v)", keys, err)
	}
	if err := store.Remove(ctx, NamespaceBlobs, "blob_it"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := store.Get(ctx, NamespaceBlobs, "blob_it"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FIELDQUEUE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FIELDQUEUE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
