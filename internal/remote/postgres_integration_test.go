package remote

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPostgresRecordsIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("FIELDQUEUE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set FIELDQUEUE_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	ctx := context.Background()
	records, err := NewPostgresRecords(ctx, dsn)
	require.NoError(t, err)
	defer records.Close()

	id := "it_" + uuid.NewString()
	_, err = records.FetchDraft(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	updated := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	draft := Draft{ID: id, Fields: json.RawMessage(`{"amount":10}`), UpdatedAt: updated}
	require.NoError(t, records.UpsertDraft(ctx, draft))
	require.NoError(t, records.UpsertDraft(ctx, draft))

	got, err := records.FetchDraft(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":10}`, string(got.Fields))
	require.True(t, got.UpdatedAt.Equal(updated))

	app := Application{ID: id, DraftID: id, Fields: json.RawMessage(`{"amount":10}`), ExternalReferenceID: "REF-1"}
	require.NoError(t, records.UpsertApplication(ctx, app))
	require.NoError(t, records.UpsertApplication(ctx, app))
}
