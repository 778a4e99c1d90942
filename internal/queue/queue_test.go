package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/storage"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type flakyStore struct {
	*storage.MemoryStore
	failSets bool
}

func (s *flakyStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if s.failSets {
		return errors.New("disk full")
	}
	return s.MemoryStore.Set(ctx, namespace, key, value)
}

func draftPayload(id string, amount int) UpdateDraftPayload {
	return UpdateDraftPayload{
		DraftID:        id,
		Fields:         json.RawMessage(fmt.Sprintf(`{"amount":%d}`, amount)),
		LocalUpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestQueueDurabilityAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "store")
	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	q, err := Open(ctx, store, Options{})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	first, err := q.Enqueue(ctx, draftPayload("D1", 1))
	if err != nil {
		t.Fatalf("enqueue draft failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, UploadDocumentPayload{ApplicationID: "D1", DocumentID: "id_front", BlobKey: "blob_abc_123"}); err != nil {
		t.Fatalf("enqueue upload failed: %v", err)
	}
	if _, err := q.Enqueue(ctx, CreateApplicationPayload{ApplicationID: "D1", DraftID: "D1", Fields: json.RawMessage(`{"amount":1}`)}); err != nil {
		t.Fatalf("enqueue create failed: %v", err)
	}
	if _, err := q.MarkFailed(ctx, first.ID, "timeout", errors.New("deadline exceeded")); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store failed: %v", err)
	}

	reopenedStore, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen store failed: %v", err)
	}
	defer reopenedStore.Close()
	reopened, err := Open(ctx, reopenedStore, Options{})
	if err != nil {
		t.Fatalf("reopen queue failed: %v", err)
	}
	tasks := reopened.PeekAll()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks after restart, got %d", len(tasks))
	}
	if tasks[0].ID != first.ID || tasks[0].Retries != 1 || tasks[0].FailureCode != "timeout" {
		t.Fatalf("expected first task to keep id and retry count, got %+v", tasks[0])
	}
	draft, ok := tasks[0].Payload.(UpdateDraftPayload)
	if !ok || string(draft.Fields) != `{"amount":1}` {
		t.Fatalf("expected typed updateDraft payload, got %#v", tasks[0].Payload)
	}
	upload, ok := tasks[1].Payload.(UploadDocumentPayload)
	if !ok || upload.BlobKey != "blob_abc_123" {
		t.Fatalf("expected typed uploadDocument payload, got %#v", tasks[1].Payload)
	}
	if tasks[2].Type != TaskCreateApplication {
		t.Fatalf("expected createApplication last, got %s", tasks[2].Type)
	}
}

func TestQueueEnqueueAssignsIDAndFIFOOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, err := Open(ctx, storage.NewMemoryStore(), Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	a, _ := q.Enqueue(ctx, draftPayload("D1", 1))
	clock.Advance(-time.Minute)
	b, _ := q.Enqueue(ctx, draftPayload("D1", 2))

	if a.Status != StatusPending || a.Retries != 0 {
		t.Fatalf("expected fresh pending task, got %+v", a)
	}
	if a.ID == b.ID {
		t.Fatalf("expected unique ids, got %s twice", a.ID)
	}
	if b.EnqueuedAt.Before(a.EnqueuedAt) {
		t.Fatalf("expected enqueue time to stay monotonic when the clock steps back")
	}
	tasks := q.PeekAll()
	if tasks[0].ID != a.ID || tasks[1].ID != b.ID {
		t.Fatalf("expected FIFO order [%s %s], got [%s %s]", a.ID, b.ID, tasks[0].ID, tasks[1].ID)
	}
	if got := a.ResourceKey(); got != "application:D1" {
		t.Fatalf("expected application resource key, got %s", got)
	}
}

func TestQueueMarkFailedRetainsTaskPastCeiling(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, storage.NewMemoryStore(), Options{MaxRetries: 2})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	task, _ := q.Enqueue(ctx, draftPayload("D1", 1))
	for i := 1; i <= 2; i++ {
		updated, err := q.MarkFailed(ctx, task.ID, "remote_unavailable", errors.New("503"))
		if err != nil {
			t.Fatalf("mark failed %d: %v", i, err)
		}
		if updated.Status != StatusPending || updated.Retries != i {
			t.Fatalf("expected pending with %d retries, got %+v", i, updated)
		}
	}
	final, err := q.MarkFailed(ctx, task.ID, "remote_unavailable", errors.New("503"))
	if err != nil {
		t.Fatalf("final mark failed: %v", err)
	}
	if final.Status != StatusFailed || final.Retries != 3 {
		t.Fatalf("expected failed after exceeding ceiling, got %+v", final)
	}
	if q.Len() != 1 {
		t.Fatalf("expected failed task to be retained, got %d tasks", q.Len())
	}
	if stats := q.Stats(); stats.Failed != 1 || stats.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	requeued, err := q.Requeue(ctx, task.ID)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if requeued.Status != StatusPending || requeued.Retries != 0 {
		t.Fatalf("expected requeued task to be pending with no retries, got %+v", requeued)
	}
}

func TestQueueMarkRejectedSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, storage.NewMemoryStore(), Options{})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	task, _ := q.Enqueue(ctx, CreateApplicationPayload{ApplicationID: "A1", DraftID: "A1", Fields: json.RawMessage(`{}`)})
	rejected, err := q.MarkRejected(ctx, task.ID, "rejected", errors.New("score below threshold"))
	if err != nil {
		t.Fatalf("mark rejected failed: %v", err)
	}
	if rejected.Status != StatusFailed || rejected.LastError != "score below threshold" {
		t.Fatalf("expected rejected task to be failed, got %+v", rejected)
	}
}

func TestQueueBackoffDefersRetry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, err := Open(ctx, storage.NewMemoryStore(), Options{Now: clock.Now, RetryDelay: time.Second, MaxRetryDelay: 3 * time.Second})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	task, _ := q.Enqueue(ctx, draftPayload("D1", 1))
	updated, _ := q.MarkFailed(ctx, task.ID, "timeout", nil)
	if updated.NextAttemptAt == nil || !updated.NextAttemptAt.Equal(clock.now.Add(time.Second)) {
		t.Fatalf("expected first retry after 1s, got %v", updated.NextAttemptAt)
	}
	if updated.Due(clock.now) {
		t.Fatalf("expected task not to be due before its retry time")
	}
	updated, _ = q.MarkFailed(ctx, task.ID, "timeout", nil)
	updated, _ = q.MarkFailed(ctx, task.ID, "timeout", nil)
	if got := updated.NextAttemptAt.Sub(clock.now); got != 3*time.Second {
		t.Fatalf("expected retry delay capped at 3s, got %s", got)
	}
	clock.Advance(3 * time.Second)
	if !updated.Due(clock.now) {
		t.Fatalf("expected task to be due after its retry time")
	}
}

func TestQueueOpenRecoversInFlightTasks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	q, err := Open(ctx, store, Options{})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	task, _ := q.Enqueue(ctx, draftPayload("D1", 1))
	if _, err := q.MarkInFlight(ctx, task.ID); err != nil {
		t.Fatalf("mark in flight failed: %v", err)
	}
	if _, err := q.MarkInFlight(ctx, task.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState marking an in-flight task again, got %v", err)
	}

	reopened, err := Open(ctx, store, Options{})
	if err != nil {
		t.Fatalf("reopen queue failed: %v", err)
	}
	got, err := reopened.Get(task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected crashed in-flight task to return to pending, got %s", got.Status)
	}
}

func TestQueueSaveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	q, err := Open(ctx, store, Options{})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	task, err := q.Enqueue(ctx, draftPayload("D1", 1))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	store.failSets = true
	if _, err := q.Enqueue(ctx, draftPayload("D1", 2)); err == nil {
		t.Fatalf("expected enqueue to surface persistence failure")
	}
	if q.Len() != 1 {
		t.Fatalf("expected failed enqueue to roll back, got %d tasks", q.Len())
	}
	if err := q.Remove(ctx, task.ID); err == nil {
		t.Fatalf("expected remove to surface persistence failure")
	}
	if _, err := q.Get(task.ID); err != nil {
		t.Fatalf("expected failed remove to roll back, got %v", err)
	}
	if _, err := q.MarkFailed(ctx, task.ID, "timeout", nil); err == nil {
		t.Fatalf("expected mark failed to surface persistence failure")
	}
	if got, _ := q.Get(task.ID); got.Retries != 0 {
		t.Fatalf("expected failed mutation to roll back retries, got %d", got.Retries)
	}
}

func TestQueueRejectsInvalidPayloads(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, storage.NewMemoryStore(), Options{})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	cases := []Payload{
		UploadDocumentPayload{ApplicationID: "A1", DocumentID: "id_front", BlobKey: "data:image/png;base64,AAAA"},
		UploadDocumentPayload{ApplicationID: "A1", DocumentID: "", BlobKey: "blob_1"},
		UpdateDraftPayload{DraftID: "D1"},
		CreateApplicationPayload{ApplicationID: "A1", Fields: json.RawMessage(`{}`)},
	}
	for _, payload := range cases {
		if _, err := q.Enqueue(ctx, payload); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload for %#v, got %v", payload, err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected no tasks after rejected payloads, got %d", q.Len())
	}
}

func TestQueueUpdatePayloadKeepsResource(t *testing.T) {
	ctx := context.Background()
	q, err := Open(ctx, storage.NewMemoryStore(), Options{})
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	payload := CreateApplicationPayload{ApplicationID: "A1", DraftID: "A1", Fields: json.RawMessage(`{}`)}
	task, _ := q.Enqueue(ctx, payload)
	payload.ExternalReferenceID = "REF-9"
	updated, err := q.UpdatePayload(ctx, task.ID, payload)
	if err != nil {
		t.Fatalf("update payload failed: %v", err)
	}
	if updated.Payload.(CreateApplicationPayload).ExternalReferenceID != "REF-9" {
		t.Fatalf("expected reference to be recorded, got %#v", updated.Payload)
	}
	other := CreateApplicationPayload{ApplicationID: "A2", DraftID: "A2", Fields: json.RawMessage(`{}`)}
	if _, err := q.UpdatePayload(ctx, task.ID, other); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected resource mismatch to be rejected, got %v", err)
	}
}
