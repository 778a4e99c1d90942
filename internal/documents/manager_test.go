package documents

import (
	"context"
	"errors"
	"testing"

	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
)

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, payload queue.Payload) (queue.Task, error) {
	return queue.Task{}, errors.New("disk full")
}

type fakeUploader struct {
	uploads map[string][]byte
	fail    map[string]error
}

func (f *fakeUploader) UploadDocument(ctx context.Context, applicationID, documentID string, data []byte, contentType string) (remote.DocumentRef, error) {
	if err := f.fail[documentID]; err != nil {
		return remote.DocumentRef{}, err
	}
	f.uploads[applicationID+"/"+documentID] = append([]byte(nil), data...)
	return remote.DocumentRef{URL: "https://cdn.example/" + applicationID + "/" + documentID}, nil
}

func newManager(t *testing.T, q Enqueuer, uploader remote.DocumentUploader) (*Manager, *storage.BlobCache) {
	t.Helper()
	store := storage.NewMemoryStore()
	blobs, err := storage.NewBlobCache(store, storage.BlobCacheOptions{})
	if err != nil {
		t.Fatalf("new blob cache failed: %v", err)
	}
	if q == nil {
		opened, err := queue.Open(context.Background(), store, queue.Options{})
		if err != nil {
			t.Fatalf("open queue failed: %v", err)
		}
		q = opened
	}
	manager, err := New(store, blobs, q, uploader, Options{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	return manager, blobs
}

func jpeg(b byte) File {
	return File{Name: "photo.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8, b}}
}

func TestUploadDocumentCachesBlobAndQueuesTask(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	blobs, _ := storage.NewBlobCache(store, storage.BlobCacheOptions{})
	q, _ := queue.Open(ctx, store, queue.Options{})
	manager, err := New(store, blobs, q, nil, Options{})
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	item, err := manager.UploadDocument(ctx, "A1", "id_front", jpeg(1))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if item.Status != StatusSuccess || item.BlobKey == "" || item.Size != 3 {
		t.Fatalf("unexpected item: %+v", item)
	}
	if key, ok := manager.Previews().Resolve(item.ThumbnailURL); !ok || key != item.BlobKey {
		t.Fatalf("expected preview handle to resolve to the blob")
	}
	data, _, err := blobs.Get(ctx, item.BlobKey)
	if err != nil || len(data) != 3 {
		t.Fatalf("expected cached blob, got %v %v", data, err)
	}
	tasks := q.PeekAll()
	if len(tasks) != 1 {
		t.Fatalf("expected one queued upload, got %d", len(tasks))
	}
	payload := tasks[0].Payload.(queue.UploadDocumentPayload)
	if payload.BlobKey != item.BlobKey || payload.DocumentID != "id_front" {
		t.Fatalf("unexpected upload payload: %+v", payload)
	}
	current, err := manager.IsCurrent(ctx, "A1", "id_front", item.BlobKey)
	if err != nil || !current {
		t.Fatalf("expected blob to be current, got %v %v", current, err)
	}
}

func TestUploadDocumentRejectsBadInput(t *testing.T) {
	manager, _ := newManager(t, nil, nil)
	ctx := context.Background()
	if _, err := manager.UploadDocument(ctx, "A1", "selfie_with_cat", jpeg(1)); !errors.Is(err, ErrUnknownDocument) {
		t.Fatalf("expected ErrUnknownDocument, got %v", err)
	}
	if _, err := manager.UploadDocument(ctx, "A1", "id_front", File{Name: "x"}); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
}

func TestUploadDocumentQueueFailureLeavesErrorState(t *testing.T) {
	manager, blobs := newManager(t, failingEnqueuer{}, nil)
	ctx := context.Background()
	if _, err := manager.UploadDocument(ctx, "A1", "id_front", jpeg(1)); err == nil {
		t.Fatalf("expected enqueue failure to surface")
	}
	item, err := manager.Item(ctx, "A1", "id_front")
	if err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if item.Status != StatusError || item.BlobKey != "" || item.Error == "" {
		t.Fatalf("expected error slot without blob, got %+v", item)
	}
	keys, _ := blobs.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected orphan blob to be deleted, got %v", keys)
	}
	if _, err := manager.UploadDocument(ctx, "A1", "id_front", jpeg(2)); err == nil {
		t.Fatalf("expected retry from error state to reach the failing queue again")
	}
}

func TestReplaceAndRemoveMakeOldUploadStale(t *testing.T) {
	manager, _ := newManager(t, nil, nil)
	ctx := context.Background()
	first, _ := manager.UploadDocument(ctx, "A1", "id_front", jpeg(1))
	second, err := manager.UploadDocument(ctx, "A1", "id_front", jpeg(2))
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if first.BlobKey == second.BlobKey {
		t.Fatalf("expected a new blob key on replace")
	}
	if current, _ := manager.IsCurrent(ctx, "A1", "id_front", first.BlobKey); current {
		t.Fatalf("expected replaced blob to be stale")
	}
	if _, ok := manager.Previews().Resolve(first.ThumbnailURL); ok {
		t.Fatalf("expected old preview to be released")
	}

	removed, err := manager.RemoveDocument(ctx, "A1", "id_front")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed.Status != StatusEmpty || removed.BlobKey != "" || removed.ThumbnailURL != "" {
		t.Fatalf("expected empty slot, got %+v", removed)
	}
	if current, _ := manager.IsCurrent(ctx, "A1", "id_front", second.BlobKey); current {
		t.Fatalf("expected removed blob to be stale")
	}
	if manager.Previews().Len() != 0 {
		t.Fatalf("expected all previews released")
	}
}

func TestMissingRequiredAndReferencedBlobs(t *testing.T) {
	manager, _ := newManager(t, nil, nil)
	ctx := context.Background()
	front, _ := manager.UploadDocument(ctx, "A1", "id_front", jpeg(1))
	back, _ := manager.UploadDocument(ctx, "A2", "id_back", jpeg(2))

	missing, err := manager.MissingRequired(ctx, "A1")
	if err != nil {
		t.Fatalf("missing required failed: %v", err)
	}
	want := []string{"id_back", "proof_of_income", "proof_of_address"}
	if len(missing) != len(want) {
		t.Fatalf("expected %v, got %v", want, missing)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, missing)
		}
	}

	refs, err := manager.ReferencedBlobs(ctx)
	if err != nil {
		t.Fatalf("referenced blobs failed: %v", err)
	}
	if _, ok := refs[front.BlobKey]; !ok {
		t.Fatalf("expected %s to be referenced", front.BlobKey)
	}
	if _, ok := refs[back.BlobKey]; !ok {
		t.Fatalf("expected %s to be referenced", back.BlobKey)
	}
}

func TestUploadDocumentsToRemoteReportsPerDocument(t *testing.T) {
	uploader := &fakeUploader{uploads: map[string][]byte{}, fail: map[string]error{"id_back": &remote.HTTPError{StatusCode: 500}}}
	manager, _ := newManager(t, nil, uploader)
	ctx := context.Background()
	front, _ := manager.UploadDocument(ctx, "A1", "id_front", jpeg(1))
	_, _ = manager.UploadDocument(ctx, "A1", "id_back", jpeg(2))

	results, err := manager.UploadDocumentsToRemote(ctx, "A1")
	if err != nil {
		t.Fatalf("bulk upload failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %+v", results)
	}
	byID := map[string]UploadResult{}
	for _, result := range results {
		byID[result.DocumentID] = result
	}
	if byID["id_front"].Err != nil || byID["id_front"].URL == "" {
		t.Fatalf("expected front upload to succeed, got %+v", byID["id_front"])
	}
	if byID["id_back"].Err == nil {
		t.Fatalf("expected back upload to fail")
	}
	item, _ := manager.Item(ctx, "A1", "id_front")
	if !item.Uploaded() || item.RemoteURL != "https://cdn.example/A1/id_front" {
		t.Fatalf("expected front to be marked uploaded, got %+v", item)
	}
	if current, _ := manager.IsCurrent(ctx, "A1", "id_front", front.BlobKey); current {
		t.Fatalf("expected queued upload of an uploaded slot to be stale")
	}

	noUploader, _ := newManager(t, nil, nil)
	if _, err := noUploader.UploadDocumentsToRemote(ctx, "A1"); !errors.Is(err, ErrNoUploader) {
		t.Fatalf("expected ErrNoUploader, got %v", err)
	}
}
