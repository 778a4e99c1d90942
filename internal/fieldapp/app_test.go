package fieldapp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/config"
	"github.com/agentworkforce/fieldqueue/internal/connectivity"
	"github.com/agentworkforce/fieldqueue/internal/documents"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
	"github.com/agentworkforce/fieldqueue/internal/submission"
)

type recordingRemote struct {
	mu           sync.Mutex
	applications map[string]remote.Application
	drafts       map[string]remote.Draft
	uploads      map[string][]byte
	validations  int
}

func newRecordingRemote() *recordingRemote {
	return &recordingRemote{
		applications: map[string]remote.Application{},
		drafts:       map[string]remote.Draft{},
		uploads:      map[string][]byte{},
	}
}

func (r *recordingRemote) UpsertApplication(ctx context.Context, app remote.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applications[app.ID] = app
	return nil
}

func (r *recordingRemote) UpsertDraft(ctx context.Context, draft remote.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts[draft.ID] = draft
	return nil
}

func (r *recordingRemote) FetchDraft(ctx context.Context, id string) (remote.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft, ok := r.drafts[id]
	if !ok {
		return remote.Draft{}, &remote.HTTPError{StatusCode: 404, Code: "not_found"}
	}
	return draft, nil
}

func (r *recordingRemote) UploadDocument(ctx context.Context, applicationID, documentID string, data []byte, contentType string) (remote.DocumentRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploads[applicationID+"/"+documentID] = append([]byte(nil), data...)
	return remote.DocumentRef{URL: "https://cdn.example/" + applicationID + "/" + documentID}, nil
}

func (r *recordingRemote) Validate(ctx context.Context, req remote.ValidationRequest) (remote.ValidationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validations++
	return remote.ValidationResult{ExternalReferenceID: "EXT-" + req.ApplicationID}, nil
}

// switchSource reports whatever is sent on its channel.
type switchSource chan bool

func (s switchSource) Watch(ctx context.Context, report func(bool)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case online := <-s:
			report(online)
		}
	}
}

func testConfig() config.Config {
	return config.Config{
		Profile:        config.ProfileMemory,
		RemoteURL:      "http://127.0.0.1:1",
		RecordsBackend: config.BackendHTTP,
		UploadBackend:  config.BackendHTTP,
		Connectivity:   config.ConnectivityStatic,
		MaxRetries:     3,
		CallTimeout:    time.Second,
		Workers:        1,
		MaxFileSize:    1 << 20,
	}
}

func newTestApp(t *testing.T, source switchSource) (*App, *recordingRemote) {
	t.Helper()
	rr := newRecordingRemote()
	app, err := New(context.Background(), testConfig(), Options{
		Store:     storage.NewMemoryStore(),
		API:       rr,
		Uploader:  rr,
		Validator: rr,
		Source:    source,
	})
	if err != nil {
		t.Fatalf("new app failed: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app, rr
}

func TestOfflineWorkDrainsWhenConnectivityReturns(t *testing.T) {
	source := make(switchSource)
	app, rr := newTestApp(t, source)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		app.Wait()
	}()
	app.Start(ctx)

	if _, err := app.Drafts.Save(ctx, "A1", json.RawMessage(`{"name":"Ana"}`)); err != nil {
		t.Fatalf("save draft failed: %v", err)
	}
	if _, err := app.Documents.UploadDocument(ctx, "A1", "id_front", documents.File{Name: "front.jpg", ContentType: "image/jpeg", Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("attach document failed: %v", err)
	}
	result, err := app.Gate.Submit(ctx, "A1")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.Outcome != submission.OutcomeQueued {
		t.Fatalf("expected offline submit to queue, got %+v", result)
	}
	if app.Queue.Len() != 3 {
		t.Fatalf("expected three queued tasks, got %d", app.Queue.Len())
	}

	source <- true
	deadline := time.Now().Add(5 * time.Second)
	for app.Queue.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain, remaining %+v", app.Queue.PeekAll())
		}
		time.Sleep(10 * time.Millisecond)
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	if _, ok := rr.applications["A1"]; !ok {
		t.Fatalf("expected application to reach the remote")
	}
	if _, ok := rr.uploads["A1/id_front"]; !ok {
		t.Fatalf("expected document upload to reach the remote")
	}
	if rr.validations != 1 {
		t.Fatalf("expected one deferred validation, got %d", rr.validations)
	}
	record, err := app.Records.Get(ctx, "A1")
	if err != nil || record.Status != submission.StatusAccepted || record.ExternalReferenceID != "EXT-A1" {
		t.Fatalf("expected accepted record, got %+v %v", record, err)
	}
}

func TestEditAfterOfflineSubmitReachesApplication(t *testing.T) {
	app, rr := newTestApp(t, make(switchSource))
	ctx := context.Background()

	if _, err := app.Drafts.Save(ctx, "A1", json.RawMessage(`{"amount":50000}`)); err != nil {
		t.Fatalf("save draft failed: %v", err)
	}
	if result, err := app.Gate.Submit(ctx, "A1"); err != nil || result.Outcome != submission.OutcomeQueued {
		t.Fatalf("expected queued submit, got %+v %v", result, err)
	}
	if _, err := app.Drafts.Save(ctx, "A1", json.RawMessage(`{"amount":75000}`)); err != nil {
		t.Fatalf("save edit failed: %v", err)
	}
	if result, err := app.Gate.Submit(ctx, "A1"); err != nil || result.Outcome != submission.OutcomeQueued || result.TaskID == "" {
		t.Fatalf("expected resubmit to refresh the queued task, got %+v %v", result, err)
	}

	app.Monitor.Set(true)
	for i := 0; i < 3 && app.Queue.Len() > 0; i++ {
		if _, err := app.Processor.Drain(ctx); err != nil {
			t.Fatalf("drain failed: %v", err)
		}
	}
	if app.Queue.Len() != 0 {
		t.Fatalf("expected empty queue, got %+v", app.Queue.PeekAll())
	}

	rr.mu.Lock()
	defer rr.mu.Unlock()
	if got := string(rr.applications["A1"].Fields); got != `{"amount":75000}` {
		t.Fatalf("expected the edited fields on the application, got %s", got)
	}
	if got := string(rr.drafts["A1"].Fields); got != `{"amount":75000}` {
		t.Fatalf("expected the edited draft row, got %s", got)
	}
	record, err := app.Records.Get(ctx, "A1")
	if err != nil || record.Status != submission.StatusAccepted || string(record.Fields) != `{"amount":75000}` {
		t.Fatalf("expected accepted record with the edit, got %+v %v", record, err)
	}
}

func TestRunCycleDrainsReconcilesAndPrunes(t *testing.T) {
	app, rr := newTestApp(t, make(switchSource))
	ctx := context.Background()
	app.Monitor.Set(true)

	if _, err := app.Drafts.Save(ctx, "D1", json.RawMessage(`{"step":1}`)); err != nil {
		t.Fatalf("save draft failed: %v", err)
	}
	orphan, err := app.Blobs.Put(ctx, []byte("orphan"), "text/plain")
	if err != nil {
		t.Fatalf("put orphan failed: %v", err)
	}

	result, err := app.RunCycle(ctx)
	if err != nil {
		t.Fatalf("run cycle failed: %v", err)
	}
	if result.Drain.Succeeded != 1 {
		t.Fatalf("expected draft update to sync, got %+v", result.Drain)
	}
	if _, ok := result.Reconciled["D1"]; !ok {
		t.Fatalf("expected D1 to be reconciled, got %+v", result.Reconciled)
	}
	rr.mu.Lock()
	_, synced := rr.drafts["D1"]
	rr.mu.Unlock()
	if !synced {
		t.Fatalf("expected remote draft")
	}
	if _, err := app.Blobs.Stat(ctx, orphan.Key); err != nil {
		t.Fatalf("expected young orphan to survive the grace period, got %v", err)
	}
}

func TestNewBuildsRemotesFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RemoteToken = "device-token"
	app, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("new app failed: %v", err)
	}
	defer app.Close()
	if app.Store == nil || app.Gate == nil || app.Processor == nil {
		t.Fatalf("expected assembled app, got %+v", app)
	}
	if _, ok := app.source.(connectivity.Static); !ok {
		t.Fatalf("expected static connectivity source, got %T", app.source)
	}
}
