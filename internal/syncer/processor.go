// Package syncer drains the offline queue against the remote system.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
)

const (
	defaultCallTimeout = 15 * time.Second
	defaultBlobGrace   = time.Minute
)

type TaskQueue interface {
	PeekAll() []queue.Task
	MarkInFlight(ctx context.Context, id string) (queue.Task, error)
	MarkFailed(ctx context.Context, id, code string, cause error) (queue.Task, error)
	MarkRejected(ctx context.Context, id, code string, cause error) (queue.Task, error)
	UpdatePayload(ctx context.Context, id string, payload queue.Payload) (queue.Task, error)
	Remove(ctx context.Context, id string) error
}

type DocumentTracker interface {
	IsCurrent(ctx context.Context, applicationID, documentID, blobKey string) (bool, error)
	MarkUploaded(ctx context.Context, applicationID, documentID, blobKey, url string) (bool, error)
	ReferencedBlobs(ctx context.Context) (map[string]struct{}, error)
}

type DraftTracker interface {
	Superseded(ctx context.Context, payload queue.UpdateDraftPayload) bool
	MarkSynced(ctx context.Context, id string, at time.Time) error
	DeleteIfUnchanged(ctx context.Context, id string, at time.Time) (bool, error)
}

// ApplicationLedger owns the local application records created at submit.
type ApplicationLedger interface {
	Accept(ctx context.Context, applicationID, externalReferenceID string) error
	Discard(ctx context.Context, applicationID string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Queue        TaskQueue
	Blobs        *storage.BlobCache
	Documents    DocumentTracker
	Drafts       DraftTracker
	Applications ApplicationLedger
	API          remote.ApplicationAPI
	Uploader     remote.DocumentUploader
	Validator    remote.Validator
	// Online gates every pass and is checked before each task.
	Online func() bool
	// CallTimeout bounds each remote call. Expiry counts as a transport
	// failure.
	CallTimeout time.Duration
	// Workers above one drain independent resources concurrently.
	Workers   int
	BlobGrace time.Duration
	Now       func() time.Time
	Logger    Logger
}

type Processor struct {
	queue        TaskQueue
	blobs        *storage.BlobCache
	documents    DocumentTracker
	drafts       DraftTracker
	applications ApplicationLedger
	api          remote.ApplicationAPI
	uploader     remote.DocumentUploader
	validator    remote.Validator
	online       func() bool
	callTimeout  time.Duration
	workers      int
	blobGrace    time.Duration
	now          func() time.Time
	logger       Logger

	draining sync.Mutex
}

// DrainResult summarizes one pass.
type DrainResult struct {
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Retrying   int    `json:"retrying"`
	Failed     int    `json:"failed"`
	Rejected   int    `json:"rejected"`
	Discarded  int    `json:"discarded"`
	Deferred   int    `json:"deferred"`
	// Stopped is set when the pass ended early because the remote became
	// unreachable or connectivity dropped.
	Stopped    bool   `json:"stopped,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

func (r *DrainResult) add(other DrainResult) {
	r.Attempted += other.Attempted
	r.Succeeded += other.Succeeded
	r.Retrying += other.Retrying
	r.Failed += other.Failed
	r.Rejected += other.Rejected
	r.Discarded += other.Discarded
	r.Deferred += other.Deferred
	if other.Stopped && !r.Stopped {
		r.Stopped = true
		r.StopReason = other.StopReason
	}
}

func New(opts Options) (*Processor, error) {
	if opts.Queue == nil || opts.Blobs == nil {
		return nil, errors.New("syncer: queue and blob cache are required")
	}
	if opts.API == nil || opts.Uploader == nil || opts.Validator == nil {
		return nil, errors.New("syncer: remote api, uploader and validator are required")
	}
	p := &Processor{
		queue:        opts.Queue,
		blobs:        opts.Blobs,
		documents:    opts.Documents,
		drafts:       opts.Drafts,
		applications: opts.Applications,
		api:          opts.API,
		uploader:     opts.Uploader,
		validator:    opts.Validator,
		online:       opts.Online,
		callTimeout:  opts.CallTimeout,
		workers:      opts.Workers,
		blobGrace:    opts.BlobGrace,
		now:          opts.Now,
		logger:       opts.Logger,
	}
	if p.online == nil {
		p.online = func() bool { return true }
	}
	if p.callTimeout <= 0 {
		p.callTimeout = defaultCallTimeout
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	if p.blobGrace <= 0 {
		p.blobGrace = defaultBlobGrace
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Drain makes one pass over the queue. It returns immediately when offline or
// when another pass is running. The error is reserved for local persistence
// failures.
func (p *Processor) Drain(ctx context.Context) (DrainResult, error) {
	if !p.online() {
		return DrainResult{Skipped: true, SkipReason: "offline"}, nil
	}
	if !p.draining.TryLock() {
		return DrainResult{Skipped: true, SkipReason: "already draining"}, nil
	}
	defer p.draining.Unlock()

	tasks := p.pending()
	if len(tasks) == 0 {
		return DrainResult{}, nil
	}
	var (
		result DrainResult
		err    error
	)
	if p.workers <= 1 {
		result, err = p.drainSequential(ctx, tasks)
	} else {
		result, err = p.drainLanes(ctx, groupLanes(tasks))
	}
	if result.Attempted > 0 || result.Stopped {
		p.logf("syncer: pass attempted=%d succeeded=%d retrying=%d failed=%d rejected=%d discarded=%d stopped=%t",
			result.Attempted, result.Succeeded, result.Retrying, result.Failed, result.Rejected, result.Discarded, result.Stopped)
	}
	return result, err
}

type lane struct {
	resource string
	tasks    []queue.Task
}

func (p *Processor) pending() []queue.Task {
	var out []queue.Task
	for _, task := range p.queue.PeekAll() {
		if task.Status == queue.StatusPending {
			out = append(out, task)
		}
	}
	return out
}

// groupLanes splits tasks by resource, keeping FIFO order within each lane
// and ordering lanes by their oldest task.
func groupLanes(tasks []queue.Task) []lane {
	var lanes []lane
	index := map[string]int{}
	for _, task := range tasks {
		key := task.ResourceKey()
		idx, ok := index[key]
		if !ok {
			idx = len(lanes)
			index[key] = idx
			lanes = append(lanes, lane{resource: key})
		}
		lanes[idx].tasks = append(lanes[idx].tasks, task)
	}
	return lanes
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetrying
	outcomeFailed
	outcomeRejected
	outcomeDiscarded
	outcomeDeferred
	outcomeUnreachable
)

func (p *Processor) drainSequential(ctx context.Context, tasks []queue.Task) (DrainResult, error) {
	var result DrainResult
	blocked := map[string]bool{}
	for _, task := range tasks {
		if blocked[task.ResourceKey()] {
			continue
		}
		if stop, reason := p.shouldStop(ctx); stop {
			result.Stopped, result.StopReason = true, reason
			return result, nil
		}
		out, err := p.process(ctx, task)
		if err != nil {
			return result, err
		}
		if p.record(&result, out) {
			blocked[task.ResourceKey()] = true
		}
		if out == outcomeUnreachable {
			result.Stopped, result.StopReason = true, "remote unreachable"
			return result, nil
		}
	}
	return result, nil
}

func (p *Processor) drainLanes(ctx context.Context, lanes []lane) (DrainResult, error) {
	var (
		mu       sync.Mutex
		result   DrainResult
		firstErr error
		stopped  atomic.Bool
		wg       sync.WaitGroup
	)
	work := make(chan lane)
	workers := p.workers
	if workers > len(lanes) {
		workers = len(lanes)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for l := range work {
				var local DrainResult
				err := p.drainLane(ctx, l, &local, &stopped)
				mu.Lock()
				result.add(local)
				if err != nil && firstErr == nil {
					firstErr = err
					stopped.Store(true)
				}
				mu.Unlock()
			}
		}()
	}
	for _, l := range lanes {
		if stopped.Load() {
			break
		}
		work <- l
	}
	close(work)
	wg.Wait()
	return result, firstErr
}

func (p *Processor) drainLane(ctx context.Context, l lane, result *DrainResult, stopped *atomic.Bool) error {
	for _, task := range l.tasks {
		if stopped.Load() {
			return nil
		}
		if stop, reason := p.shouldStop(ctx); stop {
			stopped.Store(true)
			result.Stopped, result.StopReason = true, reason
			return nil
		}
		out, err := p.process(ctx, task)
		if err != nil {
			return err
		}
		if out == outcomeUnreachable {
			stopped.Store(true)
			p.record(result, out)
			result.Stopped, result.StopReason = true, "remote unreachable"
			return nil
		}
		if p.record(result, out) {
			return nil
		}
	}
	return nil
}

// record counts out and reports whether the task's resource is now blocked
// for the rest of the pass.
func (p *Processor) record(result *DrainResult, out outcome) bool {
	switch out {
	case outcomeSucceeded:
		result.Attempted++
		result.Succeeded++
	case outcomeRetrying, outcomeUnreachable:
		result.Attempted++
		result.Retrying++
		return true
	case outcomeFailed:
		result.Attempted++
		result.Failed++
	case outcomeRejected:
		result.Attempted++
		result.Rejected++
	case outcomeDiscarded:
		result.Discarded++
	case outcomeDeferred:
		result.Deferred++
		return true
	}
	return false
}

func (p *Processor) shouldStop(ctx context.Context) (bool, string) {
	if err := ctx.Err(); err != nil {
		return true, err.Error()
	}
	if !p.online() {
		return true, "offline"
	}
	return false, ""
}

func (p *Processor) process(ctx context.Context, task queue.Task) (outcome, error) {
	if !task.Due(p.now()) {
		return outcomeDeferred, nil
	}
	switch payload := task.Payload.(type) {
	case queue.UploadDocumentPayload:
		return p.processUpload(ctx, task, payload)
	case queue.UpdateDraftPayload:
		return p.processDraft(ctx, task, payload)
	case queue.CreateApplicationPayload:
		return p.processCreate(ctx, task, payload)
	default:
		_, err := p.queue.MarkRejected(ctx, task.ID, "unknown", fmt.Errorf("unsupported payload %T", task.Payload))
		return outcomeRejected, err
	}
}

func (p *Processor) processUpload(ctx context.Context, task queue.Task, payload queue.UploadDocumentPayload) (outcome, error) {
	if p.documents != nil {
		current, err := p.documents.IsCurrent(ctx, payload.ApplicationID, payload.DocumentID, payload.BlobKey)
		if err != nil {
			return 0, err
		}
		if !current {
			return p.discard(ctx, task, payload.BlobKey)
		}
	}
	data, info, err := p.blobs.Get(ctx, payload.BlobKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrBlobCorrupt) {
			_, markErr := p.queue.MarkRejected(ctx, task.ID, "blob_missing", err)
			return outcomeRejected, markErr
		}
		return 0, err
	}
	if _, err := p.queue.MarkInFlight(ctx, task.ID); err != nil {
		return 0, err
	}
	contentType := payload.ContentType
	if contentType == "" {
		contentType = info.ContentType
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	ref, err := p.uploader.UploadDocument(callCtx, payload.ApplicationID, payload.DocumentID, data, contentType)
	cancel()
	if err != nil {
		return p.fail(ctx, task, err)
	}
	if err := p.queue.Remove(ctx, task.ID); err != nil {
		return 0, err
	}
	if p.documents != nil {
		if _, err := p.documents.MarkUploaded(ctx, payload.ApplicationID, payload.DocumentID, payload.BlobKey, ref.URL); err != nil {
			p.logf("syncer: mark %s/%s uploaded: %v", payload.ApplicationID, payload.DocumentID, err)
			return outcomeSucceeded, nil
		}
	}
	if err := p.blobs.Delete(ctx, payload.BlobKey); err != nil {
		p.logf("syncer: release blob %s: %v", payload.BlobKey, err)
	}
	return outcomeSucceeded, nil
}

func (p *Processor) processDraft(ctx context.Context, task queue.Task, payload queue.UpdateDraftPayload) (outcome, error) {
	if p.drafts != nil && p.drafts.Superseded(ctx, payload) {
		return p.discard(ctx, task, "")
	}
	if _, err := p.queue.MarkInFlight(ctx, task.ID); err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	err := p.api.UpsertDraft(callCtx, remote.Draft{ID: payload.DraftID, Fields: payload.Fields, UpdatedAt: payload.LocalUpdatedAt})
	cancel()
	if err != nil {
		return p.fail(ctx, task, err)
	}
	if err := p.queue.Remove(ctx, task.ID); err != nil {
		return 0, err
	}
	if p.drafts != nil {
		if err := p.drafts.MarkSynced(ctx, payload.DraftID, payload.LocalUpdatedAt); err != nil {
			p.logf("syncer: mark draft %s synced: %v", payload.DraftID, err)
		}
	}
	return outcomeSucceeded, nil
}

// processCreate runs validation first when the submission was queued offline,
// then upserts the application.
func (p *Processor) processCreate(ctx context.Context, task queue.Task, payload queue.CreateApplicationPayload) (outcome, error) {
	if _, err := p.queue.MarkInFlight(ctx, task.ID); err != nil {
		return 0, err
	}
	if payload.ExternalReferenceID == "" {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		verdict, err := p.validator.Validate(callCtx, remote.ValidationRequest{
			ApplicationID: payload.ApplicationID,
			CorrelationID: payload.CorrelationID,
			Fields:        payload.Fields,
		})
		cancel()
		if err != nil {
			return p.fail(ctx, task, err)
		}
		if !verdict.Accepted() {
			rejection := verdict.Rejection()
			if _, err := p.queue.MarkRejected(ctx, task.ID, "rejected", rejection); err != nil {
				return 0, err
			}
			if p.applications != nil {
				if err := p.applications.Discard(ctx, payload.ApplicationID); err != nil {
					return 0, err
				}
			}
			p.logf("syncer: application %s rejected by validation: %v", payload.ApplicationID, rejection)
			return outcomeRejected, nil
		}
		payload.ExternalReferenceID = verdict.ExternalReferenceID
		if _, err := p.queue.UpdatePayload(ctx, task.ID, payload); err != nil {
			return 0, err
		}
		if p.applications != nil {
			if err := p.applications.Accept(ctx, payload.ApplicationID, payload.ExternalReferenceID); err != nil {
				return 0, err
			}
		}
		if p.drafts != nil && payload.DraftID != "" {
			var validatedAt time.Time
			if payload.DraftUpdatedAt != nil {
				validatedAt = *payload.DraftUpdatedAt
			}
			cleared, err := p.drafts.DeleteIfUnchanged(ctx, payload.DraftID, validatedAt)
			switch {
			case err != nil:
				p.logf("syncer: clear draft %s: %v", payload.DraftID, err)
			case !cleared:
				p.logf("syncer: draft %s edited after validation; kept", payload.DraftID)
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	err := p.api.UpsertApplication(callCtx, remote.Application{
		ID:                  payload.ApplicationID,
		DraftID:             payload.DraftID,
		Fields:              payload.Fields,
		ExternalReferenceID: payload.ExternalReferenceID,
		CorrelationID:       payload.CorrelationID,
	})
	cancel()
	if err != nil {
		return p.fail(ctx, task, err)
	}
	if err := p.queue.Remove(ctx, task.ID); err != nil {
		return 0, err
	}
	return outcomeSucceeded, nil
}

func (p *Processor) fail(ctx context.Context, task queue.Task, cause error) (outcome, error) {
	code := remote.FailureCode(cause)
	if errors.Is(cause, remote.ErrRejected) {
		_, err := p.queue.MarkRejected(ctx, task.ID, code, cause)
		return outcomeRejected, err
	}
	updated, err := p.queue.MarkFailed(ctx, task.ID, code, cause)
	if err != nil {
		return 0, err
	}
	p.logf("syncer: %s attempt %d failed (%s): %v", task.ID, updated.Retries, code, cause)
	if remote.IsTransport(cause) {
		return outcomeUnreachable, nil
	}
	if updated.Status == queue.StatusFailed {
		return outcomeFailed, nil
	}
	return outcomeRetrying, nil
}

// discard drops a task whose content is no longer wanted and releases its
// blob.
func (p *Processor) discard(ctx context.Context, task queue.Task, blobKey string) (outcome, error) {
	if err := p.queue.Remove(ctx, task.ID); err != nil {
		return 0, err
	}
	if blobKey != "" {
		if err := p.blobs.Delete(ctx, blobKey); err != nil {
			p.logf("syncer: release stale blob %s: %v", blobKey, err)
		}
	}
	p.logf("syncer: discarded stale %s", task.ID)
	return outcomeDiscarded, nil
}

// CollectGarbage deletes cached blobs that no queued task and no document
// slot refers to. Blobs younger than the grace period are kept so an upload
// in progress is never collected.
func (p *Processor) CollectGarbage(ctx context.Context) (int, error) {
	keep := map[string]struct{}{}
	if p.documents != nil {
		refs, err := p.documents.ReferencedBlobs(ctx)
		if err != nil {
			return 0, err
		}
		keep = refs
	}
	for _, task := range p.queue.PeekAll() {
		if payload, ok := task.Payload.(queue.UploadDocumentPayload); ok {
			keep[payload.BlobKey] = struct{}{}
		}
	}
	now := p.now()
	removed, err := p.blobs.Prune(ctx, func(key string) bool {
		if _, ok := keep[key]; ok {
			return true
		}
		info, err := p.blobs.Stat(ctx, key)
		if err != nil {
			return false
		}
		return now.Sub(info.CreatedAt) < p.blobGrace
	})
	if removed > 0 {
		p.logf("syncer: collected %d unreferenced blobs", removed)
	}
	return removed, err
}

func (p *Processor) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
