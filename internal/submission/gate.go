// Package submission guards the submit action: one submission at a time,
// validated by the remote before anything authoritative is written locally.
package submission

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldqueue/internal/drafts"
	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
)

const defaultValidationTimeout = 15 * time.Second

var ErrEmptyDraft = errors.New("draft has no fields to submit")

type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	// OutcomeQueued means validation is deferred to the next drain.
	OutcomeQueued     Outcome = "queued"
	OutcomeRejected   Outcome = "rejected"
	OutcomeInProgress Outcome = "inProgress"
)

type Result struct {
	Outcome             Outcome `json:"outcome"`
	ApplicationID       string  `json:"applicationId,omitempty"`
	ExternalReferenceID string  `json:"externalReferenceId,omitempty"`
	CorrelationID       string  `json:"correlationId,omitempty"`
	TaskID              string  `json:"taskId,omitempty"`
	Code                string  `json:"code,omitempty"`
	Message             string  `json:"message,omitempty"`
}

type DraftSource interface {
	Get(ctx context.Context, id string) (drafts.Record, error)
	DeleteIfUnchanged(ctx context.Context, id string, at time.Time) (bool, error)
}

// TaskQueue is the part of the offline queue the gate writes to.
type TaskQueue interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.Task, error)
	PeekAll() []queue.Task
	UpdatePayload(ctx context.Context, id string, payload queue.Payload) (queue.Task, error)
	Requeue(ctx context.Context, id string) (queue.Task, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Drafts    DraftSource
	Queue     TaskQueue
	Records   *Records
	Validator remote.Validator
	Online    func() bool
	Timeout   time.Duration
	NewID     func() string
	Logger    Logger
}

type Gate struct {
	drafts    DraftSource
	queue     TaskQueue
	records   *Records
	validator remote.Validator
	online    func() bool
	timeout   time.Duration
	newID     func() string
	logger    Logger

	mu       sync.Mutex
	inFlight atomic.Value
}

func NewGate(opts Options) (*Gate, error) {
	if opts.Drafts == nil || opts.Queue == nil || opts.Records == nil || opts.Validator == nil {
		return nil, errors.New("submission: drafts, queue, records and validator are required")
	}
	g := &Gate{
		drafts:    opts.Drafts,
		queue:     opts.Queue,
		records:   opts.Records,
		validator: opts.Validator,
		online:    opts.Online,
		timeout:   opts.Timeout,
		newID:     opts.NewID,
		logger:    opts.Logger,
	}
	if g.online == nil {
		g.online = func() bool { return true }
	}
	if g.timeout <= 0 {
		g.timeout = defaultValidationTimeout
	}
	if g.newID == nil {
		g.newID = uuid.NewString
	}
	g.inFlight.Store("")
	return g, nil
}

// InFlight returns the correlation id of the running submission, or "".
func (g *Gate) InFlight() string {
	return g.inFlight.Load().(string)
}

// Submit validates and commits draftID. Expected branches come back as a
// Result; the error is reserved for local persistence failures and invalid
// input.
func (g *Gate) Submit(ctx context.Context, draftID string) (Result, error) {
	if !g.mu.TryLock() {
		return Result{Outcome: OutcomeInProgress, CorrelationID: g.InFlight()}, nil
	}
	defer g.mu.Unlock()
	correlationID := g.newID()
	g.inFlight.Store(correlationID)
	defer g.inFlight.Store("")

	draft, err := g.drafts.Get(ctx, draftID)
	if err != nil {
		return Result{}, fmt.Errorf("load draft %s: %w", draftID, err)
	}
	if len(bytes.TrimSpace(draft.Fields)) == 0 || bytes.Equal(bytes.TrimSpace(draft.Fields), []byte("{}")) {
		return Result{}, ErrEmptyDraft
	}

	existing, err := g.records.Get(ctx, draft.ID)
	switch {
	case err == nil && existing.Status == StatusAccepted:
		return Result{Outcome: OutcomeAccepted, ApplicationID: existing.ID, ExternalReferenceID: existing.ExternalReferenceID, CorrelationID: existing.CorrelationID}, nil
	case err == nil:
		return g.refreshQueued(ctx, existing, draft)
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, err
	}

	editedAt := draft.LastLocalUpdate
	payload := queue.CreateApplicationPayload{
		ApplicationID:  draft.ID,
		DraftID:        draft.ID,
		Fields:         draft.Fields,
		CorrelationID:  correlationID,
		DraftUpdatedAt: &editedAt,
	}
	if !g.online() {
		return g.queueForValidation(ctx, payload, "offline")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	verdict, err := g.validator.Validate(callCtx, remote.ValidationRequest{
		ApplicationID: payload.ApplicationID,
		CorrelationID: correlationID,
		Fields:        payload.Fields,
	})
	cancel()
	if err != nil {
		return g.queueForValidation(ctx, payload, err.Error())
	}
	if !verdict.Accepted() {
		rejection := verdict.Rejection()
		g.logf("submission: %s rejected: %v", draft.ID, rejection)
		return Result{
			Outcome:             OutcomeRejected,
			ApplicationID:       draft.ID,
			ExternalReferenceID: verdict.ExternalReferenceID,
			CorrelationID:       correlationID,
			Code:                rejection.Code,
			Message:             rejection.Message,
		}, nil
	}

	payload.ExternalReferenceID = verdict.ExternalReferenceID
	record := ApplicationRecord{
		ID:                  draft.ID,
		DraftID:             draft.ID,
		Fields:              draft.Fields,
		ExternalReferenceID: verdict.ExternalReferenceID,
		CorrelationID:       correlationID,
		Status:              StatusAccepted,
	}
	task, err := g.commit(ctx, record, payload)
	if err != nil {
		return Result{}, err
	}
	if _, err := g.drafts.DeleteIfUnchanged(ctx, draft.ID, draft.LastLocalUpdate); err != nil {
		g.logf("submission: clear draft %s: %v", draft.ID, err)
	}
	return Result{
		Outcome:             OutcomeAccepted,
		ApplicationID:       draft.ID,
		ExternalReferenceID: verdict.ExternalReferenceID,
		CorrelationID:       correlationID,
		TaskID:              task.ID,
	}, nil
}

// queueForValidation defers validation to the drain and keeps an
// optimistic record. The draft stays until validation runs.
func (g *Gate) queueForValidation(ctx context.Context, payload queue.CreateApplicationPayload, reason string) (Result, error) {
	record := ApplicationRecord{
		ID:            payload.ApplicationID,
		DraftID:       payload.DraftID,
		Fields:        payload.Fields,
		CorrelationID: payload.CorrelationID,
		IsOffline:     true,
		Status:        StatusPendingValidation,
	}
	task, err := g.commit(ctx, record, payload)
	if err != nil {
		return Result{}, err
	}
	g.logf("submission: %s queued (%s)", payload.ApplicationID, reason)
	return Result{
		Outcome:       OutcomeQueued,
		ApplicationID: payload.ApplicationID,
		CorrelationID: payload.CorrelationID,
		TaskID:        task.ID,
	}, nil
}

// refreshQueued handles a resubmit while validation is still owed. The
// pending create task takes the current draft fields, and a task that ran out
// of retries is requeued.
func (g *Gate) refreshQueued(ctx context.Context, existing ApplicationRecord, draft drafts.Record) (Result, error) {
	task, ok := g.pendingCreate(existing.ID)
	if !ok {
		editedAt := draft.LastLocalUpdate
		return g.queueForValidation(ctx, queue.CreateApplicationPayload{
			ApplicationID:  existing.ID,
			DraftID:        draft.ID,
			Fields:         draft.Fields,
			CorrelationID:  existing.CorrelationID,
			DraftUpdatedAt: &editedAt,
		}, "resubmitted without a queued task")
	}
	if task.Status == queue.StatusInFlight {
		return Result{Outcome: OutcomeInProgress, ApplicationID: existing.ID, CorrelationID: existing.CorrelationID, TaskID: task.ID}, nil
	}
	payload, ok := task.Payload.(queue.CreateApplicationPayload)
	if !ok {
		return Result{}, fmt.Errorf("%w: task %s", queue.ErrInvalidPayload, task.ID)
	}
	if payload.ExternalReferenceID == "" {
		editedAt := draft.LastLocalUpdate
		payload.Fields = draft.Fields
		payload.DraftUpdatedAt = &editedAt
		if _, err := g.queue.UpdatePayload(ctx, task.ID, payload); err != nil {
			return Result{}, fmt.Errorf("refresh queued application: %w", err)
		}
		existing.Fields = draft.Fields
		if err := g.records.put(ctx, existing); err != nil {
			return Result{}, fmt.Errorf("persist application: %w", err)
		}
	}
	if task.Status == queue.StatusFailed {
		if _, err := g.queue.Requeue(ctx, task.ID); err != nil {
			return Result{}, fmt.Errorf("requeue application: %w", err)
		}
		g.logf("submission: %s requeued after %d failed attempts (%s)", existing.ID, task.Retries, task.FailureCode)
	}
	return Result{Outcome: OutcomeQueued, ApplicationID: existing.ID, CorrelationID: existing.CorrelationID, TaskID: task.ID}, nil
}

// pendingCreate returns the newest createApplication task for applicationID.
func (g *Gate) pendingCreate(applicationID string) (queue.Task, bool) {
	resource := queue.CreateApplicationPayload{ApplicationID: applicationID}.ResourceKey()
	var found queue.Task
	ok := false
	for _, task := range g.queue.PeekAll() {
		if task.Type == queue.TaskCreateApplication && task.ResourceKey() == resource {
			found, ok = task, true
		}
	}
	return found, ok
}

func (g *Gate) commit(ctx context.Context, record ApplicationRecord, payload queue.CreateApplicationPayload) (queue.Task, error) {
	if err := g.records.put(ctx, record); err != nil {
		return queue.Task{}, fmt.Errorf("persist application: %w", err)
	}
	task, err := g.queue.Enqueue(ctx, payload)
	if err != nil {
		_ = g.records.Discard(ctx, record.ID)
		return queue.Task{}, fmt.Errorf("queue application: %w", err)
	}
	return task, nil
}

func (g *Gate) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
