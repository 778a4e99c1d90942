// Package queue implements the durable FIFO of pending remote mutations.
//
// The whole list is persisted under a single key after every mutation; a
// failed save rolls the in-memory list back so memory never runs ahead of
// disk.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldqueue/internal/storage"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrInvalidPayload = errors.New("invalid task payload")
	ErrInvalidState   = errors.New("invalid task state")
)

const (
	DefaultMaxRetries    = 5
	defaultMaxRetryDelay = 5 * time.Minute
	defaultTasksKey      = "queue/tasks"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// MaxRetries is the retry ceiling. A task whose retry count exceeds it is
	// marked failed and retained.
	MaxRetries int
	// RetryDelay, when positive, defers a failed task by RetryDelay doubled per
	// retry. Zero makes a failed task eligible on the next drain.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Key           string
	Now           func() time.Time
	NewID         func() string
	Logger        Logger
}

type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Failed   int `json:"failed"`
}

type Queue struct {
	store         storage.Store
	key           string
	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	now           func() time.Time
	newID         func() string
	logger        Logger

	mu    sync.Mutex
	items []Task
}

type queueState struct {
	Items []Task `json:"items"`
}

// Open loads the persisted queue. Tasks left in flight by a previous process
// go back to pending.
func Open(ctx context.Context, store storage.Store, opts Options) (*Queue, error) {
	if store == nil {
		return nil, storage.ErrInvalidInput
	}
	q := &Queue{
		store:         store,
		key:           strings.TrimSpace(opts.Key),
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		maxRetryDelay: opts.MaxRetryDelay,
		now:           opts.Now,
		newID:         opts.NewID,
		logger:        opts.Logger,
		items:         []Task{},
	}
	if q.key == "" {
		q.key = defaultTasksKey
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.maxRetryDelay <= 0 {
		q.maxRetryDelay = defaultMaxRetryDelay
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newID == nil {
		q.newID = uuid.NewString
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// Enqueue appends a new pending task for payload and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (Task, error) {
	if payload == nil {
		return Task{}, ErrInvalidPayload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validatePayload(payload.TaskType(), raw); err != nil {
		return Task{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	if n := len(q.items); n > 0 && now.Before(q.items[n-1].EnqueuedAt) {
		now = q.items[n-1].EnqueuedAt
	}
	task := Task{
		ID:         newTaskID(payload.TaskType(), now, q.newID()),
		Type:       payload.TaskType(),
		Payload:    payload,
		EnqueuedAt: now,
		Status:     StatusPending,
		UpdatedAt:  now,
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Task{}, err
	}
	q.logf("queue: enqueued %s (%s)", task.ID, task.ResourceKey())
	return cloneTask(task), nil
}

// PeekAll returns every task in FIFO order.
func (q *Queue) PeekAll() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.items))
	for _, task := range q.items {
		out = append(out, cloneTask(task))
	}
	return out
}

func (q *Queue) Get(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(q.items[idx]), nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Total: len(q.items)}
	for _, task := range q.items {
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusInFlight:
			stats.InFlight++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Remove deletes a task once the remote has confirmed it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return ErrTaskNotFound
	}
	previous := q.items
	q.items = append(append(make([]Task, 0, len(previous)-1), previous[:idx]...), previous[idx+1:]...)
	if err := q.saveLocked(ctx); err != nil {
		q.items = previous
		return err
	}
	q.logf("queue: removed %s", id)
	return nil
}

func (q *Queue) MarkInFlight(ctx context.Context, id string) (Task, error) {
	return q.mutate(ctx, id, func(task *Task, now time.Time) error {
		if task.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, task.ID, task.Status)
		}
		task.Status = StatusInFlight
		return nil
	})
}

// MarkFailed records a failed attempt. Past the retry ceiling the task is
// marked failed; otherwise it returns to pending.
func (q *Queue) MarkFailed(ctx context.Context, id, code string, cause error) (Task, error) {
	return q.mutate(ctx, id, func(task *Task, now time.Time) error {
		task.Retries++
		task.FailureCode = code
		task.LastError = errorText(cause)
		task.NextAttemptAt = nil
		if task.Retries > q.maxRetries {
			task.Status = StatusFailed
			q.logf("queue: %s failed permanently after %d attempts: %s", task.ID, task.Retries, task.LastError)
			return nil
		}
		task.Status = StatusPending
		if delay := q.backoff(task.Retries); delay > 0 {
			next := now.Add(delay)
			task.NextAttemptAt = &next
		}
		return nil
	})
}

// MarkRejected fails a task without retry.
func (q *Queue) MarkRejected(ctx context.Context, id, code string, cause error) (Task, error) {
	return q.mutate(ctx, id, func(task *Task, now time.Time) error {
		task.Retries++
		task.Status = StatusFailed
		task.FailureCode = code
		task.LastError = errorText(cause)
		task.NextAttemptAt = nil
		q.logf("queue: %s rejected: %s", task.ID, task.LastError)
		return nil
	})
}

// UpdatePayload replaces the payload of a task with one of the same type and
// resource.
func (q *Queue) UpdatePayload(ctx context.Context, id string, payload Payload) (Task, error) {
	if payload == nil {
		return Task{}, ErrInvalidPayload
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validatePayload(payload.TaskType(), raw); err != nil {
		return Task{}, err
	}
	return q.mutate(ctx, id, func(task *Task, now time.Time) error {
		if task.Type != payload.TaskType() || task.ResourceKey() != payload.ResourceKey() {
			return fmt.Errorf("%w: payload does not match task %s", ErrInvalidPayload, task.ID)
		}
		task.Payload = payload
		return nil
	})
}

// Requeue resets a failed task so the next drain attempts it again.
func (q *Queue) Requeue(ctx context.Context, id string) (Task, error) {
	return q.mutate(ctx, id, func(task *Task, now time.Time) error {
		if task.Status != StatusFailed {
			return fmt.Errorf("%w: %s is %s", ErrInvalidState, task.ID, task.Status)
		}
		task.Status = StatusPending
		task.Retries = 0
		task.NextAttemptAt = nil
		return nil
	})
}

func (q *Queue) mutate(ctx context.Context, id string, fn func(task *Task, now time.Time) error) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return Task{}, ErrTaskNotFound
	}
	previous := cloneTask(q.items[idx])
	updated := cloneTask(q.items[idx])
	now := q.now().UTC()
	if err := fn(&updated, now); err != nil {
		return Task{}, err
	}
	updated.UpdatedAt = now
	q.items[idx] = updated
	if err := q.saveLocked(ctx); err != nil {
		q.items[idx] = previous
		return Task{}, err
	}
	return cloneTask(updated), nil
}

func (q *Queue) backoff(retries int) time.Duration {
	if q.retryDelay <= 0 || retries <= 0 {
		return 0
	}
	delay := q.retryDelay
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	return delay
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var state queueState
	err := storage.GetJSON(ctx, q.store, storage.NamespaceRecords, q.key, &state)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	recovered := 0
	for i := range state.Items {
		if state.Items[i].Status == StatusInFlight {
			state.Items[i].Status = StatusPending
			recovered++
		}
	}
	q.items = append([]Task(nil), state.Items...)
	if recovered > 0 {
		q.logf("queue: recovered %d in-flight tasks", recovered)
		return q.saveLocked(ctx)
	}
	return nil
}

func (q *Queue) saveLocked(ctx context.Context) error {
	state := queueState{Items: append([]Task(nil), q.items...)}
	if err := storage.SetJSON(ctx, q.store, storage.NamespaceRecords, q.key, state); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger == nil {
		return
	}
	q.logger.Printf(format, args...)
}

func cloneTask(task Task) Task {
	if task.NextAttemptAt != nil {
		next := *task.NextAttemptAt
		task.NextAttemptAt = &next
	}
	return task
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
