// Package drafts keeps the in-progress application fields on the device and
// reconciles them with the remote draft row by last-write-wins.
package drafts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
)

const keyPrefix = "drafts/"

var ErrInvalidFields = errors.New("draft fields must be a JSON object")

type Resolution string

const (
	ResolutionKeptLocal  Resolution = "keptLocal"
	ResolutionTookRemote Resolution = "tookRemote"
	ResolutionInSync     Resolution = "inSync"
	ResolutionLocalOnly  Resolution = "localOnly"
	ResolutionRemoteOnly Resolution = "remoteOnly"
	// ResolutionOffline means the remote could not be reached and the local
	// copy was returned unchanged.
	ResolutionOffline Resolution = "offline"
)

type Record struct {
	ID              string          `json:"id"`
	Fields          json.RawMessage `json:"fields"`
	LastLocalUpdate time.Time       `json:"lastLocalUpdate"`
	LastSyncedAt    *time.Time      `json:"lastSyncedAt,omitempty"`
}

// Enqueuer is the part of the offline queue drafts depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.Task, error)
	PeekAll() []queue.Task
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Now    func() time.Time
	Logger Logger
}

type Store struct {
	store  storage.Store
	queue  Enqueuer
	remote remote.ApplicationAPI
	now    func() time.Time
	logger Logger

	mu sync.Mutex
}

// New builds a draft store. remote may be nil, in which case Load never
// reconciles.
func New(store storage.Store, q Enqueuer, api remote.ApplicationAPI, opts Options) (*Store, error) {
	if store == nil || q == nil {
		return nil, storage.ErrInvalidInput
	}
	s := &Store{store: store, queue: q, remote: api, now: opts.Now, logger: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Save replaces the local fields of draft id and enqueues an updateDraft task.
func (s *Store) Save(ctx context.Context, id string, fields json.RawMessage) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, storage.ErrInvalidInput
	}
	if !isObject(fields) {
		return Record{}, ErrInvalidFields
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.getLocked(ctx, id)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Record{}, err
	}
	now := s.now().UTC()
	if hadPrevious && !now.After(previous.LastLocalUpdate) {
		now = previous.LastLocalUpdate.Add(time.Millisecond)
	}
	record := Record{ID: id, Fields: compact(fields), LastLocalUpdate: now}
	if hadPrevious {
		record.LastSyncedAt = previous.LastSyncedAt
	}
	if err := s.putLocked(ctx, record); err != nil {
		return Record{}, err
	}
	if _, err := s.queue.Enqueue(ctx, updatePayload(record)); err != nil {
		if hadPrevious {
			_ = s.putLocked(ctx, previous)
		} else {
			_ = s.store.Remove(ctx, storage.NamespaceRecords, keyPrefix+id)
		}
		return Record{}, fmt.Errorf("enqueue draft update: %w", err)
	}
	return record, nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Remove(ctx, storage.NamespaceRecords, keyPrefix+id)
}

// DeleteIfUnchanged removes draft id unless it was edited after at. A zero
// at removes unconditionally. It reports whether the draft is gone.
func (s *Store) DeleteIfUnchanged(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.getLocked(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !at.IsZero() && record.LastLocalUpdate.After(at) {
		return false, nil
	}
	return true, s.store.Remove(ctx, storage.NamespaceRecords, keyPrefix+id)
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := storage.KeysWithPrefix(ctx, s.store, storage.NamespaceRecords, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		var record Record
		if err := storage.GetJSON(ctx, s.store, storage.NamespaceRecords, key, &record); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// MarkSynced records that the remote holds the local version as of at.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.getLocked(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	at = at.UTC()
	if at.After(record.LastLocalUpdate) {
		at = record.LastLocalUpdate
	}
	if record.LastSyncedAt != nil && !at.After(*record.LastSyncedAt) {
		return nil
	}
	record.LastSyncedAt = &at
	return s.putLocked(ctx, record)
}

// Superseded reports whether a queued update carries fields older than what
// the remote is known to hold.
func (s *Store) Superseded(ctx context.Context, payload queue.UpdateDraftPayload) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.getLocked(ctx, payload.DraftID)
	if err != nil || record.LastSyncedAt == nil {
		return false
	}
	return payload.LocalUpdatedAt.Before(*record.LastSyncedAt)
}

// Load returns draft id after reconciling it with the remote row. The newer
// timestamp wins; ties keep the local copy. A newer local copy is queued for
// upload unless an update is already pending.
func (s *Store) Load(ctx context.Context, id string) (Record, Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.getLocked(ctx, id)
	hasLocal := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Record{}, "", err
	}
	if s.remote == nil {
		if !hasLocal {
			return Record{}, "", storage.ErrNotFound
		}
		return local, ResolutionOffline, nil
	}

	remoteDraft, err := s.remote.FetchDraft(ctx, id)
	switch {
	case remote.IsNotFound(err):
		if !hasLocal {
			return Record{}, "", storage.ErrNotFound
		}
		if err := s.ensurePendingLocked(ctx, local); err != nil {
			return Record{}, "", err
		}
		return local, ResolutionLocalOnly, nil
	case err != nil:
		if !hasLocal {
			return Record{}, "", err
		}
		s.logf("drafts: reconcile %s skipped: %v", id, err)
		return local, ResolutionOffline, nil
	}

	remoteAt := remoteDraft.UpdatedAt.UTC()
	if !hasLocal || remoteAt.After(local.LastLocalUpdate) {
		fields := remoteDraft.Fields
		if !isObject(fields) {
			fields = json.RawMessage(`{}`)
		}
		record := Record{ID: id, Fields: compact(fields), LastLocalUpdate: remoteAt, LastSyncedAt: &remoteAt}
		if err := s.putLocked(ctx, record); err != nil {
			return Record{}, "", err
		}
		if !hasLocal {
			return record, ResolutionRemoteOnly, nil
		}
		s.logf("drafts: %s took remote version from %s", id, remoteAt.Format(time.RFC3339))
		return record, ResolutionTookRemote, nil
	}
	if remoteAt.Equal(local.LastLocalUpdate) {
		return local, ResolutionInSync, nil
	}
	if err := s.ensurePendingLocked(ctx, local); err != nil {
		return Record{}, "", err
	}
	return local, ResolutionKeptLocal, nil
}

// ReconcileAll loads every local draft and reports each resolution.
func (s *Store) ReconcileAll(ctx context.Context) (map[string]Resolution, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Resolution, len(records))
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		_, resolution, err := s.Load(ctx, record.ID)
		if err != nil {
			return out, fmt.Errorf("reconcile %s: %w", record.ID, err)
		}
		out[record.ID] = resolution
	}
	return out, nil
}

func (s *Store) ensurePendingLocked(ctx context.Context, record Record) error {
	for _, task := range s.queue.PeekAll() {
		payload, ok := task.Payload.(queue.UpdateDraftPayload)
		if ok && payload.DraftID == record.ID && task.Status != queue.StatusFailed {
			return nil
		}
	}
	if _, err := s.queue.Enqueue(ctx, updatePayload(record)); err != nil {
		return fmt.Errorf("enqueue draft overwrite: %w", err)
	}
	return nil
}

func (s *Store) getLocked(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, storage.ErrInvalidInput
	}
	var record Record
	if err := storage.GetJSON(ctx, s.store, storage.NamespaceRecords, keyPrefix+id, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *Store) putLocked(ctx context.Context, record Record) error {
	return storage.SetJSON(ctx, s.store, storage.NamespaceRecords, keyPrefix+record.ID, record)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func updatePayload(record Record) queue.UpdateDraftPayload {
	return queue.UpdateDraftPayload{
		DraftID:        record.ID,
		Fields:         record.Fields,
		LocalUpdatedAt: record.LastLocalUpdate,
	}
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
