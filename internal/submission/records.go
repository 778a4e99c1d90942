package submission

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/storage"
)

const recordPrefix = "applications/"

type ApplicationStatus string

const (
	StatusPendingValidation ApplicationStatus = "pendingValidation"
	StatusAccepted          ApplicationStatus = "accepted"
)

// ApplicationRecord is the local authoritative copy of a submitted
// application.
type ApplicationRecord struct {
	ID                  string            `json:"id"`
	DraftID             string            `json:"draftId"`
	Fields              json.RawMessage   `json:"fields"`
	ExternalReferenceID string            `json:"externalReferenceId,omitempty"`
	CorrelationID       string            `json:"correlationId,omitempty"`
	IsOffline           bool              `json:"isOffline"`
	Status              ApplicationStatus `json:"status"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

type Records struct {
	store storage.Store
	now   func() time.Time

	mu sync.Mutex
}

func NewRecords(store storage.Store, now func() time.Time) *Records {
	if now == nil {
		now = time.Now
	}
	return &Records{store: store, now: now}
}

func (r *Records) Get(ctx context.Context, id string) (ApplicationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(ctx, id)
}

func (r *Records) List(ctx context.Context) ([]ApplicationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, err := storage.KeysWithPrefix(ctx, r.store, storage.NamespaceRecords, recordPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ApplicationRecord, 0, len(keys))
	for _, key := range keys {
		record, err := r.getLocked(ctx, strings.TrimPrefix(key, recordPrefix))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (r *Records) put(ctx context.Context, record ApplicationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	return storage.SetJSON(ctx, r.store, storage.NamespaceRecords, recordPrefix+record.ID, record)
}

// Accept marks a pending record accepted with its validation reference.
// A missing record is not an error.
func (r *Records) Accept(ctx context.Context, applicationID, externalReferenceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, err := r.getLocked(ctx, applicationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	record.Status = StatusAccepted
	record.ExternalReferenceID = externalReferenceID
	record.UpdatedAt = r.now().UTC()
	return storage.SetJSON(ctx, r.store, storage.NamespaceRecords, recordPrefix+record.ID, record)
}

// Discard drops a record whose deferred validation was rejected.
func (r *Records) Discard(ctx context.Context, applicationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Remove(ctx, storage.NamespaceRecords, recordPrefix+applicationID)
}

func (r *Records) getLocked(ctx context.Context, id string) (ApplicationRecord, error) {
	if strings.TrimSpace(id) == "" {
		return ApplicationRecord{}, storage.ErrInvalidInput
	}
	var record ApplicationRecord
	if err := storage.GetJSON(ctx, r.store, storage.NamespaceRecords, recordPrefix+id, &record); err != nil {
		return ApplicationRecord{}, err
	}
	return record, nil
}
