package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TaskType string

const (
	TaskCreateApplication TaskType = "createApplication"
	TaskUpdateDraft       TaskType = "updateDraft"
	TaskUploadDocument    TaskType = "uploadDocument"
)

type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusInFlight TaskStatus = "inFlight"
	StatusFailed   TaskStatus = "failed"
)

// Payload is the typed body of a task. The concrete type determines Task.Type.
type Payload interface {
	TaskType() TaskType
	// ResourceKey names the logical remote resource the task mutates. Tasks
	// with the same key are applied in enqueue order.
	ResourceKey() string
}

type CreateApplicationPayload struct {
	ApplicationID string          `json:"applicationId"`
	DraftID       string          `json:"draftId"`
	Fields        json.RawMessage `json:"fields"`
	CorrelationID string          `json:"correlationId,omitempty"`
	// ExternalReferenceID is set once the validation service accepted the
	// application. Empty means validation is still owed.
	ExternalReferenceID string `json:"externalReferenceId,omitempty"`
	// DraftUpdatedAt is the local edit time of the fields carried here.
	DraftUpdatedAt *time.Time `json:"draftUpdatedAt,omitempty"`
}

func (CreateApplicationPayload) TaskType() TaskType { return TaskCreateApplication }

func (p CreateApplicationPayload) ResourceKey() string { return "application:" + p.ApplicationID }

type UpdateDraftPayload struct {
	DraftID        string          `json:"draftId"`
	Fields         json.RawMessage `json:"fields"`
	LocalUpdatedAt time.Time       `json:"localUpdatedAt"`
}

func (UpdateDraftPayload) TaskType() TaskType { return TaskUpdateDraft }

func (p UpdateDraftPayload) ResourceKey() string { return "application:" + p.DraftID }

type UploadDocumentPayload struct {
	ApplicationID string `json:"applicationId"`
	DocumentID    string `json:"documentId"`
	BlobKey       string `json:"blobKey"`
	FileName      string `json:"fileName,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
}

func (UploadDocumentPayload) TaskType() TaskType { return TaskUploadDocument }

func (p UploadDocumentPayload) ResourceKey() string {
	return "document:" + p.ApplicationID + "/" + p.DocumentID
}

type Task struct {
	ID            string
	Type          TaskType
	Payload       Payload
	EnqueuedAt    time.Time
	Retries       int
	Status        TaskStatus
	LastError     string
	FailureCode   string
	NextAttemptAt *time.Time
	UpdatedAt     time.Time
}

// ResourceKey is the serialization key of the task's payload.
func (t Task) ResourceKey() string {
	if t.Payload == nil {
		return "task:" + t.ID
	}
	return t.Payload.ResourceKey()
}

// Due reports whether a pending task may be attempted at now.
func (t Task) Due(now time.Time) bool {
	return t.NextAttemptAt == nil || !now.Before(*t.NextAttemptAt)
}

type taskWire struct {
	ID            string          `json:"id"`
	Type          TaskType        `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Retries       int             `json:"retries"`
	Status        TaskStatus      `json:"status"`
	LastError     string          `json:"lastError,omitempty"`
	FailureCode   string          `json:"failureCode,omitempty"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (t Task) MarshalJSON() ([]byte, error) {
	if t.Payload == nil {
		return nil, fmt.Errorf("%w: task %s has no payload", ErrInvalidPayload, t.ID)
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskWire{
		ID:            t.ID,
		Type:          t.Payload.TaskType(),
		Payload:       payload,
		EnqueuedAt:    t.EnqueuedAt,
		Retries:       t.Retries,
		Status:        t.Status,
		LastError:     t.LastError,
		FailureCode:   t.FailureCode,
		NextAttemptAt: t.NextAttemptAt,
		UpdatedAt:     t.UpdatedAt,
	})
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var wire taskWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return fmt.Errorf("task %s: %w", wire.ID, err)
	}
	*t = Task{
		ID:            wire.ID,
		Type:          wire.Type,
		Payload:       payload,
		EnqueuedAt:    wire.EnqueuedAt,
		Retries:       wire.Retries,
		Status:        wire.Status,
		LastError:     wire.LastError,
		FailureCode:   wire.FailureCode,
		NextAttemptAt: wire.NextAttemptAt,
		UpdatedAt:     wire.UpdatedAt,
	}
	return nil
}

// DecodePayload validates raw against the schema for taskType and decodes it
// into the matching payload struct.
func DecodePayload(taskType TaskType, raw json.RawMessage) (Payload, error) {
	if err := validatePayload(taskType, raw); err != nil {
		return nil, err
	}
	switch taskType {
	case TaskCreateApplication:
		var p CreateApplicationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TaskUpdateDraft:
		var p UpdateDraftPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	case TaskUploadDocument:
		var p UploadDocumentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, taskType)
	}
}

func newTaskID(taskType TaskType, now time.Time, suffix string) string {
	suffix = strings.ReplaceAll(suffix, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%d_%s", taskType, now.UnixMilli(), suffix)
}
