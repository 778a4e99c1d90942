// Package documents manages the checklist of files attached to an
// application. Binaries go to the blob cache; the checklist itself is a JSON
// record per application.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
)

const (
	keyPrefix          = "documents/"
	defaultMaxFileSize = 20 << 20
)

var (
	ErrUnknownDocument   = errors.New("unknown document slot")
	ErrEmptyFile         = errors.New("file is empty")
	ErrFileTooLarge      = errors.New("file exceeds the size limit")
	ErrInvalidTransition = errors.New("invalid document state transition")
	ErrNoUploader        = errors.New("no document uploader configured")
)

type Status string

const (
	StatusEmpty   Status = "empty"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var transitions = map[Status][]Status{
	StatusEmpty:   {StatusLoading},
	StatusLoading: {StatusSuccess, StatusError},
	StatusSuccess: {StatusEmpty, StatusLoading},
	StatusError:   {StatusLoading, StatusEmpty},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Item struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Required     bool         `json:"required"`
	Type         DocumentType `json:"type"`
	Status       Status       `json:"status"`
	BlobKey      string       `json:"blobKey,omitempty"`
	ThumbnailURL string       `json:"thumbnailUrl,omitempty"`
	FileName     string       `json:"fileName,omitempty"`
	ContentType  string       `json:"contentType,omitempty"`
	Size         int64        `json:"size,omitempty"`
	RemoteURL    string       `json:"remoteUrl,omitempty"`
	Error        string       `json:"error,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt,omitempty"`
}

// Uploaded reports whether the slot's binary already reached the remote.
func (i Item) Uploaded() bool {
	return i.Status == StatusSuccess && i.BlobKey == "" && i.RemoteURL != ""
}

type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type UploadResult struct {
	DocumentID string `json:"documentId"`
	URL        string `json:"url,omitempty"`
	Err        error  `json:"-"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.Task, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Catalog     []CatalogEntry
	MaxFileSize int64
	Previews    *Previews
	Now         func() time.Time
	Logger      Logger
}

type Manager struct {
	store       storage.Store
	blobs       *storage.BlobCache
	queue       Enqueuer
	uploader    remote.DocumentUploader
	catalog     []CatalogEntry
	maxFileSize int64
	previews    *Previews
	now         func() time.Time
	logger      Logger

	mu sync.Mutex
}

type checklist struct {
	Items []Item `json:"items"`
}

// New builds a manager. uploader may be nil; only UploadDocumentsToRemote
// needs it.
func New(store storage.Store, blobs *storage.BlobCache, q Enqueuer, uploader remote.DocumentUploader, opts Options) (*Manager, error) {
	if store == nil || blobs == nil || q == nil {
		return nil, storage.ErrInvalidInput
	}
	m := &Manager{
		store:       store,
		blobs:       blobs,
		queue:       q,
		uploader:    uploader,
		catalog:     opts.Catalog,
		maxFileSize: opts.MaxFileSize,
		previews:    opts.Previews,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if len(m.catalog) == 0 {
		m.catalog = DefaultCatalog
	}
	if m.maxFileSize <= 0 {
		m.maxFileSize = defaultMaxFileSize
	}
	if m.previews == nil {
		m.previews = NewPreviews()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) Previews() *Previews {
	return m.previews
}

// Items returns the full checklist of an application in catalog order.
func (m *Manager) Items(ctx context.Context, applicationID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, applicationID)
}

func (m *Manager) Item(ctx context.Context, applicationID, documentID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.loadLocked(ctx, applicationID)
	if err != nil {
		return Item{}, err
	}
	idx := indexOf(items, documentID)
	if idx < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	return items[idx], nil
}

// UploadDocument caches file locally and queues it for upload. No network
// I/O happens here.
func (m *Manager) UploadDocument(ctx context.Context, applicationID, documentID string, file File) (Item, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return Item{}, storage.ErrInvalidInput
	}
	if len(file.Data) == 0 {
		return Item{}, ErrEmptyFile
	}
	if int64(len(file.Data)) > m.maxFileSize {
		return Item{}, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, len(file.Data), m.maxFileSize)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.loadLocked(ctx, applicationID)
	if err != nil {
		return Item{}, err
	}
	idx := indexOf(items, documentID)
	if idx < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	if !canTransition(items[idx].Status, StatusLoading) {
		return Item{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, documentID, items[idx].Status)
	}
	oldPreview := items[idx].ThumbnailURL

	m.setStatus(&items[idx], StatusLoading)
	items[idx].Error = ""
	if err := m.saveLocked(ctx, applicationID, items); err != nil {
		return Item{}, err
	}

	info, err := m.blobs.Put(ctx, file.Data, file.ContentType)
	if err != nil {
		return Item{}, m.failLocked(ctx, applicationID, items, idx, fmt.Errorf("cache document: %w", err))
	}
	payload := queue.UploadDocumentPayload{
		ApplicationID: applicationID,
		DocumentID:    documentID,
		BlobKey:       info.Key,
		FileName:      truncate(file.Name, 255),
		ContentType:   truncate(info.ContentType, 255),
	}
	if _, err := m.queue.Enqueue(ctx, payload); err != nil {
		_ = m.blobs.Delete(ctx, info.Key)
		return Item{}, m.failLocked(ctx, applicationID, items, idx, fmt.Errorf("queue upload: %w", err))
	}

	item := &items[idx]
	m.setStatus(item, StatusSuccess)
	item.BlobKey = info.Key
	item.ThumbnailURL = m.previews.Create(info.Key)
	item.FileName = file.Name
	item.ContentType = info.ContentType
	item.Size = info.Size
	item.RemoteURL = ""
	if err := m.saveLocked(ctx, applicationID, items); err != nil {
		m.previews.Release(item.ThumbnailURL)
		return Item{}, err
	}
	m.previews.Release(oldPreview)
	m.logf("documents: %s/%s cached as %s", applicationID, documentID, info.Key)
	return *item, nil
}

// RemoveDocument resets a slot to empty. A queued upload of the old binary is
// left in the queue; the sync processor discards it as stale.
func (m *Manager) RemoveDocument(ctx context.Context, applicationID, documentID string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.loadLocked(ctx, applicationID)
	if err != nil {
		return Item{}, err
	}
	idx := indexOf(items, documentID)
	if idx < 0 {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	item := &items[idx]
	if item.Status == StatusEmpty {
		return *item, nil
	}
	if !canTransition(item.Status, StatusEmpty) {
		return Item{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, documentID, item.Status)
	}
	preview := item.ThumbnailURL
	*item = m.emptyItem(documentID)
	item.UpdatedAt = m.now().UTC()
	if err := m.saveLocked(ctx, applicationID, items); err != nil {
		return Item{}, err
	}
	m.previews.Release(preview)
	return *item, nil
}

// UploadDocumentsToRemote pushes every locally cached document straight to
// the uploader, bypassing the queue, and reports each outcome.
func (m *Manager) UploadDocumentsToRemote(ctx context.Context, applicationID string) ([]UploadResult, error) {
	if m.uploader == nil {
		return nil, ErrNoUploader
	}
	items, err := m.Items(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	var results []UploadResult
	for _, item := range items {
		if item.Status != StatusSuccess || item.BlobKey == "" {
			continue
		}
		result := UploadResult{DocumentID: item.ID}
		data, info, err := m.blobs.Get(ctx, item.BlobKey)
		if err != nil {
			result.Err = fmt.Errorf("read cached document: %w", err)
			results = append(results, result)
			continue
		}
		ref, err := m.uploader.UploadDocument(ctx, applicationID, item.ID, data, info.ContentType)
		if err != nil {
			result.Err = err
			results = append(results, result)
			continue
		}
		result.URL = ref.URL
		if _, err := m.MarkUploaded(ctx, applicationID, item.ID, item.BlobKey, ref.URL); err != nil {
			result.Err = err
		}
		results = append(results, result)
	}
	return results, nil
}

// MissingRequired lists required slots that hold no document.
func (m *Manager) MissingRequired(ctx context.Context, applicationID string) ([]string, error) {
	items, err := m.Items(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, item := range items {
		if item.Required && item.Status != StatusSuccess {
			missing = append(missing, item.ID)
		}
	}
	return missing, nil
}

// IsCurrent reports whether blobKey is still the binary held by the slot.
func (m *Manager) IsCurrent(ctx context.Context, applicationID, documentID, blobKey string) (bool, error) {
	item, err := m.Item(ctx, applicationID, documentID)
	if errors.Is(err, ErrUnknownDocument) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return item.Status == StatusSuccess && item.BlobKey != "" && item.BlobKey == blobKey, nil
}

// MarkUploaded records the remote reference for the slot if blobKey is still
// current. The slot then no longer holds the local blob, and the caller may
// delete it. It reports whether the slot was updated.
func (m *Manager) MarkUploaded(ctx context.Context, applicationID, documentID, blobKey, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, err := m.loadLocked(ctx, applicationID)
	if err != nil {
		return false, err
	}
	idx := indexOf(items, documentID)
	if idx < 0 || items[idx].Status != StatusSuccess || items[idx].BlobKey != blobKey {
		return false, nil
	}
	item := &items[idx]
	preview := item.ThumbnailURL
	item.BlobKey = ""
	item.RemoteURL = url
	item.ThumbnailURL = url
	item.UpdatedAt = m.now().UTC()
	if err := m.saveLocked(ctx, applicationID, items); err != nil {
		return false, err
	}
	m.previews.Release(preview)
	return true, nil
}

// ReferencedBlobs returns every blob key held by a document slot.
func (m *Manager) ReferencedBlobs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, err := storage.KeysWithPrefix(ctx, m.store, storage.NamespaceRecords, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := map[string]struct{}{}
	for _, key := range keys {
		var list checklist
		if err := storage.GetJSON(ctx, m.store, storage.NamespaceRecords, key, &list); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, item := range list.Items {
			if item.BlobKey != "" {
				out[item.BlobKey] = struct{}{}
			}
		}
	}
	return out, nil
}

// Applications lists the application ids that have a stored checklist.
func (m *Manager) Applications(ctx context.Context) ([]string, error) {
	keys, err := storage.KeysWithPrefix(ctx, m.store, storage.NamespaceRecords, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(key, keyPrefix))
	}
	return out, nil
}

func (m *Manager) failLocked(ctx context.Context, applicationID string, items []Item, idx int, cause error) error {
	m.setStatus(&items[idx], StatusError)
	items[idx].Error = cause.Error()
	if err := m.saveLocked(ctx, applicationID, items); err != nil {
		m.logf("documents: could not record failure for %s/%s: %v", applicationID, items[idx].ID, err)
	}
	return cause
}

func (m *Manager) setStatus(item *Item, status Status) {
	item.Status = status
	item.UpdatedAt = m.now().UTC()
}

// loadLocked merges the stored checklist with the catalog. A slot left in
// loading by a crash comes back as error.
func (m *Manager) loadLocked(ctx context.Context, applicationID string) ([]Item, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, storage.ErrInvalidInput
	}
	var stored checklist
	err := storage.GetJSON(ctx, m.store, storage.NamespaceRecords, keyPrefix+applicationID, &stored)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	byID := make(map[string]Item, len(stored.Items))
	for _, item := range stored.Items {
		byID[item.ID] = item
	}
	items := make([]Item, 0, len(m.catalog))
	for _, entry := range m.catalog {
		item, ok := byID[entry.ID]
		if !ok {
			item = m.emptyItem(entry.ID)
		}
		item.Title = entry.Title
		item.Description = entry.Description
		item.Required = entry.Required
		item.Type = entry.Type
		if item.Status == StatusLoading {
			item.Status = StatusError
			item.Error = "upload interrupted"
		}
		items = append(items, item)
	}
	return items, nil
}

func (m *Manager) saveLocked(ctx context.Context, applicationID string, items []Item) error {
	if err := storage.SetJSON(ctx, m.store, storage.NamespaceRecords, keyPrefix+applicationID, checklist{Items: items}); err != nil {
		return fmt.Errorf("persist documents: %w", err)
	}
	return nil
}

func (m *Manager) emptyItem(documentID string) Item {
	for _, entry := range m.catalog {
		if entry.ID == documentID {
			return Item{
				ID:          entry.ID,
				Title:       entry.Title,
				Description: entry.Description,
				Required:    entry.Required,
				Type:        entry.Type,
				Status:      StatusEmpty,
			}
		}
	}
	return Item{ID: documentID, Status: StatusEmpty}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func indexOf(items []Item, documentID string) int {
	for i := range items {
		if items[i].ID == documentID {
			return i
		}
	}
	return -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
