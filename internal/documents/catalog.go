package documents

import (
	"sync"

	"github.com/google/uuid"
)

type DocumentType string

const (
	TypePhoto    DocumentType = "photo"
	TypeDocument DocumentType = "document"
)

type CatalogEntry struct {
	ID          string
	Title       string
	Description string
	Required    bool
	Type        DocumentType
}

// DefaultCatalog is the checklist shown for a new loan application.
var DefaultCatalog = []CatalogEntry{
	{ID: "id_front", Title: "ID (front)", Description: "Front side of the applicant's national ID", Required: true, Type: TypePhoto},
	{ID: "id_back", Title: "ID (back)", Description: "Back side of the applicant's national ID", Required: true, Type: TypePhoto},
	{ID: "proof_of_income", Title: "Proof of income", Description: "Latest pay slip or bank statement", Required: true, Type: TypeDocument},
	{ID: "proof_of_address", Title: "Proof of address", Description: "Utility bill issued in the last three months", Required: true, Type: TypeDocument},
	{ID: "applicant_photo", Title: "Applicant photo", Description: "Photo of the applicant", Required: false, Type: TypePhoto},
	{ID: "business_photo", Title: "Business photo", Description: "Photo of the applicant's place of business", Required: false, Type: TypePhoto},
}

const previewScheme = "preview://"

// Previews hands out process-local handles for showing a cached blob before
// it reaches the remote. Handles do not survive a restart.
type Previews struct {
	mu      sync.Mutex
	handles map[string]string
}

func NewPreviews() *Previews {
	return &Previews{handles: map[string]string{}}
}

func (p *Previews) Create(blobKey string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle := previewScheme + uuid.NewString()
	p.handles[handle] = blobKey
	return handle
}

// Resolve returns the blob key behind handle.
func (p *Previews) Resolve(handle string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.handles[handle]
	return key, ok
}

func (p *Previews) Release(handle string) {
	if handle == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, handle)
}

func (p *Previews) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}
