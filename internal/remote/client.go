// Package remote holds the clients for the system-of-record: the HTTP API for
// applications, drafts, documents and validation, plus S3 and Postgres
// alternatives for documents and records.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Application struct {
	ID                  string          `json:"id"`
	DraftID             string          `json:"draftId,omitempty"`
	Fields              json.RawMessage `json:"fields"`
	ExternalReferenceID string          `json:"externalReferenceId,omitempty"`
	CorrelationID       string          `json:"correlationId,omitempty"`
}

type Draft struct {
	ID        string          `json:"id"`
	Fields    json.RawMessage `json:"fields"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type DocumentRef struct {
	URL string `json:"url"`
}

type ValidationRequest struct {
	ApplicationID string          `json:"applicationId"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Fields        json.RawMessage `json:"fields"`
}

type ValidationResult struct {
	ExternalReferenceID string `json:"externalReferenceId"`
	Rejected            bool   `json:"rejected"`
	Code                string `json:"code,omitempty"`
	Message             string `json:"message,omitempty"`
}

// Accepted reports business success. An HTTP 200 with an empty or "0"
// reference is not an acceptance.
func (r ValidationResult) Accepted() bool {
	ref := strings.TrimSpace(r.ExternalReferenceID)
	return !r.Rejected && ref != "" && ref != "0"
}

// Rejection returns the result as an error for callers that need one.
func (r ValidationResult) Rejection() *RejectionError {
	message := r.Message
	if message == "" && !r.Rejected {
		message = "validation returned no reference"
	}
	return &RejectionError{Code: r.Code, Message: message, ExternalReferenceID: r.ExternalReferenceID}
}

// ApplicationAPI is the idempotent create/update contract keyed by id.
type ApplicationAPI interface {
	UpsertApplication(ctx context.Context, app Application) error
	UpsertDraft(ctx context.Context, draft Draft) error
	FetchDraft(ctx context.Context, id string) (Draft, error)
}

type DocumentUploader interface {
	UploadDocument(ctx context.Context, applicationID, documentID string, data []byte, contentType string) (DocumentRef, error)
}

type Validator interface {
	Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error)
}

type HTTPClient struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type HTTPClientOptions struct {
	Tokens     TokenSource
	HTTPClient *http.Client
	// MaxRetries bounds in-call retries of 429/5xx and transport errors. A
	// negative value disables them.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func NewHTTPClient(baseURL string, opts HTTPClientOptions) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPClient) UpsertApplication(ctx context.Context, app Application) error {
	if strings.TrimSpace(app.ID) == "" {
		return fmt.Errorf("application id is required")
	}
	return c.doJSON(ctx, http.MethodPut, "/v1/applications/"+url.PathEscape(app.ID), app, nil, true)
}

func (c *HTTPClient) UpsertDraft(ctx context.Context, draft Draft) error {
	if strings.TrimSpace(draft.ID) == "" {
		return fmt.Errorf("draft id is required")
	}
	return c.doJSON(ctx, http.MethodPut, "/v1/drafts/"+url.PathEscape(draft.ID), draft, nil, true)
}

// FetchDraft returns ErrNotFound when the remote has no row for id.
func (c *HTTPClient) FetchDraft(ctx context.Context, id string) (Draft, error) {
	var out Draft
	if err := c.doJSON(ctx, http.MethodGet, "/v1/drafts/"+url.PathEscape(id), nil, &out, true); err != nil {
		return Draft{}, err
	}
	return out, nil
}

func (c *HTTPClient) UploadDocument(ctx context.Context, applicationID, documentID string, data []byte, contentType string) (DocumentRef, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	requestPath := fmt.Sprintf("/v1/applications/%s/documents/%s", url.PathEscape(applicationID), url.PathEscape(documentID))
	payload, err := c.do(ctx, http.MethodPut, requestPath, contentType, data, true)
	if err != nil {
		return DocumentRef{}, err
	}
	var out DocumentRef
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return DocumentRef{}, fmt.Errorf("decode upload response: %w", err)
		}
	}
	return out, nil
}

// Validate calls the validation service once. The service answers 200 for
// both outcomes, so callers must inspect Accepted.
func (c *HTTPClient) Validate(ctx context.Context, req ValidationRequest) (ValidationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ValidationResult{}, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/v1/validations", "application/json", body, false)
	if err != nil {
		return ValidationResult{}, err
	}
	return decodeValidationResult(payload)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any, retry bool) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		contentType = "application/json"
	}
	payload, err := c.do(ctx, method, requestPath, contentType, bodyBytes, retry)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath, contentType string, body []byte, retry bool) ([]byte, error) {
	maxRetries := c.maxRetries
	if !retry {
		maxRetries = 0
	}
	token := ""
	if c.tokens != nil {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("device token: %w", err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, &TransportError{Op: method + " " + requestPath, Err: waitErr}
				}
				continue
			}
			return nil, &TransportError{Op: method + " " + requestPath, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &TransportError{Op: method + " " + requestPath, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &TransportError{Op: method + " " + requestPath, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "fq_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNotFound reports a missing remote row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
