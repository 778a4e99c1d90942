package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastClient(url string, opts HTTPClientOptions) *HTTPClient {
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 5 * time.Millisecond
	return NewHTTPClient(url, opts)
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		require.Equal(t, "/v1/applications/A1", r.URL.Path)
		require.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client()})
	err := client.UpsertApplication(context.Background(), Application{ID: "A1", Fields: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPClientReturnsHTTPErrorAfterRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client(), MaxRetries: 1})
	err := client.UpsertDraft(context.Background(), Draft{ID: "D1", Fields: json.RawMessage(`{}`)})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	require.Equal(t, "remote_unavailable", FailureCode(err))
	require.False(t, IsTransport(err))
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPClientTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := fastClient(url, HTTPClientOptions{MaxRetries: -1})
	err := client.UpsertApplication(context.Background(), Application{ID: "A1", Fields: json.RawMessage(`{}`)})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTransport)
	require.True(t, IsTransport(err))
	require.Equal(t, "transport", FailureCode(err))
}

func TestHTTPClientFetchDraftNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no draft"}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client()})
	_, err := client.FetchDraft(context.Background(), "D404")
	require.True(t, IsNotFound(err))
	require.Equal(t, "not_found", FailureCode(err))
}

func TestHTTPClientFetchDraftDecodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/drafts/D1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"D1","fields":{"amount":5},"updatedAt":"2026-01-01T00:00:05Z"}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client()})
	draft, err := client.FetchDraft(context.Background(), "D1")
	require.NoError(t, err)
	require.JSONEq(t, `{"amount":5}`, string(draft.Fields))
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC), draft.UpdatedAt.UTC())
}

func TestHTTPClientUploadDocumentSendsRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/applications/A1/documents/id_front", r.URL.Path)
		require.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, []byte{0xff, 0xd8, 0x00}, body)
		_, _ = w.Write([]byte(`{"url":"https://cdn.example/A1/id_front"}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client(), Tokens: StaticToken("secret")})
	ref, err := client.UploadDocument(context.Background(), "A1", "id_front", []byte{0xff, 0xd8, 0x00}, "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/A1/id_front", ref.URL)
}

func TestHTTPClientValidateDistinguishesBusinessRejection(t *testing.T) {
	responses := []string{
		`{"externalReferenceId":"REF-1","rejected":false}`,
		`{"externalReferenceId":"0","rejected":true,"code":"LOW_SCORE","message":"score below threshold"}`,
		`{"externalReferenceId":"0","rejected":false}`,
	}
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		idx := atomic.AddInt32(&calls, 1) - 1
		_, _ = w.Write([]byte(responses[idx]))
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client()})
	req := ValidationRequest{ApplicationID: "A1", Fields: json.RawMessage(`{}`)}

	accepted, err := client.Validate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, accepted.Accepted())

	rejected, err := client.Validate(context.Background(), req)
	require.NoError(t, err)
	require.False(t, rejected.Accepted())
	rejection := rejected.Rejection()
	require.ErrorIs(t, rejection, ErrRejected)
	require.Equal(t, "LOW_SCORE", rejection.Code)
	require.Equal(t, "score below threshold", rejection.Message)

	zeroRef, err := client.Validate(context.Background(), req)
	require.NoError(t, err)
	require.False(t, zeroRef.Accepted())
}

func TestHTTPClientValidateDoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client(), MaxRetries: 3})
	_, err := client.Validate(context.Background(), ValidationRequest{ApplicationID: "A1", Fields: json.RawMessage(`{}`)})
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTTPClientValidateRejectsMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"externalReferenceId":42}`))
	}))
	defer server.Close()

	client := fastClient(server.URL, HTTPClientOptions{HTTPClient: server.Client()})
	_, err := client.Validate(context.Background(), ValidationRequest{ApplicationID: "A1", Fields: json.RawMessage(`{}`)})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, "malformed_response", httpErr.Code)
}

func TestFailureCodeClassification(t *testing.T) {
	cases := map[string]error{
		"rate_limited": &HTTPError{StatusCode: http.StatusTooManyRequests},
		"unauthorized": &HTTPError{StatusCode: http.StatusUnauthorized},
		"forbidden":    &HTTPError{StatusCode: http.StatusForbidden},
		"conflict":     &HTTPError{StatusCode: http.StatusConflict},
		"rejected":     &RejectionError{Code: "X"},
		"timeout":      context.DeadlineExceeded,
		"unknown":      errors.New("boom"),
	}
	for want, err := range cases {
		require.Equal(t, want, FailureCode(err), "error %v", err)
	}
	require.Equal(t, "", FailureCode(nil))
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPClient("http://example.invalid", HTTPClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second})
	require.Equal(t, time.Second, client.retryDelay(1, "1"))
	require.Equal(t, 2*time.Second, client.retryDelay(1, "30"))
	require.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	require.Equal(t, 2*time.Second, client.retryDelay(10, ""))
}
