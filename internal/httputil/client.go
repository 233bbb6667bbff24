package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// HTTPClient abstracts the one HTTP operation GetJSON needs.
// *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxResponseSize caps how much of a response GetJSON reads.
const maxResponseSize = 1 << 20

// StatusError is returned by GetJSON for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Status, e.Body)
}

// GetJSON fetches url and decodes the JSON body into v.
func GetJSON(ctx context.Context, c HTTPClient, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

// MockHTTPClient returns canned responses in order and records requests.
type MockHTTPClient struct {
	mu        sync.Mutex
	requests  []*http.Request
	responses []mockResponse
}

type mockResponse struct {
	status int
	body   string
	err    error
}

// AddResponse queues a response.
func (m *MockHTTPClient) AddResponse(status int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{status: status, body: body})
	return m
}

// AddError queues a transport error.
func (m *MockHTTPClient) AddError(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Do returns the next queued response, or an empty 200 when none is left.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	r := mockResponse{status: http.StatusOK}
	if len(m.responses) > 0 {
		r = m.responses[0]
		m.responses = m.responses[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Requests returns the recorded requests.
func (m *MockHTTPClient) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}
