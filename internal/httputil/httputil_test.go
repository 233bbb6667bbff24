package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != "test error" {
		t.Errorf("error = %s, want 'test error'", resp["error"])
	}
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"count": 42})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["count"] != 42 {
		t.Errorf("count = %d, want 42", resp["count"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	MethodNotAllowed(rec, http.MethodPost)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Errorf("Allow = %q, want POST", got)
	}
}

func TestGetJSON(t *testing.T) {
	t.Parallel()

	mock := (&MockHTTPClient{}).AddResponse(http.StatusOK, `{"state":"listening","queue":3}`)
	var got struct {
		State string `json:"state"`
		Queue int    `json:"queue"`
	}
	require.NoError(t, GetJSON(context.Background(), mock, "http://127.0.0.1:8080/debug/pose/status", &got))

	assert.Equal(t, "listening", got.State)
	assert.Equal(t, 3, got.Queue)
	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
}

func TestGetJSON_Errors(t *testing.T) {
	t.Parallel()

	var v map[string]interface{}

	mock := (&MockHTTPClient{}).AddResponse(http.StatusForbidden, "debug access denied\n")
	err := GetJSON(context.Background(), mock, "http://x/", &v)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.Equal(t, http.StatusForbidden, statusErr.Status)
	assert.Equal(t, "debug access denied", statusErr.Body)

	mock = (&MockHTTPClient{}).AddResponse(http.StatusOK, "{not json")
	assert.Error(t, GetJSON(context.Background(), mock, "http://x/", &v))

	refused := errors.New("connection refused")
	mock = (&MockHTTPClient{}).AddError(refused)
	assert.ErrorIs(t, GetJSON(context.Background(), mock, "http://x/", &v), refused)
}

func TestGetJSON_RealServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]string{"version": "dev"})
	}))
	defer srv.Close()

	var got map[string]string
	require.NoError(t, GetJSON(context.Background(), srv.Client(), srv.URL, &got))
	assert.Equal(t, "dev", got["version"])
}
