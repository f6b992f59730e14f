package layout

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-scribe/internal/retry"
)

func newServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		Endpoint:     srv.URL,
		APIKey:       "doc-key",
		APIVersion:   "2024-11-30",
		Timeout:      5 * time.Second,
		PollInterval: time.Millisecond,
	}, zerolog.Nop())
	return c, srv
}

func TestAnalyzeLayoutPollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int32
	var srvURL string
	c, srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "doc-key", r.Header.Get("Ocp-Apim-Subscription-Key"))
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "/documentintelligence/documentModels/prebuilt-layout:analyze", r.URL.Path)
			assert.Equal(t, "markdown", r.URL.Query().Get("outputContentFormat"))
			assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "%PDF-1.7", string(body))
			w.Header().Set("Operation-Location", srvURL+"/operations/1")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"status":"running"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"succeeded","analyzeResult":{"content":"# Title\n\nbody"}}`))
		}
	})
	srvURL = srv.URL

	out, err := c.AnalyzeLayout(context.Background(), []byte("%PDF-1.7"))
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", out)
	assert.Equal(t, int32(3), polls.Load())
}

func TestAnalyzeLayoutFailedOperation(t *testing.T) {
	var srvURL string
	c, srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Operation-Location", srvURL+"/operations/2")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_, _ = w.Write([]byte(`{"status":"failed","error":{"code":"InvalidContent","message":"corrupt"}}`))
	})
	srvURL = srv.URL

	_, err := c.AnalyzeLayout(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnalyzeFailed)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestAnalyzeLayoutRateLimited(t *testing.T) {
	c, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.AnalyzeLayout(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.True(t, retry.IsRateLimited(err))
}

func TestAnalyzeLayoutMissingOperationLocation(t *testing.T) {
	c, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	_, err := c.AnalyzeLayout(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operation-Location")
}

func TestAnalyzeLayoutBadRequest(t *testing.T) {
	c, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad"}`))
	})

	_, err := c.AnalyzeLayout(context.Background(), []byte("x"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}
