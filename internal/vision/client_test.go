package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/paper-scribe/internal/retry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		Endpoint:   srv.URL + "/",
		APIKey:     "secret",
		Deployment: "gpt-4o",
		APIVersion: "2024-05-01-preview",
		Timeout:    5 * time.Second,
	}, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC) }
	return c
}

func TestDescribeImageSendsImageAndPrompts(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/deployments/gpt-4o/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-05-01-preview", r.URL.Query().Get("api-version"))
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"# page"},"finish_reason":"stop"}]}`))
	})

	out, err := c.DescribeImage(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "# page", out)

	messages := got["messages"].([]any)
	require.Len(t, messages, 2)
	system := messages[0].(map[string]any)["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, system, "The current date is: 03/09/2024.")

	user := messages[1].(map[string]any)["content"].([]any)
	require.Len(t, user, 3)
	img := user[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(img, "data:image/png;base64,"))
	assert.Equal(t, userInstruction, user[2].(map[string]any)["text"])
	assert.Equal(t, 0.0, got["temperature"])
	assert.Equal(t, 0.9, got["top_p"])
}

func TestDescribeImageRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"429"}}`))
	})

	_, err := c.DescribeImage(context.Background(), []byte("x"), "image/jpeg")
	require.Error(t, err)
	assert.True(t, retry.IsRateLimited(err))
	var rl *retry.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
}

func TestDescribeImageServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`bad image`))
	})

	_, err := c.DescribeImage(context.Background(), []byte("x"), "")
	require.Error(t, err)
	assert.False(t, retry.IsRateLimited(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestCompleteEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})
	_, err := c.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestReformatPrependsPrompt(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"formatted"}}]}`))
	})

	out, err := c.Reformat(context.Background(), "raw form")
	require.NoError(t, err)
	assert.Equal(t, "formatted", out)
	require.Len(t, got.Messages, 1)
	text := got.Messages[0].Content[0].Text
	assert.True(t, strings.HasPrefix(text, "Please reformat this form content"))
	assert.True(t, strings.HasSuffix(text, "raw form"))
	assert.Nil(t, got.Temperature)
}

func TestEmptyImageRejected(t *testing.T) {
	c := New(Config{}, zerolog.Nop())
	_, err := c.DescribeImage(context.Background(), nil, "image/png")
	assert.Error(t, err)
}
