// Package vision は Azure OpenAI の Chat Completions API を呼び出し、ページ画像を Markdown に変換します。
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/paper-scribe/internal/retry"
)

const serviceName = "azure-openai"

// ErrEmptyResponse は choices が空だったことを示します。
var ErrEmptyResponse = errors.New("completion returned no choices")

// APIError はレート制限以外の HTTP エラーです。
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", serviceName, e.StatusCode, e.Body)
}

// Config は接続先の設定です。
type Config struct {
	Endpoint   string
	APIKey     string
	Deployment string
	APIVersion string
	Timeout    time.Duration // 1 回の呼び出しのタイムアウト（0 なら無制限）
	HTTPClient *http.Client
}

// Client は Azure OpenAI のデプロイメント 1 つに対するクライアントです。
type Client struct {
	cfg    Config
	http   *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// New は Client を作成します。
func New(cfg Config, logger zerolog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		now:    time.Now,
		logger: logger.With().Str("component", "vision").Str("deployment", cfg.Deployment).Logger(),
	}
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Messages         []message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
	Stream           bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// DescribeImage はページ画像から情報を抽出した Markdown を返します。
// HTTP 429 は *retry.RateLimitError として返すので、呼び出し側のリトライ判定に使えます。
func (c *Client) DescribeImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("image data is empty")
	}
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)

	temperature, topP := 0.0, 0.9
	req := chatRequest{
		Messages: []message{
			{
				Role:    "system",
				Content: []contentPart{{Type: "text", Text: SystemPrompt(c.now())}},
			},
			{
				Role: "user",
				Content: []contentPart{
					{Type: "text", Text: "\n"},
					{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
					{Type: "text", Text: userInstruction},
				},
			},
		},
		Temperature: &temperature,
		TopP:        &topP,
	}
	return c.send(ctx, req)
}

// Complete はテキストのみのプロンプトで補完を実行します。
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Messages: []message{
			{Role: "user", Content: []contentPart{{Type: "text", Text: prompt}}},
		},
	}
	return c.send(ctx, req)
}

// Reformat はレイアウト抽出結果の Markdown を整形し直します。
func (c *Client) Reformat(ctx context.Context, markdown string) (string, error) {
	return c.Complete(ctx, ReformatPrompt(markdown))
}

func (c *Client) send(ctx context.Context, payload chatRequest) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", serviceName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &retry.RateLimitError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(truncate(string(respBody), 200)),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	c.logger.Debug().
		Dur("elapsed", time.Since(start)).
		Str("finish_reason", parsed.Choices[0].FinishReason).
		Msg("completion received")
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) completionsURL() string {
	q := url.Values{}
	q.Set("api-version", c.cfg.APIVersion)
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s",
		strings.TrimRight(c.cfg.Endpoint, "/"),
		url.PathEscape(c.cfg.Deployment),
		q.Encode(),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
