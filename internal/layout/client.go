// Package layout は Azure Document Intelligence の prebuilt-layout モデルで PDF を Markdown に変換します。
package layout

import (
	"bytes"
	"context"
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

const (
	serviceName         = "document-intelligence"
	modelID             = "prebuilt-layout"
	defaultPollInterval = time.Second
)

// ErrAnalyzeFailed は解析オペレーションが failed で終わったことを示します。
var ErrAnalyzeFailed = errors.New("layout analysis failed")

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
	Endpoint     string
	APIKey       string
	APIVersion   string
	Timeout      time.Duration // 投入からポーリング完了までの上限
	PollInterval time.Duration // Retry-After が無いときのポーリング間隔
	HTTPClient   *http.Client
}

// Client は Document Intelligence のクライアントです。
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New は Client を作成します。
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With().Str("component", "layout").Logger(),
	}
}

type operationResult struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		Content string `json:"content"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnalyzeLayout は PDF を投入し、解析が終わるまでポーリングして Markdown を返します。
func (c *Client) AnalyzeLayout(ctx context.Context, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", errors.New("document is empty")
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	opURL, err := c.begin(ctx, pdf)
	if err != nil {
		return "", err
	}

	start := time.Now()
	for {
		res, wait, err := c.poll(ctx, opURL)
		if err != nil {
			return "", err
		}
		switch strings.ToLower(res.Status) {
		case "succeeded":
			if res.AnalyzeResult == nil {
				return "", fmt.Errorf("%w: succeeded without analyzeResult", ErrAnalyzeFailed)
			}
			c.logger.Debug().
				Dur("elapsed", time.Since(start)).
				Int("bytes", len(pdf)).
				Msg("layout analysis completed")
			return res.AnalyzeResult.Content, nil
		case "failed", "canceled":
			if res.Error != nil {
				return "", fmt.Errorf("%w: %s: %s", ErrAnalyzeFailed, res.Error.Code, res.Error.Message)
			}
			return "", fmt.Errorf("%w: status %s", ErrAnalyzeFailed, res.Status)
		}

		if wait <= 0 {
			wait = c.cfg.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) begin(ctx context.Context, pdf []byte) (string, error) {
	q := url.Values{}
	q.Set("api-version", c.cfg.APIVersion)
	q.Set("outputContentFormat", "markdown")
	endpoint := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?%s",
		strings.TrimRight(c.cfg.Endpoint, "/"), modelID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pdf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s analyze request failed: %w", serviceName, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if err := classify(resp, body); err != nil {
		return "", err
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", errors.New("analyze response missing Operation-Location header")
	}
	return opURL, nil
}

func (c *Client) poll(ctx context.Context, opURL string) (*operationResult, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s poll request failed: %w", serviceName, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read poll response: %w", err)
	}
	if err := classify(resp, body); err != nil {
		return nil, 0, err
	}

	var res operationResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, 0, fmt.Errorf("failed to parse poll response: %w", err)
	}
	return &res, retry.ParseRetryAfter(resp.Header.Get("Retry-After")), nil
}

func classify(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &retry.RateLimitError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(strings.TrimSpace(string(body))),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > 500 {
			msg = msg[:500] + "..."
		}
		return &APIError{StatusCode: resp.StatusCode, Body: msg}
	}
	return nil
}
