package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier はジョブの終端結果を呼び出し元へ通知します。
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, outcome Outcome) error
}

// WebhookPayload はコールバックURLへ POST する本文です。
type WebhookPayload struct {
	Status         Status `json:"status"`
	OutputGPT      string `json:"output_gpt,omitempty"`
	OutputDocument string `json:"output_document,omitempty"`
	Error          string `json:"error,omitempty"`
}

// payloadFor は結果を通知用の形に変換します。単一出力の場合は output_gpt に載せます。
func payloadFor(outcome Outcome) WebhookPayload {
	if outcome.Status == StatusFailed {
		return WebhookPayload{Status: outcome.Status, Error: outcome.Error}
	}
	gpt := outcome.OutputGPT
	if gpt == "" {
		gpt = outcome.Output
	}
	return WebhookPayload{
		Status:         outcome.Status,
		OutputGPT:      gpt,
		OutputDocument: outcome.OutputDocument,
	}
}

// WebhookNotifier は HTTP POST で通知します。失敗しても再送はしません。
type WebhookNotifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier は WebhookNotifier を作成します。
func NewWebhookNotifier(timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// Notify は結果を callbackURL へ送信します。
func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL string, outcome Outcome) error {
	body, err := json.Marshal(payloadFor(outcome))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug().Str("status", string(outcome.Status)).Int("http_status", resp.StatusCode).Msg("webhook delivered")
	return nil
}
