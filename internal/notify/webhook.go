package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSink POSTs events as JSON to a fixed URL, signed with HMAC-SHA256.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

// Send delivers one event. Non-2xx responses are errors.
func (w *WebhookSink) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Holdfast-Event", string(event.Type))
	req.Header.Set("X-Holdfast-Event-Id", event.ID)
	req.Header.Set("X-Holdfast-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if w.secret != "" {
		req.Header.Set("X-Holdfast-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
