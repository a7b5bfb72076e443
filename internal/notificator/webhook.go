package notificator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerificationHeader carries the HMAC of the request body.
const VerificationHeader = "X-PFENNIG-VERIFICATION"

// Sign returns the lowercase hex HMAC-SHA256 of body under key.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Webhook posts JSON bodies to merchant endpoints, one attempt per call.
type Webhook struct {
	key    string
	client *http.Client
}

// NewWebhook creates a webhook sender. An empty key disables signing.
func NewWebhook(key string, timeout time.Duration) *Webhook {
	return &Webhook{
		key: key,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Timeout is the bound of a single delivery.
func (w *Webhook) Timeout() time.Duration {
	return w.client.Timeout
}

func (w *Webhook) Signed() bool {
	return w.key != ""
}

// Send posts body to url and returns the response status. Any status outside
// 2xx is returned as an error together with the status.
func (w *Webhook) Send(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Signed() {
		req.Header.Set(VerificationHeader, Sign(body, w.key))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
