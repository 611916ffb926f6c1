// ABOUTME: Outbound webhook delivery: HMAC signing, injected client, body discard.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookConfig is the delivery-time view of a webhook destination.
type WebhookConfig struct {
	URL           string `json:"url"`
	SigningSecret string `json:"signing_secret"`
}

// BuildSafeClient returns the production outbound HTTP client: SSRF-safe,
// redirect following disabled, 10s timeout. Defined in client.go.

// Send posts payload to the webhook URL, signs with HMAC-SHA256 over
// "timestamp.body", and discards the response body. The caller constructs
// client once at startup.
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(cfg.SigningSecret))
	mac.Write([]byte(ts + "." + string(payload)))
	req.Header.Set("X-Wellspring-Timestamp", ts)
	req.Header.Set("X-Wellspring-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
