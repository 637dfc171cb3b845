package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderEventID        = "X-CryptoWatcher-Event-ID"
	HeaderIdempotencyKey = "X-CryptoWatcher-Idempotency-Key"
	HeaderTimestamp      = "X-CryptoWatcher-Timestamp"
	HeaderSignature      = "X-CryptoWatcher-Signature"

	signaturePrefix = "sha256="
	defaultTimeout  = 30 * time.Second
)

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{client: &http.Client{}}
}

// Send posts the event JSON. The signature covers "<timestamp>.<body>".
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	body, err := json.Marshal(req.Event)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("marshal: %w", err), Duration: time.Since(start)}
	}
	ts := strconv.FormatInt(req.Timestamp.Unix(), 10)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "CryptoWatcher/1.0")
	httpReq.Header.Set(HeaderEventID, req.Event.EventID.String())
	httpReq.Header.Set(HeaderIdempotencyKey, req.Event.IdempotencyKey())
	httpReq.Header.Set(HeaderTimestamp, ts)
	if req.Secret != "" {
		httpReq.Header.Set(HeaderSignature, Sign(req.Secret, ts, body))
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

// Sign returns the signature header value for a body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header in constant time.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
