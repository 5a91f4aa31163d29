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
	"strconv"
	"time"

	"github.com/mbd888/walletguard/internal/circuitbreaker"
	"github.com/mbd888/walletguard/internal/retry"
)

// WebhookSink POSTs events as JSON to a single URL. When a secret is set the
// body is signed with HMAC-SHA256 in X-Walletguard-Signature.
type WebhookSink struct {
	url     string
	secret  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// webhookUpstream names the receiver's circuit.
const webhookUpstream = "webhook"

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithWebhookBreaker shares a circuit breaker with other upstreams.
func WithWebhookBreaker(b *circuitbreaker.Breaker) WebhookOption {
	return func(s *WebhookSink) { s.breaker = b }
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string, opts ...WebhookOption) *WebhookSink {
	s := &WebhookSink{
		url:     url,
		secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSink) Notify(ctx context.Context, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.breaker.Execute(webhookUpstream, nil, func() error {
		return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
			return s.post(ctx, e, payload)
		})
	})
}

func (s *WebhookSink) post(ctx context.Context, e *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Walletguard-Event", string(e.Type))
	req.Header.Set("X-Walletguard-Timestamp", strconv.FormatInt(e.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set("X-Walletguard-Signature", Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.After(retry.RetryAfter(resp.Header, time.Now()), fmt.Errorf("webhook status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
