package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletguard/internal/circuitbreaker"
	"github.com/mbd888/walletguard/internal/retry"
)

const (
	DefaultBaseURL = "https://v6.exchangerate-api.com/v6"
	DefaultTimeout = 5 * time.Second

	breakerKey = "exchange_rate_api"
)

// HTTPProvider fetches pair rates from an exchangerate-api compatible
// endpoint: GET {base}/{key}/pair/{FROM}/{TO}.
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  time.Duration
}

// HTTPOption customizes an HTTPProvider.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) { p.client = c }
}

// WithRetry sets the attempt count and base backoff.
func WithRetry(attempts int, backoff time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		p.attempts = attempts
		p.backoff = backoff
	}
}

// WithBreaker sets the circuit breaker guarding the upstream.
func WithBreaker(b *circuitbreaker.Breaker) HTTPOption {
	return func(p *HTTPProvider) { p.breaker = b }
}

// NewHTTPProvider creates a provider for baseURL (DefaultBaseURL when empty).
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, opts ...HTTPOption) *HTTPProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &HTTPProvider{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: 3,
		backoff:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type pairResponse struct {
	Result         string          `json:"result"`
	ErrorType      string          `json:"error-type"`
	BaseCode       string          `json:"base_code"`
	TargetCode     string          `json:"target_code"`
	ConversionRate decimal.Decimal `json:"conversion_rate"`
}

func (p *HTTPProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to, err := normalizePair(from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	var rate decimal.Decimal
	err = p.breaker.Execute(breakerKey, upstreamFault, func() error {
		var ferr error
		rate, ferr = retry.DoValue(ctx, p.attempts, p.backoff, func() (decimal.Decimal, error) {
			return p.fetch(ctx, from, to)
		})
		return ferr
	})
	if err != nil {
		rateLookups.WithLabelValues("http", "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decimal.Zero, fmt.Errorf("%w: %w", ErrRateUnavailable, ctxErr)
		}
		if errors.Is(err, ErrRateUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	rateLookups.WithLabelValues("http", "ok").Inc()
	return rate, nil
}

// upstreamFault reports whether err says something about the upstream's
// health rather than the caller's context.
func upstreamFault(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (p *HTTPProvider) fetch(ctx context.Context, from, to string) (decimal.Decimal, error) {
	endpoint, err := url.JoinPath(p.baseURL, p.apiKey, "pair", from, to)
	if err != nil {
		return decimal.Zero, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return decimal.Zero, retry.Permanent(ctx.Err())
		}
		return decimal.Zero, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Zero, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return decimal.Zero, retry.After(retry.RetryAfter(resp.Header, time.Now()), fmt.Errorf("rate api status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return decimal.Zero, fmt.Errorf("rate api status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: rate api status %d", ErrRateUnavailable, resp.StatusCode))
	}

	var pr pairResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: decode: %v", ErrRateUnavailable, err))
	}
	if pr.Result != "success" {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s", ErrRateUnavailable, pr.ErrorType))
	}
	if !pr.ConversionRate.IsPositive() {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: non-positive rate", ErrRateUnavailable))
	}
	return pr.ConversionRate, nil
}
