package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/retry"
)

const maxResponseBytes = 8 << 20

// callGuard throttles outbound calls with a token bucket, runs them through
// a circuit breaker and retries idempotent ones with backoff.
type callGuard struct {
	name    string
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
	retry   *retry.Config
}

// jsonClient is the shared HTTP transport for collaborator clients
type jsonClient struct {
	*callGuard
	client *http.Client
}

type jsonClientOptions struct {
	Timeout        time.Duration
	RequestsPerSec float64
	Breaker        *circuitbreaker.CircuitBreaker
	Retry          *retry.Config
}

func newJSONClient(name string, opts jsonClientOptions) *jsonClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &jsonClient{
		callGuard: newCallGuard(name, opts),
		client:    &http.Client{Timeout: opts.Timeout},
	}
}

func newCallGuard(name string, opts jsonClientOptions) *callGuard {
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
		burst = int(opts.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(name))
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultConfig()
	}
	cfg := *opts.Retry
	cfg.ShouldRetry = shouldRetry

	return &callGuard{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		breaker: opts.Breaker,
		retry:   &cfg,
	}
}

// shouldRetry skips retries once the breaker has opened
func shouldRetry(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	return apperrors.IsRetryable(err)
}

// do sends one JSON request and decodes the response into out. Retries are
// applied only when idempotent is true.
func (c *jsonClient) do(ctx context.Context, op, method, url string, body, out interface{}, idempotent bool) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return NewAdapterError(c.name, op, fmt.Errorf("failed to marshal request: %w", err), nil)
		}
		payload = b
	}

	err := c.run(ctx, idempotent, func(ctx context.Context) error {
		return c.send(ctx, method, url, payload, out)
	})
	if err != nil {
		return NewAdapterError(c.name, op, err, map[string]interface{}{"url": url})
	}
	return nil
}

// run waits for a token and calls fn through the breaker, retrying when
// idempotent is true.
func (g *callGuard) run(ctx context.Context, idempotent bool, fn func(ctx context.Context) error) error {
	call := func(ctx context.Context, _ int) error {
		return g.breaker.Execute(ctx, func(ctx context.Context) error {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
			return fn(ctx)
		})
	}
	if idempotent {
		return retry.Do(ctx, g.retry, call)
	}
	return call(ctx, 1)
}

func (c *jsonClient) send(ctx context.Context, method, url string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			timeoutErr := apperrors.NewProviderTimeoutError(c.name)
			timeoutErr.Cause = fmt.Errorf("%w: %v", ErrProviderTimeout, err)
			return timeoutErr
		}
		return apperrors.NewProviderError(c.name, fmt.Errorf("%w: %v", ErrProviderUnavailable, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewProviderError(c.name, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := apperrors.NewProviderRateLimitError(c.name)
		rl.Cause = ErrProviderRateLimit
		return rl
	case resp.StatusCode >= 500:
		return apperrors.NewProviderError(c.name, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, truncateBody(data)))
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d, body: %s", ErrInvalidResponse, resp.StatusCode, truncateBody(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
