package source

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RetryOptions configures exponential-backoff retry for upstream HTTP
// calls. Grounded directly on osmmcp's pkg/core/http.go WithRetry shape,
// adapted to plain log/slog (no distributed tracing — an ambient concern
// this module keeps lightweight, see DESIGN.md) and to the spec's retry
// counts: 4xx is never retried, connection errors and 5xx are.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// LiveRetryOptions matches spec §4.5: "N=2 during live serving."
var LiveRetryOptions = RetryOptions{MaxAttempts: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}

// SeedRetryOptions matches spec §4.5: "up to N=100 times... during
// seeding."
var SeedRetryOptions = RetryOptions{MaxAttempts: 100, InitialDelay: 200 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 1.5}

// NewHTTPClient builds a client refusing TLS below 1.2, per spec §7.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// RequestFactory builds a fresh *http.Request per attempt, so requests
// with bodies (POST legend/feature-info queries) can be retried safely.
type RequestFactory func(ctx context.Context) (*http.Request, error)

// HostLimiters holds one rate.Limiter per hostname, implementing
// concurrent_requests "keyed by hostname, not URL" (spec §5). Grounded on
// osmmcp's golang.org/x/time/rate usage.
type HostLimiters struct {
	limiters sync.Map // hostname -> *rate.Limiter
	rps      float64
	burst    int
}

// NewHostLimiters builds a registry handing out one limiter per hostname,
// each allowing rps requests/sec with the given burst.
func NewHostLimiters(rps float64, burst int) *HostLimiters {
	return &HostLimiters{rps: rps, burst: burst}
}

func (h *HostLimiters) forHost(host string) *rate.Limiter {
	l, _ := h.limiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(h.rps), h.burst))
	return l.(*rate.Limiter)
}

// Wait blocks until host's limiter admits one request, or ctx is done.
func (h *HostLimiters) Wait(ctx context.Context, host string) error {
	if h == nil || h.rps <= 0 {
		return nil
	}
	return h.forHost(host).Wait(ctx)
}

// DoWithRetry executes the request built by factory with exponential
// backoff, honoring opts.MaxAttempts. A 4xx status returns immediately so
// callers can apply their on_error mapping without burning retry budget;
// other non-2xx statuses (5xx) and connection errors retry.
func DoWithRetry(ctx context.Context, client *http.Client, factory RequestFactory, opts RetryOptions, limiters *HostLimiters) (*http.Response, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	delay := opts.InitialDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var lastErr error

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = time.Duration(float64(delay) * opts.Multiplier)
			if opts.MaxDelay > 0 && delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}

		req, err := factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("source: build request: %w", err)
		}
		if limiters != nil {
			if err := limiters.Wait(ctx, req.URL.Hostname()); err != nil {
				return nil, err
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("source request failed", "url", req.URL.String(), "attempt", attempt+1, "err", err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// WMS 4xx responses are not retried, per spec §4.5.
			return resp, nil
		}
		resp.Body.Close()
		lastErr = fmt.Errorf("source: http %d from %s", resp.StatusCode, req.URL.Host)
		slog.Warn("source request returned retryable status", "url", req.URL.String(), "status", resp.StatusCode, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("source: exhausted %d attempts: %w", opts.MaxAttempts, lastErr)
}
