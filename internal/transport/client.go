package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/agentworkforce/leadbridge/internal/logger"
	"github.com/agentworkforce/leadbridge/internal/metrics"
)

type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Options struct {
	// Name labels metrics, logs and the circuit breaker.
	Name            string
	BaseURL         string
	TokenProvider   TokenProvider
	HTTPClient      *http.Client
	Headers         map[string]string
	UserAgent       string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *logger.Logger
}

type Client struct {
	name          string
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	headers       map[string]string
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	breaker       *gobreaker.CircuitBreaker
	log           *logger.Logger
}

type StatusError struct {
	Upstream   string
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s %s failed: status=%d code=%s message=%s", e.Upstream, e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s %s failed: status=%d message=%s", e.Upstream, e.Method, e.Path, e.StatusCode, e.Message)
}

// IsStatus reports whether err carries an upstream response with the given status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}

func New(opts Options) *Client {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "upstream"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 4
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	headers := map[string]string{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	c := &Client{
		name:          name,
		baseURL:       strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		headers:       headers,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		log:           log.With("upstream", name),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isUpstreamFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// DoJSON sends body (when non-nil) as JSON and decodes a 2xx response into out
// (when non-nil). Idempotent methods are retried on connection failures, 429
// and 5xx; POST and PATCH get exactly one attempt.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out any) error {
	if c == nil {
		return fmt.Errorf("transport client is nil")
	}
	var bodyBytes []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyBytes = data
	}
	token := ""
	if c.tokenProvider != nil {
		value, err := c.tokenProvider(ctx)
		if err != nil {
			return err
		}
		token = strings.TrimSpace(value)
	}

	policy := &retryAfterBackOff{inner: c.newBackOff(method)}
	var respBody []byte
	operation := func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.attempt(ctx, method, path, token, bodyBytes, policy)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("%s: %w", c.name, err))
			}
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			c.log.Debug("retrying upstream request", "method", method, "path", path, "error", err)
			return err
		}
		respBody, _ = result.([]byte)
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s %s %s: decode response: %w", c.name, method, path, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path, token string, bodyBytes []byte, policy *retryAfterBackOff) ([]byte, error) {
	var reader io.Reader
	if bodyBytes != nil {
		reader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.OutboundLatency.WithLabelValues(c.name).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.OutboundRequests.WithLabelValues(c.name, "error").Inc()
		return nil, &connectionError{err: err}
	}
	defer resp.Body.Close()
	metrics.OutboundRequests.WithLabelValues(c.name, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &connectionError{err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return respBody, nil
	}
	if retryAfter := parseRetryAfterSeconds(resp.Header.Get("Retry-After")); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			retryAfter = c.maxDelay
		}
		policy.hint = retryAfter
	}
	return nil, c.statusError(method, path, resp.StatusCode, respBody)
}

func (c *Client) statusError(method, path string, status int, body []byte) *StatusError {
	statusErr := &StatusError{
		Upstream:   c.name,
		Method:     method,
		Path:       path,
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			statusErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			statusErr.Message = message
		}
	}
	return statusErr
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) newBackOff(method string) backoff.BackOff {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
	default:
		return &backoff.StopBackOff{}
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseDelay
	exp.MaxInterval = c.maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, uint64(c.maxRetries))
}

// retryAfterBackOff lets an upstream Retry-After header override the next delay.
type retryAfterBackOff struct {
	inner backoff.BackOff
	hint  time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.inner.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > 0 {
		next = b.hint
		b.hint = 0
	}
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.inner.Reset()
}

type connectionError struct {
	err error
}

func (e *connectionError) Error() string { return e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var connErr *connectionError
	if errors.As(err, &connErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	return false
}

func isUpstreamFailure(err error) bool {
	var connErr *connectionError
	if errors.As(err, &connErr) {
		var netErr net.Error
		return errors.As(err, &netErr) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, io.ErrUnexpectedEOF)
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return false
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
