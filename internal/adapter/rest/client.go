// Package rest executes authenticated, rate-limited calls against the HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"gatewayd/internal/adapter/ratelimit"
	"gatewayd/internal/domain"
	"gatewayd/internal/infra/config"
	"gatewayd/internal/infra/logger"
	"gatewayd/internal/infra/metrics"
	"gatewayd/internal/infra/tracer"
)

// Rate limit response headers.
const (
	HeaderLimit     = "X-RateLimit-Total"
	HeaderLimitAlt  = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 8 << 20

// Response is a successful API answer.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Options configures a Client.
type Options struct {
	BaseURL       string
	Authorization string // full header value, e.g. "Bot <token>"
	UserAgent     string
	MaxRetries    int
	GlobalRPS     float64 // client-side request throttle, 0 disables it
	GlobalBurst   int
	Breaker       config.CircuitBreakerConfig
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// OptionsFromConfig maps the rest config section onto Options.
func OptionsFromConfig(cfg config.RESTConfig, tokenType, token string) Options {
	return Options{
		BaseURL:       cfg.BaseURL,
		Authorization: Authorization(tokenType, token),
		UserAgent:     cfg.UserAgent,
		MaxRetries:    cfg.MaxRetries,
		GlobalRPS:     cfg.GlobalRPS,
		GlobalBurst:   cfg.GlobalBurst,
		Breaker:       cfg.Breaker,
		HTTPClient:    NewHTTPClient(cfg),
	}
}

// Authorization joins the credential prefix and token into a header value.
func Authorization(tokenType, token string) string {
	if tokenType == "" {
		return token
	}
	return tokenType + " " + token
}

// Client is the request executor. It is safe for concurrent use; every
// call shares the bucket registry of the client it was made through.
type Client struct {
	baseURL    string
	auth       string
	userAgent  string
	maxRetries int
	http       *http.Client
	buckets    *ratelimit.Registry
	throttle   *rate.Limiter
	breaker    *breaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultConnTimeout + defaultRespTimeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	log := logger.OrDiscard(opts.Logger).With("component", "rest")

	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		auth:       opts.Authorization,
		userAgent:  opts.UserAgent,
		maxRetries: maxRetries,
		http:       httpClient,
		buckets:    ratelimit.NewRegistry(),
		breaker:    newBreaker(hostOf(opts.BaseURL), opts.Breaker, log),
		logger:     log,
		metrics:    opts.Metrics,
	}
	if opts.GlobalRPS > 0 {
		burst := opts.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		c.throttle = rate.NewLimiter(rate.Limit(opts.GlobalRPS), burst)
	}
	return c
}

func hostOf(baseURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, body)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil)
}

// Do executes one API call. A nil body sends no body. Rate limited answers
// are retried up to MaxRetries times, each retry waiting on the bucket (or
// the global lock) the 429 deferred. Every other failure is returned as a
// *domain.RequestError, domain.ErrTransport, or domain.ErrCircuitOpen.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	key := ratelimit.BucketKey(method, path)
	bucket := c.buckets.Bucket(key)

	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, method, path, bucket, payload)
		var rl *domain.RateLimitError
		if !domain.IsRetryableError(err) || !errors.As(err, &rl) || attempt >= c.maxRetries {
			return resp, err
		}
		c.metrics.RESTRetry(rl.Global)
		c.logger.Debug("rate limited, retrying",
			"bucket", key,
			"global", rl.Global,
			"retry_after", rl.RetryAfter,
			"attempt", attempt+1,
		)
	}
}

func (c *Client) attempt(ctx context.Context, method, path string, bucket *ratelimit.Bucket, payload []byte) (*Response, error) {
	ctx, span := tracer.StartSpan(ctx, "rest.request", trace.WithAttributes(
		tracer.StringAttr("http.method", method),
		tracer.StringAttr("rest.route", path),
		tracer.StringAttr("rest.bucket", bucket.Key()),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.exchange(ctx, method, path, bucket, payload)

	status := 0
	if resp != nil {
		status = resp.Status
		span.SetAttributes(tracer.IntAttr("http.status", status))
	}
	c.metrics.RESTRequest(method, status, time.Since(start).Seconds())

	if err != nil {
		span.SetAttributes(tracer.StringAttr("error.code", string(domain.ErrorCodeOf(err))))
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	return resp, nil
}

// exchange runs the reserve, send, update, classify cycle for one attempt.
// resp is returned alongside a classification error so the caller can
// record the status.
func (c *Client) exchange(ctx context.Context, method, path string, bucket *ratelimit.Bucket, payload []byte) (*Response, error) {
	if c.throttle != nil {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := bucket.Reserve(ctx); err != nil {
		return nil, err
	}

	resp, err := c.breaker.execute(func() (*Response, error) {
		resp, err := c.send(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		return resp, domain.StatusKind(resp.Status)
	})
	if resp == nil {
		// The request never produced an answer; the slot was not spent.
		bucket.Refund()
		return nil, err
	}

	c.updateBucket(bucket, resp.Header)
	if err == nil {
		return resp, nil
	}
	return resp, c.classify(method, path, bucket, resp)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, method, path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s %s: %v", domain.ErrTransport, method, path, err)
	}
	return &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

// updateBucket applies the rate limit headers of every answer. An answer
// without any of them tells nothing about the window, so the slot goes back.
func (c *Client) updateBucket(bucket *ratelimit.Bucket, h http.Header) {
	limit := h.Get(HeaderLimit)
	if limit == "" {
		limit = h.Get(HeaderLimitAlt)
	}
	remaining, reset := h.Get(HeaderRemaining), h.Get(HeaderReset)
	if limit == "" && remaining == "" && reset == "" {
		bucket.Refund()
		return
	}
	bucket.Update(limit, remaining, reset)
}

type apiError struct {
	Code       int      `json:"code"`
	Message    string   `json:"message"`
	RetryAfter *float64 `json:"retry_after"`
	Global     bool     `json:"global"`
}

// classify turns a non-2xx answer into a typed failure. A 429 also defers
// the bucket, or the whole client when the limit is global.
func (c *Client) classify(method, path string, bucket *ratelimit.Bucket, resp *Response) error {
	var body apiError
	_ = json.Unmarshal(resp.Body, &body)

	reqErr := domain.RequestError{
		Kind:    domain.StatusKind(resp.Status),
		Method:  method,
		Path:    path,
		Status:  resp.Status,
		Code:    body.Code,
		Message: body.Message,
	}
	if resp.Status != http.StatusTooManyRequests {
		return &reqErr
	}

	wait := retryAfter(body.RetryAfter, resp.Header.Get("Retry-After"))
	global := body.Global || strings.EqualFold(resp.Header.Get("X-RateLimit-Global"), "true")
	if global {
		c.buckets.LockGlobal(wait)
	} else {
		bucket.Defer(wait)
	}
	return &domain.RateLimitError{RequestError: reqErr, RetryAfter: wait, Global: global}
}

// retryAfter reads the body value (milliseconds) and falls back to the
// Retry-After header (seconds).
func retryAfter(bodyMS *float64, header string) time.Duration {
	if bodyMS != nil && *bodyMS >= 0 {
		return time.Duration(math.Ceil(*bodyMS * float64(time.Millisecond)))
	}
	if s, err := strconv.ParseFloat(header, 64); err == nil && s >= 0 {
		return time.Duration(s * float64(time.Second))
	}
	return time.Second
}

// Buckets exposes the client's bucket registry.
func (c *Client) Buckets() *ratelimit.Registry { return c.buckets }

// BreakerState reports the circuit breaker state ("closed" when disabled).
func (c *Client) BreakerState() string { return c.breaker.state().String() }
