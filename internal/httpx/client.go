// Package httpx posts JSON over fasthttp. One logical call keeps a single request
// id across its attempts so the receiving side can correlate retries.
package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-matchsync/internal/obslog"
)

// HeaderRequestID carries the per-call correlation id.
const HeaderRequestID = "X-Request-Id"

const maxRetryAfter = 5 * time.Second

// HeaderProvider is consulted once per call.
type HeaderProvider func() map[string]string

// StatusError is a non-2xx response. Body is kept for structured failures.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("http status=%d body=%s", e.Status, body)
}

type Client struct {
	base     string
	hc       *fasthttp.Client
	headers  HeaderProvider
	timeout  time.Duration
	attempts int
	step     time.Duration
}

type Option func(*Client)

// WithTimeout bounds each attempt; a nearer ctx deadline wins.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithHeaderProvider(h HeaderProvider) Option { return func(c *Client) { c.headers = h } }

// WithRetry sets how many attempts a retryable call gets in total.
func WithRetry(attempts int) Option { return func(c *Client) { c.attempts = attempts } }

// WithBackoffBase sets the first retry delay; later ones double up to 32x.
func WithBackoffBase(d time.Duration) Option { return func(c *Client) { c.step = d } }

// WithDialer overrides connection setup (in-memory listeners in tests).
func WithDialer(dial fasthttp.DialFunc) Option { return func(c *Client) { c.hc.Dial = dial } }

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		hc: &fasthttp.Client{
			Name:            "matchsync",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxConnsPerHost: 64,
		},
		timeout:  10 * time.Second,
		attempts: 3,
		step:     100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

// PostJSON posts in and decodes a 2xx body into out when out is non-nil. With
// retry set, transport failures and 502/503/504 are retried; 500 is not, since
// the handler may already have run.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any, retry bool) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpx: encode %s: %w", path, err)
		}
		payload = b
	}
	reqID := uuid.NewString()
	var hdr map[string]string
	if c.headers != nil {
		hdr = c.headers()
	}

	attempts := 1
	if retry {
		attempts = c.attempts
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, wait, err := c.exchange(ctx, path, reqID, hdr, payload)
		if err == nil {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("httpx: decode %s: %w", path, err)
			}
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		if wait <= 0 {
			wait = c.backoff(attempt)
		}
		obslog.L().Debug("httpx_retry",
			zap.String("path", path),
			zap.String("request_id", reqID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// exchange performs one attempt. wait is the server's Retry-After hint, if any.
func (c *Client) exchange(ctx context.Context, path, reqID string, hdr map[string]string, payload []byte) (body []byte, wait time.Duration, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.base + path)
	req.Header.SetContentType("application/json")
	req.Header.Set(HeaderRequestID, reqID)
	for k, v := range hdr {
		if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
			req.Header.Set(k, v)
		}
	}
	if payload != nil {
		req.SetBody(payload)
	}

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return nil, 0, fmt.Errorf("httpx: %s: %w", path, err)
	}
	body = append([]byte(nil), resp.Body()...)
	if status := resp.StatusCode(); status < 200 || status >= 300 {
		if secs, perr := strconv.Atoi(string(resp.Header.Peek(fasthttp.HeaderRetryAfter))); perr == nil && secs > 0 {
			wait = min(time.Duration(secs)*time.Second, maxRetryAfter)
		}
		return nil, wait, &StatusError{Status: status, Body: body}
	}
	return body, 0, nil
}

func retryable(err error) bool {
	serr, ok := err.(*StatusError)
	if !ok {
		return true
	}
	switch serr.Status {
	case fasthttp.StatusBadGateway, fasthttp.StatusServiceUnavailable, fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) backoff(attempt int) time.Duration {
	return c.step << min(attempt-1, 5)
}
