// Package httpx is the JSON HTTP client shared by the aggregator and price
// adapters. It retries transient failures and maps HTTP outcomes to typed errors.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/version"
)

const maxRetryAfter = 5 * time.Second

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	log        zerolog.Logger
}

type Option func(*Client)

// WithLogger logs every attempt at debug level.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func New(timeout time.Duration, retries int, opts ...Option) *Client {
	if retries < 0 {
		retries = 0
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.UserAgent(),
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DoJSON sends req and decodes a 2xx JSON body into out. Network errors, 429
// and 5xx responses are retried with jittered backoff; a Retry-After header on
// 429 replaces the backoff when it is shorter than maxRetryAfter.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if wait <= 0 {
				wait = backoff(attempt)
			}
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(wait):
			}
			wait = 0
		}

		attemptReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			attemptReq.Body = body
		}

		start := time.Now()
		resp, err := c.httpClient.Do(attemptReq)
		if err != nil {
			lastErr = mapNetError(err)
			c.log.Debug().Err(err).Str("host", req.URL.Host).Int("attempt", attempt).Msg("provider request failed")
			if attempt < c.retries && ctx.Err() == nil {
				continue
			}
			return nil, lastErr
		}
		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		c.log.Debug().
			Str("host", req.URL.Host).
			Str("path", req.URL.Path).
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Dur("latency", time.Since(start)).
			Msg("provider response")
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read provider response", readErr)
		}

		statusErr, retryable := classify(resp.StatusCode, buf)
		if statusErr != nil {
			lastErr = statusErr
			if retryable && attempt < c.retries {
				wait = retryAfter(resp.Header)
				continue
			}
			return resp.Header, statusErr
		}

		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeUnavailable, "provider returned empty response")
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode provider JSON", err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

// GetJSON issues a GET with optional headers and decodes the JSON body into out.
func GetJSON(ctx context.Context, c *Client, url string, headers map[string]string, out any) (http.Header, error) {
	return DoBodyJSON(ctx, c, http.MethodGet, url, nil, headers, out)
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// classify maps a non-2xx status to a typed error and reports whether another
// attempt may succeed.
func classify(status int, body []byte) (error, bool) {
	switch {
	case status >= 200 && status < 300:
		return nil, false
	case status == http.StatusTooManyRequests:
		return clierr.New(clierr.CodeRateLimited, "provider rate limited request"), true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return clierr.New(clierr.CodeAuth, "provider authentication failed"), false
	case status >= http.StatusInternalServerError:
		return clierr.New(clierr.CodeUnavailable, withDetail(fmt.Sprintf("provider unavailable (status %d)", status), body)), true
	default:
		return clierr.New(clierr.CodeUnsupported, withDetail(fmt.Sprintf("provider returned unexpected status %d", status), body)), false
	}
}

func withDetail(msg string, body []byte) string {
	if detail := providerMessage(body); detail != "" {
		return msg + ": " + detail
	}
	return msg
}

// providerMessage extracts a short error message from common aggregator error bodies.
func providerMessage(buf []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if err := json.Unmarshal(buf, &body); err != nil {
		return ""
	}
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		if s, ok := body.Error.(string); ok {
			msg = strings.TrimSpace(s)
		}
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// retryAfter reads a Retry-After header in seconds. Zero means use backoff.
func retryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func mapNetError(err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "provider timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "provider request failed", err)
}

func backoff(attempt int) time.Duration {
	d := 120 * time.Millisecond * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d + time.Duration(rand.Intn(75))*time.Millisecond
}
