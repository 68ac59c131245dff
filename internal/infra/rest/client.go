// Package rest implements the JSON transport used to reach the orchestrator backend.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/observability"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 16 << 10
	requestIDHeader  = "X-Request-ID"
)

// TokenSource supplies the Authorization header value for outgoing requests.
type TokenSource interface {
	AuthorizationHeader() string
}

// Refresher renews credentials after the backend rejects a token.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
	UserAgent  string
}

// Client performs authenticated JSON requests against the backend.
type Client struct {
	base      string
	http      *http.Client
	limiter   *rate.Limiter
	userAgent string
	metrics   *clientMetrics

	mu        sync.RWMutex
	auth      TokenSource
	refresher Refresher
}

// New constructs a Client. A zero RateLimit disables client-side throttling.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "orchestrator-client"
	}
	return &Client{
		base:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		http:      httpClient,
		limiter:   limiter,
		userAgent: userAgent,
		metrics:   newClientMetrics(),
	}
}

// BaseURL returns the resolved REST base.
func (c *Client) BaseURL() string { return c.base }

// SetAuth installs the token source and optional refresher used for authenticated calls.
func (c *Client) SetAuth(src TokenSource, refresher Refresher) {
	c.mu.Lock()
	c.auth = src
	c.refresher = refresher
	c.mu.Unlock()
}

func (c *Client) authState() (TokenSource, Refresher) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth, c.refresher
}

type requestConfig struct {
	anonymous bool
	noRefresh bool
	query     url.Values
}

// RequestOption tweaks a single request.
type RequestOption func(*requestConfig)

// Anonymous omits the Authorization header.
func Anonymous() RequestOption {
	return func(c *requestConfig) { c.anonymous = true }
}

// NoRefresh disables the refresh-and-retry path on 401.
func NoRefresh() RequestOption {
	return func(c *requestConfig) { c.noRefresh = true }
}

// WithQuery attaches query parameters.
func WithQuery(values url.Values) RequestOption {
	return func(c *requestConfig) { c.query = values }
}

// Get issues a GET and decodes the normalised payload into out.
func (c *Client) Get(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodGet, path, nil, out, opts...)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPost, path, body, out, opts...)
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPut, path, body, out, opts...)
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodPatch, path, body, out, opts...)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out, opts...)
}

// Do performs a request and decodes the response into out (which may be nil).
// A 401 on an authenticated call triggers one credential refresh and retry.
func (c *Client) Do(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	cfg := requestConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	op := strings.ToLower(method) + " " + path

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		payload = encoded
	}

	raw, err := c.roundTrip(ctx, method, path, payload, cfg)
	if err != nil && errs.Is(err, errs.CodeAuth) && !cfg.anonymous && !cfg.noRefresh {
		_, refresher := c.authState()
		if refresher != nil {
			if refreshErr := refresher.Refresh(ctx); refreshErr == nil {
				raw, err = c.roundTrip(ctx, method, path, payload, cfg)
			} else {
				observability.Log().Debug("rest refresh after 401 failed", observability.F("op", op), observability.F("err", refreshErr))
			}
		}
	}
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := Decode(raw, out); err != nil {
		return errs.New(op, errs.CodeServer, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, cfg requestConfig) ([]byte, error) {
	op := strings.ToLower(method) + " " + path
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.FromTransport(op, err)
		}
	}

	endpoint := c.base + "/" + strings.TrimLeft(path, "/")
	if len(cfg.query) > 0 {
		endpoint += "?" + cfg.query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(requestIDHeader, uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !cfg.anonymous {
		if src, _ := c.authState(); src != nil {
			if header := src.AuthorizationHeader(); header != "" {
				req.Header.Set("Authorization", header)
			}
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.record(ctx, method, 0, time.Since(start))
		return nil, errs.FromTransport(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.record(ctx, method, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, parseError(op, resp.StatusCode, body)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.FromTransport(op, fmt.Errorf("read response: %w", err))
	}
	return raw, nil
}

// Decode unmarshals raw into out, unwrapping a {"data": ...} envelope when present.
func Decode(raw []byte, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			if inner, ok := envelope["data"]; ok && !isNull(inner) {
				trimmed = inner
			}
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
