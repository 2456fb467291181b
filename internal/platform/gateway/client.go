// Package gateway is the HTTP client for the hospital's payment gateway.
// Requests are authenticated with client id and api key headers, create
// requests are HMAC signed, and every failure maps onto one of the package
// sentinel errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	codeOK       = "00"
	codeNotFound = "101"

	defaultTimeout = 8 * time.Second
)

type Config struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	Timeout     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client talks to the payment gateway. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout + time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateIntent signs req and registers it with the gateway.
func (c *Client) CreateIntent(ctx context.Context, req CreateRequest) (*Intent, error) {
	req.Signature = Sign(req, c.cfg.ChecksumKey)
	var out Intent
	if err := c.do(ctx, "create_intent", http.MethodPost, "/v2/payment-requests", req, &out); err != nil {
		return nil, err
	}
	if out.OrderCode == 0 {
		out.OrderCode = req.OrderCode
	}
	return &out, nil
}

// GetIntent returns ErrNotFound when the gateway has no such order code.
func (c *Client) GetIntent(ctx context.Context, orderCode int64) (*Intent, error) {
	var out Intent
	path := "/v2/payment-requests/" + strconv.FormatInt(orderCode, 10)
	if err := c.do(ctx, "get_intent", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListIntents(ctx context.Context, q ListQuery) (*IntentPage, error) {
	params := url.Values{}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("pageSize", strconv.Itoa(q.PageSize))
	if !q.From.IsZero() {
		params.Set("fromDate", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("toDate", q.To.UTC().Format(time.RFC3339))
	}

	var out IntentPage
	if err := c.do(ctx, "list_intents", http.MethodGet, "/v2/payment-requests?"+params.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type envelope struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &APIError{Op: op, kind: ErrRejected, cause: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return &APIError{Op: op, kind: ErrRejected, cause: err}
	}
	req.Header.Set("x-client-id", c.cfg.ClientID)
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := ErrUnavailable
		if isTimeout(ctx, err) {
			kind = ErrTimeout
		}
		c.logger.Warn().Err(err).Str("op", op).Dur("latency", time.Since(start)).Msg("gateway call failed")
		return &APIError{Op: op, kind: kind, cause: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		kind := ErrUnavailable
		if isTimeout(ctx, err) {
			kind = ErrTimeout
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, kind: kind, cause: err}
	}

	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("gateway call")

	if apiErr := classifyStatus(op, resp); apiErr != nil {
		var env envelope
		if json.Unmarshal(payload, &env) == nil {
			apiErr.Code, apiErr.Desc = env.Code, env.Desc
		}
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, kind: ErrRejected, cause: fmt.Errorf("decode envelope: %w", err)}
	}
	switch env.Code {
	case codeOK:
	case codeNotFound:
		return &APIError{Op: op, StatusCode: resp.StatusCode, Code: env.Code, Desc: env.Desc, kind: ErrNotFound}
	default:
		return &APIError{Op: op, StatusCode: resp.StatusCode, Code: env.Code, Desc: env.Desc, kind: ErrRejected}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &APIError{Op: op, StatusCode: resp.StatusCode, kind: ErrRejected, cause: fmt.Errorf("decode data: %w", err)}
		}
	}
	return nil
}

func classifyStatus(op string, resp *http.Response) *APIError {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Op: op, StatusCode: resp.StatusCode, kind: ErrRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{Op: op, StatusCode: resp.StatusCode, kind: ErrNotFound}
	case resp.StatusCode >= 500:
		return &APIError{Op: op, StatusCode: resp.StatusCode, kind: ErrUnavailable,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{Op: op, StatusCode: resp.StatusCode, kind: ErrRejected}
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
