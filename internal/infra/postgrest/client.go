// Package postgrest provides a PostStore backed by a PostgREST API
// (self-hosted or Supabase).
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

const serviceName = "postgrest"

var tracer = otel.Tracer("postgrest")

// Client wraps HTTP calls to the PostgREST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	serviceKey string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	logger     *zap.Logger
}

// NewClient creates a PostgREST client. serviceKey is sent as the bearer
// token; when empty the API key is used.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	if serviceKey == "" {
		serviceKey = apiKey
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		serviceKey: serviceKey,
		cb:         cb,
		cfg:        cfg,
		logger:     logger,
	}
}

// response is a 2xx reply from PostgREST.
type response struct {
	body  []byte
	total int // from Content-Range; -1 when absent
}

// statusError is a non-2xx reply. 4xx other than 408/429 are permanent.
type statusError struct {
	method string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("postgrest %s returned %d: %s", e.method, e.status, e.body)
}

// do executes one authenticated request. payload is JSON-encoded when non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload any, prefer string) (*response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, resilience.Permanent(fmt.Errorf("encode %s payload: %w", path, err))
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.logger.Error("postgrest: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, resilience.Permanent(err)
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("postgrest: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("postgrest: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(data)),
		)
		serr := &statusError{method: method, status: resp.StatusCode, body: string(data)}
		if isPermanentStatus(resp.StatusCode) {
			return nil, resilience.Permanent(serr)
		}
		return nil, serr
	}

	c.logger.Debug("postgrest: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	return &response{body: data, total: parseContentRange(resp.Header.Get("Content-Range"))}, nil
}

// call runs fn behind the circuit breaker with retries and maps failures to
// domain errors.
func (c *Client) call(ctx context.Context, fn func() error) error {
	return c.callWith(ctx, c.cfg, fn)
}

// callOnce is call without retries, for non-idempotent writes.
func (c *Client) callOnce(ctx context.Context, fn func() error) error {
	cfg := c.cfg
	cfg.MaxRetries = 0
	return c.callWith(ctx, cfg, fn)
}

func (c *Client) callWith(ctx context.Context, cfg resilience.Config, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, cfg, fn)
	})
	if err == nil {
		return nil
	}

	var nf *domain.ErrNotFound
	if errors.As(err, &nf) {
		return nf
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: serviceName}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ErrTimeout{Operation: serviceName}
	}
	return &domain.ErrExternalService{Service: serviceName, Err: err}
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// parseContentRange extracts the total from "0-19/42" or "*/0".
func parseContentRange(v string) int {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil {
		return -1
	}
	return n
}
