// Package llm talks to an Ollama-compatible text-generation endpoint.
//
// Client issues atomic and streamed completions and probes health.
// Retrier supervises atomic calls with bounded exponential backoff.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout       = 300 * time.Second
	defaultHealthTimeout = 10 * time.Second
	defaultListTimeout   = 30 * time.Second
	defaultIdleTimeout   = 60 * time.Second

	// maxLineSize bounds one NDJSON line of a streamed response.
	maxLineSize = 1 << 20
	// maxErrorBody bounds how much of a failed response is kept.
	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL string
	// APIKey is sent as a bearer token when set, for proxied endpoints.
	APIKey        string
	Timeout       time.Duration // atomic wall-clock budget
	HealthTimeout time.Duration
	IdleTimeout   time.Duration // max gap between stream lines
	RateLimit     float64       // requests per second, 0 = unlimited
	Burst         int
}

// Client is an HTTP client for the generation endpoint. It is safe for
// concurrent use; the underlying connection pool is its only shared state.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	metrics    *Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a Client. Zero durations fall back to defaults.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llm: base URL required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	c := &Client{
		cfg: cfg,
		// No client-wide timeout: atomic calls use a context budget and
		// streams use the idle timer.
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(c.logger)
	}
	return c, nil
}

// Generate performs one atomic completion bounded by Config.Timeout.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	const op = "generate"
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.generate(ctx, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = &TimeoutError{Op: op, Budget: c.cfg.Timeout}
	}
	c.metrics.RecordRequest(ctx, req.Model, op, time.Since(start), err)
	return resp, err
}

func (c *Client) generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	const op = "generate"

	resp, err := c.post(ctx, op, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	var out GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("undecodable response: %v", err)}
	}
	if out.Error != "" {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(out.Error)}
	}
	return &out, nil
}

// GenerateStream starts a streamed completion and yields text fragments in
// order. The sequence ends on the done marker or when the connection
// closes; a failure is yielded once as the final element. Breaking out of
// the loop cancels the request and closes the body.
//
// A gap longer than Config.IdleTimeout between lines aborts the stream
// with a *TimeoutError.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[string, error] {
	const op = "generate_stream"

	return func(yield func(string, error) bool) {
		start := time.Now()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var idled atomic.Bool
		idle := time.AfterFunc(c.cfg.IdleTimeout, func() {
			idled.Store(true)
			cancel()
		})
		defer idle.Stop()

		var streamErr error
		defer func() {
			c.metrics.RecordRequest(ctx, req.Model, op, time.Since(start), streamErr)
		}()

		fail := func(err error) {
			if idled.Load() {
				err = &TimeoutError{Op: op, Budget: c.cfg.IdleTimeout}
			}
			streamErr = err
			yield("", err)
		}

		resp, err := c.post(ctx, op, req, true)
		if err != nil {
			fail(err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				idle.Reset(c.cfg.IdleTimeout)
				continue
			}

			var chunk GenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				c.logger.Debug("skipping malformed stream line",
					zap.Int("line_len", len(line)), zap.Error(err))
				idle.Reset(c.cfg.IdleTimeout)
				continue
			}
			if chunk.Error != "" {
				fail(&TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(chunk.Error)})
				return
			}
			if chunk.Text != "" {
				// The consumer's time does not count against the idle budget.
				idle.Stop()
				if !yield(chunk.Text, nil) {
					return
				}
			}
			if chunk.Done {
				return
			}
			idle.Reset(c.cfg.IdleTimeout)
		}

		if err := scanner.Err(); err != nil {
			fail(&TransportError{Op: op, Err: fmt.Errorf("reading stream: %w", err)})
		}
	}
}

// post sends the generate request and returns the response when the
// status is 200. Any other status is a *TransportError.
func (c *Client) post(ctx context.Context, op string, req GenerateRequest, stream bool) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: op, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	body, err := json.Marshal(wireRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: stream,
		Images: req.Images,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}
	return resp, nil
}

// HealthCheck probes GET /api/tags. Any failure yields false.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	if _, err := c.tags(ctx); err != nil {
		c.logger.Debug("llm health check failed", zap.Error(err))
		return false
	}
	return true
}

// ListModels returns the models the endpoint has available.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultListTimeout)
	defer cancel()

	models, err := c.tags(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Op: "list_models", Budget: defaultListTimeout}
	}
	return models, err
}

func (c *Client) tags(ctx context.Context) ([]Model, error) {
	const op = "list_models"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var out tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	if out.Models == nil {
		out.Models = []Model{}
	}
	return out.Models, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}
