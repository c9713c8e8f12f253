package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/hypogate/pkg/config"
	"github.com/odvcencio/hypogate/pkg/logging"
)

const (
	defaultBaseURL        = "https://openrouter.ai/api/v1"
	defaultHeaderTimeout  = 2 * time.Minute
	defaultStreamBuffer   = 16
	maxSSELineBytes       = 1024 * 1024
	maxErrorBodyPreview   = 500
	defaultRateLimit      = rate.Limit(2)
	defaultBurstSize      = 4
	defaultRequestReferer = "https://github.com/odvcencio/hypogate"
)

// DefaultTransport returns an http.Transport tuned for long-lived streams.
// headerTimeout bounds the wait for response headers only.
func DefaultTransport(headerTimeout time.Duration) *http.Transport {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// Client is an OpenRouter-compatible streaming client. Each Open makes one
// connection attempt; retry policy belongs to the caller.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	httpClient     *http.Client
	rateLimiter    *rate.Limiter
	circuitBreaker *CircuitBreaker
	logger         *slog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Model             string
	RequestsPerSecond float64
	Burst             int
	HeaderTimeout     time.Duration
	// CircuitBreakerConfig is optional; if nil, default config is used
	CircuitBreakerConfig *CircuitBreakerConfig
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a client with default options.
func NewClient(apiKey, baseURL string) *Client {
	return NewClientWithOptions(apiKey, baseURL, ClientOptions{})
}

// NewClientWithOptions creates a client.
func NewClientWithOptions(apiKey, baseURL string, opts ClientOptions) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := logging.OrDiscard(opts.Logger, logging.CategoryModel)

	cbConfig := DefaultCircuitBreakerConfig()
	if opts.CircuitBreakerConfig != nil {
		cbConfig = *opts.CircuitBreakerConfig
	}

	limit := defaultRateLimit
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurstSize
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: NewLoggingTransport(DefaultTransport(opts.HeaderTimeout), opts.Logger),
		}
	}

	return &Client{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		model:          opts.Model,
		httpClient:     httpClient,
		rateLimiter:    rate.NewLimiter(limit, burst),
		circuitBreaker: NewCircuitBreaker(cbConfig, opts.Logger),
		logger:         logger,
	}
}

// NewClientFromConfig builds a client from the model section of the config.
func NewClientFromConfig(cfg config.ModelConfig, logger *slog.Logger) *Client {
	return NewClientWithOptions(cfg.APIKey, cfg.BaseURL, ClientOptions{
		Model:             cfg.ID,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		HeaderTimeout:     cfg.RequestTimeout,
		CircuitBreakerConfig: &CircuitBreakerConfig{
			MaxFailures:  uint32(max(cfg.BreakerFailures, 0)),
			ResetTimeout: cfg.BreakerCooldown,
		},
		Logger: logger,
	})
}

// CircuitBreakerState reports the breaker state.
func (c *Client) CircuitBreakerState() string {
	return c.circuitBreaker.State()
}

// Open starts a streaming chat completion for one stage attempt.
func (c *Client) Open(ctx context.Context, req StageRequest) (Stream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	chatReq := completionRequest{
		Model:    modelID,
		Messages: req.Messages(),
		Stream:   true,
		User:     req.SessionID,
	}
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		stream *sseStream
		fatal  error
	)
	err = c.circuitBreaker.Call(func() error {
		s, err := c.connect(ctx, body)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable {
				// Client errors say nothing about endpoint health.
				fatal = err
				return nil
			}
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fatal != nil {
		return nil, fatal
	}

	c.logger.Debug("stream opened", "stage", req.Stage, "session_id", req.SessionID, "attempt", req.Attempt, "model", modelID)
	return stream, nil
}

func (c *Client) connect(ctx context.Context, body []byte) (*sseStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := c.parseError(resp)
		resp.Body.Close()
		cancel()
		return nil, apiErr
	}

	s := &sseStream{
		ctx:    streamCtx,
		cancel: cancel,
		body:   resp.Body,
		events: make(chan Event, defaultStreamBuffer),
	}
	go s.run()
	return s, nil
}

// setHeaders sets common request headers
func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("HTTP-Referer", defaultRequestReferer)
	req.Header.Set("X-Title", "hypogate")
}

// parseError parses an error response into an APIError
func (c *Client) parseError(resp *http.Response) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
		Retryable:  retryableStatus(resp.StatusCode),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return apiErr
	}

	var errResp errorEnvelope
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		rawBody := strings.TrimSpace(string(body))
		if len(rawBody) > maxErrorBodyPreview {
			rawBody = rawBody[:maxErrorBodyPreview] + "..."
		}
		if rawBody != "" {
			apiErr.Message = fmt.Sprintf("%s (raw: %s)", resp.Status, rawBody)
		}
		return apiErr
	}

	apiErr.Message = errResp.Error.Message
	apiErr.Kind = errResp.Error.Type
	if errResp.Error.Code != nil {
		apiErr.Code = fmt.Sprint(errResp.Error.Code)
	}
	return apiErr
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// sseStream adapts a server-sent-events body to the Stream interface.
type sseStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	events chan Event

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *sseStream) Events() <-chan Event { return s.events }

func (s *sseStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the request. It is safe to call more than once.
func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *sseStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *sseStream) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *sseStream) run() {
	defer close(s.events)
	defer s.Close()

	if err := s.parse(); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		s.setErr(err)
	}
}

// parse reads SSE lines until [DONE] or EOF.
func (s *sseStream) parse() error {
	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)

	var calls toolCallAccumulator
	flushCalls := func() bool {
		for _, tc := range calls.flush() {
			tc := tc
			if !s.send(Event{Kind: EventToolCall, ToolCall: &tc}) {
				return false
			}
		}
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			if !flushCalls() {
				return s.ctx.Err()
			}
			return nil
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("malformed json in stream chunk: %w", err)
		}
		if chunk.Error != nil {
			return &APIError{Message: chunk.Error.Message, Kind: chunk.Error.Type, Retryable: true}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !s.send(Event{Kind: EventText, Text: choice.Delta.Content}) {
					return s.ctx.Err()
				}
			}
			for _, delta := range choice.Delta.ToolCalls {
				calls.add(delta)
			}
			if choice.FinishReason != nil && calls.pending() {
				if !flushCalls() {
					return s.ctx.Err()
				}
			}
		}
		if chunk.Usage != nil {
			usage := *chunk.Usage
			if !s.send(Event{Kind: EventUsage, Usage: &usage}) {
				return s.ctx.Err()
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	if !flushCalls() {
		return s.ctx.Err()
	}
	return nil
}
