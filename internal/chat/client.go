package chat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nichiyoo/open-webui-vanna/internal/fault"
)

const (
	serviceName      = "completion service"
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Config describes how to reach an OpenAI-compatible completion service.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	VerifyTLS bool
	// Timeout bounds a streaming request end to end. Zero uses 300s.
	Timeout time.Duration
}

// Client communicates with an OpenAI-compatible chat completion API.
type Client struct {
	apiKey        string
	baseURL       string
	model         string
	streamTimeout time.Duration
	httpClient    *http.Client
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via completion.verify_tls
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = streamingTimeout
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		model:         cfg.Model,
		streamTimeout: timeout,
		httpClient:    &http.Client{Transport: transport},
	}
}

// Model returns the default model identifier.
func (c *Client) Model() string {
	return c.model
}

// Chat sends a chat completion request and returns the response body as a
// ReadCloser. For streaming requests the body contains SSE events; the caller
// is responsible for closing it. For non-streaming requests the body contains
// the complete JSON response. An empty req.Model uses the configured model.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := defaultTimeout
	if req.Stream {
		timeout = c.streamTimeout
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}

		if !isRateLimit(err) {
			return nil, fault.Classify(serviceName, err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429. It counts as the remote being
// unavailable once retries are exhausted.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (e *rateLimitError) Is(target error) bool {
	return target == fault.ErrRemoteUnavailable
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return nil, &fault.StatusError{Service: serviceName, Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	// Wrap the body so the timeout context cancel is called when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// ListModels returns the models the completion service advertises. It doubles
// as a reachability probe.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Classify(serviceName, fmt.Errorf("requesting models: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &fault.StatusError{Service: serviceName, Code: resp.StatusCode}
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &fault.MalformedResponseError{Service: serviceName, Err: err}
	}

	if list.Data == nil {
		return []Model{}, nil
	}
	return list.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
