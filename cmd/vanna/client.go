package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nichiyoo/open-webui-vanna/internal/config"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	base := serverURL
	if base == "" {
		base = cfg.Server.BaseURL()
	}
	// No client timeout: ask streams for as long as the pipeline runs.
	// Requests are bounded by their context instead.
	return &apiClient{
		baseURL:    strings.TrimRight(base, "/"),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s, is vanna serve running? (%w)", c.baseURL, err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// decodeJSON decodes a successful response into v. Error responses are
// reported with the server's error message when it sent the usual envelope.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func responseError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
	}
	var envelope struct {
		Error struct {
			Message string   `json:"message"`
			Missing []string `json:"missing"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		if len(envelope.Error.Missing) > 0 {
			return fmt.Errorf("server returned %d: %s (missing: %s)", resp.StatusCode, envelope.Error.Message, strings.Join(envelope.Error.Missing, ", "))
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
