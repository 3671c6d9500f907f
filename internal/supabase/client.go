// Package supabase is a minimal PostgREST client for the relational store.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
)

// Client talks to a Supabase project's PostgREST endpoint using the
// service role key.
type Client struct {
	BaseURL    string
	ServiceKey string
	HTTP       *http.Client
}

// New creates a client for the given project URL and service key.
func New(baseURL, serviceKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		ServiceKey: serviceKey,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}

// List fetches all rows of a table as generic maps.
func (c *Client) List(ctx context.Context, table string) ([]map[string]any, error) {
	return c.Select(ctx, table, url.Values{"select": {"*"}})
}

// Select fetches rows with explicit query parameters (filters, order, limit).
func (c *Client) Select(ctx context.Context, table string, params url.Values) ([]map[string]any, error) {
	var rows []map[string]any
	path := "/rest/v1/" + table
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	if err := c.do(ctx, "GET", path, nil, nil, &rows); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return rows, nil
}

// Insert creates a row and returns the stored representation.
func (c *Client) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	var out []map[string]any
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.do(ctx, "POST", "/rest/v1/"+table, headers, row, &out); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("insert %s: empty representation", table)
	}
	return out[0], nil
}

// Update patches the row with the given id and returns the stored representation.
func (c *Client) Update(ctx context.Context, table, id string, patch map[string]any) (map[string]any, error) {
	var out []map[string]any
	headers := map[string]string{"Prefer": "return=representation"}
	path := fmt.Sprintf("/rest/v1/%s?id=eq.%s", table, url.QueryEscape(id))
	if err := c.do(ctx, "PATCH", path, headers, patch, &out); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("update %s/%s: %w", table, id, ErrNotFound)
	}
	return out[0], nil
}

// Delete removes the row with the given id.
func (c *Client) Delete(ctx context.Context, table, id string) error {
	path := fmt.Sprintf("/rest/v1/%s?id=eq.%s", table, url.QueryEscape(id))
	if err := c.do(ctx, "DELETE", path, nil, nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// do executes one request with exponential backoff on 429/5xx and network
// errors. Other failures are permanent.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	op := func() error {
		return c.doOnce(ctx, method, path, headers, payload, result)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(op, bo)
}

func (c *Client) doOnce(ctx context.Context, method, path string, headers map[string]string, payload []byte, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("apikey", c.ServiceKey)
	req.Header.Set("Authorization", "Bearer "+c.ServiceKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusUnauthorized:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, respBody))
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, respBody))
	case resp.StatusCode >= 400:
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && (apiErr.Message != "" || apiErr.Code != "") {
			return backoff.Permanent(&apiErr)
		}
		return backoff.Permanent(fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}
