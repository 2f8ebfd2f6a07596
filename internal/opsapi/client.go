package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roomrelay/internal/janitor"
	"roomrelay/internal/pipeline"
)

// Client talks to a running ops API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{BaseURL: base, Token: strings.TrimSpace(token), HTTP: &http.Client{Timeout: 30 * time.Second}}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ops api: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) Stats(ctx context.Context) (pipeline.Stats, error) {
	var st pipeline.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &st)
	return st, err
}

// CleanupCache removes entries idle for at least minutes; 0 removes all.
func (c *Client) CleanupCache(ctx context.Context, minutes int) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	q := url.Values{"minutes": {strconv.Itoa(minutes)}}
	err := c.do(ctx, http.MethodPost, "/v1/cache/cleanup?"+q.Encode(), nil, &out)
	return out.Removed, err
}

func (c *Client) ClearCache(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/cache/clear", nil, &out)
	return out.Removed, err
}

func (c *Client) SetCacheEnabled(ctx context.Context, on bool) error {
	return c.do(ctx, http.MethodPost, "/v1/cache/enabled", map[string]bool{"enabled": on}, nil)
}

func (c *Client) Submit(ctx context.Context, room string, req SubmitRequest) (pipeline.Receipt, error) {
	var rc pipeline.Receipt
	err := c.do(ctx, http.MethodPost, "/v1/rooms/"+url.PathEscape(room)+"/messages", req, &rc)
	return rc, err
}

func (c *Client) Jobs(ctx context.Context) ([]janitor.JobStatus, error) {
	var out []janitor.JobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &out)
	return out, err
}

func (c *Client) RunJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(name)+"/run", nil, nil)
}
