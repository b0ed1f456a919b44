// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crm is the client for the upstream CRM REST API.
//
// The API is slow, rate-limited, and pull-only. Every call goes through a
// client-side rate limiter and a retrying transport, so callers only need to
// handle terminal failures.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/tombee/shopcal/internal/config"
)

// maxResolveBatch is the upstream limit on ids per user-resolution call.
const maxResolveBatch = 50

// Client talks to the CRM REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageSize   int
}

// StatusError is returned for non-2xx CRM responses that were not retried
// away by the transport.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("crm returned HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("crm returned HTTP %d", e.StatusCode)
}

// New creates a CRM client from configuration. token is the resolved static
// API token; it is ignored when OAuth client-credentials is configured.
func New(cfg config.CRMConfig, token string) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("crm base url is required")
	}

	retry := newRetryTransport(nil, cfg.RetryAttempts)

	var httpClient *http.Client
	if cfg.OAuth != nil {
		cc := clientcredentials.Config{
			TokenURL:     cfg.OAuth.TokenURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			Scopes:       cfg.OAuth.Scopes,
		}
		// The oauth2 transport wraps the retry transport so token refresh
		// requests are retried too.
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: retry})
		httpClient = cc.Client(ctx)
		httpClient.Timeout = cfg.Timeout
	} else {
		if token == "" {
			return nil, fmt.Errorf("crm token is required")
		}
		httpClient = &http.Client{
			Transport: &authTransport{base: retry, token: token},
			Timeout:   cfg.Timeout,
		}
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		pageSize:   cfg.PageSize,
	}, nil
}

// ListRecords fetches one page of records matching the stage filter.
// An empty stage means no filter. Returns the page and the next cursor;
// an empty next cursor means the listing is complete.
func (c *Client) ListRecords(ctx context.Context, stage, cursor string) ([]RawRecord, string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.pageSize))
	if stage != "" {
		q.Set("stage", stage)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page struct {
		Records    []RawRecord `json:"records"`
		NextCursor string      `json:"next_cursor"`
	}
	if err := c.get(ctx, "/records", q, &page); err != nil {
		return nil, "", fmt.Errorf("list records (stage=%q): %w", stage, err)
	}

	return page.Records, page.NextCursor, nil
}

// ListAllRecords follows cursors until the stage partition is exhausted.
func (c *Client) ListAllRecords(ctx context.Context, stage string) ([]RawRecord, error) {
	var all []RawRecord
	cursor := ""
	for {
		records, next, err := c.ListRecords(ctx, stage, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

// UpdateField writes a single field value on a record.
// Not retried: field updates are not idempotent upstream.
func (c *Client) UpdateField(ctx context.Context, recordID int64, fieldID, value string) error {
	body := map[string]string{"field": fieldID, "value": value}
	path := fmt.Sprintf("/records/%d/fields", recordID)
	if err := c.post(ctx, path, body, nil); err != nil {
		return fmt.Errorf("update field %s on record %d: %w", fieldID, recordID, err)
	}
	return nil
}

// ResolveUsers maps user ids to display names, batching requests at the
// upstream limit of 50 ids per call.
func (c *Client) ResolveUsers(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))

	for start := 0; start < len(ids); start += maxResolveBatch {
		end := start + maxResolveBatch
		if end > len(ids) {
			end = len(ids)
		}

		var resp struct {
			Users map[string]string `json:"users"`
		}
		if err := c.post(ctx, "/users/resolve", map[string]any{"ids": ids[start:end]}, &resp); err != nil {
			return nil, fmt.Errorf("resolve users: %w", err)
		}

		for idStr, name := range resp.Users {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			names[id] = name
		}
	}

	return names, nil
}

// LatestModified returns the id and modification timestamp of the single
// most-recently-modified record. The reconciliation poller compares this
// value across ticks to detect missed triggers.
func (c *Client) LatestModified(ctx context.Context) (int64, string, error) {
	var resp struct {
		ID         int64  `json:"id"`
		ModifiedAt string `json:"modified_at"`
	}
	if err := c.get(ctx, "/records/latest", nil, &resp); err != nil {
		return 0, "", fmt.Errorf("latest modified: %w", err)
	}
	return resp.ID, resp.ModifiedAt, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
