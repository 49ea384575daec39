// Package remote mirrors entities against an Airtable base: a REST
// client, field translation, and the full/incremental sync engine with
// conflict detection.
package remote

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
	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://api.airtable.com/v0"

// requestTimeout bounds a single remote call end to end.
const requestTimeout = 30 * time.Second

// maxRetries is the number of retries after the first attempt.
const maxRetries = 3

// retryInitialInterval seeds the backoff schedule (1s, 2s, 4s); tests
// shrink it.
var retryInitialInterval = time.Second

// Record is one remote row.
type Record struct {
	ID          string         `json:"id"`
	CreatedTime time.Time      `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

// Client is a minimal Airtable REST client scoped to one base.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	baseID  string
}

// NewClient builds a client for the given base. baseURL overrides the
// public endpoint in tests; pass "" for the default.
func NewClient(apiKey, baseID, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		baseID:  baseID,
	}
}

type listResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// ListRecords fetches every row of a table, following pagination.
func (c *Client) ListRecords(ctx context.Context, table string) ([]Record, error) {
	var all []Record
	offset := ""
	for {
		endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table))
		if offset != "" {
			endpoint += "?offset=" + url.QueryEscape(offset)
		}
		var page listResponse
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.Offset == "" {
			return all, nil
		}
		offset = page.Offset
	}
}

// GetRecord fetches a single row.
func (c *Client) GetRecord(ctx context.Context, table, id string) (*Record, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table), url.PathEscape(id))
	var rec Record
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord inserts a row and returns it with the remote-assigned id.
func (c *Client) CreateRecord(ctx context.Context, table string, fields map[string]any) (*Record, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table))
	var rec Record
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"fields": fields}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord patches the named fields of a row.
func (c *Client) UpdateRecord(ctx context.Context, table, id string, fields map[string]any) (*Record, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table), url.PathEscape(id))
	var rec Record
	if err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"fields": fields}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRecord removes a row.
func (c *Client) DeleteRecord(ctx context.Context, table, id string) error {
	endpoint := fmt.Sprintf("%s/%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table), url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// StatusError is a non-2xx remote response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// do issues the request, retrying up to 3 times after the first attempt;
// 429 and 5xx responses and transport errors are retried with exponential
// backoff (1s, 2s, 4s).
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		err := c.once(ctx, method, endpoint, payload, out)
		if err == nil {
			return nil
		}
		retryable := true
		var se *StatusError
		if errors.As(err, &se) {
			retryable = se.Retryable()
		}
		if !retryable || attempts > maxRetries {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempts).
			Msg("remote request failed, retrying")
		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
