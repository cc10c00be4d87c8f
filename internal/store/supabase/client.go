// Package supabase implements the backlog store over the Supabase REST
// (PostgREST) API: a batch RPC for pending records and a filtered PATCH
// for results.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/email-verifier/internal/domain"
	"github.com/ignite/email-verifier/internal/pkg/httpretry"
)

// Backlog defaults for the nightly job.
const (
	DefaultTable    = "gmail"
	DefaultFetchRPC = "get_emails_to_verify"
)

// Config holds Supabase connection settings.
type Config struct {
	URL        string
	Key        string
	Table      string
	FetchRPC   string
	Timeout    time.Duration
	MaxRetries int
}

// Client is the Supabase backlog store.
type Client struct {
	baseURL    string
	key        string
	table      string
	fetchRPC   string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a new Supabase client
func NewClient(cfg Config) *Client {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.FetchRPC == "" {
		cfg.FetchRPC = DefaultFetchRPC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		key:      cfg.Key,
		table:    cfg.Table,
		fetchRPC: cfg.FetchRPC,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout,
		}, cfg.MaxRetries),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Table returns the table the client reads and writes.
func (c *Client) Table() string { return c.table }

type fetchParams struct {
	Table string `json:"p_table"`
	Limit int    `json:"p_limit"`
}

type pendingRow struct {
	ID    domain.RecordID `json:"id"`
	Email string          `json:"email"`
}

// FetchPending calls the backlog RPC and returns up to limit pending records.
// Every row becomes a task, including ones with a malformed or empty email;
// those fail in the prober and are committed as failed.
func (c *Client) FetchPending(ctx context.Context, limit int) ([]domain.Task, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(c.fetchRPC),
		fetchParams{Table: c.table, Limit: limit}, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}

	var rows []pendingRow
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("fetch pending: failed to parse response: %w", err)
		}
	}

	tasks := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, domain.Task{ID: row.ID, Email: row.Email})
	}
	return tasks, nil
}

// Commit writes result to the record with the given id.
func (c *Client) Commit(ctx context.Context, id domain.RecordID, result domain.Result) error {
	q := url.Values{}
	q.Set("id", "eq."+id.String())
	endpoint := "/rest/v1/" + url.PathEscape(c.table) + "?" + q.Encode()

	headers := map[string]string{"Prefer": "return=minimal"}
	if _, err := c.doRequest(ctx, http.MethodPatch, endpoint, result, headers); err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	return nil
}

// doRequest performs an authenticated JSON request against the REST API.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any, headers map[string]string) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(respBody, 256))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
