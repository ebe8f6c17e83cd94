// Package elastic is a thin HTTP client for the target search store: bulk
// writes, index settings, refresh, provisioning resources and the read-only
// queries the verifier needs.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/i474232898/weather-etl/internal/errs"
)

const (
	contentJSON   = "application/json"
	contentNDJSON = "application/x-ndjson"
	maxErrorBody  = 500
)

// Client talks to one cluster. Every call is bounded by the http.Client
// timeout; exceeding it surfaces as a *errs.TransportError.
type Client struct {
	baseURL  string
	http     *http.Client
	username string
	password string
}

// Option customizes a Client.
type Option func(*Client)

// WithBasicAuth sets credentials sent with every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func NewClient(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do performs one request and returns status and body. Only network level
// failures are returned as errors here; status handling is up to the caller.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentJSON)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &errs.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &errs.TransportError{Op: method + " " + path, Err: err}
	}
	return resp.StatusCode, data, nil
}

// call is do plus the non-2xx check.
func (c *Client) call(ctx context.Context, op, method, path string, body []byte, contentType string) ([]byte, error) {
	status, data, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &errs.TransportError{Op: op, StatusCode: status, Body: errs.Truncate(string(data), maxErrorBody)}
	}
	return data, nil
}

func (c *Client) callJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if raw, ok := in.(json.RawMessage); ok {
			body = raw
		} else if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
	}
	ct := ""
	if body != nil {
		ct = contentJSON
	}
	data, err := c.call(ctx, op, method, path, body, ct)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// Bulk posts an NDJSON batch, routed through the named ingest pipeline when
// one is given. It returns the raw 2xx body for ParseBulkResponse; any other
// status is a *errs.TransportError.
func (c *Client) Bulk(ctx context.Context, pipeline string, body []byte) ([]byte, error) {
	path := "/_bulk"
	if pipeline != "" {
		path += "?pipeline=" + url.QueryEscape(pipeline)
	}
	return c.call(ctx, "bulk", http.MethodPost, path, body, contentNDJSON)
}

// SetRefreshInterval updates index.refresh_interval on an index or alias.
// "-1" disables periodic refresh.
func (c *Client) SetRefreshInterval(ctx context.Context, target, value string) error {
	payload := map[string]any{"index": map[string]any{"refresh_interval": value}}
	op := fmt.Sprintf("set refresh_interval=%s on %s", value, target)
	return c.callJSON(ctx, op, http.MethodPut, "/"+url.PathEscape(target)+"/_settings", payload, nil)
}

// Refresh makes recent writes on target visible to search.
func (c *Client) Refresh(ctx context.Context, target string) error {
	_, err := c.call(ctx, "refresh "+target, http.MethodPost, "/"+url.PathEscape(target)+"/_refresh", nil, "")
	return err
}

// PutIndexTemplate creates or replaces a composable index template.
func (c *Client) PutIndexTemplate(ctx context.Context, name string, body json.RawMessage) error {
	return c.callJSON(ctx, "put index template "+name, http.MethodPut, "/_index_template/"+url.PathEscape(name), body, nil)
}

// PutIngestPipeline creates or replaces an ingest pipeline.
func (c *Client) PutIngestPipeline(ctx context.Context, name string, body json.RawMessage) error {
	return c.callJSON(ctx, "put ingest pipeline "+name, http.MethodPut, "/_ingest/pipeline/"+url.PathEscape(name), body, nil)
}

// CreateIndex creates an index. An index that already exists is not an error.
func (c *Client) CreateIndex(ctx context.Context, name string) (created bool, err error) {
	op := "create index " + name
	status, data, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(name), []byte("{}"), contentJSON)
	if err != nil {
		return false, err
	}
	if status >= 200 && status < 300 {
		return true, nil
	}
	if status == http.StatusBadRequest && bytes.Contains(data, []byte("resource_already_exists_exception")) {
		return false, nil
	}
	return false, &errs.TransportError{Op: op, StatusCode: status, Body: errs.Truncate(string(data), maxErrorBody)}
}

// UpdateAliases applies an _aliases actions body.
func (c *Client) UpdateAliases(ctx context.Context, body any) error {
	return c.callJSON(ctx, "update aliases", http.MethodPost, "/_aliases", body, nil)
}

// Health is the subset of _cluster/health the pipeline reports on.
type Health struct {
	Status        string `json:"status"`
	NumberOfNodes int    `json:"number_of_nodes"`
	ActiveShards  int    `json:"active_shards"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.callJSON(ctx, "cluster health", http.MethodGet, "/_cluster/health", nil, &h)
	return h, err
}

// Count returns the number of documents visible on target.
func (c *Client) Count(ctx context.Context, target string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.callJSON(ctx, "count "+target, http.MethodGet, "/"+url.PathEscape(target)+"/_count", nil, &out)
	return out.Count, err
}

// SearchResponse is the subset of a search answer the verifier reads.
type SearchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations"`
}

// Search runs a query body against target.
func (c *Client) Search(ctx context.Context, target string, query any) (SearchResponse, error) {
	var out SearchResponse
	err := c.callJSON(ctx, "search "+target, http.MethodPost, "/"+url.PathEscape(target)+"/_search", query, &out)
	return out, err
}
