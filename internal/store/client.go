// Package store talks to Elasticsearch on behalf of the collector.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/shared/models"
)

const (
	defaultRequestTimeout = 3 * time.Second
	defaultReindexTimeout = time.Hour
)

// ClusterInfo is what the cluster reports about itself on connect.
type ClusterInfo struct {
	Name        string
	ClusterName string
	Version     string
}

// Client wraps the Elasticsearch client. Every request runs under its own
// timeout; reindex has a separate, longer one.
type Client struct {
	es             *elasticsearch.Client
	timeout        time.Duration
	reindexTimeout time.Duration
}

type Option func(*elasticsearch.Config)

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *elasticsearch.Config) {
		c.Transport = rt
	}
}

// NewClient creates a client without contacting the cluster.
func NewClient(cfg config.ElasticsearchConfig, opts ...Option) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure, //nolint:gosec // opt-in for self-signed clusters
			},
		},
	}
	for _, opt := range opts {
		opt(&esCfg)
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create elasticsearch client")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	reindexTimeout := cfg.ReindexTimeout
	if reindexTimeout <= 0 {
		reindexTimeout = defaultReindexTimeout
	}

	return &Client{es: es, timeout: timeout, reindexTimeout: reindexTimeout}, nil
}

// Dial creates a client and verifies the cluster answers.
func Dial(ctx context.Context, cfg config.ElasticsearchConfig, opts ...Option) (*Client, ClusterInfo, error) {
	client, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, ClusterInfo{}, err
	}

	info, err := client.Info(ctx)
	if err != nil {
		return nil, ClusterInfo{}, err
	}

	return client, info, nil
}

// Info fetches basic cluster information.
func (c *Client) Info(ctx context.Context) (ClusterInfo, error) {
	_, body, err := c.perform(ctx, "info", esapi.InfoRequest{})
	if err != nil {
		return ClusterInfo{}, err
	}

	result := gjson.ParseBytes(body)
	return ClusterInfo{
		Name:        result.Get("name").String(),
		ClusterName: result.Get("cluster_name").String(),
		Version:     result.Get("version.number").String(),
	}, nil
}

// IndexExists reports whether name resolves to an index or an alias.
func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	status, _, err := c.perform(ctx, "index exists", esapi.IndicesExistsRequest{
		Index: []string{name},
	}, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// ListIndices returns the concrete indices matching pattern in ascending
// name order.
func (c *Client) ListIndices(ctx context.Context, pattern string) ([]string, error) {
	allow := true
	_, body, err := c.perform(ctx, "list indices", esapi.IndicesGetRequest{
		Index:             []string{pattern},
		AllowNoIndices:    &allow,
		IgnoreUnavailable: &allow,
	})
	if err != nil {
		return nil, err
	}

	var names []string
	gjson.ParseBytes(body).ForEach(func(key, _ gjson.Result) bool {
		names = append(names, key.String())
		return true
	})
	sort.Strings(names)
	return names, nil
}

// PutIndexTemplate registers or replaces a composable index template.
func (c *Client) PutIndexTemplate(ctx context.Context, name string, tmpl models.IndexTemplate) error {
	body, err := json.Marshal(tmpl)
	if err != nil {
		return errors.Wrap(err, "failed to marshal index template")
	}

	_, _, err = c.perform(ctx, "put index template", esapi.IndicesPutIndexTemplateRequest{
		Name: name,
		Body: bytes.NewReader(body),
	})
	return err
}

// CreateIndex creates an empty index. Settings and mappings come from the
// matching template.
func (c *Client) CreateIndex(ctx context.Context, name string) error {
	_, _, err := c.perform(ctx, "create index", esapi.IndicesCreateRequest{
		Index: name,
	})
	return err
}

// Reindex copies every document of source into dest and waits for the copy
// to finish, bounded by the reindex timeout. It returns the number of
// documents created.
func (c *Client) Reindex(ctx context.Context, source, dest string) (int64, error) {
	body, err := json.Marshal(map[string]any{
		"source": map[string]any{"index": source},
		"dest":   map[string]any{"index": dest},
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal reindex request")
	}

	refresh, wait := true, true
	_, resp, err := c.performWithin(ctx, c.reindexTimeout, "reindex", esapi.ReindexRequest{
		Body:              bytes.NewReader(body),
		Refresh:           &refresh,
		WaitForCompletion: &wait,
	})
	if err != nil {
		return 0, err
	}

	result := gjson.ParseBytes(resp)
	if failures := result.Get("failures"); failures.IsArray() && len(failures.Array()) > 0 {
		return 0, &ResponseError{
			Op:     "reindex",
			Status: http.StatusOK,
			Type:   "reindex_failures",
			Reason: failures.Array()[0].Get("cause.reason").String(),
		}
	}
	return result.Get("created").Int(), nil
}

// Refresh makes recent writes to index visible to search.
func (c *Client) Refresh(ctx context.Context, index string) error {
	_, _, err := c.perform(ctx, "refresh", esapi.IndicesRefreshRequest{
		Index: []string{index},
	})
	return err
}

// UpdateAliases applies all actions in a single atomic request.
func (c *Client) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	body, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return errors.Wrap(err, "failed to marshal alias actions")
	}

	_, _, err = c.perform(ctx, "update aliases", esapi.IndicesUpdateAliasesRequest{
		Body: bytes.NewReader(body),
	})
	return err
}

// Count returns the number of documents in index matching query.
func (c *Client) Count(ctx context.Context, index string, query map[string]any) (int64, error) {
	body, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal count query")
	}

	_, resp, err := c.perform(ctx, "count", esapi.CountRequest{
		Index: []string{index},
		Body:  bytes.NewReader(body),
	})
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(resp, "count").Int(), nil
}

// IndexDocument writes doc through index (usually an alias) and refreshes so
// the document is searchable when the call returns.
func (c *Client) IndexDocument(ctx context.Context, index string, doc any) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal document")
	}

	_, resp, err := c.perform(ctx, "index document", esapi.IndexRequest{
		Index:   index,
		Body:    bytes.NewReader(body),
		Refresh: "true",
	})
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(resp, "_id").String(), nil
}

// perform runs req under the request timeout and classifies the outcome.
// Statuses listed in accept are returned without error.
func (c *Client) perform(ctx context.Context, op string, req esapi.Request, accept ...int) (int, []byte, error) {
	return c.performWithin(ctx, c.timeout, op, req, accept...)
}

func (c *Client) performWithin(ctx context.Context, timeout time.Duration, op string, req esapi.Request, accept ...int) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := req.Do(reqCtx, c.es)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errors.Wrap(ctx.Err(), op)
		}
		return 0, nil, errors.Wrapf(ErrUnavailable, "%s: %v", op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, errors.Wrapf(ErrUnavailable, "%s: reading response: %v", op, err)
	}

	for _, status := range accept {
		if res.StatusCode == status {
			return status, body, nil
		}
	}

	if res.IsError() {
		return res.StatusCode, body, classify(op, res.StatusCode, body)
	}
	return res.StatusCode, body, nil
}
