// Package compsearch is the HTTP client for the comparable-sales search
// service. It returns raw sale records untouched; shaping them is the
// normalizer's job.
package compsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"slabvalue/internal/config"
	"slabvalue/internal/metrics"
)

const userAgent = "slabvalue/1.0"

// maxBody caps a search response.
const maxBody = 8 << 20

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("compsearch: unexpected status")

// envelopeKeys are the object keys searched, in order, for the record list
// when the response is not a bare array.
var envelopeKeys = []string{"sales", "results", "data", "items"}

// Client is a rate-limited comp search client.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	sem     chan struct{}
}

// New creates a client from cfg.
func New(cfg config.CompSearchConfig) *Client {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	conc := cfg.MaxConcurrent
	if conc < 1 {
		conc = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(limit, burst),
		sem:     make(chan struct{}, conc),
	}
}

// Search returns the raw sale records for an asset identity. An unknown
// identity is an empty result, not an error.
func (c *Client) Search(ctx context.Context, assetID string) ([]json.RawMessage, error) {
	if strings.TrimSpace(assetID) == "" {
		return []json.RawMessage{}, nil
	}
	q := url.Values{}
	q.Set("id", assetID)
	body, err := c.get(ctx, c.baseURL+"/comps?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return Records(body)
}

// HealthCheck pings the search service.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.get(ctx, c.baseURL+"/health")
	return err == nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.sem }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.CompSearch("error", time.Since(start))
		return nil, fmt.Errorf("compsearch: %w", err)
	}
	defer resp.Body.Close()
	metrics.CompSearch(strconv.Itoa(resp.StatusCode), time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("compsearch: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

// Records extracts the sale record list from a search response. The list is
// either the whole document or the first array under one of the envelope
// keys. A document with neither yields no records.
func Records(body []byte) ([]json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("compsearch: response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	list := doc
	if !doc.IsArray() {
		list = gjson.Result{}
		for _, k := range envelopeKeys {
			if r := doc.Get(k); r.IsArray() {
				list = r
				break
			}
		}
	}
	out := make([]json.RawMessage, 0)
	list.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			out = append(out, json.RawMessage(v.Raw))
		}
		return true
	})
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
