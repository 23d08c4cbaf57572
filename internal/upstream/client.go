// Package upstream fetches recent items for tracked entities from the
// upstream HTTP API.
package upstream

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
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trackbot/internal/tracking"
	logx "trackbot/pkg/logx"
	"trackbot/pkg/tgui"
)

const (
	maxResponseBodySize = 4 << 20
	maxSnippetRunes     = 200
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRatePerSec = 2
	defaultUserAgent  = "trackbot"
)

var (
	ErrNotFound    = errors.New("upstream: entity not found")
	ErrRateLimited = errors.New("upstream: rate limited")
)

// StatusError is returned for unexpected non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream: status %d", e.Code)
	}
	return fmt.Sprintf("upstream: status %d: %s", e.Code, e.Body)
}

// Item is one entry of an entity's recent list. Position is its 1-based rank
// within the entity's list.
type Item struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	URL      string    `json:"url,omitempty"`
	Position int       `json:"position"`
	At       time.Time `json:"at"`
}

// Fetcher returns an entity's most recent items, newest first or in any
// order; callers filter by time.
type Fetcher interface {
	Recent(ctx context.Context, key tracking.Key, limit int) ([]Item, error)
}

type Config struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Client is the HTTP Fetcher. Requests share one token bucket so the whole
// process stays under the upstream rate limit.
type Client struct {
	hc  *http.Client
	log logx.Logger

	mu      sync.RWMutex
	cfg     Config
	base    *url.URL
	limiter *rate.Limiter
}

var _ Fetcher = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		hc: &http.Client{
			// Per-request timeouts come from the context.
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		log: log,
	}
	if err := c.Apply(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Apply swaps the endpoint, credentials and rate limit at runtime.
func (c *Client) Apply(cfg Config) error {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return errors.New("upstream: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("upstream: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSec))
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.base = base
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	} else {
		c.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		c.limiter.SetBurst(cfg.Burst)
	}
	return nil
}

type recentResponse struct {
	Items []Item `json:"items"`
}

// Recent calls GET {base}/entities/{id}/items?mode=..&limit=..
func (c *Client) Recent(ctx context.Context, key tracking.Key, limit int) ([]Item, error) {
	c.mu.RLock()
	cfg, base, lim := c.cfg, c.base, c.limiter
	c.mu.RUnlock()

	if err := lim.Wait(ctx); err != nil {
		return nil, err
	}

	u := *base
	u.Path += "/entities/" + strconv.FormatInt(key.EntityID, 10) + "/items"
	q := url.Values{}
	q.Set("mode", key.Mode.String())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", cfg.UserAgent)
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}
	c.log.Trace("upstream fetch",
		logx.String("key", key.String()),
		logx.Int("status", resp.StatusCode),
		logx.Duration("latency", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	}

	var out recentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("upstream: decode: %w", err)
	}
	return out.Items, nil
}

// Close drops idle connections.
func (c *Client) Close() {
	if tr, ok := c.hc.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

func snippet(b []byte) string {
	return tgui.TruncRunes(strings.TrimSpace(string(b)), maxSnippetRunes)
}
