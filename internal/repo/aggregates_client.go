package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// AggregatesClient reads hourly page-view counts from the analytics aggregate API.
// Closed hours never change, so available counts are cached read-through.
type AggregatesClient struct {
	baseURL    string
	path       string
	httpClient *http.Client
	cache      cache.Provider
	cacheTTL   time.Duration
}

// NewAggregatesClient constructs a client for baseURL+path. A nil cache disables caching.
func NewAggregatesClient(baseURL, path string, timeout time.Duration, cacheProvider cache.Provider, cacheTTL time.Duration) *AggregatesClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	return &AggregatesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       path,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		cacheTTL:   cacheTTL,
	}
}

type viewCountResponse struct {
	Site  string `json:"site"`
	Hour  string `json:"hour"`
	Views *int64 `json:"views"`
}

// GetViewCount returns the page views of site during the hour starting at hour.
// A missing row, a 404 or a null count yield utils.ErrDataUnavailable; an explicit
// zero is a valid count.
func (c *AggregatesClient) GetViewCount(ctx context.Context, site string, hour time.Time) (int64, error) {
	if c == nil || c.baseURL == "" {
		return 0, fmt.Errorf("aggregates client not configured")
	}

	key := aggregateCacheKey(site, hour)
	if data, err := c.cache.Get(ctx, key); err == nil {
		if views, perr := strconv.ParseInt(string(data), 10, 64); perr == nil {
			return views, nil
		}
	}

	started := time.Now()
	views, err := c.fetch(ctx, site, hour)
	metrics.ObserveAggregateQuery(time.Since(started))
	if err != nil {
		return 0, err
	}

	if c.cacheTTL > 0 {
		_ = c.cache.Set(ctx, key, []byte(strconv.FormatInt(views, 10)), c.cacheTTL)
	}
	return views, nil
}

func (c *AggregatesClient) fetch(ctx context.Context, site string, hour time.Time) (int64, error) {
	endpoint, err := c.endpoint(site, hour)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return 0, fmt.Errorf("aggregates request for %s timed out: %w", site, utils.ErrDataUnavailable)
		}
		return 0, fmt.Errorf("aggregates request for %s failed: %w", site, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("no aggregate for %s at %s: %w", site, utils.HourKey(hour), utils.ErrDataUnavailable)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("aggregates returned %s for %s", resp.Status, site)
	}

	var payload viewCountResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode aggregates response: %w", err)
	}
	if payload.Views == nil {
		return 0, fmt.Errorf("null aggregate for %s at %s: %w", site, utils.HourKey(hour), utils.ErrDataUnavailable)
	}
	if *payload.Views < 0 {
		return 0, fmt.Errorf("negative aggregate %d for %s", *payload.Views, site)
	}
	return *payload.Views, nil
}

func (c *AggregatesClient) endpoint(site string, hour time.Time) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse aggregates base URL: %w", err)
	}
	u.Path = path.Join(u.Path, c.path)
	q := u.Query()
	q.Set("site", site)
	q.Set("hour", utils.HourKey(hour))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func aggregateCacheKey(site string, hour time.Time) string {
	return "aggregates:page_views:" + site + ":" + utils.HourKey(hour)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
