package repo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestGetViewCountCachesClosedHours(t *testing.T) {
	hits := 0
	cacheStub := newStubCache()
	client := NewAggregatesClient("https://aggregates.example.com/", "/api/v1/aggregates/page-views", time.Second, cacheStub, time.Hour)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/api/v1/aggregates/page-views" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if req.URL.Query().Get("site") != "site-a" || req.URL.Query().Get("hour") != "20261017T09" {
			t.Fatalf("unexpected query: %s", req.URL.RawQuery)
		}
		return jsonResponse(http.StatusOK, `{"site":"site-a","hour":"20261017T09","views":120}`), nil
	}))

	ctx := context.Background()
	hour := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	views, err := client.GetViewCount(ctx, "site-a", hour)
	if err != nil || views != 120 {
		t.Fatalf("expected 120, got %d (%v)", views, err)
	}
	views, err = client.GetViewCount(ctx, "site-a", hour)
	if err != nil || views != 120 {
		t.Fatalf("expected cached 120, got %d (%v)", views, err)
	}
	if hits != 1 {
		t.Fatalf("expected one upstream request, got %d", hits)
	}
	if ttl, ok := cacheStub.ttls[aggregateCacheKey("site-a", hour)]; !ok || ttl != time.Hour {
		t.Fatalf("expected cache entry with 1h TTL, got %v (present=%v)", ttl, ok)
	}
}

func TestGetViewCountUnavailable(t *testing.T) {
	tests := []struct {
		name string
		resp *http.Response
	}{
		{name: "not found", resp: jsonResponse(http.StatusNotFound, `{}`)},
		{name: "null views", resp: jsonResponse(http.StatusOK, `{"site":"s","views":null}`)},
		{name: "missing views", resp: jsonResponse(http.StatusOK, `{"site":"s"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cacheStub := newStubCache()
			client := NewAggregatesClient("https://aggregates.example.com", "/views", time.Second, cacheStub, time.Hour)
			client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
				return tt.resp, nil
			}))

			_, err := client.GetViewCount(context.Background(), "s", time.Now())
			if !errors.Is(err, utils.ErrDataUnavailable) {
				t.Fatalf("expected ErrDataUnavailable, got %v", err)
			}
			if len(cacheStub.store) != 0 {
				t.Fatalf("unavailable counts must not be cached")
			}
		})
	}
}

func TestGetViewCountZeroIsValid(t *testing.T) {
	client := NewAggregatesClient("https://aggregates.example.com", "/views", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"views":0}`), nil
	}))
	views, err := client.GetViewCount(context.Background(), "s", time.Now())
	if err != nil || views != 0 {
		t.Fatalf("expected explicit zero, got %d (%v)", views, err)
	}
}

func TestGetViewCountServerErrorIsNotUnavailable(t *testing.T) {
	client := NewAggregatesClient("https://aggregates.example.com", "/views", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `oops`), nil
	}))
	_, err := client.GetViewCount(context.Background(), "s", time.Now())
	if err == nil || errors.Is(err, utils.ErrDataUnavailable) {
		t.Fatalf("expected a plain upstream error, got %v", err)
	}
}

func TestGetViewCountTimeoutIsUnavailable(t *testing.T) {
	client := NewAggregatesClient("https://aggregates.example.com", "/views", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.GetViewCount(ctx, "s", time.Now())
	if !errors.Is(err, utils.ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable on timeout, got %v", err)
	}
}
