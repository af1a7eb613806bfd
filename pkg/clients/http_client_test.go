package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Cerresi/bees-case/pkg/config"
)

func TestHTTPClientGet(t *testing.T) {
	var gotUA, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(nil, zaptest.NewLogger(t))
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL, nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, defaultUserAgent, gotUA)
	assert.Equal(t, "application/json", gotAccept)

	stats := client.GetStats()
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(0), stats.FailedRequests)
	assert.Equal(t, 100.0, stats.SuccessRate)
}

func TestHTTPClientCountsFailures(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewHTTPClient(&HTTPConfig{RequestTimeout: time.Second, UserAgent: "test"}, zaptest.NewLogger(t))
	_, err := client.Get(context.Background(), url, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), client.GetStats().FailedRequests)
}

func TestHTTPConfigFrom(t *testing.T) {
	cfg := HTTPConfigFrom(
		config.SourceConfig{RateLimitPerSec: 2, RateBurst: 3, Concurrency: 12, UserAgent: "bees"},
		config.TimeoutConfig{Request: 3 * time.Second, Connection: time.Second},
	)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Second, cfg.DialTimeout)
	assert.Equal(t, 2.0, cfg.RateLimit)
	assert.Equal(t, 3, cfg.RateBurst)
	assert.Equal(t, 12, cfg.MaxConnsPerHost)
	assert.Equal(t, "bees", cfg.UserAgent)

	unlimited := HTTPConfigFrom(config.SourceConfig{RateBurst: 3}, config.TimeoutConfig{})
	assert.Zero(t, unlimited.RateLimit)
	assert.Nil(t, NewHTTPClient(unlimited, zaptest.NewLogger(t)).rateLimiter)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))

	stats := rl.GetStats()
	assert.Equal(t, 1.0, stats.Rate)
	assert.Equal(t, 2, stats.Burst)
	assert.Equal(t, int64(2), stats.AllowedRequests)
	assert.Equal(t, int64(2), stats.BlockedRequests)
}
