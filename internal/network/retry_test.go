package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateDelayCapped(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, 100*time.Millisecond, cfg.CalculateDelay(0))
	assert.Equal(t, 400*time.Millisecond, cfg.CalculateDelay(2))
	assert.Equal(t, time.Second, cfg.CalculateDelay(10))
}

func TestBackoffGrowsAndResets(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	first := b.Failure()
	second := b.Failure()
	assert.Greater(t, second, first)
	assert.Equal(t, 2, b.Failures())

	for i := 0; i < 10; i++ {
		assert.LessOrEqual(t, b.Failure(), 5*time.Second)
	}

	assert.Equal(t, time.Second, b.Reset())
	assert.Equal(t, 0, b.Failures())
}

func TestPostWithRetryReplaysBody(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"ping":1}`, string(body))
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRetryableHTTPClient(server.Client(), &RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	})

	resp, err := client.PostWithRetry(context.Background(), server.URL, "application/json", []byte(`{"ping":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoWithRetryGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewRetryableHTTPClient(server.Client(), &RetryConfig{
		MaxRetries:    1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
	})

	_, err := client.PostWithRetry(context.Background(), server.URL, "", nil)
	assert.ErrorContains(t, err, "502")
}

func TestRetryableClassification(t *testing.T) {
	client := NewRetryableHTTPClient(nil, nil)

	assert.False(t, client.IsRetryableError(nil))
	assert.False(t, client.IsRetryableError(context.Canceled))
	assert.True(t, client.IsRetryableError(context.DeadlineExceeded))
	assert.True(t, client.IsRetryableStatusCode(http.StatusTooManyRequests))
	assert.False(t, client.IsRetryableStatusCode(http.StatusBadRequest))
}
