package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries    int           // 最大重试次数
	BaseDelay     time.Duration // 基础延迟
	MaxDelay      time.Duration // 最大延迟
	BackoffFactor float64       // 退避因子
	JitterFactor  float64       // 抖动因子
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// CalculateDelay 第attempt次重试前的等待（指数退避 + 抖动）
func (c *RetryConfig) CalculateDelay(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))

	// 添加抖动以避免惊群效应
	delay += delay * c.JitterFactor * (rand.Float64()*2 - 1)

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Backoff 连续失败计数器，用于后台轮询
type Backoff struct {
	config   *RetryConfig
	mu       sync.Mutex
	failures int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{config: &RetryConfig{
		BaseDelay:     base,
		MaxDelay:      max,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}}
}

// Failure 记录一次失败，返回下次等待时长
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	return b.config.CalculateDelay(b.failures)
}

// Reset 成功后清零，返回正常间隔
func (b *Backoff) Reset() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	return b.config.BaseDelay
}

func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryableHTTPClient 可重试的HTTP客户端
type RetryableHTTPClient struct {
	client *http.Client
	config *RetryConfig
}

// NewRetryableHTTPClient 创建可重试的HTTP客户端
func NewRetryableHTTPClient(client *http.Client, config *RetryConfig) *RetryableHTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryableHTTPClient{
		client: client,
		config: config,
	}
}

// IsRetryableError 判断错误是否可重试
func (r *RetryableHTTPClient) IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// IsRetryableStatusCode 判断HTTP状态码是否可重试
func (r *RetryableHTTPClient) IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// DoWithRetry 执行带重试的HTTP请求；请求体通过 GetBody 重放
func (r *RetryableHTTPClient) DoWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.config.CalculateDelay(attempt - 1)):
			}
		}

		reqClone := req.Clone(ctx)
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			reqClone.Body = body
		}

		resp, err := r.client.Do(reqClone)
		if err == nil {
			if !r.IsRetryableStatusCode(resp.StatusCode) {
				return resp, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
		} else {
			lastErr = err
			if !r.IsRetryableError(err) {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("请求失败，已重试%d次: %w", r.config.MaxRetries, lastErr)
}

// PostWithRetry 执行带重试的POST请求
func (r *RetryableHTTPClient) PostWithRetry(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return r.DoWithRetry(ctx, req)
}
