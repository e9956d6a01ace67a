package https

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telegram-coinflip/internal/logger"
)

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		domain string
		ok     bool
	}{
		{"bot.example.com", true},
		{"", false},
		{"localhost", false},
		{"a.b/c", false},
		{"example.com:443", false},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRedirectKeepsPathAndQuery(t *testing.T) {
	m, err := NewManager(Config{Domain: "bot.example.com", CacheDir: t.TempDir()}, logger.NewNop())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "http://bot.example.com/api/rooms?limit=5", nil)
	rec := httptest.NewRecorder()
	m.RedirectHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://bot.example.com/api/rooms?limit=5", rec.Header().Get("Location"))
}

func TestNewManagerRejectsBadDomain(t *testing.T) {
	_, err := NewManager(Config{Domain: "nodot"}, logger.NewNop())
	assert.Error(t, err)
}

func TestServePlainShutsDownOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServePlain(ctx, addr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}), logger.NewNop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("服务器未关闭")
	}
}
