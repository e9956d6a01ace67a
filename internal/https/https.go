package https

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"telegram-coinflip/internal/logger"
)

const shutdownTimeout = 10 * time.Second

// Config HTTPS配置
type Config struct {
	Domain    string // 域名
	CacheDir  string // 证书缓存目录
	Email     string // Let's Encrypt邮箱
	HTTPPort  string // HTTP端口（ACME挑战与重定向）
	HTTPSPort string // HTTPS端口
}

// Manager HTTPS管理器
type Manager struct {
	config      Config
	certManager *autocert.Manager
	logger      *logger.Logger
}

// NewManager 创建HTTPS管理器
func NewManager(config Config, log *logger.Logger) (*Manager, error) {
	if config.CacheDir == "" {
		config.CacheDir = "./certs"
	}
	if config.HTTPPort == "" {
		config.HTTPPort = "80"
	}
	if config.HTTPSPort == "" {
		config.HTTPSPort = "443"
	}
	if err := ValidateDomain(config.Domain); err != nil {
		return nil, err
	}

	return &Manager{
		config: config,
		certManager: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(config.Domain),
			Cache:      autocert.DirCache(config.CacheDir),
			Email:      config.Email,
		},
		logger: log,
	}, nil
}

// TLSConfig 证书由 autocert 按需签发
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.certManager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// RedirectHandler HTTP请求重定向到HTTPS，ACME挑战除外
func (m *Manager) RedirectHandler() http.Handler {
	return m.certManager.HTTPHandler(http.HandlerFunc(redirect))
}

func redirect(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// Serve 同时运行重定向服务和HTTPS服务，ctx 结束时优雅关闭两者
func (m *Manager) Serve(ctx context.Context, handler http.Handler) error {
	redirectServer := &http.Server{
		Addr:              ":" + m.config.HTTPPort,
		Handler:           m.RedirectHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsServer := &http.Server{
		Addr:              ":" + m.config.HTTPSPort,
		Handler:           handler,
		TLSConfig:         m.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.logger.InfoWithContext("HTTPS", "🔄 HTTP重定向服务器启动在端口 %s", m.config.HTTPPort)
		return ignoreClosed(redirectServer.ListenAndServe())
	})
	g.Go(func() error {
		m.logger.InfoWithContext("HTTPS", "🔒 HTTPS服务器启动在端口 %s，域名 %s", m.config.HTTPSPort, m.config.Domain)
		return ignoreClosed(tlsServer.ListenAndServeTLS("", ""))
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(redirectServer.Shutdown(shutdownCtx), tlsServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// ServePlain 不启用HTTPS时的普通HTTP服务
func ServePlain(ctx context.Context, addr string, handler http.Handler, log *logger.Logger) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.InfoWithContext("HTTP", "🌐 HTTP服务器启动在 %s", addr)
		errCh <- ignoreClosed(server.ListenAndServe())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ValidateDomain 验证域名配置
func ValidateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("域名不能为空")
	}
	if len(domain) < 3 || !strings.Contains(domain, ".") || strings.ContainsAny(domain, "/: ") {
		return fmt.Errorf("域名格式无效: %s", domain)
	}
	return nil
}
