package pool

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the shared outbound HTTP client
type HTTPConfig struct {
	MaxConns        int           `mapstructure:"max_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	KeepAlive       time.Duration `mapstructure:"keep_alive"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DNSCacheTTL     time.Duration `mapstructure:"dns_cache_ttl"`
	// RateLimit is the number of requests per second, zero means unlimited
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	UserAgent string  `mapstructure:"user_agent"`
}

// DefaultHTTPConfig returns the default HTTP client configuration
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		MaxConns:        100,
		MaxConnsPerHost: 30,
		KeepAlive:       60 * time.Second,
		IdleConnTimeout: 60 * time.Second,
		Timeout:         30 * time.Second,
		DNSCacheTTL:     300 * time.Second,
		RateBurst:       1,
		UserAgent:       "clusterd/1.0",
	}
}

// withDefaults fills zero fields from DefaultHTTPConfig
func (c HTTPConfig) withDefaults() HTTPConfig {
	def := DefaultHTTPConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = def.MaxConns
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = def.KeepAlive
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.DNSCacheTTL <= 0 {
		c.DNSCacheTTL = def.DNSCacheTTL
	}
	return c
}

// httpHandle is a built client plus the resources it owns
type httpHandle struct {
	client    *http.Client
	transport *http.Transport
	stop      chan struct{}
}

func (h *httpHandle) close() {
	close(h.stop)
	h.transport.CloseIdleConnections()
}

// counters are shared between the pool and the client transport
type counters struct {
	requests atomic.Int64
	failures atomic.Int64
}

func newHTTPHandle(config HTTPConfig, c *counters, logger *zap.Logger) *httpHandle {
	config = config.withDefaults()
	resolver := &dnscache.Resolver{Timeout: 5 * time.Second}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: config.KeepAlive}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         cachedDial(resolver, dialer),
		MaxIdleConns:        config.MaxConns,
		MaxIdleConnsPerHost: config.MaxConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	h := &httpHandle{
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &countingTransport{
				base:      transport,
				limiter:   limiter,
				userAgent: config.UserAgent,
				counters:  c,
			},
		},
		transport: transport,
		stop:      make(chan struct{}),
	}

	go refreshDNS(resolver, config.DNSCacheTTL, h.stop)

	logger.Info("HTTP connection pool established",
		zap.Int("max_conns", config.MaxConns),
		zap.Int("max_conns_per_host", config.MaxConnsPerHost))
	return h
}

// cachedDial resolves through the DNS cache and tries each address in turn
func cachedDial(resolver *dnscache.Resolver, dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}

		var conn net.Conn
		for _, ip := range ips {
			conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
		}
		return nil, err
	}
}

// refreshDNS drops unused entries and refreshes the rest every ttl
func refreshDNS(resolver *dnscache.Resolver, ttl time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}

// countingTransport applies the outbound rate limit and counts requests
type countingTransport struct {
	base      http.RoundTripper
	limiter   *rate.Limiter
	userAgent string
	counters  *counters
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			t.counters.failures.Add(1)
			return nil, err
		}
	}

	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	t.counters.requests.Add(1)
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode >= http.StatusInternalServerError {
		t.counters.failures.Add(1)
	}
	return resp, err
}
