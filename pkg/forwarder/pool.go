// Package forwarder performs the outbound call to an upstream provider: a
// shared per-provider connection pool, proxy/SOCKS transport selection,
// first-byte/idle/absolute timeouts, streaming pass-through, and the error
// taxonomy the pipeline classifies retries on. ProxyConfig.FallbackToDirect
// is carried but not acted on: a call whose proxy connection fails is not
// retried directly.
package forwarder

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// socksDialContext adapts a golang.org/x/net/proxy.Dialer (which has no
// context-aware Dial) to http.Transport's DialContext signature; the
// dialer itself does not support cancellation mid-handshake, but the
// surrounding request context still bounds the overall call via the
// forwarder's timeout wrapper.
func socksDialContext(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

// PoolConfig tunes one provider's shared transport.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	ForceHTTP2          bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
		ForceHTTP2:          true,
	}
}

// ProxyConfig describes a provider's optional outbound proxy.
type ProxyConfig struct {
	URL                string // "" = direct; http(s):// or socks5://
	FallbackToDirect   bool
}

// Pool holds one shared *http.Transport per provider id so connections are
// reused across requests to the same upstream instead of each call paying
// a fresh TLS handshake.
type Pool struct {
	mu         sync.RWMutex
	transports map[int64]*http.Transport
	defaults   PoolConfig
}

func NewPool(defaults PoolConfig) *Pool {
	return &Pool{transports: make(map[int64]*http.Transport), defaults: defaults}
}

// Transport returns the shared transport for a provider, building it (with
// proxy/SOCKS dialing and HTTP/2 negotiation applied) on first access.
func (p *Pool) Transport(providerID int64, proxyCfg ProxyConfig) (*http.Transport, error) {
	p.mu.RLock()
	if t, ok := p.transports[providerID]; ok {
		p.mu.RUnlock()
		return t, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[providerID]; ok {
		return t, nil
	}

	t, err := p.buildTransport(proxyCfg)
	if err != nil {
		return nil, err
	}
	p.transports[providerID] = t
	return t, nil
}

// Invalidate drops a provider's cached transport, e.g. after a config
// cache eviction changes its proxy settings.
func (p *Pool) Invalidate(providerID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[providerID]; ok {
		t.CloseIdleConnections()
		delete(p.transports, providerID)
	}
}

func (p *Pool) buildTransport(proxyCfg ProxyConfig) (*http.Transport, error) {
	cfg := p.defaults
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}

	t := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
	}

	if cfg.ForceHTTP2 {
		t.TLSClientConfig = &tls.Config{NextProtos: []string{"h2", "http/1.1"}, MinVersion: tls.VersionTLS12}
		t.ForceAttemptHTTP2 = true
	}

	if proxyCfg.URL == "" {
		return t, nil
	}

	proxyURL, err := url.Parse(proxyCfg.URL)
	if err != nil {
		return nil, err
	}

	switch proxyURL.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(proxyURL)
	case "socks4", "socks5":
		dialSocks, err := proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, err
		}
		t.DialContext = socksDialContext(dialSocks)
	}

	return t, nil
}
