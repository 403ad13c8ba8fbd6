package handlepool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// TLSMode selects peer verification for one exchange.
type TLSMode int

const (
	// TLSVerify verifies the peer against the share's roots, or the system
	// roots when none were supplied.
	TLSVerify TLSMode = iota
	// TLSSkipVerify accepts any peer certificate.
	TLSSkipVerify
)

// ShareOptions configures the connection pools shared by all handles.
type ShareOptions struct {
	MaxConnsPerHost     int
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	// RootCAs replaces the system trust store for TLSVerify.
	RootCAs *x509.CertPool
	// TickInterval is the Progress polling period.
	TickInterval time.Duration
}

// Share owns the transports that pooled handles multiplex connections over.
type Share struct {
	opts   ShareOptions
	dialer *net.Dialer

	mu         sync.Mutex
	transports map[TLSMode]*http.Transport
}

// NewShare creates a share with the given options.
func NewShare(opts ShareOptions) *Share {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 2
	}
	if opts.IdleConnTimeout <= 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}
	if opts.TLSHandshakeTimeout <= 0 {
		opts.TLSHandshakeTimeout = 10 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}

	return &Share{
		opts:       opts,
		dialer:     &net.Dialer{KeepAlive: 30 * time.Second},
		transports: make(map[TLSMode]*http.Transport),
	}
}

// Transport returns the shared transport for mode, creating it on first use.
func (s *Share) Transport(mode TLSMode) *http.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.transports[mode]; ok {
		return t
	}
	t := s.newTransport(mode, false)
	s.transports[mode] = t
	return t
}

// freshTransport returns a private transport that never reuses connections.
func (s *Share) freshTransport(mode TLSMode) *http.Transport {
	return s.newTransport(mode, true)
}

func (s *Share) newTransport(mode TLSMode, fresh bool) *http.Transport {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	switch mode {
	case TLSSkipVerify:
		tlsConfig.InsecureSkipVerify = true
	default:
		tlsConfig.RootCAs = s.opts.RootCAs
	}

	t := &http.Transport{
		Proxy:                  proxyFromContext,
		DialContext:            s.dial,
		OnProxyConnectResponse: checkProxyConnect,
		TLSClientConfig:        tlsConfig,
		TLSHandshakeTimeout:    s.opts.TLSHandshakeTimeout,
		MaxConnsPerHost:        s.opts.MaxConnsPerHost,
		MaxIdleConns:           s.opts.MaxIdleConns,
		MaxIdleConnsPerHost:    s.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:        s.opts.IdleConnTimeout,
		ExpectContinueTimeout:  time.Second,
		// Bodies are delivered byte-exact so Content-Length and Range
		// accounting match what the server sent.
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
	}
	if fresh {
		t.DisableKeepAlives = true
		t.MaxIdleConns = 0
	}
	return t
}

// CloseIdleConnections drops every idle pooled connection.
func (s *Share) CloseIdleConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.transports {
		t.CloseIdleConnections()
	}
}

type ctxKey int

const (
	proxyKey ctxKey = iota
	connectTimeoutKey
)

func withProxy(ctx context.Context, proxy *url.URL) context.Context {
	return context.WithValue(ctx, proxyKey, proxy)
}

func withConnectTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, connectTimeoutKey, d)
}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	if u, ok := req.Context().Value(proxyKey).(*url.URL); ok {
		return u, nil
	}
	return nil, nil
}

func (s *Share) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if d, ok := ctx.Value(connectTimeoutKey).(time.Duration); ok && d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	conn, err := s.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, &DialError{Addr: addr, Proxy: isProxyAddr(ctx, addr), Err: err}
	}
	return conn, nil
}

func isProxyAddr(ctx context.Context, addr string) bool {
	u, ok := ctx.Value(proxyKey).(*url.URL)
	if !ok || u == nil {
		return false
	}
	return canonicalAddr(u) == addr
}

func canonicalAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "socks5", "socks5h":
			port = "1080"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func checkProxyConnect(_ context.Context, proxy *url.URL, _ *http.Request, resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		return &ProxyConnectError{Proxy: proxy.Redacted(), Status: resp.StatusCode}
	}
	return nil
}
