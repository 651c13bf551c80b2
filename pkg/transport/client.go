// Package transport issues upstream HTTP requests with per-destination
// network policy: DNS rewrites, resolver overrides, proxy selection, TLS
// fingerprint profiles, client certificates and interface binding. Redirect
// and connection behavior stays visible to the caller instead of being
// hidden inside the HTTP client.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/types"
)

// Options is the per-request network policy, assembled from config defaults
// plus the active session's transport overrides.
type Options struct {
	Rules      []*Rule
	Proxy      string
	VerifySSL  bool
	Timeout    time.Duration
	IPMode     types.IPMode
	Interface  string
	TLSProfile string
	ClientCert string
}

// OptionsFromConfig builds baseline options from configuration.
func OptionsFromConfig(cfg *config.Config, rules []*Rule) Options {
	return Options{
		Rules:      rules,
		Proxy:      cfg.ProxyServer,
		VerifySSL:  cfg.VerifySSL,
		Timeout:    cfg.HTTPTimeout,
		IPMode:     cfg.IPMode,
		Interface:  cfg.BindInterface,
		ClientCert: cfg.ClientCert,
	}
}

// Client pools upstream connections, partitioned so that two destinations
// with different rewrite targets, resolvers, TLS profiles or interfaces
// never share a socket.
type Client struct {
	cfg   *config.Config
	log   *logging.Logger
	certs *certStore

	mu      sync.RWMutex
	clients map[uint64]*http.Client
}

// New creates a transport client.
func New(cfg *config.Config, log *logging.Logger) *Client {
	return &Client{
		cfg:     cfg,
		log:     log.WithComponent("transport"),
		certs:   newCertStore(),
		clients: make(map[uint64]*http.Client),
	}
}

// Request issues one upstream request. Redirects are never followed; the
// caller inspects Location and decides. Any network failure surfaces as a
// single typed *Error with no silent retries.
func (c *Client) Request(ctx context.Context, method, rawURL string, headers map[string]string, body io.Reader, opts Options) (*http.Response, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(KindDirect, rawURL, err)
	}

	rule := FirstMatch(opts.Rules, parsed.Hostname())
	if rule != nil && rule.SubOld != "" {
		rawURL = strings.Replace(rawURL, rule.SubOld, rule.SubNew, 1)
	}

	proxyURL := opts.Proxy
	iface := opts.Interface
	if rule != nil {
		if rule.Proxy != "" {
			proxyURL = rule.Proxy
		}
		if rule.Interface != "" {
			iface = rule.Interface
		}
	}

	client, err := c.clientFor(rule, proxyURL, iface, opts)
	if err != nil {
		return nil, newError(KindDirect, rawURL, err)
	}

	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, newError(KindDirect, rawURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		if te, ok := errAs(err); ok {
			return nil, te
		}
		kind := KindDirect
		if proxyURL != "" {
			kind = KindProxy
		}
		return nil, newError(kind, rawURL, err)
	}

	if cancel != nil {
		// release the timer only once the caller finishes with the body
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func errAs(err error) (*Error, bool) {
	for e := err; e != nil; {
		if te, ok := e.(*Error); ok {
			return te, true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		e = u.Unwrap()
	}
	return nil, false
}

// poolKey computes the partition key. Two logical destinations sharing a
// hostname but different rewrite targets must never share a socket, so the
// key covers every field that changes connection identity.
func poolKey(rule *Rule, proxyURL, iface string, opts Options) uint64 {
	h := fnv.New64a()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(opts.TLSProfile)
	write(proxyURL)
	write(iface)
	write(opts.ClientCert)
	write(string(opts.IPMode))
	if !opts.VerifySSL {
		write("insecure")
	}
	if rule != nil {
		write(rule.IP)
		write(rule.DoH)
		write(rule.DNS)
	}
	return h.Sum64()
}

// clientFor returns a cached pooled client for the partition or creates one.
func (c *Client) clientFor(rule *Rule, proxyURL, iface string, opts Options) (*http.Client, error) {
	key := poolKey(rule, proxyURL, iface, opts)

	c.mu.RLock()
	if client, ok := c.clients[key]; ok {
		c.mu.RUnlock()
		return client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	client, err := c.buildClient(rule, proxyURL, iface, opts)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	c.log.Debug("created pooled client",
		"proxy", proxyURL,
		"iface", iface,
		"tls_profile", opts.TLSProfile,
		"rewrite", rule != nil,
	)
	return client, nil
}

func (c *Client) buildClient(rule *Rule, proxyURL, iface string, opts Options) (*http.Client, error) {
	dial := c.dialerFor(rule, iface, opts.IPMode)

	if opts.TLSProfile != "" {
		return &http.Client{
			Transport:     newUTLSRoundTripper(dial, opts.TLSProfile, !opts.VerifySSL),
			CheckRedirect: noRedirects,
		}, nil
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !opts.VerifySSL}
	if opts.ClientCert != "" {
		cert, err := c.certs.load(opts.ClientCert)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{
		DialContext:           dial,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		switch parsed.Scheme {
		case "socks5", "socks5h":
			dialer, err := xproxy.FromURL(parsed, directDialer{dial})
			if err != nil {
				return nil, fmt.Errorf("socks5 dialer: %w", err)
			}
			if contextDialer, ok := dialer.(xproxy.ContextDialer); ok {
				transport.DialContext = contextDialer.DialContext
			} else {
				transport.Dial = dialer.Dial
			}
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		}
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: noRedirects,
	}, nil
}

func noRedirects(req *http.Request, via []*http.Request) error {
	return http.ErrUseLastResponse
}

// directDialer adapts our dial function to the x/net/proxy interface.
type directDialer struct {
	dial dialFunc
}

func (d directDialer) Dial(network, addr string) (net.Conn, error) {
	return d.dial(context.Background(), network, addr)
}

func (d directDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dial(ctx, network, addr)
}

// dialerFor builds a dial function that resolves through the rewrite chain
// and tries each returned address until one connects.
func (c *Client) dialerFor(rule *Rule, iface string, mode types.IPMode) dialFunc {
	resolver := NewResolver(mode, c.log)

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, newError(KindDirect, addr, err)
		}

		addrs, err := resolver.Resolve(ctx, host, rule)
		if err != nil {
			return nil, err
		}

		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 60 * time.Second,
		}
		if iface != "" {
			local, err := interfaceAddr(iface)
			if err != nil {
				return nil, newError(KindDirect, addr, err)
			}
			dialer.LocalAddr = &net.TCPAddr{IP: local}
		}

		var lastErr error
		for _, resolved := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(resolved, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, newError(KindDirect, addr, lastErr)
	}
}

// interfaceAddr maps a bind setting to a local IP: either a literal address
// or the first address of a named interface.
func interfaceAddr(iface string) (net.IP, error) {
	if ip := net.ParseIP(iface); ip != nil {
		return ip, nil
	}

	nif, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	addrs, err := nif.Addrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			return ipNet.IP, nil
		}
	}
	return nil, fmt.Errorf("interface %q has no addresses", iface)
}
