package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
)

// dialFunc dials a raw TCP connection; the client injects its rewrite-aware
// dialer here so fingerprinted connections still honor DNS rules.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// utlsRoundTripper speaks TLS with a browser-like ClientHello for origins
// that fingerprint the handshake, negotiating h2 or HTTP/1.1.
type utlsRoundTripper struct {
	dial        dialFunc
	hello       utls.ClientHelloID
	insecure    bool
	h2Transport *http2.Transport
}

func newUTLSRoundTripper(dial dialFunc, profile string, insecure bool) *utlsRoundTripper {
	return &utlsRoundTripper{
		dial:        dial,
		hello:       helloForProfile(profile),
		insecure:    insecure,
		h2Transport: &http2.Transport{},
	}
}

// helloForProfile maps a session tls_profile value to a ClientHello.
func helloForProfile(profile string) utls.ClientHelloID {
	switch strings.ToLower(profile) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	default:
		return utls.HelloChrome_Auto
	}
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return http.DefaultTransport.RoundTrip(req)
	}

	addr := req.URL.Host
	if !strings.Contains(addr, ":") {
		addr += ":443"
	}

	conn, err := t.dial(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConfig := &utls.Config{
		ServerName:         req.URL.Hostname(),
		InsecureSkipVerify: t.insecure,
	}

	utlsConn := utls.UClient(conn, tlsConfig, t.hello)
	if err := utlsConn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, newError(KindTLS, req.URL.String(), err)
	}

	if utlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Conn, err := t.h2Transport.NewClientConn(utlsConn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return h2Conn.RoundTrip(req)
	}

	return t.doHTTP1Request(utlsConn, req)
}

func (t *utlsRoundTripper) doHTTP1Request(conn net.Conn, req *http.Request) (*http.Response, error) {
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Close the raw connection together with the body
	resp.Body = &connCloser{resp.Body, conn}
	return resp, nil
}

type connCloser struct {
	io.ReadCloser
	conn net.Conn
}

func (c *connCloser) Close() error {
	c.ReadCloser.Close()
	return c.conn.Close()
}
