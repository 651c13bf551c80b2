package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"

	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/types"
)

// Resolver turns hostnames into addresses honoring the rewrite rules.
// Order per host: literal rewrite, custom resolver (DoH or plain DNS),
// system resolver. Each attempt walks address families per the configured
// IP-mode preference and the first resolver returning any address wins.
type Resolver struct {
	mode types.IPMode
	log  *logging.Logger

	dohClient *http.Client
	udpClient *dns.Client
}

// NewResolver creates a resolver with the given address-family preference.
func NewResolver(mode types.IPMode, log *logging.Logger) *Resolver {
	return &Resolver{
		mode:      mode,
		log:       log.WithComponent("resolver"),
		dohClient: &http.Client{Timeout: 10 * time.Second},
		udpClient: &dns.Client{Timeout: 5 * time.Second},
	}
}

// Resolve returns the addresses for host. rule may be nil (no rewrite
// matched). Failure to resolve through every configured path is a typed
// DNS error.
func (r *Resolver) Resolve(ctx context.Context, host string, rule *Rule) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	if rule != nil && rule.IP != "" {
		return []string{rule.IP}, nil
	}

	if rule != nil && rule.DoH != "" {
		if addrs := r.resolveDoH(ctx, rule.DoH, host); len(addrs) > 0 {
			return addrs, nil
		}
		r.log.Debug("doh resolution empty, trying next", "host", host, "resolver", rule.DoH)
	}

	if rule != nil && rule.DNS != "" {
		if addrs := r.resolvePlain(ctx, rule.DNS, host); len(addrs) > 0 {
			return addrs, nil
		}
		r.log.Debug("plain dns resolution empty, trying next", "host", host, "server", rule.DNS)
	}

	if addrs := r.resolveSystem(ctx, host); len(addrs) > 0 {
		return addrs, nil
	}

	return nil, newError(KindDNS, host, fmt.Errorf("no addresses for %q", host))
}

func (r *Resolver) queryTypes() []uint16 {
	var qtypes []uint16
	for _, network := range r.mode.Networks() {
		if network == "ip4" {
			qtypes = append(qtypes, dns.TypeA)
		} else {
			qtypes = append(qtypes, dns.TypeAAAA)
		}
	}
	return qtypes
}

func (r *Resolver) resolveDoH(ctx context.Context, dohURL, host string) []string {
	for _, qtype := range r.queryTypes() {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		packed, err := msg.Pack()
		if err != nil {
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, dohURL, bytes.NewReader(packed))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/dns-message")
		req.Header.Set("Accept", "application/dns-message")

		resp, err := r.dohClient.Do(req)
		if err != nil {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		reply := new(dns.Msg)
		if err := reply.Unpack(body); err != nil {
			continue
		}
		if addrs := answerAddrs(reply); len(addrs) > 0 {
			return addrs
		}
	}
	return nil
}

func (r *Resolver) resolvePlain(ctx context.Context, server, host string) []string {
	if !strings.Contains(server, ":") {
		server += ":53"
	}
	for _, qtype := range r.queryTypes() {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		reply, _, err := r.udpClient.ExchangeContext(ctx, msg, server)
		if err != nil {
			continue
		}
		if addrs := answerAddrs(reply); len(addrs) > 0 {
			return addrs
		}
	}
	return nil
}

func (r *Resolver) resolveSystem(ctx context.Context, host string) []string {
	for _, network := range r.mode.Networks() {
		ips, err := net.DefaultResolver.LookupIP(ctx, network, host)
		if err != nil || len(ips) == 0 {
			continue
		}
		addrs := make([]string, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, ip.String())
		}
		return addrs
	}
	return nil
}

func answerAddrs(msg *dns.Msg) []string {
	var addrs []string
	for _, rr := range msg.Answer {
		switch a := rr.(type) {
		case *dns.A:
			addrs = append(addrs, a.A.String())
		case *dns.AAAA:
			addrs = append(addrs, a.AAAA.String())
		}
	}
	return addrs
}
