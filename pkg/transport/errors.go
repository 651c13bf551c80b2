package transport

import "fmt"

// Kind classifies a transport failure so the handler can produce a specific
// diagnostic (proxy-involved failures read very differently to direct ones).
type Kind int

const (
	KindDirect Kind = iota
	KindProxy
	KindDNS
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "proxy"
	case KindDNS:
		return "dns"
	case KindTLS:
		return "tls"
	default:
		return "direct"
	}
}

// Error is the single typed error surfaced for any upstream failure. This
// layer never retries; retries belong to callers that wrap it.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, url string, err error) *Error {
	return &Error{Kind: kind, URL: url, Err: err}
}
