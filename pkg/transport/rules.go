package transport

import (
	"bufio"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"manifest-proxy-go/pkg/logging"
)

// Rule is one DNS rewrite entry: a host glob plus the actions that apply
// when it matches. Rules are evaluated in order; the first matching rule's
// DNS-type action wins, and its proxy/interface/URL-substitution actions
// apply together with it.
type Rule struct {
	Pattern string
	glob    glob.Glob

	IP        string // literal address substitute
	DoH       string // DNS-over-HTTPS resolver URL
	DNS       string // plain DNS server ip[:port]
	Proxy     string // proxy override for matching hosts
	Interface string // source interface override
	SubOld    string // URL substring substitution
	SubNew    string
}

// Match reports whether the rule applies to the host.
func (r *Rule) Match(host string) bool {
	if r.glob == nil {
		return false
	}
	return r.glob.Match(strings.ToLower(host))
}

// ParseRules parses rewrite rule lines. Each line is
//
//	<actions> <host-glob>
//
// where <actions> is a comma-separated list of a literal IP, doh=URL,
// dns=ip[:port], proxy=URL, iface=NAME, or sub=old|new tokens. Lines that
// are a bare URL are remote includes fetched and parsed recursively.
func ParseRules(lines []string, log *logging.Logger) []*Rule {
	var rules []*Rule

	for _, line := range lines {
		entry := strings.TrimSpace(line)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}

		fields := strings.Fields(entry)
		if len(fields) == 1 {
			if strings.HasPrefix(strings.ToLower(entry), "http") {
				rules = append(rules, fetchRemoteRules(entry, log)...)
			}
			continue
		}

		rule := &Rule{Pattern: strings.ToLower(fields[len(fields)-1])}
		g, err := glob.Compile(rule.Pattern)
		if err != nil {
			if log != nil {
				log.Warn("bad rewrite pattern", "pattern", rule.Pattern, "error", err)
			}
			continue
		}
		rule.glob = g

		for _, action := range strings.Split(strings.Join(fields[:len(fields)-1], ","), ",") {
			action = strings.TrimSpace(action)
			if action == "" {
				continue
			}
			switch {
			case strings.HasPrefix(action, "doh="):
				rule.DoH = action[4:]
			case strings.HasPrefix(action, "dns="):
				rule.DNS = action[4:]
			case strings.HasPrefix(action, "proxy="):
				rule.Proxy = action[6:]
			case strings.HasPrefix(action, "iface="):
				rule.Interface = action[6:]
			case strings.HasPrefix(action, "sub="):
				parts := strings.SplitN(action[4:], "|", 2)
				if len(parts) == 2 {
					rule.SubOld, rule.SubNew = parts[0], parts[1]
				}
			default:
				rule.IP = action
			}
		}

		rules = append(rules, rule)
	}

	return rules
}

// LoadRules reads rules from a local file or a URL.
func LoadRules(source string, log *logging.Logger) []*Rule {
	if source == "" {
		return nil
	}
	if strings.HasPrefix(strings.ToLower(source), "http") {
		return fetchRemoteRules(source, log)
	}

	f, err := os.Open(source)
	if err != nil {
		if log != nil {
			log.Warn("rewrite rules unavailable", "source", source, "error", err)
		}
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return ParseRules(lines, log)
}

func fetchRemoteRules(url string, log *logging.Logger) []*Rule {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		if log != nil {
			log.Warn("remote rewrite rules fetch failed", "url", url, "error", err)
		}
		return nil
	}
	defer resp.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return ParseRules(lines, log)
}

// FirstMatch returns the first rule matching the host, or nil.
func FirstMatch(rules []*Rule, host string) *Rule {
	for _, r := range rules {
		if r.Match(host) {
			return r
		}
	}
	return nil
}
