package transport

import (
	"os"
	"path/filepath"
	"testing"

	"manifest-proxy-go/pkg/logging"
)

func testLog() *logging.Logger {
	return logging.New("error", false, nil)
}

func TestParseRules(t *testing.T) {
	lines := []string{
		"# comment",
		"",
		"1.2.3.4 cdn.example.com",
		"doh=https://dns.example.com/dns-query *.streaming.example.com",
		"dns=8.8.8.8:53 legacy.example.com",
		"proxy=socks5://127.0.0.1:1080 geo.example.com",
		"iface=eth1 local.example.com",
		"sub=old.example.com|new.example.com rewrite.example.com",
		"1.2.3.4,proxy=http://127.0.0.1:8080 combo.example.com",
	}

	rules := ParseRules(lines, testLog())
	if len(rules) != 7 {
		t.Fatalf("got %d rules, want 7", len(rules))
	}

	tests := []struct {
		name  string
		rule  *Rule
		check func(t *testing.T, r *Rule)
	}{
		{"literal ip", rules[0], func(t *testing.T, r *Rule) {
			if r.IP != "1.2.3.4" {
				t.Errorf("IP = %q", r.IP)
			}
		}},
		{"doh", rules[1], func(t *testing.T, r *Rule) {
			if r.DoH != "https://dns.example.com/dns-query" {
				t.Errorf("DoH = %q", r.DoH)
			}
		}},
		{"dns server", rules[2], func(t *testing.T, r *Rule) {
			if r.DNS != "8.8.8.8:53" {
				t.Errorf("DNS = %q", r.DNS)
			}
		}},
		{"proxy", rules[3], func(t *testing.T, r *Rule) {
			if r.Proxy != "socks5://127.0.0.1:1080" {
				t.Errorf("Proxy = %q", r.Proxy)
			}
		}},
		{"interface", rules[4], func(t *testing.T, r *Rule) {
			if r.Interface != "eth1" {
				t.Errorf("Interface = %q", r.Interface)
			}
		}},
		{"substitution", rules[5], func(t *testing.T, r *Rule) {
			if r.SubOld != "old.example.com" || r.SubNew != "new.example.com" {
				t.Errorf("Sub = %q|%q", r.SubOld, r.SubNew)
			}
		}},
		{"combined actions", rules[6], func(t *testing.T, r *Rule) {
			if r.IP != "1.2.3.4" || r.Proxy != "http://127.0.0.1:8080" {
				t.Errorf("IP = %q, Proxy = %q", r.IP, r.Proxy)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.rule)
		})
	}
}

func TestParseRulesBadPattern(t *testing.T) {
	rules := ParseRules([]string{"1.2.3.4 [unbalanced"}, testLog())
	if len(rules) != 0 {
		t.Fatalf("got %d rules from an invalid pattern, want 0", len(rules))
	}
}

func TestRuleMatch(t *testing.T) {
	rules := ParseRules([]string{
		"1.2.3.4 *.example.com",
		"5.6.7.8 exact.example.org",
	}, testLog())

	tests := []struct {
		host string
		want bool
	}{
		{"cdn.example.com", true},
		{"CDN.EXAMPLE.COM", true},
		{"example.com", false},
		{"exact.example.org", false}, // second rule, not the first
	}
	for _, tt := range tests {
		if got := rules[0].Match(tt.host); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestFirstMatch(t *testing.T) {
	rules := ParseRules([]string{
		"1.1.1.1 *.example.com",
		"2.2.2.2 cdn.example.com",
	}, testLog())

	r := FirstMatch(rules, "cdn.example.com")
	if r == nil || r.IP != "1.1.1.1" {
		t.Fatalf("FirstMatch() = %+v, want the first listed rule", r)
	}
	if FirstMatch(rules, "other.example.org") != nil {
		t.Error("FirstMatch() matched an unlisted host")
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.txt")
	content := "# test rules\n1.2.3.4 cdn.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules := LoadRules(path, testLog())
	if len(rules) != 1 || rules[0].IP != "1.2.3.4" {
		t.Fatalf("LoadRules() = %+v", rules)
	}

	if got := LoadRules("", testLog()); got != nil {
		t.Errorf("LoadRules(empty) = %v, want nil", got)
	}
	if got := LoadRules(filepath.Join(t.TempDir(), "missing.txt"), testLog()); got != nil {
		t.Errorf("LoadRules(missing) = %v, want nil", got)
	}
}
