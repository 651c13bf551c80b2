package session

import (
	"testing"
	"time"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		QualityMode:      types.QualityAsk,
		AudioWhitelist:   []string{"en"},
		SubsForced:       true,
		SubsNonForced:    true,
		AudioDescription: true,
		ProxyServer:      "http://global-proxy:8080",
		VerifySSL:        true,
		HTTPTimeout:      30 * time.Second,
		IPMode:           types.IPModePreferV4,
	}
}

func TestNewDefaultsFromConfig(t *testing.T) {
	s := New(&Descriptor{ManifestURL: "https://example.com/master.m3u8"}, testConfig())

	if s.ID == "" {
		t.Error("session has no ID")
	}
	if s.QualityMode() != types.QualityAsk {
		t.Errorf("QualityMode() = %d, want ask", s.QualityMode())
	}
	if len(s.AudioWhitelist) != 1 || s.AudioWhitelist[0] != "en" {
		t.Errorf("AudioWhitelist = %v, want config default", s.AudioWhitelist)
	}
	if !s.SubsForced || !s.SubsNonForced || !s.AudioDescription {
		t.Error("bool defaults not taken from config")
	}
	if s.ProxyServer != "http://global-proxy:8080" {
		t.Errorf("ProxyServer = %q", s.ProxyServer)
	}
	if s.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", s.Timeout)
	}
}

func TestNewDescriptorOverrides(t *testing.T) {
	forced := false
	q := types.QualityBest
	s := New(&Descriptor{
		ManifestURL:    "https://example.com/master.m3u8",
		AudioWhitelist: []string{"fr"},
		SubsForced:     &forced,
		Quality:        &q,
		ProxyServer:    "socks5://127.0.0.1:1080",
		Timeout:        5 * time.Second,
	}, testConfig())

	if s.QualityMode() != types.QualityBest {
		t.Errorf("QualityMode() = %d, want best", s.QualityMode())
	}
	if len(s.AudioWhitelist) != 1 || s.AudioWhitelist[0] != "fr" {
		t.Errorf("AudioWhitelist = %v, want descriptor override", s.AudioWhitelist)
	}
	if s.SubsForced {
		t.Error("SubsForced override ignored")
	}
	if s.ProxyServer != "socks5://127.0.0.1:1080" {
		t.Errorf("ProxyServer = %q, want descriptor override", s.ProxyServer)
	}
	if s.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want descriptor override", s.Timeout)
	}
}

func TestSetKindOnce(t *testing.T) {
	s := New(&Descriptor{ManifestURL: "https://example.com/master.m3u8"}, testConfig())

	if s.Kind() != types.KindNone {
		t.Fatalf("Kind() = %v before first manifest", s.Kind())
	}
	s.SetKind(types.KindHLS)
	s.SetKind(types.KindDASH)
	if s.Kind() != types.KindHLS {
		t.Errorf("Kind() = %v, decided kind must not change", s.Kind())
	}
}

func TestSelectedQualityLifecycle(t *testing.T) {
	s := New(&Descriptor{ManifestURL: "https://example.com/master.m3u8"}, testConfig())

	if _, ok := s.SelectedQuality(); ok {
		t.Error("SelectedQuality() resolved before any selection")
	}
	s.SetSelectedQuality(2)
	if v, ok := s.SelectedQuality(); !ok || v != 2 {
		t.Errorf("SelectedQuality() = %d, %v", v, ok)
	}

	if s.QualityAsked() {
		t.Error("QualityAsked() true before asking")
	}
	s.MarkQualityAsked()
	if !s.QualityAsked() {
		t.Error("QualityAsked() false after marking")
	}
}

func TestOnRedirectRekeysState(t *testing.T) {
	manifest := "https://origin.example.com/master.m3u8"
	hop1 := "https://edge-1.example.com/master.m3u8"
	hop2 := "https://edge-2.example.com/master.m3u8"

	s := New(&Descriptor{
		ManifestURL: manifest,
		LicenseURL:  manifest,
		Hooks: map[string]types.HookDescriptor{
			manifest: {Type: types.HookRegex, Pattern: `(.*)`},
		},
	}, testConfig())

	// Two consecutive redirect cycles; every keyed entry follows.
	s.OnRedirect(manifest, hop1)
	s.OnRedirect(hop1, hop2)

	if got := s.ManifestURL(); got != hop2 {
		t.Errorf("ManifestURL() = %q, want %q", got, hop2)
	}
	if got := s.LicenseURL(); got != hop2 {
		t.Errorf("LicenseURL() = %q, want %q", got, hop2)
	}
	if _, ok := s.Hook(manifest); ok {
		t.Error("hook still registered under the pre-redirect URL")
	}
	if h, ok := s.Hook(hop2); !ok || h.Type != types.HookRegex {
		t.Error("hook not found under the final URL")
	}
}

func TestOnRedirectLeavesOtherURLs(t *testing.T) {
	s := New(&Descriptor{
		ManifestURL: "https://origin.example.com/master.m3u8",
		LicenseURL:  "https://license.example.com/wv",
	}, testConfig())

	s.OnRedirect("https://unrelated.example.com/x", "https://other.example.com/y")

	if s.ManifestURL() != "https://origin.example.com/master.m3u8" {
		t.Error("manifest URL moved on unrelated redirect")
	}
	if s.LicenseURL() != "https://license.example.com/wv" {
		t.Error("license URL moved on unrelated redirect")
	}
}

func TestPathSubs(t *testing.T) {
	s := New(&Descriptor{
		ManifestURL: "https://example.com/master.m3u8",
		PathSubs:    map[string]string{"en.srt": "https://subs.example.com/en.srt"},
	}, testConfig())

	if got, ok := s.PathSub("en.srt"); !ok || got != "https://subs.example.com/en.srt" {
		t.Errorf("PathSub() = %q, %v", got, ok)
	}
	if _, ok := s.PathSub("missing"); ok {
		t.Error("PathSub() resolved an unregistered path")
	}

	s.AddPathSub("fr.srt", "https://subs.example.com/fr.srt")
	if got, ok := s.PathSub("fr.srt"); !ok || got != "https://subs.example.com/fr.srt" {
		t.Errorf("PathSub() after AddPathSub = %q, %v", got, ok)
	}
}

func TestRedirectingFlag(t *testing.T) {
	s := New(&Descriptor{ManifestURL: "https://example.com/master.m3u8"}, testConfig())

	if s.Redirecting() {
		t.Error("Redirecting() true on a fresh session")
	}
	s.SetRedirecting(true)
	if !s.Redirecting() {
		t.Error("Redirecting() false after set")
	}
	s.SetRedirecting(false)
	if s.Redirecting() {
		t.Error("Redirecting() true after clear")
	}
}
