// Package config handles application configuration from environment variables.
// It doubles as the settings provider the rewrite pipeline consults for
// filtering and quality policy defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"manifest-proxy-go/pkg/types"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Host         string
	Port         int // preferred port; the server probes for a free one
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Upstream transport
	HTTPTimeout   time.Duration
	VerifySSL     bool
	ProxyServer   string // global proxy override (http/https/socks5 URL)
	IPMode        types.IPMode
	DNSRewrites   string // path or URL of the rewrite rule list
	ClientCert    string // path or URL of a client certificate bundle
	UserAgent     string
	BindInterface string

	// Filtering policy defaults (session descriptors may override)
	AudioWhitelist   []string
	SubsWhitelist    []string
	DefaultLanguages []string
	SubsForced       bool
	SubsNonForced    bool
	AudioDescription bool
	RemoveFrameRate  bool

	// Quality policy
	QualityMode      int // types.QualityAsk/Best/Lowest/Disabled or bandwidth
	DefaultBandwidth int // target bits/sec for closest-at-or-below selection

	// Handler behavior
	RewriteMaxBytes int64         // responses at or above this bypass rewriting
	ErrorThreshold  int           // consecutive failures before a hard stop
	ResolveTimeout  time.Duration // bound on opaque-resolve and plugin hooks
	Android         bool          // suppresses the DRM reinstall prompt

	// Collaborator callbacks (empty disables the collaborator)
	ResolverURL string
	ChooserURL  string
	NotifyURL   string
	DRMURL      string

	// Logging
	LogLevel string
	LogJSON  bool

	// Debug manifest dumps (in/out copies written to the temp dir)
	DebugManifests bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		Host:         getEnvString("HOST", "127.0.0.1"),
		Port:         getEnvInt("PORT", 52103),
		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:  getEnvDuration("IDLE_TIMEOUT", 60*time.Second),

		HTTPTimeout:   getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		VerifySSL:     getEnvBool("VERIFY_SSL", true),
		ProxyServer:   getEnvString("PROXY_SERVER", ""),
		IPMode:        types.IPMode(getEnvString("IP_MODE", string(types.IPModePreferV4))),
		DNSRewrites:   getEnvString("DNS_REWRITES", ""),
		ClientCert:    getEnvString("CLIENT_CERT", ""),
		UserAgent:     getEnvString("USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
		BindInterface: getEnvString("BIND_INTERFACE", ""),

		AudioWhitelist:   getEnvStringSlice("AUDIO_WHITELIST", nil),
		SubsWhitelist:    getEnvStringSlice("SUBS_WHITELIST", nil),
		DefaultLanguages: getEnvStringSlice("DEFAULT_LANGUAGES", nil),
		SubsForced:       getEnvBool("SUBS_FORCED", true),
		SubsNonForced:    getEnvBool("SUBS_NON_FORCED", true),
		AudioDescription: getEnvBool("AUDIO_DESCRIPTION", true),
		RemoveFrameRate:  getEnvBool("REMOVE_FRAMERATE", false),

		QualityMode:      parseQualityMode(os.Getenv("QUALITY_MODE")),
		DefaultBandwidth: getEnvInt("DEFAULT_BANDWIDTH", 0),

		RewriteMaxBytes: int64(getEnvInt("REWRITE_MAX_BYTES", 1024*1024)),
		ErrorThreshold:  getEnvInt("ERROR_THRESHOLD", 10),
		ResolveTimeout:  getEnvDuration("RESOLVE_TIMEOUT", 30*time.Second),
		Android:         getEnvBool("ANDROID", false),

		ResolverURL: getEnvString("RESOLVER_URL", ""),
		ChooserURL:  getEnvString("CHOOSER_URL", ""),
		NotifyURL:   getEnvString("NOTIFY_URL", ""),
		DRMURL:      getEnvString("DRM_URL", ""),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("LOG_JSON", false),

		DebugManifests: getEnvBool("DEBUG_MANIFESTS", false),
	}

	// A configured default bandwidth preempts the interactive chooser.
	if cfg.QualityMode == types.QualityAsk && cfg.DefaultBandwidth > 0 {
		cfg.QualityMode = cfg.DefaultBandwidth
	}

	return cfg
}

// BaseURL returns the proxy's own base URL for the given bound port.
// Rewritten manifests prefix every upstream URL with this value.
func (c *Config) BaseURL(port int) string {
	return fmt.Sprintf("http://%s:%d/", c.Host, port)
}

// parseQualityMode maps the QUALITY_MODE setting to a policy value.
// A plain integer is a target bandwidth in bits/sec.
func parseQualityMode(s string) int {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ask":
		return types.QualityAsk
	case "best":
		return types.QualityBest
	case "lowest":
		return types.QualityLowest
	case "disabled":
		return types.QualityDisabled
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return types.QualityAsk
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Try parsing as seconds first
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		// Try parsing as duration string
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
