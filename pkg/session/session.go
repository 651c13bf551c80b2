// Package session holds the short-lived, per-playback state the rewrite
// pipeline consults on every proxied request. A session is created once when
// the player-item builder posts a descriptor at playback start and replaced
// wholesale when the next playback begins. State is passed explicitly; there
// are no ambient globals.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/types"
)

// Descriptor is the JSON blob the player-item builder hands the proxy at
// playback start. Zero values fall back to the configured defaults.
type Descriptor struct {
	ManifestURL string `json:"manifest_url"`
	LicenseURL  string `json:"license_url,omitempty"`

	AudioWhitelist   []string `json:"audio_whitelist,omitempty"`
	SubsWhitelist    []string `json:"subs_whitelist,omitempty"`
	DefaultLanguages []string `json:"default_languages,omitempty"`
	OriginalLanguage string   `json:"original_language,omitempty"`
	SubsForced       *bool    `json:"subs_forced,omitempty"`
	SubsNonForced    *bool    `json:"subs_non_forced,omitempty"`
	AudioDescription *bool    `json:"audio_description,omitempty"`
	RemoveFrameRate  *bool    `json:"remove_framerate,omitempty"`

	Quality   *int                             `json:"quality,omitempty"`
	Subtitles []types.SubtitleTrack            `json:"subtitles,omitempty"`
	Hooks     map[string]types.HookDescriptor  `json:"middleware,omitempty"`
	PathSubs  map[string]string                `json:"path_substitutions,omitempty"`

	// Transport overrides
	DNSRewrites []string      `json:"dns_rewrites,omitempty"`
	ProxyServer string        `json:"proxy_server,omitempty"`
	ClientCert  string        `json:"client_cert,omitempty"`
	VerifySSL   *bool         `json:"verify_ssl,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	IPMode      types.IPMode  `json:"ip_mode,omitempty"`
	Interface   string        `json:"interface,omitempty"`
	TLSProfile  string        `json:"tls_profile,omitempty"`
}

// Session is the live per-playback state.
type Session struct {
	ID string

	mu          sync.RWMutex
	manifestURL string
	licenseURL  string
	kind        types.ManifestKind

	// Quality resolution happens at most once per session (skip/disabled
	// apply per request since live playlists refetch).
	selectedQuality int
	qualityAsked    bool
	qualityMode     int

	// Filtering policy snapshot
	AudioWhitelist   []string
	SubsWhitelist    []string
	DefaultLanguages []string
	OriginalLanguage string
	SubsForced       bool
	SubsNonForced    bool
	AudioDescription bool
	RemoveFrameRate  bool

	Subtitles []types.SubtitleTrack

	// hooks is keyed by the current (post-redirect) URL of the response a
	// middleware applies to; pathSubs maps short local paths to origin URLs.
	// Both are read concurrently by segment threads while the manifest
	// thread may still be rekeying, hence xsync maps.
	hooks    *xsync.MapOf[string, types.HookDescriptor]
	pathSubs *xsync.MapOf[string, string]

	// redirecting is set only for the duration of handling one redirect
	// response cycle.
	redirecting bool

	// Transport overrides
	DNSRewrites []string
	ProxyServer string
	ClientCert  string
	VerifySSL   bool
	Timeout     time.Duration
	IPMode      types.IPMode
	Interface   string
	TLSProfile  string
}

// New builds a session from a descriptor, filling gaps from config defaults.
func New(d *Descriptor, cfg *config.Config) *Session {
	s := &Session{
		ID:              uuid.NewString(),
		manifestURL:     d.ManifestURL,
		licenseURL:      d.LicenseURL,
		kind:            types.KindNone,
		selectedQuality: types.QualityUnset,
		qualityMode:     cfg.QualityMode,

		AudioWhitelist:   firstNonEmpty(d.AudioWhitelist, cfg.AudioWhitelist),
		SubsWhitelist:    firstNonEmpty(d.SubsWhitelist, cfg.SubsWhitelist),
		DefaultLanguages: firstNonEmpty(d.DefaultLanguages, cfg.DefaultLanguages),
		OriginalLanguage: d.OriginalLanguage,
		SubsForced:       boolOr(d.SubsForced, cfg.SubsForced),
		SubsNonForced:    boolOr(d.SubsNonForced, cfg.SubsNonForced),
		AudioDescription: boolOr(d.AudioDescription, cfg.AudioDescription),
		RemoveFrameRate:  boolOr(d.RemoveFrameRate, cfg.RemoveFrameRate),

		Subtitles: d.Subtitles,
		hooks:     xsync.NewMapOf[string, types.HookDescriptor](),
		pathSubs:  xsync.NewMapOf[string, string](),

		DNSRewrites: d.DNSRewrites,
		ProxyServer: stringOr(d.ProxyServer, cfg.ProxyServer),
		ClientCert:  stringOr(d.ClientCert, cfg.ClientCert),
		VerifySSL:   boolOr(d.VerifySSL, cfg.VerifySSL),
		Timeout:     durationOr(d.Timeout, cfg.HTTPTimeout),
		IPMode:      ipModeOr(d.IPMode, cfg.IPMode),
		Interface:   stringOr(d.Interface, cfg.BindInterface),
		TLSProfile:  d.TLSProfile,
	}
	if d.Quality != nil {
		s.qualityMode = *d.Quality
	}
	for k, v := range d.Hooks {
		s.hooks.Store(k, v)
	}
	for k, v := range d.PathSubs {
		s.pathSubs.Store(k, v)
	}
	return s
}

// ManifestURL returns the current manifest URL (may move on redirects).
func (s *Session) ManifestURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifestURL
}

// LicenseURL returns the current DRM license URL.
func (s *Session) LicenseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.licenseURL
}

// Kind returns the manifest family decided for this session.
func (s *Session) Kind() types.ManifestKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// SetKind records the manifest family. It only takes effect once: a decided
// kind never silently changes for the life of the session.
func (s *Session) SetKind(k types.ManifestKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == types.KindNone {
		s.kind = k
	}
}

// QualityMode returns the configured policy for this session.
func (s *Session) QualityMode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qualityMode
}

// SelectedQuality returns the resolved choice and whether it has been
// resolved yet this session.
func (s *Session) SelectedQuality() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedQuality, s.selectedQuality != types.QualityUnset
}

// SetSelectedQuality caches the resolved choice so live playlist refreshes
// do not re-prompt.
func (s *Session) SetSelectedQuality(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedQuality = v
}

// QualityAsked reports whether the interactive chooser already ran.
func (s *Session) QualityAsked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qualityAsked
}

// MarkQualityAsked enforces the at-most-once chooser policy.
func (s *Session) MarkQualityAsked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qualityAsked = true
}

// Redirecting reports whether the session is inside a redirect response
// cycle.
func (s *Session) Redirecting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redirecting
}

// SetRedirecting flips the redirect-cycle flag.
func (s *Session) SetRedirecting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirecting = v
}

// PathSub resolves a short local path to its registered origin URL.
func (s *Session) PathSub(path string) (string, bool) {
	return s.pathSubs.Load(path)
}

// AddPathSub registers a local path served through the proxy.
func (s *Session) AddPathSub(path, url string) {
	s.pathSubs.Store(path, url)
}

// Hook returns the middleware registered for the given (current) URL.
func (s *Session) Hook(url string) (types.HookDescriptor, bool) {
	return s.hooks.Load(url)
}

// OnRedirect rewrites every piece of session state that referenced oldURL so
// it points at newURL: the manifest URL, the license URL, and any middleware
// entry keyed by the old URL.
func (s *Session) OnRedirect(oldURL, newURL string) {
	s.mu.Lock()
	if s.manifestURL == oldURL {
		s.manifestURL = newURL
	}
	if s.licenseURL == oldURL {
		s.licenseURL = newURL
	}
	s.mu.Unlock()

	if h, ok := s.hooks.Load(oldURL); ok {
		s.hooks.Delete(oldURL)
		s.hooks.Store(newURL, h)
	}
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

func stringOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func durationOr(a, b time.Duration) time.Duration {
	if a != 0 {
		return a
	}
	return b
}

func ipModeOr(a, b types.IPMode) types.IPMode {
	if a != "" {
		return a
	}
	return b
}
