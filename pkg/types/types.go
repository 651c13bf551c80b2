// Package types defines core domain types used throughout the application.
package types

// ManifestKind identifies the manifest family of the active session.
// It is decided once, from the first manifest response, and every later
// branch is an exhaustive switch over this value rather than string sniffing.
type ManifestKind int

const (
	KindNone ManifestKind = iota
	KindHLS
	KindDASH
)

func (k ManifestKind) String() string {
	switch k {
	case KindHLS:
		return "hls"
	case KindDASH:
		return "dash"
	default:
		return "none"
	}
}

// Quality policy sentinels. Non-negative values below IndexCeiling are
// rendition indices into the session's candidate list; values at or above it
// are target bandwidths in bits/sec.
const (
	QualityUnset    = -1
	QualityAsk      = -2
	QualityBest     = -3
	QualityLowest   = -4
	QualitySkip     = -5
	QualityDisabled = -6
)

// IndexCeiling separates remembered rendition indices from remembered
// bandwidth targets. No real manifest carries 4096 variants.
const IndexCeiling = 4096

// Rendition is one selectable stream variant collected during a manifest
// parse. It lives only for the duration of a single rewrite pass.
type Rendition struct {
	Bandwidth  int
	Resolution string // "WxH" or empty
	FrameRate  string // decimal or "num/den", may be empty
	Codecs     []string

	// Index is the rendition's position in parse order. The rewriters use it
	// to locate the nodes/lines to drop when another rendition wins.
	Index int
}

// Width returns the numeric horizontal resolution, or 0 when unknown.
func (r Rendition) Width() int {
	if r.Resolution == "" {
		return 0
	}
	w := 0
	for _, c := range r.Resolution {
		if c < '0' || c > '9' {
			break
		}
		w = w*10 + int(c-'0')
	}
	return w
}

// HookType identifies a response middleware.
type HookType string

const (
	HookSubtitles HookType = "subtitles"
	HookRegex     HookType = "regex"
	HookPlugin    HookType = "plugin"
)

// HookDescriptor binds a hook type to its parameters. Entries are keyed in
// the session by the current (post-redirect) URL of the response they apply
// to.
type HookDescriptor struct {
	Type HookType `json:"type"`
	// Pattern is the extraction pattern for HookRegex (one capture group).
	Pattern string `json:"pattern,omitempty"`
	// Plugin is the collaborator reference for HookPlugin.
	Plugin string `json:"plugin,omitempty"`
}

// SubtitleTrack is an externally injected subtitle served through the proxy.
type SubtitleTrack struct {
	MimeType string `json:"mime_type"`
	Language string `json:"language"`
	// Path is the absolute origin URL of the subtitle file. The manifest
	// rewriter proxy-prefixes it like any other BaseURL; a bare filename
	// would resolve against the origin manifest path and miss the proxy.
	Path string `json:"path"`
	Forced   bool   `json:"forced,omitempty"`
	Impaired bool   `json:"impaired,omitempty"`
}

// IPMode is the address-family preference for upstream connections.
type IPMode string

const (
	IPModeOnlyV4   IPMode = "only_v4"
	IPModeOnlyV6   IPMode = "only_v6"
	IPModePreferV4 IPMode = "prefer_v4"
	IPModePreferV6 IPMode = "prefer_v6"
)

// Networks returns the DNS lookup networks to try, in order.
func (m IPMode) Networks() []string {
	switch m {
	case IPModeOnlyV4:
		return []string{"ip4"}
	case IPModeOnlyV6:
		return []string{"ip6"}
	case IPModePreferV6:
		return []string{"ip6", "ip4"}
	default:
		return []string{"ip4", "ip6"}
	}
}
