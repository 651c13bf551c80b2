// Package hls rewrites HLS playlists: rendition filtering, Atmos relabeling,
// default-language election and quality selection on master playlists, beacon
// and key fixups on media playlists, and proxy URL rewriting on both.
package hls

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/quality"
	"manifest-proxy-go/pkg/rewrite"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/types"
	"manifest-proxy-go/pkg/urlutil"
)

// ErrInvalidPlaylist marks input missing the #EXTM3U signature.
var ErrInvalidPlaylist = errors.New("invalid m3u8: missing #EXTM3U")

const (
	tagMedia     = "#EXT-X-MEDIA"
	tagStreamInf = "#EXT-X-STREAM-INF"
	tagKey       = "#EXT-X-KEY"

	// Sample-AES key delivery is not supported by the player's decryptor;
	// such key lines are stripped from media playlists.
	sampleAESKeyFormat = "com.apple.streamingkeydelivery"

	audioDescriptionCharacteristic = "public.accessibility.describes-video"
)

// Rewriter transforms HLS playlists for one proxied response.
type Rewriter struct {
	selector *quality.Selector
	log      *logging.Logger
}

// NewRewriter creates an HLS rewriter backed by the given quality selector.
func NewRewriter(selector *quality.Selector, log *logging.Logger) *Rewriter {
	return &Rewriter{
		selector: selector,
		log:      log.WithComponent("hls"),
	}
}

// Rewrite transforms a playlist body. responseURL is the final (post-redirect)
// URL the body was fetched from; proxyBase is the proxy's own base URL that
// rewritten absolute URLs are prefixed with.
func (rw *Rewriter) Rewrite(ctx context.Context, body, responseURL, proxyBase string, sess *session.Session) (string, error) {
	if !strings.Contains(body, "#EXTM3U") {
		return "", ErrInvalidPlaylist
	}

	var err error
	if strings.Contains(body, tagStreamInf) {
		body, err = rw.rewriteMaster(ctx, body, sess)
		if err != nil {
			return "", err
		}
	} else {
		body = rw.rewriteMedia(body)
	}

	return rewriteURLs(body, responseURL, proxyBase), nil
}

// mediaEntry is one #EXT-X-MEDIA line under rewrite.
type mediaEntry struct {
	line  int
	attrs *attrList
}

// rewriteMaster applies rendition filtering, default election and quality
// selection to a master playlist.
func (rw *Rewriter) rewriteMaster(ctx context.Context, body string, sess *session.Session) (string, error) {
	lines := splitLines(body)
	drop := make(map[int]bool)

	audioWhitelist := rewrite.AugmentWhitelist(sess.AudioWhitelist, sess.OriginalLanguage, sess.DefaultLanguages)

	var audio, subs []*mediaEntry
	var impliedAudio, impliedSubs []string

	for i, line := range lines {
		if !strings.HasPrefix(line, tagMedia) {
			continue
		}
		attrs := parseAttrs(line)
		if attrs.Len() == 0 {
			continue
		}
		lang := attrs.Get("LANGUAGE")

		switch attrs.Get("TYPE") {
		case "AUDIO":
			if lang != "" && !rewrite.LangAllowed(lang, audioWhitelist) {
				drop[i] = true
				continue
			}
			if !sess.AudioDescription && strings.EqualFold(attrs.Get("CHARACTERISTICS"), audioDescriptionCharacteristic) {
				drop[i] = true
				continue
			}
			relabelAtmos(attrs)
		case "SUBTITLES":
			if lang != "" && !rewrite.LangAllowed(lang, sess.SubsWhitelist) {
				drop[i] = true
				continue
			}
			forced := strings.EqualFold(attrs.Get("FORCED"), "YES")
			if forced && !sess.SubsForced {
				drop[i] = true
				continue
			}
			if !forced && !sess.SubsNonForced {
				drop[i] = true
				continue
			}
		default:
			continue
		}

		if lang != "" {
			attrs.Set("LANGUAGE", rewrite.NormalizeLang(lang))
		}
		if strings.EqualFold(attrs.Get("DEFAULT"), "YES") {
			if attrs.Get("TYPE") == "AUDIO" {
				impliedAudio = append(impliedAudio, attrs.Get("LANGUAGE"))
			} else {
				impliedSubs = append(impliedSubs, attrs.Get("LANGUAGE"))
			}
			attrs.Set("DEFAULT", "NO")
		}

		entry := &mediaEntry{line: i, attrs: attrs}
		if attrs.Get("TYPE") == "AUDIO" {
			audio = append(audio, entry)
		} else {
			subs = append(subs, entry)
		}
	}

	electDefault(audio, sess.DefaultLanguages, impliedAudio, sess.OriginalLanguage)
	electDefault(subs, sess.DefaultLanguages, impliedSubs, sess.OriginalLanguage)

	for _, e := range append(audio, subs...) {
		lines[e.line] = e.attrs.serialize(tagMedia)
	}

	if err := rw.selectVariant(ctx, lines, drop, sess); err != nil {
		return "", err
	}

	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if drop[i] {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n"), nil
}

// variant is one #EXT-X-STREAM-INF plus URI line pair.
type variant struct {
	infLine int
	uriLine int
	key     string // composite dedup key: normalized URL plus attribute line
}

// selectVariant collects stream variants, runs quality selection over the
// deduplicated candidate list and marks every losing pair for removal.
func (rw *Rewriter) selectVariant(ctx context.Context, lines []string, drop map[int]bool, sess *session.Session) error {
	var all []variant
	var candidates []types.Rendition
	var keys []string
	seen := make(map[string]bool)

	infLine := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, tagStreamInf) {
			infLine = i
			continue
		}
		if infLine < 0 || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key := variantKey(trimmed) + "\n" + lines[infLine]
		all = append(all, variant{infLine: infLine, uriLine: i, key: key})

		if !seen[key] {
			seen[key] = true
			attrs := parseAttrs(lines[infLine])
			bandwidth, _ := strconv.Atoi(attrs.Get("BANDWIDTH"))
			candidates = append(candidates, types.Rendition{
				Bandwidth:  bandwidth,
				Resolution: attrs.Get("RESOLUTION"),
				FrameRate:  attrs.Get("FRAME-RATE"),
				Codecs:     splitCodecs(attrs.Get("CODECS")),
				Index:      len(candidates),
			})
			keys = append(keys, key)
		}
		infLine = -1
	}

	selected, err := rw.selector.Select(ctx, candidates, sess, sess.ManifestURL())
	if err != nil {
		return err
	}

	if selected != nil {
		winner := keys[selected.Index]
		for _, v := range all {
			if v.key != winner {
				drop[v.infLine] = true
				drop[v.uriLine] = true
			}
		}
		rw.log.Debug("variant selected", "label", quality.Label(*selected), "candidates", len(candidates))
	}

	if sess.RemoveFrameRate {
		for _, v := range all {
			if drop[v.infLine] {
				continue
			}
			attrs := parseAttrs(lines[v.infLine])
			if attrs.Get("FRAME-RATE") != "" {
				attrs.Del("FRAME-RATE")
				lines[v.infLine] = attrs.serialize(tagStreamInf)
			}
		}
	}
	return nil
}

// relabelAtmos rewrites a JOC channel layout as a Dolby Atmos track: the
// display name gains an Atmos suffix and CHANNELS keeps only the base count.
func relabelAtmos(attrs *attrList) {
	channels := attrs.Get("CHANNELS")
	if !strings.Contains(channels, "JOC") {
		return
	}
	base, _, _ := strings.Cut(channels, "/")
	attrs.Set("CHANNELS", base)
	if name := attrs.Get("NAME"); !strings.Contains(name, "Atmos") {
		attrs.Set("NAME", strings.TrimSpace(name+" Atmos"))
	}
}

// electDefault clears per-entry defaults and reassigns DEFAULT=YES to the
// first entry per group matching the elected default language.
func electDefault(entries []*mediaEntry, configured, implied []string, original string) {
	if len(entries) == 0 {
		return
	}

	ordered := make([]string, 0, len(configured)+len(implied))
	ordered = append(ordered, configured...)
	ordered = append(ordered, implied...)
	if len(ordered) == 0 {
		ordered = []string{rewrite.OriginalTag}
	}

	available := make([]string, 0, len(entries))
	for _, e := range entries {
		available = append(available, e.attrs.Get("LANGUAGE"))
	}

	elected := rewrite.ResolveDefault(ordered, original, available)
	if elected == "" {
		return
	}

	done := make(map[string]bool)
	for _, e := range entries {
		group := e.attrs.Get("GROUP-ID")
		if done[group] {
			continue
		}
		lang := strings.ToLower(strings.TrimSpace(e.attrs.Get("LANGUAGE")))
		if strings.HasPrefix(lang, elected) {
			e.attrs.Set("DEFAULT", "YES")
			e.attrs.Set("AUTOSELECT", "YES")
			done[group] = true
		}
	}
}

// rewriteMedia fixes up a media playlist: beacon redirect lines are replaced
// with their decoded target and sample-AES key lines are stripped.
func (rw *Rewriter) rewriteMedia(body string) string {
	lines := splitLines(body)
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, tagKey) && strings.Contains(trimmed, sampleAESKeyFormat) {
			continue
		}

		if !strings.HasPrefix(trimmed, "#") && strings.Contains(strings.ToLower(trimmed), "/beacon?") {
			if target := beaconTarget(trimmed); target != "" {
				rw.log.Debug("beacon removed")
				line = target
			}
		}

		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// beaconTarget extracts the redirect_path query parameter from a beacon URL.
func beaconTarget(line string) string {
	parsed, err := url.Parse(line)
	if err != nil {
		return ""
	}
	for key, values := range parsed.Query() {
		if strings.EqualFold(key, "redirect_path") && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

var (
	rootLineRe = regexp.MustCompile(`(?im)^/`)
	rootURIRe  = regexp.MustCompile(`(?i)URI="/`)
	absoluteRe = regexp.MustCompile(`(?i)(https?)://`)
)

// rewriteURLs resolves root-relative lines and URI attributes against the
// response's own host, then prefixes every absolute URL with the proxy base
// so the next request loops back through the proxy.
func rewriteURLs(body, responseURL, proxyBase string) string {
	if root := urlutil.RootURL(responseURL); root != "" {
		body = rootLineRe.ReplaceAllString(body, root)
		body = rootURIRe.ReplaceAllString(body, `URI="`+root)
	}
	return absoluteRe.ReplaceAllString(body, proxyBase+"$1://")
}

// variantKey normalizes a variant URI for deduplication: lowercased and with
// scheme and host stripped so mirrored hosts compare equal.
func variantKey(uri string) string {
	u := strings.ToLower(uri)
	i := strings.Index(u, "://")
	if i < 0 {
		return u
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return rest[j:]
	}
	return "/"
}

func splitCodecs(codecs string) []string {
	var out []string
	for _, c := range strings.Split(codecs, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func splitLines(body string) []string {
	return strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
}
