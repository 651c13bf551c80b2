// Package dash rewrites MPEG-DASH manifests. The transformation is an
// ordered pipeline of passes over the parsed XML tree; later passes depend on
// the shape earlier passes leave behind, so the order is fixed.
package dash

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"

	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/quality"
	"manifest-proxy-go/pkg/rewrite"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/types"
	"manifest-proxy-go/pkg/urlutil"
)

// ErrInvalidManifest marks input that does not parse to an MPD document.
var ErrInvalidManifest = errors.New("invalid mpd: no MPD element")

// Scheme URNs handled by the rewriter.
const (
	dolbyChannelURN  = "tag:dolby.com,2014:dash:audio_channel_configuration:2011"
	dolbyChannelStd  = "urn:dolby:dash:audio_channel_configuration:2011"
	cicpChannelURN   = "urn:mpeg:mpegB:cicp:ChannelConfiguration"
	mpegChannelURN   = "urn:mpeg:dash:23003:3:audio_channel_configuration:2011"
	jocExtensionURN  = "tag:dolby.com,2018:dash:EC3_ExtensionType:2018"
	jocComplexityURN = "tag:dolby.com,2018:dash:EC3_ExtensionComplexityIndex:2018"
	roleURN          = "urn:mpeg:dash:role:2011"
	audioPurposeURN  = "urn:tva:metadata:cs:AudioPurposeCS:2007"
)

// Rewriter transforms MPD manifests for one proxied response.
type Rewriter struct {
	selector *quality.Selector
	log      *logging.Logger
	now      func() time.Time
}

// NewRewriter creates a DASH rewriter backed by the given quality selector.
func NewRewriter(selector *quality.Selector, log *logging.Logger) *Rewriter {
	return &Rewriter{
		selector: selector,
		log:      log.WithComponent("dash"),
		now:      time.Now,
	}
}

// videoRep is one video Representation with its per-period position, used to
// apply a first-period quality choice across every period.
type videoRep struct {
	index int
	elem  *etree.Element
	set   *etree.Element
}

// state carries the tree and intermediate results through the pass pipeline.
type state struct {
	doc  *etree.Document
	mpd  *etree.Element
	sess *session.Session

	responseURL string
	proxyBase   string

	candidates []types.Rendition // first period video, index == position
	videoReps  []videoRep        // all periods
}

// Rewrite transforms an MPD body. responseURL is the final (post-redirect)
// URL the body was fetched from; proxyBase prefixes rewritten absolute URLs.
func (rw *Rewriter) Rewrite(ctx context.Context, body, responseURL, proxyBase string, sess *session.Session) (string, error) {
	body = substituteURNs(body)

	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil {
		return "", fmt.Errorf("parse mpd: %w", err)
	}
	mpd := doc.SelectElement("MPD")
	if mpd == nil {
		return "", ErrInvalidManifest
	}

	st := &state{
		doc:         doc,
		mpd:         mpd,
		sess:        sess,
		responseURL: responseURL,
		proxyBase:   proxyBase,
	}

	passes := []func(*state){
		rw.removePublishTime,
		rw.fixDynamicDuration,
		rw.extractAtmos,
		rw.reorderAndCollect,
		rw.injectSubtitles,
		rw.filterLanguages,
		rw.filterAudioDescription,
		rw.normalizeBaseURLs,
		rw.rewriteSegments,
	}
	for _, pass := range passes {
		pass(st)
	}

	if err := rw.selectQuality(ctx, st); err != nil {
		return "", err
	}
	rw.removeEmptySets(st)

	return doc.WriteToString()
}

var dvbAttrRe = regexp.MustCompile(`\sdvb:([\w-]+=)`)

// substituteURNs applies the known textual fixups before XML parsing: two
// non-compliant channel-configuration URNs and an undeclared dvb: attribute
// prefix some origins emit.
func substituteURNs(body string) string {
	body = strings.ReplaceAll(body, dolbyChannelURN, dolbyChannelStd)
	body = strings.ReplaceAll(body, cicpChannelURN, mpegChannelURN)
	return dvbAttrRe.ReplaceAllString(body, " $1")
}

func (rw *Rewriter) removePublishTime(st *state) {
	if st.mpd.SelectAttr("publishTime") != nil {
		st.mpd.RemoveAttr("publishTime")
		rw.log.Debug("publishTime removed")
	}
}

// fixDynamicDuration synthesizes a duration for dynamic manifests that carry
// neither timeShiftBufferDepth nor mediaPresentationDuration; players
// otherwise assume zero duration and refuse to play.
func (rw *Rewriter) fixDynamicDuration(st *state) {
	if st.mpd.SelectAttrValue("type", "") != "dynamic" {
		return
	}
	if st.mpd.SelectAttr("timeShiftBufferDepth") != nil || st.mpd.SelectAttr("mediaPresentationDuration") != nil {
		return
	}

	if start := st.mpd.SelectAttrValue("availabilityStartTime", ""); start != "" {
		if t, err := parseMPDTime(start); err == nil {
			seconds := int(rw.now().Sub(t).Seconds())
			st.mpd.CreateAttr("timeShiftBufferDepth", fmt.Sprintf("PT%dS", seconds))
			rw.log.Debug("timeShiftBufferDepth added", "seconds", seconds)
			return
		}
	}
	st.mpd.CreateAttr("mediaPresentationDuration", "PT60S")
}

func parseMPDTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", v)
}

// extractAtmos moves every JOC-flagged audio representation into a brand-new
// sibling adaptation set labeled as Atmos, rewriting its channel
// configuration to the standard MPEG URN.
func (rw *Rewriter) extractAtmos(st *state) {
	for _, period := range st.mpd.SelectElements("Period") {
		for _, set := range period.SelectElements("AdaptationSet") {
			if !isAudioSet(set) {
				continue
			}

			var joc []*etree.Element
			for _, rep := range set.SelectElements("Representation") {
				if hasScheme(rep, "SupplementalProperty", jocExtensionURN, "JOC") {
					joc = append(joc, rep)
				}
			}
			if len(joc) == 0 {
				continue
			}

			atmos := etree.NewElement("AdaptationSet")
			for _, a := range set.Attr {
				atmos.CreateAttr(a.FullKey(), a.Value)
			}
			id := set.SelectAttrValue("id", "audio")
			atmos.CreateAttr("id", id+"-atmos")
			atmos.CreateAttr("name", "ATMOS")

			for _, rep := range joc {
				complexity := schemeValue(rep, "SupplementalProperty", jocComplexityURN, "16")
				for _, acc := range rep.SelectElements("AudioChannelConfiguration") {
					rep.RemoveChild(acc)
				}
				acc := rep.CreateElement("AudioChannelConfiguration")
				acc.CreateAttr("schemeIdUri", mpegChannelURN)
				acc.CreateAttr("value", complexity)

				set.RemoveChild(rep)
				atmos.AddChild(rep)
			}

			period.AddChild(atmos)
			rw.log.Debug("atmos set extracted", "id", id+"-atmos", "representations", len(joc))
		}
	}
}

// reorderAndCollect re-appends adaptation sets to their period in descending
// highest-bandwidth order, video first, for decoders that pick the
// first-listed set. Trick-play sets are dropped. Video renditions are
// collected for quality selection on the way through.
func (rw *Rewriter) reorderAndCollect(st *state) {
	type ranked struct {
		bandwidth int
		set       *etree.Element
	}

	for periodIndex, period := range st.mpd.SelectElements("Period") {
		var videoSets, audioSets []ranked
		repIndex := 0

		for _, set := range period.SelectElements("AdaptationSet") {
			period.RemoveChild(set)

			if set.SelectAttr("maxPlayoutRate") != nil {
				continue
			}

			highest := 0
			isVideo := false
			isTrick := false

			for _, rep := range set.SelectElements("Representation") {
				// Representations sort last inside their set.
				set.RemoveChild(rep)
				set.AddChild(rep)

				if rep.SelectAttr("maxPlayoutRate") != nil {
					isTrick = true
				}
				r := renditionOf(set, rep)
				if r.Bandwidth > highest {
					highest = r.Bandwidth
				}

				if isVideoRep(set, rep) && !isTrick {
					isVideo = true
					r.Index = repIndex
					st.videoReps = append(st.videoReps, videoRep{index: repIndex, elem: rep, set: set})
					if periodIndex == 0 {
						st.candidates = append(st.candidates, r)
					}
					repIndex++
				}
			}

			if isTrick {
				continue
			}
			if isVideo {
				videoSets = append(videoSets, ranked{highest, set})
			} else {
				audioSets = append(audioSets, ranked{highest, set})
			}
		}

		byBandwidth := func(sets []ranked) func(i, j int) bool {
			return func(i, j int) bool { return sets[i].bandwidth > sets[j].bandwidth }
		}
		sort.SliceStable(videoSets, byBandwidth(videoSets))
		sort.SliceStable(audioSets, byBandwidth(audioSets))

		for _, r := range videoSets {
			period.AddChild(r.set)
		}
		for _, r := range audioSets {
			period.AddChild(r.set)
		}
	}
}

// injectSubtitles replaces existing text adaptation sets with one synthesized
// set per caller-supplied subtitle. The track URL lands in a BaseURL element
// before the BaseURL pass runs, so it gets proxy-prefixed with the rest.
func (rw *Rewriter) injectSubtitles(st *state) {
	if len(st.sess.Subtitles) == 0 {
		return
	}

	periods := st.mpd.SelectElements("Period")
	if len(periods) == 0 {
		return
	}

	for _, period := range periods {
		for _, set := range period.SelectElements("AdaptationSet") {
			if isTextSet(set) {
				period.RemoveChild(set)
			}
		}
	}

	last := periods[len(periods)-1]
	for i, sub := range st.sess.Subtitles {
		set := last.CreateElement("AdaptationSet")
		set.CreateAttr("contentType", "text")
		set.CreateAttr("mimeType", sub.MimeType)
		set.CreateAttr("lang", sub.Language)
		set.CreateAttr("id", fmt.Sprintf("caption_%d", i))
		if sub.Forced {
			set.CreateAttr("forced", "true")
		}
		if sub.Impaired {
			set.CreateAttr("impaired", "true")
		}

		rep := set.CreateElement("Representation")
		rep.CreateAttr("id", fmt.Sprintf("caption_rep_%d", i))
		if strings.Contains(sub.MimeType, "ttml") {
			rep.CreateAttr("codecs", "ttml")
		}
		rep.CreateElement("BaseURL").SetText(sub.Path)
	}
	rw.log.Debug("subtitles injected", "count", len(st.sess.Subtitles))
}

// filterLanguages normalizes lang tags, removes whitelisted-out audio sets,
// marks the original language and reassigns defaults centrally.
func (rw *Rewriter) filterLanguages(st *state) {
	audioWhitelist := rewrite.AugmentWhitelist(st.sess.AudioWhitelist, st.sess.OriginalLanguage, st.sess.DefaultLanguages)

	var audio, text []*etree.Element
	var impliedAudio, impliedText []string

	for _, period := range st.mpd.SelectElements("Period") {
		for _, set := range period.SelectElements("AdaptationSet") {
			lang := set.SelectAttrValue("lang", "")
			if lang == "" {
				continue
			}
			lang = rewrite.NormalizeLang(lang)
			set.CreateAttr("lang", lang)

			isAudio := isAudioSet(set)
			if isAudio && !rewrite.LangAllowed(lang, audioWhitelist) {
				period.RemoveChild(set)
				continue
			}

			if original := st.sess.OriginalLanguage; original != "" && strings.EqualFold(lang, original) {
				set.CreateAttr("original", "true")
			}

			implied := false
			if strings.EqualFold(set.SelectAttrValue("default", ""), "true") {
				set.RemoveAttr("default")
				implied = true
			}

			switch {
			case isAudio:
				audio = append(audio, set)
				if implied {
					impliedAudio = append(impliedAudio, lang)
				}
			case isTextSet(set):
				text = append(text, set)
				if implied {
					impliedText = append(impliedText, lang)
				}
			}
		}
	}

	rw.electDefault(audio, impliedAudio, st)
	rw.electDefault(text, impliedText, st)
}

// electDefault marks the sets matching the elected default language with the
// main role, clearing any prior role annotations on the group first.
func (rw *Rewriter) electDefault(sets []*etree.Element, implied []string, st *state) {
	if len(sets) == 0 {
		return
	}

	ordered := make([]string, 0, len(st.sess.DefaultLanguages)+len(implied))
	ordered = append(ordered, st.sess.DefaultLanguages...)
	ordered = append(ordered, implied...)
	if len(ordered) == 0 {
		ordered = []string{rewrite.OriginalTag}
	}

	available := make([]string, 0, len(sets))
	for _, set := range sets {
		available = append(available, set.SelectAttrValue("lang", ""))
	}

	elected := rewrite.ResolveDefault(ordered, st.sess.OriginalLanguage, available)
	if elected == "" {
		return
	}

	matched := false
	for _, set := range sets {
		lang := strings.ToLower(strings.TrimSpace(set.SelectAttrValue("lang", "")))
		if strings.HasPrefix(lang, elected) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	for _, set := range sets {
		for _, role := range set.SelectElements("Role") {
			if role.SelectAttrValue("schemeIdUri", "") == roleURN {
				set.RemoveChild(role)
			}
		}
	}
	for _, set := range sets {
		lang := strings.ToLower(strings.TrimSpace(set.SelectAttrValue("lang", "")))
		if strings.HasPrefix(lang, elected) {
			role := set.CreateElement("Role")
			role.CreateAttr("schemeIdUri", roleURN)
			role.CreateAttr("value", "main")
		}
	}
	rw.log.Debug("default language set", "lang", elected)
}

// filterAudioDescription removes described-video audio sets when audio
// description is disabled.
func (rw *Rewriter) filterAudioDescription(st *state) {
	if st.sess.AudioDescription {
		return
	}
	for _, period := range st.mpd.SelectElements("Period") {
		for _, set := range period.SelectElements("AdaptationSet") {
			if isAudioSet(set) && hasScheme(set, "Accessibility", audioPurposeURN, "1") {
				period.RemoveChild(set)
			}
		}
	}
}

// normalizeBaseURLs keeps only the first BaseURL per parent, absolutizes
// root-relative values against the response URL and proxy-prefixes absolute
// URLs.
func (rw *Rewriter) normalizeBaseURLs(st *state) {
	seen := make(map[*etree.Element]bool)

	for _, elem := range st.doc.FindElements("//BaseURL") {
		parent := elem.Parent()
		if seen[parent] {
			parent.RemoveChild(elem)
			continue
		}
		seen[parent] = true

		url := elem.Text()
		if strings.HasPrefix(url, "/") {
			url = urlutil.ResolveURL(url, st.responseURL)
		}
		if strings.Contains(url, "://") {
			url = st.proxyBase + url
		}
		elem.SetText(url)
	}
}

// rewriteSegments proxy-prefixes absolute initialization/media attributes and
// applies the known segment addressing fixes for relative ones: the nearest
// ancestor BaseURL gains a trailing slash, a duplicate ancestor
// SegmentTemplate is merged in and removed, and presentationTimeOffset is
// dropped.
func (rw *Rewriter) rewriteSegments(st *state) {
	elems := st.doc.FindElements("//SegmentTemplate")
	elems = append(elems, st.doc.FindElements("//SegmentURL")...)

	for _, e := range elems {
		if e.Parent() == nil {
			continue // removed as a duplicate ancestor of an earlier node
		}

		for _, attrib := range []string{"initialization", "media"} {
			a := e.SelectAttr(attrib)
			if a == nil {
				continue
			}
			if strings.Contains(a.Value, "://") {
				e.CreateAttr(attrib, st.proxyBase+a.Value)
				continue
			}

			if base := nearestSibling(e, "BaseURL", -1); base != nil && !strings.HasSuffix(base.Text(), "/") {
				base.SetText(base.Text() + "/")
				rw.log.Debug("base url trailing slash fixed")
			}

			if dup := nearestSibling(e, "SegmentTemplate", 2); dup != nil {
				for _, da := range dup.Attr {
					if e.SelectAttr(da.FullKey()) == nil {
						e.CreateAttr(da.FullKey(), da.Value)
					}
				}
				dup.Parent().RemoveChild(dup)
				rw.log.Debug("duplicate segment template merged")
			}
		}

		if e.SelectAttr("presentationTimeOffset") != nil {
			e.RemoveAttr("presentationTimeOffset")
		}
	}
}

// selectQuality runs the selector over the first period's video candidates
// and removes every losing representation across all periods by position.
func (rw *Rewriter) selectQuality(ctx context.Context, st *state) error {
	selected, err := rw.selector.Select(ctx, st.candidates, st.sess, st.sess.ManifestURL())
	if err != nil {
		return err
	}
	if selected == nil {
		return nil
	}

	for _, vr := range st.videoReps {
		if vr.index != selected.Index {
			vr.set.RemoveChild(vr.elem)
		}
	}
	rw.log.Debug("representation selected", "label", quality.Label(*selected), "candidates", len(st.candidates))
	return nil
}

// removeEmptySets drops adaptation sets left with no representations.
func (rw *Rewriter) removeEmptySets(st *state) {
	for _, period := range st.mpd.SelectElements("Period") {
		for _, set := range period.SelectElements("AdaptationSet") {
			if len(set.SelectElements("Representation")) == 0 {
				period.RemoveChild(set)
			}
		}
	}
}

// renditionOf merges adaptation-set and representation attributes into a
// selectable rendition.
func renditionOf(set, rep *etree.Element) types.Rendition {
	attr := func(name string) string {
		if v := rep.SelectAttrValue(name, ""); v != "" {
			return v
		}
		return set.SelectAttrValue(name, "")
	}

	bandwidth := 0
	fmt.Sscanf(attr("bandwidth"), "%d", &bandwidth)

	resolution := ""
	if w, h := attr("width"), attr("height"); w != "" && h != "" {
		resolution = w + "x" + h
	}

	var codecs []string
	for _, c := range strings.Split(attr("codecs"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			codecs = append(codecs, c)
		}
	}

	return types.Rendition{
		Bandwidth:  bandwidth,
		Resolution: resolution,
		FrameRate:  attr("frameRate"),
		Codecs:     codecs,
	}
}

func isAudioSet(set *etree.Element) bool {
	return setMatches(set, "audio")
}

func isVideoRep(set, rep *etree.Element) bool {
	if strings.Contains(rep.SelectAttrValue("mimeType", ""), "video") {
		return true
	}
	return setMatches(set, "video")
}

func isTextSet(set *etree.Element) bool {
	return setMatches(set, "text")
}

func setMatches(set *etree.Element, kind string) bool {
	if set.SelectAttrValue("contentType", "") == kind {
		return true
	}
	if strings.Contains(set.SelectAttrValue("mimeType", ""), kind) {
		return true
	}
	for _, rep := range set.SelectElements("Representation") {
		if strings.Contains(rep.SelectAttrValue("mimeType", ""), kind) {
			return true
		}
	}
	return false
}

// hasScheme reports whether elem carries a child of the given tag with the
// given schemeIdUri and value.
func hasScheme(elem *etree.Element, tag, scheme, value string) bool {
	for _, child := range elem.SelectElements(tag) {
		if child.SelectAttrValue("schemeIdUri", "") == scheme && child.SelectAttrValue("value", "") == value {
			return true
		}
	}
	return false
}

// schemeValue returns the value attribute of the child with the given
// schemeIdUri, or the fallback.
func schemeValue(elem *etree.Element, tag, scheme, fallback string) string {
	for _, child := range elem.SelectElements(tag) {
		if child.SelectAttrValue("schemeIdUri", "") == scheme {
			if v := child.SelectAttrValue("value", ""); v != "" {
				return v
			}
		}
	}
	return fallback
}

// nearestSibling finds the closest element with the given tag among the
// node's siblings, walking up at most maxLevels ancestors (-1 for unlimited).
func nearestSibling(node *etree.Element, tag string, maxLevels int) *etree.Element {
	parent := node.Parent()
	for parent != nil && maxLevels != 0 {
		for _, sibling := range parent.SelectElements(tag) {
			if sibling != node {
				return sibling
			}
		}
		node = parent
		parent = node.Parent()
		maxLevels--
	}
	return nil
}
