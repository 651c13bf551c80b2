// Package quality implements rendition selection policy. The selector is
// pure: given a candidate list, the session's policy and the injected choice
// memory it deterministically picks a rendition (or none), caching the
// resolution in the session so live playlist refreshes never re-prompt.
package quality

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/types"
)

// ErrCancelled signals the user dismissed the chooser. The handler routes
// this to the stop sentinel rather than the failure sentinel.
var ErrCancelled = errors.New("quality selection cancelled")

// codecNames maps codec string prefixes to display names used for ranking.
var codecNames = [][2]string{
	{"avc", "H.264"},
	{"hvc", "H.265"},
	{"hev", "H.265"},
	{"mp4v", "MPEG-4"},
	{"mp4s", "MPEG-4"},
	{"dvh", "H.265 Dolby Vision"},
}

// codecRanking orders codecs worst to best; unknown codecs rank below all.
var codecRanking = []string{"MPEG-4", "H.264", "H.265", "HDR", "H.265 Dolby Vision"}

// Selector resolves the quality policy for a session.
type Selector struct {
	chooser interfaces.QualityChooser
	memory  *Memory
	log     *logging.Logger
}

// NewSelector creates a selector with the injected chooser and memory.
func NewSelector(chooser interfaces.QualityChooser, memory *Memory, log *logging.Logger) *Selector {
	return &Selector{
		chooser: chooser,
		memory:  memory,
		log:     log.WithComponent("quality"),
	}
}

// Select picks one rendition or returns nil when nothing should be dropped
// (skip/disabled). contentID keys the choice memory (the manifest URL).
// Candidates must carry Index values equal to their position in the list.
func (s *Selector) Select(ctx context.Context, candidates []types.Rendition, sess *session.Session, contentID string) (*types.Rendition, error) {
	// A resolution already cached this session is reused verbatim; only
	// skip/disabled re-apply per request since live playlists refetch.
	if cached, ok := sess.SelectedQuality(); ok {
		switch cached {
		case types.QualitySkip, types.QualityDisabled:
			return nil, nil
		default:
			if cached >= 0 && cached < len(candidates) {
				r := candidates[cached]
				return &r, nil
			}
			return nil, nil
		}
	}

	mode := sess.QualityMode()
	sorted := sortRenditions(candidates)

	if len(sorted) == 0 {
		mode = types.QualityDisabled
	} else if len(sorted) == 1 {
		mode = types.QualityBest
	}

	if mode == types.QualityAsk {
		chosen, err := s.ask(ctx, sorted, candidates, sess, contentID)
		if err != nil {
			return nil, err
		}
		mode = chosen
	}

	var pick *types.Rendition
	switch {
	case mode == types.QualitySkip || mode == types.QualityDisabled:
		sess.SetSelectedQuality(mode)
		return nil, nil
	case mode == types.QualityBest:
		pick = &sorted[0]
	case mode == types.QualityLowest:
		pick = &sorted[len(sorted)-1]
	case mode >= 0 && mode < len(candidates):
		pick = &candidates[mode]
	default:
		// Interpreted as a target bandwidth: closest at or below, falling
		// back to the lowest candidate when none qualifies.
		pick = closestAtOrBelow(sorted, mode)
	}

	sess.SetSelectedQuality(pick.Index)
	r := candidates[indexOf(candidates, pick.Index)]
	return &r, nil
}

// ask presents the sorted list plus synthetic options to the interactive
// chooser, at most once per session.
func (s *Selector) ask(ctx context.Context, sorted, candidates []types.Rendition, sess *session.Session, contentID string) (int, error) {
	if sess.QualityAsked() {
		return types.QualityBest, nil
	}
	sess.MarkQualityAsked()

	options := make([]interfaces.ChooserOption, 0, len(sorted)+3)
	options = append(options, interfaces.ChooserOption{Label: "Best", Value: types.QualityBest})
	for _, r := range sorted {
		options = append(options, interfaces.ChooserOption{Label: Label(r), Value: r.Index})
	}
	options = append(options, interfaces.ChooserOption{Label: "Lowest", Value: types.QualityLowest})
	options = append(options, interfaces.ChooserOption{Label: "Skip", Value: types.QualitySkip})

	preselect := preselectIndex(options, sorted, s.remembered(contentID))

	index, err := s.chooser.Choose(ctx, "Playback Quality", options, preselect)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= len(options) {
		return 0, ErrCancelled
	}

	chosen := options[index].Value
	if index != preselect {
		remembered := chosen
		if chosen >= 0 {
			// remember bandwidth, not index: indices don't survive across
			// different manifests of the same content
			remembered = candidates[indexOf(candidates, chosen)].Bandwidth + types.IndexCeiling
		}
		s.memory.Remember(contentID, remembered)
	}
	return chosen, nil
}

func (s *Selector) remembered(contentID string) int {
	if v, ok := s.memory.Last(contentID); ok {
		return v
	}
	return types.QualityBest
}

// preselectIndex finds the option to preselect for a remembered value:
// either the matching sentinel, or the best rendition whose bandwidth is at
// or below the remembered bandwidth.
func preselectIndex(options []interfaces.ChooserOption, sorted []types.Rendition, remembered int) int {
	if remembered < 0 {
		for i, o := range options {
			if o.Value == remembered {
				return i
			}
		}
		return 0
	}

	target := closestAtOrBelow(sorted, remembered-types.IndexCeiling)
	for i, o := range options {
		if o.Value == target.Index {
			return i
		}
	}
	return 0
}

// closestAtOrBelow picks the best rendition with bandwidth at or below the
// target, else the lowest.
func closestAtOrBelow(sorted []types.Rendition, bandwidth int) *types.Rendition {
	for i := range sorted {
		if sorted[i].Bandwidth <= bandwidth {
			return &sorted[i]
		}
	}
	return &sorted[len(sorted)-1]
}

func indexOf(candidates []types.Rendition, index int) int {
	for i := range candidates {
		if candidates[i].Index == index {
			return i
		}
	}
	return 0
}

// sortRenditions orders best-first: width, then codec rank, then bandwidth,
// then frame rate. Missing values sort as equal-not-greater.
func sortRenditions(candidates []types.Rendition) []types.Rendition {
	sorted := make([]types.Rendition, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compare(sorted[i], sorted[j]) > 0
	})
	return sorted
}

func compare(a, b types.Rendition) int {
	if a.Width() != 0 && b.Width() != 0 {
		if a.Width() != b.Width() {
			if a.Width() > b.Width() {
				return 1
			}
			return -1
		}
	}

	aRank, bRank := codecRank(a.Codecs), codecRank(b.Codecs)
	if aRank != bRank {
		if aRank > bRank {
			return 1
		}
		return -1
	}

	if a.Bandwidth != b.Bandwidth {
		if a.Bandwidth > b.Bandwidth {
			return 1
		}
		return -1
	}

	aFPS, bFPS := frameRate(a.FrameRate), frameRate(b.FrameRate)
	if aFPS > bFPS {
		return 1
	}
	if aFPS < bFPS {
		return -1
	}
	return 0
}

func codecRank(codecs []string) int {
	highest := -1
	for _, codec := range codecs {
		for _, entry := range codecNames {
			if strings.HasPrefix(strings.ToLower(codec), entry[0]) {
				for rank, name := range codecRanking {
					if name == entry[1] && rank > highest {
						highest = rank
					}
				}
			}
		}
	}
	return highest
}

func frameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 == nil && err2 == nil && d != 0 {
			return n / d
		}
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// Label renders a rendition for display, e.g. "4.50 Mbps 1920x1080 25fps H.264".
func Label(r types.Rendition) string {
	parts := []string{fmt.Sprintf("%.2f Mbps", float64(r.Bandwidth)/1000000.0)}
	if r.Resolution != "" {
		parts = append(parts, r.Resolution)
	}
	if fps := frameRate(r.FrameRate); fps > 0 {
		parts = append(parts, fmt.Sprintf("%.4gfps", fps))
	}
	for _, codec := range r.Codecs {
		for _, entry := range codecNames {
			if strings.HasPrefix(strings.ToLower(codec), entry[0]) {
				parts = append(parts, entry[1])
				break
			}
		}
	}
	return strings.Join(parts, " ")
}
