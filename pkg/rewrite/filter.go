// Package rewrite holds the filtering policy shared by the HLS and DASH
// rewriters: language whitelisting, tag normalization and default-language
// election.
package rewrite

import (
	"strings"
)

// OriginalTag is the configured-default value that substitutes the stream's
// tagged original-audio language before comparison.
const OriginalTag = "original"

// LangAllowed reports whether a language tag passes the whitelist. Matching
// is a case-insensitive prefix test ("en" admits "en-US"); an empty
// whitelist admits everything.
func LangAllowed(lang string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, w := range whitelist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.HasPrefix(lang, w) {
			return true
		}
	}
	return false
}

// NormalizeLang collapses redundant region subtags: es-ES becomes es,
// fr-FR becomes fr. Distinct regions (en-GB) are preserved.
func NormalizeLang(lang string) string {
	primary, region, ok := strings.Cut(lang, "-")
	if ok && strings.EqualFold(primary, region) {
		return primary
	}
	return lang
}

// ResolveDefault elects the default language: each configured default is
// tried in order, with OriginalTag substituted by the stream's tagged
// original language, and the first one matching any available language
// (prefix, case-insensitive) wins. With no match the original language is
// the implicit default.
func ResolveDefault(configured []string, original string, available []string) string {
	for _, want := range configured {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == OriginalTag {
			want = strings.ToLower(strings.TrimSpace(original))
		}
		if want == "" {
			continue
		}
		for _, have := range available {
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(have)), want) {
				return want
			}
		}
	}
	return strings.ToLower(strings.TrimSpace(original))
}

// AugmentWhitelist appends the original and default languages to a
// non-empty whitelist so filtering never removes the track the default
// election is about to pick.
func AugmentWhitelist(whitelist []string, original string, defaults []string) []string {
	if len(whitelist) == 0 {
		return whitelist
	}
	out := make([]string, 0, len(whitelist)+len(defaults)+1)
	out = append(out, whitelist...)
	if original != "" {
		out = append(out, original)
	}
	for _, d := range defaults {
		if d != "" && d != OriginalTag {
			out = append(out, d)
		}
	}
	return out
}
