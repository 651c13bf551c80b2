// Package hooks applies per-URL response middleware: subtitle format
// conversion, regex envelope extraction and external plugin delegation. At
// most one hook applies per fetched URL, keyed by the current post-redirect
// URL, and hooks always run before any manifest rewriting.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/asticode/go-astisub"

	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/types"
)

// Result is the outcome of applying one hook.
type Result struct {
	Body []byte
	// ContentType overrides the response content type when non-empty.
	ContentType string
	// ExtraHeaders are merged into the response headers.
	ExtraHeaders map[string]string
}

// Runner applies hook descriptors to fetched bodies.
type Runner struct {
	plugins interfaces.PluginRunner
	log     *logging.Logger
}

// NewRunner creates a hook runner. plugins may be nil when no external
// plugin collaborator is configured.
func NewRunner(plugins interfaces.PluginRunner, log *logging.Logger) *Runner {
	return &Runner{
		plugins: plugins,
		log:     log.WithComponent("hooks"),
	}
}

// Apply runs one hook against a response body.
func (r *Runner) Apply(ctx context.Context, hook types.HookDescriptor, body []byte) (*Result, error) {
	switch hook.Type {
	case types.HookSubtitles:
		return r.convertSubtitle(body)
	case types.HookRegex:
		return r.extractRegex(hook.Pattern, body)
	case types.HookPlugin:
		return r.runPlugin(ctx, hook.Plugin, body)
	default:
		return nil, fmt.Errorf("unknown hook type %q", hook.Type)
	}
}

// convertSubtitle sniffs the subtitle format of the body and converts it to
// WebVTT. Already-WebVTT bodies pass through with only the content type set.
func (r *Runner) convertSubtitle(body []byte) (*Result, error) {
	format := sniffSubtitleFormat(body)

	if format == "vtt" {
		return &Result{Body: body, ContentType: "text/vtt"}, nil
	}

	var (
		subs *astisub.Subtitles
		err  error
	)
	switch format {
	case "ttml":
		subs, err = astisub.ReadFromTTML(bytes.NewReader(body))
	case "srt":
		subs, err = astisub.ReadFromSRT(bytes.NewReader(body))
	default:
		return nil, fmt.Errorf("unrecognized subtitle format")
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s subtitle: %w", format, err)
	}

	var out bytes.Buffer
	if err := subs.WriteToWebVTT(&out); err != nil {
		return nil, fmt.Errorf("write webvtt: %w", err)
	}
	r.log.Debug("subtitle converted", "from", format, "cues", len(subs.Items))
	return &Result{Body: out.Bytes(), ContentType: "text/vtt"}, nil
}

// sniffSubtitleFormat detects TTML, SRT or WebVTT by content, not extension.
func sniffSubtitleFormat(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}

	switch {
	case strings.HasPrefix(text, "WEBVTT"):
		return "vtt"
	case strings.Contains(text, "<tt"):
		return "ttml"
	case looksLikeSRT(text):
		return "srt"
	default:
		return ""
	}
}

// looksLikeSRT checks for the SRT shape: a numeric cue index line followed by
// a timing line containing "-->".
func looksLikeSRT(text string) bool {
	lines := strings.SplitN(text, "\n", 3)
	if len(lines) < 2 {
		return false
	}
	first := strings.TrimSpace(lines[0])
	if first == "" {
		return false
	}
	for _, c := range first {
		if c < '0' || c > '9' {
			return false
		}
	}
	return strings.Contains(lines[1], "-->")
}

// extractRegex replaces the body with the first capture group of the pattern.
func (r *Runner) extractRegex(pattern string, body []byte) (*Result, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("hook pattern: %w", err)
	}
	match := re.FindSubmatch(body)
	if len(match) < 2 {
		return nil, fmt.Errorf("hook pattern matched nothing")
	}
	return &Result{Body: match[1]}, nil
}

// runPlugin writes the body to a temp file, hands the path to the external
// plugin, and reads the possibly modified file back. The temp file is removed
// on every exit path.
func (r *Runner) runPlugin(ctx context.Context, ref string, body []byte) (*Result, error) {
	if r.plugins == nil {
		return nil, fmt.Errorf("no plugin runner configured")
	}

	tmp, err := os.CreateTemp("", "proxy-hook-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("hook temp file: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("hook temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("hook temp file: %w", err)
	}

	extra, err := r.plugins.Run(ctx, ref, path, nil)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", ref, err)
	}

	modified, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin output: %w", err)
	}
	return &Result{Body: modified, ExtraHeaders: extra}, nil
}
