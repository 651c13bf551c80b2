package hls

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/grafov/m3u8"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/quality"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/types"
)

const proxyBase = "http://127.0.0.1:52103/"
const manifestURL = "https://cdn.example.com/video/master.m3u8"

type fixedChooser struct {
	index int
	calls int
}

func (c *fixedChooser) Choose(ctx context.Context, title string, options []interfaces.ChooserOption, preselect int) (int, error) {
	c.calls++
	return c.index, nil
}

func newRewriter(chooser interfaces.QualityChooser) *Rewriter {
	log := logging.New("error", false, nil)
	selector := quality.NewSelector(chooser, quality.NewMemory(8), log)
	return NewRewriter(selector, log)
}

func newSession(t *testing.T, d *session.Descriptor) *session.Session {
	t.Helper()
	if d.ManifestURL == "" {
		d.ManifestURL = manifestURL
	}
	return session.New(d, &config.Config{
		QualityMode:      types.QualityBest,
		SubsForced:       true,
		SubsNonForced:    true,
		AudioDescription: true,
	})
}

const masterPlaylist = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",DEFAULT=YES,URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="de",NAME="Deutsch",DEFAULT=NO,URI="audio/de.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="es-ES",NAME="Espanol",DEFAULT=NO,URI="audio/es.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="sub",LANGUAGE="en",NAME="English",FORCED=NO,URI="subs/en.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="sub",LANGUAGE="fr",NAME="Forced",FORCED=YES,URI="subs/fr.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2",AUDIO="aud"
video/1080.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aud"
video/720.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.42c00d,mp4a.40.2",AUDIO="aud"
video/360.m3u8
`

func TestRewriteMasterSelectsBestVariant(t *testing.T) {
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	out, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	if !strings.Contains(out, "video/1080.m3u8") {
		t.Error("selected 1080p variant missing from output")
	}
	if strings.Contains(out, "video/720.m3u8") || strings.Contains(out, "video/360.m3u8") {
		t.Error("losing variants still present in output")
	}
}

func TestRewriteMasterAudioWhitelist(t *testing.T) {
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{
		AudioWhitelist: []string{"en", "es"},
	})

	out, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	if strings.Contains(out, `LANGUAGE="de"`) {
		t.Error("whitelisted-out language still present")
	}
	if !strings.Contains(out, `LANGUAGE="en"`) {
		t.Error("whitelisted language missing")
	}
}

func TestRewriteMasterCollapsesRegionTag(t *testing.T) {
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	out, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "es-ES") {
		t.Error("es-ES not collapsed to es")
	}
	if !strings.Contains(out, `LANGUAGE="es"`) {
		t.Error("collapsed es tag missing")
	}
}

func TestRewriteMasterDefaultElection(t *testing.T) {
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{
		DefaultLanguages: []string{"de"},
	})

	out, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "#EXT-X-MEDIA") || !strings.Contains(line, "TYPE=\"AUDIO\"") && !strings.Contains(line, "TYPE=AUDIO") {
			continue
		}
		attrs := parseAttrs(line)
		isDefault := attrs.Get("DEFAULT") == "YES"
		switch attrs.Get("LANGUAGE") {
		case "de":
			if !isDefault {
				t.Error("configured default language not marked DEFAULT=YES")
			}
		default:
			if isDefault {
				t.Errorf("unexpected DEFAULT=YES on language %q", attrs.Get("LANGUAGE"))
			}
		}
	}
}

func TestRewriteMasterAtmosRelabel(t *testing.T) {
	playlist := "#EXTM3U\n" +
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="English",CHANNELS="16/JOC",URI="audio/atmos.m3u8"` + "\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\n" +
		"video/1080.m3u8\n"

	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	out, err := rw.Rewrite(context.Background(), playlist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	if !strings.Contains(out, `NAME="English Atmos"`) {
		t.Error("Atmos track not relabeled")
	}
	if !strings.Contains(out, `CHANNELS="16"`) {
		t.Error("CHANNELS not truncated to base count")
	}
	if strings.Contains(out, "JOC") {
		t.Error("JOC marker still present")
	}
}

func TestRewriteMasterForcedSubtitleFilter(t *testing.T) {
	forced := false
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{SubsForced: &forced})

	out, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "subs/fr.m3u8") {
		t.Error("forced subtitle not filtered")
	}
	if !strings.Contains(out, "subs/en.m3u8") {
		t.Error("non-forced subtitle wrongly filtered")
	}
}

func TestRewriteMasterAudioDescriptionFilter(t *testing.T) {
	playlist := "#EXTM3U\n" +
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="AD",CHARACTERISTICS="public.accessibility.describes-video",URI="audio/ad.m3u8"` + "\n" +
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",LANGUAGE="en",NAME="Main",URI="audio/main.m3u8"` + "\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000\n" +
		"video/1080.m3u8\n"

	ad := false
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{AudioDescription: &ad})

	out, err := rw.Rewrite(context.Background(), playlist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "audio/ad.m3u8") {
		t.Error("audio description track not filtered")
	}
	if !strings.Contains(out, "audio/main.m3u8") {
		t.Error("main audio track wrongly filtered")
	}
}

func TestRewriteMasterFrameRateRemoval(t *testing.T) {
	playlist := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,FRAME-RATE=25.000\n" +
		"video/1080.m3u8\n"

	remove := true
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{RemoveFrameRate: &remove})

	out, err := rw.Rewrite(context.Background(), playlist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}
	if strings.Contains(out, "FRAME-RATE") {
		t.Error("FRAME-RATE not removed")
	}
	if !strings.Contains(out, "BANDWIDTH=5000000") {
		t.Error("other attributes lost during frame-rate removal")
	}
}

// Every variant URI in the output must be proxied, and stripping the proxy
// prefix must yield URIs that all existed in the input.
func TestRewriteMasterProxyPrefixProperty(t *testing.T) {
	absolute := strings.ReplaceAll(masterPlaylist, "video/", "https://cdn.example.com/video/")

	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	out, err := rw.Rewrite(context.Background(), absolute, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.HasPrefix(trimmed, proxyBase) {
			t.Errorf("variant URI not proxied: %q", trimmed)
			continue
		}
		origin := strings.TrimPrefix(trimmed, proxyBase)
		if !strings.Contains(absolute, origin) {
			t.Errorf("rewriting invented URI %q", origin)
		}
	}
}

func TestRewriteMasterRoundTripsThroughParser(t *testing.T) {
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	out, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	playlist, listType, err := m3u8.DecodeFrom(bytes.NewBufferString(out), false)
	if err != nil {
		t.Fatalf("output does not reparse: %v", err)
	}
	if listType != m3u8.MASTER {
		t.Fatalf("output parsed as %v, want MASTER", listType)
	}
	master := playlist.(*m3u8.MasterPlaylist)
	if len(master.Variants) != 1 {
		t.Errorf("got %d variants after selection, want 1", len(master.Variants))
	}
}

func TestRewriteMediaBeaconAndKey(t *testing.T) {
	playlist := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:6\n" +
		`#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://key",KEYFORMAT="com.apple.streamingkeydelivery"` + "\n" +
		"#EXTINF:6.0,\n" +
		"https://ads.example.com/beacon?event=start&redirect_path=https%3A%2F%2Fcdn.example.com%2Fseg1.ts\n" +
		"#EXTINF:6.0,\n" +
		"/video/seg2.ts\n" +
		"#EXT-X-ENDLIST\n"

	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	out, err := rw.Rewrite(context.Background(), playlist, "https://cdn.example.com/video/media.m3u8", proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	if strings.Contains(out, "streamingkeydelivery") {
		t.Error("sample-AES key line not stripped")
	}
	if strings.Contains(out, "/beacon?") {
		t.Error("beacon line not replaced")
	}
	if !strings.Contains(out, proxyBase+"https://cdn.example.com/seg1.ts") {
		t.Error("beacon redirect target missing or not proxied")
	}
	if !strings.Contains(out, proxyBase+"https://cdn.example.com/video/seg2.ts") {
		t.Error("root-relative segment not resolved and proxied")
	}
}

func TestRewriteInvalidPlaylist(t *testing.T) {
	rw := newRewriter(&fixedChooser{})
	sess := newSession(t, &session.Descriptor{})

	_, err := rw.Rewrite(context.Background(), "not a playlist", manifestURL, proxyBase, sess)
	if !errors.Is(err, ErrInvalidPlaylist) {
		t.Fatalf("Rewrite() error = %v, want ErrInvalidPlaylist", err)
	}
}

func TestRewriteMasterCancelledSelection(t *testing.T) {
	ask := types.QualityAsk
	rw := newRewriter(&fixedChooser{index: -1})
	sess := newSession(t, &session.Descriptor{Quality: &ask})

	_, err := rw.Rewrite(context.Background(), masterPlaylist, manifestURL, proxyBase, sess)
	if !errors.Is(err, quality.ErrCancelled) {
		t.Fatalf("Rewrite() error = %v, want quality.ErrCancelled", err)
	}
}

func TestRewriteMasterDeduplicatesVariants(t *testing.T) {
	duplicated := masterPlaylist +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS=\"avc1.640028,mp4a.40.2\",AUDIO=\"aud\"\n" +
		"video/1080.m3u8\n"

	chooser := &fixedChooser{}
	ask := types.QualityAsk
	rw := newRewriter(chooser)
	sess := newSession(t, &session.Descriptor{Quality: &ask})

	out, err := rw.Rewrite(context.Background(), duplicated, manifestURL, proxyBase, sess)
	if err != nil {
		t.Fatalf("Rewrite() error: %v", err)
	}

	// Best + 3 unique renditions + Lowest + Skip; the duplicate pair must not
	// appear as a fourth rendition.
	if chooser.calls != 1 {
		t.Fatalf("chooser invoked %d times, want 1", chooser.calls)
	}
	if strings.Count(out, "video/1080.m3u8") != 2 {
		// Both copies of the winning pair survive; losers are gone.
		t.Errorf("duplicate winning pairs not preserved:\n%s", out)
	}
}

func TestParseAttrsQuoting(t *testing.T) {
	line := `#EXT-X-STREAM-INF:BANDWIDTH=5000000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1920x1080`
	attrs := parseAttrs(line)

	if got := attrs.Get("BANDWIDTH"); got != "5000000" {
		t.Errorf("BANDWIDTH = %q", got)
	}
	if got := attrs.Get("CODECS"); got != "avc1.640028,mp4a.40.2" {
		t.Errorf("CODECS = %q (quoted comma handling broken)", got)
	}
	if got := attrs.Get("RESOLUTION"); got != "1920x1080" {
		t.Errorf("RESOLUTION = %q", got)
	}

	serialized := attrs.serialize("#EXT-X-STREAM-INF")
	reparsed := parseAttrs(serialized)
	if reparsed.Get("CODECS") != attrs.Get("CODECS") {
		t.Errorf("serialize/parse round trip lost CODECS: %q", serialized)
	}
	if !strings.Contains(serialized, `CODECS="avc1.640028,mp4a.40.2"`) {
		t.Errorf("quoting not preserved: %q", serialized)
	}
}
