package quality

import (
	"context"
	"errors"
	"testing"

	"manifest-proxy-go/pkg/config"
	"manifest-proxy-go/pkg/interfaces"
	"manifest-proxy-go/pkg/logging"
	"manifest-proxy-go/pkg/session"
	"manifest-proxy-go/pkg/types"
)

type stubChooser struct {
	index int
	err   error
	calls int
}

func (s *stubChooser) Choose(ctx context.Context, title string, options []interfaces.ChooserOption, preselect int) (int, error) {
	s.calls++
	return s.index, s.err
}

func newTestSelector(chooser interfaces.QualityChooser) *Selector {
	return NewSelector(chooser, NewMemory(8), logging.New("error", false, nil))
}

func newTestSession(mode int) *session.Session {
	q := mode
	return session.New(&session.Descriptor{
		ManifestURL: "https://example.com/master.m3u8",
		Quality:     &q,
	}, &config.Config{QualityMode: types.QualityAsk})
}

func candidates() []types.Rendition {
	return []types.Rendition{
		{Bandwidth: 2000000, Resolution: "1280x720", Codecs: []string{"avc1.640028"}, Index: 0},
		{Bandwidth: 5000000, Resolution: "1920x1080", Codecs: []string{"avc1.640028"}, Index: 1},
		{Bandwidth: 800000, Resolution: "640x360", Codecs: []string{"avc1.42c00d"}, Index: 2},
	}
}

func TestSelectBest(t *testing.T) {
	s := newTestSelector(&stubChooser{})
	sess := newTestSession(types.QualityBest)

	pick, err := s.Select(context.Background(), candidates(), sess, "c1")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if pick == nil || pick.Bandwidth != 5000000 {
		t.Fatalf("Select(best) = %+v, want 1080p candidate", pick)
	}
}

func TestSelectLowest(t *testing.T) {
	s := newTestSelector(&stubChooser{})
	sess := newTestSession(types.QualityLowest)

	pick, err := s.Select(context.Background(), candidates(), sess, "c1")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if pick == nil || pick.Bandwidth != 800000 {
		t.Fatalf("Select(lowest) = %+v, want 360p candidate", pick)
	}
}

func TestSelectBandwidthTarget(t *testing.T) {
	tests := []struct {
		name   string
		target int
		want   int
	}{
		{"closest at or below", 3000000, 2000000},
		{"exact match", 5000000, 5000000},
		{"below all falls back to lowest", 100000, 800000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector(&stubChooser{})
			sess := newTestSession(tt.target)

			pick, err := s.Select(context.Background(), candidates(), sess, "c1")
			if err != nil {
				t.Fatalf("Select() error: %v", err)
			}
			if pick == nil || pick.Bandwidth != tt.want {
				t.Fatalf("Select(%d) = %+v, want bandwidth %d", tt.target, pick, tt.want)
			}
		})
	}
}

func TestSelectSkipAndDisabled(t *testing.T) {
	for _, mode := range []int{types.QualitySkip, types.QualityDisabled} {
		s := newTestSelector(&stubChooser{})
		sess := newTestSession(mode)

		pick, err := s.Select(context.Background(), candidates(), sess, "c1")
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		if pick != nil {
			t.Fatalf("Select(mode=%d) = %+v, want nil", mode, pick)
		}
	}
}

func TestSelectSingleCandidateSkipsChooser(t *testing.T) {
	chooser := &stubChooser{}
	s := newTestSelector(chooser)
	sess := newTestSession(types.QualityAsk)

	one := []types.Rendition{{Bandwidth: 1000000, Index: 0}}
	pick, err := s.Select(context.Background(), one, sess, "c1")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if pick == nil || pick.Index != 0 {
		t.Fatalf("Select() = %+v, want the only candidate", pick)
	}
	if chooser.calls != 0 {
		t.Errorf("chooser invoked %d times for single candidate, want 0", chooser.calls)
	}
}

func TestSelectAskIdempotent(t *testing.T) {
	// Option 2 is the second-best sorted rendition (options[0] is "Best").
	chooser := &stubChooser{index: 2}
	s := newTestSelector(chooser)
	sess := newTestSession(types.QualityAsk)

	first, err := s.Select(context.Background(), candidates(), sess, "c1")
	if err != nil {
		t.Fatalf("first Select() error: %v", err)
	}
	second, err := s.Select(context.Background(), candidates(), sess, "c1")
	if err != nil {
		t.Fatalf("second Select() error: %v", err)
	}

	if first == nil || second == nil || first.Index != second.Index {
		t.Fatalf("selection not stable: first=%+v second=%+v", first, second)
	}
	if chooser.calls != 1 {
		t.Errorf("chooser invoked %d times, want exactly 1", chooser.calls)
	}
}

func TestSelectAskCancelled(t *testing.T) {
	chooser := &stubChooser{index: -1}
	s := newTestSelector(chooser)
	sess := newTestSession(types.QualityAsk)

	_, err := s.Select(context.Background(), candidates(), sess, "c1")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Select() error = %v, want ErrCancelled", err)
	}
}

func TestSortRenditionsOrdering(t *testing.T) {
	list := []types.Rendition{
		{Bandwidth: 9000000, Resolution: "1280x720", Codecs: []string{"avc1"}, Index: 0},
		{Bandwidth: 4000000, Resolution: "1920x1080", Codecs: []string{"avc1"}, Index: 1},
		{Bandwidth: 4000000, Resolution: "1920x1080", Codecs: []string{"hvc1"}, Index: 2},
		{Bandwidth: 6000000, Resolution: "1920x1080", Codecs: []string{"hvc1"}, Index: 3},
	}

	sorted := sortRenditions(list)

	// Width first, then codec rank, then bandwidth.
	wantOrder := []int{3, 2, 1, 0}
	for i, want := range wantOrder {
		if sorted[i].Index != want {
			t.Errorf("sorted[%d].Index = %d, want %d", i, sorted[i].Index, want)
		}
	}
}

func TestMemoryPreselect(t *testing.T) {
	mem := NewMemory(8)
	mem.Remember("c1", 2000000+types.IndexCeiling)

	chooser := &stubChooser{index: 0} // user confirms "Best"
	s := NewSelector(chooser, mem, logging.New("error", false, nil))
	sess := newTestSession(types.QualityAsk)

	pick, err := s.Select(context.Background(), candidates(), sess, "c1")
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if pick == nil || pick.Bandwidth != 5000000 {
		t.Fatalf("Select(best) = %+v, want best candidate", pick)
	}
}

func TestFrameRateParsing(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"25", 25},
		{"30000/1001", 29.97002997002997},
		{"", 0},
		{"bad", 0},
		{"1/0", 0},
	}
	for _, tt := range tests {
		if got := frameRate(tt.in); got != tt.want {
			t.Errorf("frameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLabel(t *testing.T) {
	r := types.Rendition{
		Bandwidth:  4500000,
		Resolution: "1920x1080",
		FrameRate:  "25",
		Codecs:     []string{"avc1.640028"},
	}
	got := Label(r)
	want := "4.50 Mbps 1920x1080 25fps H.264"
	if got != want {
		t.Errorf("Label() = %q, want %q", got, want)
	}
}
