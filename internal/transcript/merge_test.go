package transcript

import (
	"errors"
	"fmt"
	"testing"
)

func frag(speaker, text string, start, end float64) Segment {
	return Segment{Speaker: speaker, Text: text, Start: start, End: end}
}

func testMerger() *Merger {
	n := 0
	m := NewMerger(DefaultGapTolerance)
	m.NewID = func() string {
		n++
		return fmt.Sprintf("seg-%d", n)
	}
	return m
}

func TestMerge_SameSpeakerExtends(t *testing.T) {
	m := testMerger()

	res := m.Merge(nil, []Segment{frag("S0", "hello", 0.0, 0.5)})
	res = m.Merge(res.Segments, []Segment{frag("S0", "world", 0.6, 1.0)})

	if len(res.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(res.Segments))
	}
	seg := res.Segments[0]
	if seg.Text != "hello world" || seg.Start != 0.0 || seg.End != 1.0 {
		t.Errorf("Expected 'hello world' 0.0-1.0, got %q %.1f-%.1f", seg.Text, seg.Start, seg.End)
	}
	if res.Start != 0 || res.End != 1 {
		t.Errorf("Expected changed range [0,1), got [%d,%d)", res.Start, res.End)
	}
}

func TestMerge_SpeakerBoundaryNeverMerges(t *testing.T) {
	m := testMerger()

	batch := []Segment{
		frag("S0", "one", 0.0, 0.5),
		frag("S1", "two", 0.5, 1.0),
		frag("S0", "three", 1.0, 1.5),
		frag("S1", "four", 1.5, 2.0),
	}
	res := m.Merge(nil, batch)

	if len(res.Segments) != 4 {
		t.Fatalf("Expected 4 segments, got %d", len(res.Segments))
	}
	for i, s := range res.Segments {
		if s.Speaker != batch[i].Speaker || s.Text != batch[i].Text {
			t.Errorf("segment %d = %s %q, want %s %q", i, s.Speaker, s.Text, batch[i].Speaker, batch[i].Text)
		}
	}
}

func TestMerge_GapBeyondToleranceAppends(t *testing.T) {
	m := NewMerger(5)

	res := m.Merge(nil, []Segment{frag("S0", "before", 0, 1)})
	res = m.Merge(res.Segments, []Segment{frag("S0", "after", 10, 11)})

	if len(res.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(res.Segments))
	}
	if res.Start != 1 || res.End != 2 {
		t.Errorf("Expected changed range [1,2), got [%d,%d)", res.Start, res.End)
	}
}

func TestMerge_ReplayIsIdempotent(t *testing.T) {
	m := testMerger()
	batch := []Segment{
		frag("S0", "hello", 0.0, 0.5),
		frag("S0", "world", 0.6, 1.0),
		frag("S1", "hi there.", 1.2, 2.0),
	}

	first := m.Merge(nil, batch)
	second := m.Merge(first.Segments, batch)

	if len(second.Segments) != len(first.Segments) {
		t.Fatalf("replay changed segment count: %d -> %d", len(first.Segments), len(second.Segments))
	}
	for i := range first.Segments {
		if first.Segments[i].Text != second.Segments[i].Text {
			t.Errorf("segment %d text changed on replay: %q -> %q", i, first.Segments[i].Text, second.Segments[i].Text)
		}
	}
	if second.Start != second.End {
		t.Errorf("Expected empty changed range on replay, got [%d,%d)", second.Start, second.End)
	}
	if len(second.Dropped) != 3 {
		t.Errorf("Expected 3 dropped fragments, got %d", len(second.Dropped))
	}
}

func TestMerge_OutOfOrderDropped(t *testing.T) {
	m := testMerger()

	res := m.Merge(nil, []Segment{frag("S0", "later", 5, 6)})
	res = m.Merge(res.Segments, []Segment{frag("S1", "earlier", 1, 2)})

	if len(res.Segments) != 1 {
		t.Fatalf("Expected out-of-order fragment to be dropped, got %d segments", len(res.Segments))
	}
	if len(res.Dropped) != 1 || !errors.Is(res.Dropped[0].Reason, ErrOutOfOrder) {
		t.Errorf("Expected one ErrOutOfOrder drop, got %+v", res.Dropped)
	}
}

func TestMerge_FinishedAtMonotonic(t *testing.T) {
	m := testMerger()
	batches := [][]Segment{
		{frag("S0", "a", 0, 1)},
		{frag("S0", "b", 0.5, 0.8)},
		{frag("S1", "c", 2, 3)},
		{frag("S1", "d", 1, 1.5)},
		{frag("S0", "e", 3, 2.5)},
		{frag("S0", "f", 4, 6)},
	}

	var segs []Segment
	prev := 0.0
	for i, b := range batches {
		segs = m.Merge(segs, b).Segments
		got := FinishedAt(segs)
		if got < prev {
			t.Fatalf("batch %d: finished_at decreased %.2f -> %.2f", i, prev, got)
		}
		prev = got
	}
}

func TestMerge_DoesNotMutateExisting(t *testing.T) {
	m := testMerger()
	existing := []Segment{{ID: "x", Speaker: "S0", Text: "hi", Start: 0, End: 1}}

	m.Merge(existing, []Segment{frag("S0", "there", 1, 2)})
	if existing[0].Text != "hi" || existing[0].End != 1 {
		t.Errorf("existing was mutated: %+v", existing[0])
	}
}

func TestMerge_SkipsBlankFragments(t *testing.T) {
	res := testMerger().Merge(nil, []Segment{frag("S0", "   ", 0, 1)})
	if len(res.Segments) != 0 {
		t.Errorf("Expected blank fragment to be skipped, got %+v", res.Segments)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"hello  world", "hello world"},
		{"well , okay .", "well, okay."},
		{"  really ?  yes !", "really? yes!"},
	}
	for _, tt := range tests {
		if got := CleanText(tt.in); got != tt.want {
			t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
