package transcript

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrOutOfOrder marks a fragment that starts before the segment it would
	// follow, or ends inside it with a different speaker.
	ErrOutOfOrder = errors.New("transcript: fragment out of order")
	// ErrDuplicate marks a replayed fragment already present in the transcript.
	ErrDuplicate = errors.New("transcript: duplicate fragment")
)

// DefaultGapTolerance is how far after a segment's end a same-speaker
// fragment may start and still extend it.
const DefaultGapTolerance = 30.0

// orderSlack absorbs provider timestamp rounding.
const orderSlack = 0.01

// Dropped records a fragment the merge refused.
type Dropped struct {
	Fragment Segment
	Reason   error
}

// MergeResult is the new segment list and the half-open index range
// [Start, End) that changed. Start == End means nothing changed.
type MergeResult struct {
	Segments []Segment
	Start    int
	End      int
	Dropped  []Dropped
}

// Changed returns the changed slice of Segments.
func (r MergeResult) Changed() []Segment {
	return r.Segments[r.Start:r.End]
}

// Merger combines fragments into a running transcript.
type Merger struct {
	GapTolerance float64
	NewID        func() string
}

// NewMerger returns a merger with the given gap tolerance in seconds.
func NewMerger(gapTolerance float64) *Merger {
	if gapTolerance <= 0 {
		gapTolerance = DefaultGapTolerance
	}
	return &Merger{GapTolerance: gapTolerance, NewID: func() string { return uuid.NewString() }}
}

// Merge folds incoming fragments into existing. existing is not modified.
// Fragments must already be on the conversation clock.
func (m *Merger) Merge(existing, incoming []Segment) MergeResult {
	out := CloneAll(existing)
	res := MergeResult{Start: len(out)}

	for _, frag := range incoming {
		frag.Text = CleanText(frag.Text)
		if frag.Text == "" {
			continue
		}
		if frag.End < frag.Start {
			frag.End = frag.Start
		}

		if len(out) == 0 {
			out = append(out, m.newSegment(frag))
			continue
		}

		lastIdx := len(out) - 1
		last := &out[lastIdx]

		if frag.Start < last.Start-orderSlack {
			res.Dropped = append(res.Dropped, Dropped{Fragment: frag, Reason: ErrOutOfOrder})
			continue
		}
		if frag.End <= last.End+orderSlack && containsWords(last.Text, frag.Text) {
			res.Dropped = append(res.Dropped, Dropped{Fragment: frag, Reason: ErrDuplicate})
			continue
		}

		if frag.Speaker == last.Speaker && frag.Start-last.End <= m.GapTolerance {
			last.Text = CleanText(last.Text + " " + frag.Text)
			if frag.End > last.End {
				last.End = frag.End
			}
			if lastIdx < res.Start {
				res.Start = lastIdx
			}
			continue
		}

		if frag.End < last.End-orderSlack {
			res.Dropped = append(res.Dropped, Dropped{Fragment: frag, Reason: ErrOutOfOrder})
			continue
		}
		out = append(out, m.newSegment(frag))
	}

	res.Segments = out
	res.End = len(out)
	if res.Start > res.End {
		res.Start = res.End
	}
	return res
}

func (m *Merger) newSegment(frag Segment) Segment {
	seg := frag.Clone()
	if seg.ID == "" {
		seg.ID = m.NewID()
	}
	return seg
}

// containsWords reports whether needle occurs in haystack on word
// boundaries, ignoring case and punctuation.
func containsWords(haystack, needle string) bool {
	n := normalizeWords(needle)
	if n == "" {
		return false
	}
	return strings.Contains(" "+normalizeWords(haystack)+" ", " "+n+" ")
}

func normalizeWords(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(",", "", ".", "", "?", "", "!", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// FinishedAt returns the end of the last segment.
func FinishedAt(segs []Segment) float64 {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].End
}
