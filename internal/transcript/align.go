package transcript

// Aligner translates fragment timestamps from a provider stream clock, which
// restarts at zero on every connection, onto the draft's clock.
//
// For a new draft the first fragment's start becomes zero (secondsToTrim).
// For a draft resumed from an earlier connection the gap between the draft's
// start and this stream's start is added (secondsToAdd).
type Aligner struct {
	secondsToTrim float64
	secondsToAdd  float64
	anchored      bool
}

// NewAligner returns an aligner for a fresh draft.
func NewAligner() *Aligner {
	return &Aligner{}
}

// Resume anchors the aligner to an existing draft whose clock started
// secondsToAdd before this stream began.
func (a *Aligner) Resume(secondsToAdd float64) {
	if secondsToAdd < 0 {
		secondsToAdd = 0
	}
	a.secondsToAdd = secondsToAdd
	a.secondsToTrim = 0
	a.anchored = true
}

// Reset makes the next batch start a new draft clock.
func (a *Aligner) Reset() {
	*a = Aligner{}
}

// Anchored reports whether an offset has been fixed.
func (a *Aligner) Anchored() bool { return a.anchored }

// Offset is the value added to stream timestamps.
func (a *Aligner) Offset() float64 { return a.secondsToAdd - a.secondsToTrim }

// Align returns copies of frags shifted onto the draft clock. The first call
// after NewAligner or Reset fixes secondsToTrim from frags[0].
func (a *Aligner) Align(frags []Segment) []Segment {
	if len(frags) == 0 {
		return nil
	}
	if !a.anchored {
		a.secondsToTrim = frags[0].Start
		a.anchored = true
	}

	off := a.Offset()
	out := make([]Segment, len(frags))
	for i, f := range frags {
		f = f.Clone()
		f.Start = clampZero(f.Start + off)
		f.End = clampZero(f.End + off)
		out[i] = f
	}
	return out
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
