package transcript

import (
	"fmt"
	"strings"
)

// Translation is one rendering of a segment's text in another language.
type Translation struct {
	Lang string `json:"lang"`
	Text string `json:"text"`
}

// Segment is a contiguous span of text attributed to one speaker. Start and
// End are seconds on the conversation clock.
type Segment struct {
	ID           string        `json:"id"`
	Speaker      string        `json:"speaker"`
	SpeakerID    int           `json:"speaker_id"`
	Start        float64       `json:"start"`
	End          float64       `json:"end"`
	Text         string        `json:"text"`
	IsUser       bool          `json:"is_user"`
	PersonID     string        `json:"person_id,omitempty"`
	Translations []Translation `json:"translations,omitempty"`
}

// SpeakerLabel formats a provider speaker index the way segments carry it.
func SpeakerLabel(id int) string {
	return fmt.Sprintf("SPEAKER_%02d", id)
}

// Duration is End - Start.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Clone returns a deep copy.
func (s Segment) Clone() Segment {
	c := s
	if s.Translations != nil {
		c.Translations = append([]Translation(nil), s.Translations...)
	}
	return c
}

// CloneAll deep-copies a segment list.
func CloneAll(segs []Segment) []Segment {
	if segs == nil {
		return nil
	}
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = s.Clone()
	}
	return out
}

// SetTranslation replaces the translation for lang.
func (s *Segment) SetTranslation(lang, text string) {
	for i := range s.Translations {
		if s.Translations[i].Lang == lang {
			s.Translations[i].Text = text
			return
		}
	}
	s.Translations = append(s.Translations, Translation{Lang: lang, Text: text})
}

// Reassign attributes the segments whose ids are listed to personID (or to
// the user when isUser). It mutates segs in place and returns how many changed.
func Reassign(segs []Segment, ids []string, personID string, isUser bool) int {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	n := 0
	for i := range segs {
		if _, ok := want[segs[i].ID]; !ok {
			continue
		}
		segs[i].IsUser = isUser
		if isUser {
			segs[i].PersonID = ""
		} else {
			segs[i].PersonID = personID
		}
		n++
	}
	return n
}

// CleanText collapses runs of whitespace and removes spaces before
// punctuation.
func CleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	for _, p := range []string{",", ".", "?", "!"} {
		s = strings.ReplaceAll(s, " "+p, p)
	}
	return s
}

// Text joins the segment texts with speaker labels, one line per segment.
func Text(segs []Segment) string {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 {
			b.WriteByte('\n')
		}
		label := s.Speaker
		if s.IsUser {
			label = "User"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(s.Text)
	}
	return b.String()
}
