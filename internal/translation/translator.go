package translation

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// Service is the translate/detect collaborator.
type Service interface {
	Translate(ctx context.Context, targetLang, text string) (string, error)
	DetectLanguage(ctx context.Context, text string) (string, error)
}

type cached struct {
	text   string // source text the entry was computed for
	lang   string
	result string
}

// Translator adds translations to merged segments. Detection and translation
// results are cached per segment id and reused while the segment's text is
// unchanged. One Translator serves one session.
type Translator struct {
	svc    Service
	target string
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// NewTranslator translates into target.
func NewTranslator(svc Service, target string, logger zerolog.Logger) *Translator {
	return &Translator{svc: svc, target: target, logger: logger, cache: make(map[string]cached)}
}

// Apply fills in translations for segs in place and returns the indices it
// changed. Segments already in the target language are left alone. Failures
// are logged and skipped.
func (t *Translator) Apply(ctx context.Context, segs []transcript.Segment) []int {
	var changed []int
	for i := range segs {
		seg := &segs[i]
		if seg.ID == "" || seg.Text == "" {
			continue
		}

		entry, ok := t.lookup(seg.ID, seg.Text)
		if !ok {
			lang, err := t.svc.DetectLanguage(ctx, seg.Text)
			if err != nil {
				t.logger.Debug().Err(err).Str("segment_id", seg.ID).Msg("Language detection failed")
				continue
			}
			entry = cached{text: seg.Text, lang: lang}
			if lang != t.target {
				out, err := t.svc.Translate(ctx, t.target, seg.Text)
				if err != nil {
					t.logger.Debug().Err(err).Str("segment_id", seg.ID).Msg("Translation failed")
					continue
				}
				entry.result = out
			}
			t.store(seg.ID, entry)
		}

		if entry.result == "" {
			continue
		}
		if hasTranslation(seg, t.target, entry.result) {
			continue
		}
		seg.SetTranslation(t.target, entry.result)
		changed = append(changed, i)
	}
	return changed
}

func (t *Translator) lookup(id, text string) (cached, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.cache[id]
	if !ok || c.text != text {
		return cached{}, false
	}
	return c, true
}

func (t *Translator) store(id string, c cached) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[id] = c
}

func hasTranslation(seg *transcript.Segment, lang, text string) bool {
	for _, tr := range seg.Translations {
		if tr.Lang == lang && tr.Text == text {
			return true
		}
	}
	return false
}
