package arbitration

import (
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/stt"
)

// Request is what a session negotiated.
type Request struct {
	Language string
	Codec    audio.Codec
	Priming  bool // the user has enrollment audio
}

// Selection is the route a session should open.
type Selection struct {
	Route stt.Route
	// Fallback is set when Route holds the premium slot.
	Fallback *stt.Route
	// Priming is true when enrollment audio should be injected.
	Priming bool
	// Release frees the premium slot. Never nil.
	Release func()
}

// Premium reports whether the selection holds the premium slot.
func (s Selection) Premium() bool { return s.Fallback != nil }

// Selector picks a provider route per session.
type Selector struct {
	table          *Table
	premiumEnabled bool
	available      func(stt.Provider) bool
	slot           Slot
	logger         zerolog.Logger
}

// NewSelector builds a selector. available reports which providers have
// credentials; nil means all.
func NewSelector(table *Table, premiumEnabled bool, available func(stt.Provider) bool, logger zerolog.Logger) *Selector {
	if available == nil {
		available = func(stt.Provider) bool { return true }
	}
	return &Selector{
		table:          table,
		premiumEnabled: premiumEnabled,
		available:      available,
		logger:         logger,
	}
}

// Select applies the arbitration rules, first match wins:
//  1. premium multi-language model, if enabled, free and the language is listed
//  2. standard multi-language model, if the language is listed
//  3. any model listing the exact language
//  4. the default route
//
// A premium pick holds the exclusive slot until Selection.Release is called.
func (s *Selector) Select(req Request) Selection {
	lang := s.table.NormalizeLanguage(req.Language)
	sel := Selection{Release: func() {}}

	switch {
	case s.premiumEnabled && s.usable(s.table.Premium, lang):
		if release, ok := s.slot.TryAcquire(); ok {
			sel.Route = routeFor(s.table.Premium, lang)
			sel.Release = release
			fallback := s.nonPremium(lang)
			sel.Fallback = &fallback
			break
		}
		s.logger.Debug().Str("language", lang).Msg("Premium slot held, downgrading")
		sel.Route = s.nonPremium(lang)
	default:
		sel.Route = s.nonPremium(lang)
	}

	sel.Priming = req.Priming && req.Codec.SupportsPriming() && s.primable(sel.Route.Provider)
	if sel.Fallback != nil && sel.Priming && !s.primable(sel.Fallback.Provider) {
		sel.Priming = false
	}
	return sel
}

// Slot exposes the premium slot, mainly for readiness and tests.
func (s *Selector) Slot() *Slot { return &s.slot }

func (s *Selector) nonPremium(lang string) stt.Route {
	if s.usable(s.table.Standard, lang) {
		return routeFor(s.table.Standard, lang)
	}
	for _, set := range s.table.Exact {
		if s.usable(set, lang) {
			return routeFor(set, lang)
		}
	}
	return s.table.Default
}

func (s *Selector) usable(set ModelSet, lang string) bool {
	return set.Provider != "" && s.available(set.Provider) && set.Supports(lang)
}

func (s *Selector) primable(p stt.Provider) bool {
	for _, q := range s.table.Priming {
		if q == p {
			return true
		}
	}
	return false
}

// multiRoute keeps an explicit language as a hint for multi-language models.
func routeFor(set ModelSet, lang string) stt.Route {
	return stt.Route{Provider: set.Provider, Model: set.Model, Language: lang}
}
