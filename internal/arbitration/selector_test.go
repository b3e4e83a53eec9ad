package arbitration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/resilience"
	"github.com/lexiqai/listen-gateway/internal/stt"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

func newTestSelector(t *testing.T, premium bool, providers ...stt.Provider) *Selector {
	t.Helper()
	table, err := LoadTable("")
	if err != nil {
		t.Fatalf("LoadTable() failed: %v", err)
	}
	var available func(stt.Provider) bool
	if len(providers) > 0 {
		available = func(p stt.Provider) bool {
			for _, q := range providers {
				if q == p {
					return true
				}
			}
			return false
		}
	}
	return NewSelector(table, premium, available, zerolog.Nop())
}

func TestSelect_Rules(t *testing.T) {
	tests := []struct {
		name     string
		premium  bool
		language string
		want     stt.Route
	}{
		{"premium auto", true, "auto", stt.Route{Provider: stt.ProviderSoniox, Model: "stt-rt-preview", Language: "multi"}},
		{"premium explicit", true, "es", stt.Route{Provider: stt.ProviderSoniox, Model: "stt-rt-preview", Language: "es"}},
		{"premium disabled", false, "multi", stt.Route{Provider: stt.ProviderDeepgram, Model: "nova-3", Language: "multi"}},
		{"standard multi", false, "de", stt.Route{Provider: stt.ProviderDeepgram, Model: "nova-3", Language: "de"}},
		{"exact nova-2", false, "fi", stt.Route{Provider: stt.ProviderDeepgram, Model: "nova-2", Language: "fi"}},
		{"exact speechmatics", true, "cy", stt.Route{Provider: stt.ProviderSpeechmatics, Model: "enhanced", Language: "cy"}},
		{"region kept", false, "zh-tw", stt.Route{Provider: stt.ProviderDeepgram, Model: "nova-2", Language: "zh-TW"}},
		{"region dropped", false, "en-US", stt.Route{Provider: stt.ProviderDeepgram, Model: "nova-3", Language: "en"}},
		{"unknown falls back", true, "xx", stt.Route{Provider: stt.ProviderDeepgram, Model: "nova-3", Language: "en"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector(t, tt.premium)
			sel := s.Select(Request{Language: tt.language, Codec: audio.CodecPCM16})
			defer sel.Release()
			if sel.Route != tt.want {
				t.Errorf("Select(%q) = %v, want %v", tt.language, sel.Route, tt.want)
			}
		})
	}
}

func TestSelect_SkipsUnconfiguredProviders(t *testing.T) {
	s := newTestSelector(t, true, stt.ProviderDeepgram)
	sel := s.Select(Request{Language: "multi", Codec: audio.CodecPCM16})
	defer sel.Release()

	if sel.Route.Provider != stt.ProviderDeepgram || sel.Premium() {
		t.Errorf("Expected standard deepgram route without soniox key, got %v", sel.Route)
	}
	if s.Slot().Held() {
		t.Error("Expected premium slot untouched")
	}
}

func TestSelect_HeldSlotDowngrades(t *testing.T) {
	s := newTestSelector(t, true)

	first := s.Select(Request{Language: "multi", Codec: audio.CodecPCM16})
	if !first.Premium() {
		t.Fatalf("Expected first session to take the premium slot, got %v", first.Route)
	}
	if first.Fallback == nil || first.Fallback.Model != "nova-3" {
		t.Errorf("Expected nova-3 fallback, got %v", first.Fallback)
	}

	second := s.Select(Request{Language: "multi", Codec: audio.CodecPCM16})
	if second.Premium() || second.Route.Provider != stt.ProviderDeepgram {
		t.Errorf("Expected downgrade while slot held, got %v", second.Route)
	}
	second.Release()
	if !s.Slot().Held() {
		t.Error("Releasing a non-premium selection must not free the slot")
	}

	first.Release()
	first.Release()
	if s.Slot().Held() {
		t.Fatal("Expected slot free after release")
	}

	third := s.Select(Request{Language: "multi", Codec: audio.CodecPCM16})
	defer third.Release()
	if !third.Premium() {
		t.Error("Expected slot reacquired after release")
	}
}

func TestSelect_PrimingEligibility(t *testing.T) {
	tests := []struct {
		name     string
		language string
		codec    audio.Codec
		priming  bool
		want     bool
	}{
		{"opus premium", "multi", audio.CodecOpus, true, true},
		{"no enrollment", "multi", audio.CodecOpus, false, false},
		{"mulaw", "multi", audio.CodecMulaw, true, false},
		{"speechmatics", "cy", audio.CodecPCM16, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector(t, true)
			sel := s.Select(Request{Language: tt.language, Codec: tt.codec, Priming: tt.priming})
			defer sel.Release()
			if sel.Priming != tt.want {
				t.Errorf("Priming = %v, want %v", sel.Priming, tt.want)
			}
		})
	}
}

func TestParseTable_Invalid(t *testing.T) {
	if _, err := ParseTable([]byte("default: {provider: deepgram}")); err == nil {
		t.Error("Expected error for incomplete default route")
	}
	if _, err := ParseTable([]byte(":::")); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

// The slot must be free after every open/close cycle, including failures.

type stubStream struct {
	segs chan []transcript.Segment
}

func (s *stubStream) Send([]byte) error                     { return nil }
func (s *stubStream) Segments() <-chan []transcript.Segment { return s.segs }
func (s *stubStream) Err() error                            { return nil }

func (s *stubStream) Close() error {
	select {
	case <-s.segs:
	default:
		close(s.segs)
	}
	return nil
}

type stubAdapter struct {
	provider stt.Provider
	err      error
}

func (a *stubAdapter) Provider() stt.Provider { return a.provider }

func (a *stubAdapter) Open(ctx context.Context, params stt.StreamParams) (stt.Stream, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &stubStream{segs: make(chan []transcript.Segment)}, nil
}

func TestSlotReleasedAfterOpenCycle(t *testing.T) {
	retry := &resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	tests := []struct {
		name       string
		sonioxErr  error
		deepgramOK bool
		wantErr    bool
	}{
		{"success then close", nil, true, false},
		{"permanent failure", &stt.ProviderConnectError{Provider: stt.ProviderSoniox, StatusCode: 401, Err: errors.New("denied")}, true, true},
		{"rate limited fallback", &stt.ProviderConnectError{Provider: stt.ProviderSoniox, StatusCode: 429, Err: errors.New("busy")}, true, false},
		{"everything down", &stt.ProviderConnectError{Provider: stt.ProviderSoniox, StatusCode: 429, Err: errors.New("busy")}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSelector(t, true)
			dg := &stubAdapter{provider: stt.ProviderDeepgram}
			if !tt.deepgramOK {
				dg.err = &stt.ProviderConnectError{Provider: stt.ProviderDeepgram, StatusCode: 503, Err: errors.New("down")}
			}
			opener := stt.NewOpener(retry, zerolog.Nop(), &stubAdapter{provider: stt.ProviderSoniox, err: tt.sonioxErr}, dg)

			sel := s.Select(Request{Language: "multi", Codec: audio.CodecPCM16})
			ps, err := opener.Open(context.Background(), stt.OpenRequest{
				Route:      sel.Route,
				Fallback:   sel.Fallback,
				Release:    sel.Release,
				SampleRate: 16000,
				Channels:   1,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Open() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ps != nil {
				ps.Close()
			}
			if s.Slot().Held() {
				t.Error("Expected premium slot free after the open/close cycle")
			}

			again := s.Select(Request{Language: "multi", Codec: audio.CodecPCM16})
			defer again.Release()
			if !again.Premium() {
				t.Error("Expected a second session to acquire the premium slot")
			}
		})
	}
}
