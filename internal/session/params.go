package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lexiqai/listen-gateway/internal/audio"
)

// ConfigurationError is a bad negotiated parameter or caller identity. The
// socket is closed with a policy-violation code.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Params are the values a client negotiates in the listen URL.
type Params struct {
	Language   string
	SampleRate int
	Codec      audio.Codec
	Channels   int
	// IncludeProfile enables priming with the caller's enrollment audio.
	IncludeProfile bool
	// IncludeContext adds the segment before the changed range to each delta.
	IncludeContext bool
	// TranslateTo requests live translation into this language.
	TranslateTo string
}

// ProviderSampleRate is the rate of PCM forwarded to the STT backend.
func (p Params) ProviderSampleRate() int {
	return p.Codec.ProviderSampleRate(p.SampleRate)
}

var validSampleRates = map[int]bool{8000: true, 16000: true, 48000: true}

// ParseParams validates the listen query string.
func ParseParams(q url.Values) (Params, error) {
	p := Params{
		Language:       strings.TrimSpace(q.Get("language")),
		SampleRate:     8000,
		Channels:       1,
		IncludeProfile: true,
		TranslateTo:    strings.TrimSpace(q.Get("translate")),
	}
	if p.Language == "" {
		p.Language = "en"
	}

	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || !validSampleRates[n] {
			return p, &ConfigurationError{Field: "sample_rate", Reason: fmt.Sprintf("%q is not one of 8000, 16000, 48000", v)}
		}
		p.SampleRate = n
	}

	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return p, &ConfigurationError{Field: "channels", Reason: fmt.Sprintf("%q is not 1 or 2", v)}
		}
		p.Channels = n
	}

	codec, err := audio.ParseCodec(q.Get("codec"))
	if err != nil {
		return p, &ConfigurationError{Field: "codec", Reason: err.Error()}
	}
	p.Codec = codec
	if codec == audio.CodecMulaw && p.SampleRate != 8000 {
		return p, &ConfigurationError{Field: "sample_rate", Reason: "mulaw audio must be 8000 Hz"}
	}

	if p.IncludeProfile, err = parseBool(q, "include_speech_profile", true); err != nil {
		return p, err
	}
	if p.IncludeContext, err = parseBool(q, "include_context", false); err != nil {
		return p, err
	}
	return p, nil
}

func parseBool(q url.Values, key string, def bool) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, &ConfigurationError{Field: key, Reason: fmt.Sprintf("%q is not a boolean", v)}
	}
	return b, nil
}
