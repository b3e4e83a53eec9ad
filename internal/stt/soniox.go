package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

const sonioxURL = "wss://stt-rt.soniox.com/transcribe-websocket"

// sonioxHandshakeWait is how long Open waits for a rejection of the config.
// Soniox acknowledges nothing and only speaks once audio produces tokens, but
// quota and auth errors arrive right after the config.
const sonioxHandshakeWait = 500 * time.Millisecond

// SonioxAdapter streams to Soniox real-time transcription.
type SonioxAdapter struct {
	apiKey        string
	url           string
	handshakeWait time.Duration
	logger        zerolog.Logger
}

// NewSonioxAdapter creates a Soniox adapter.
func NewSonioxAdapter(apiKey string, logger zerolog.Logger) *SonioxAdapter {
	return &SonioxAdapter{
		apiKey:        apiKey,
		url:           sonioxURL,
		handshakeWait: sonioxHandshakeWait,
		logger:        logger.With().Str("provider", "soniox").Logger(),
	}
}

func (a *SonioxAdapter) Provider() Provider { return ProviderSoniox }

type sonioxConfig struct {
	APIKey                   string   `json:"api_key"`
	Model                    string   `json:"model"`
	AudioFormat              string   `json:"audio_format"`
	SampleRate               int      `json:"sample_rate"`
	NumChannels              int      `json:"num_channels"`
	LanguageHints            []string `json:"language_hints,omitempty"`
	EnableSpeakerDiarization bool     `json:"enable_speaker_diarization"`
}

func (a *SonioxAdapter) Open(ctx context.Context, params StreamParams) (Stream, error) {
	route := params.Route
	conn, err := dialWS(ctx, a.url, http.Header{}, route)
	if err != nil {
		return nil, err
	}

	cfg := sonioxConfig{
		APIKey:                   a.apiKey,
		Model:                    route.Model,
		AudioFormat:              "pcm_s16le",
		SampleRate:               params.SampleRate,
		NumChannels:              params.Channels,
		EnableSpeakerDiarization: true,
	}
	if route.Language != "" && route.Language != "multi" {
		cfg.LanguageHints = []string{route.Language}
	}
	fail := func(status int, err error) (Stream, error) {
		conn.Close()
		return nil, &ProviderConnectError{Provider: ProviderSoniox, Model: route.Model, StatusCode: status, Err: err}
	}
	if err := conn.WriteJSON(cfg); err != nil {
		return fail(0, err)
	}

	first := readFirst(conn)
	timer := time.NewTimer(a.handshakeWait)
	defer timer.Stop()
	select {
	case r := <-first:
		if r.err != nil {
			return fail(0, r.err)
		}
		var resp sonioxResponse
		if json.Unmarshal(r.msg, &resp) == nil && resp.ErrorCode != 0 {
			// error_code follows HTTP status semantics (400, 401, 429, 503).
			return fail(resp.ErrorCode, fmt.Errorf("soniox error %d: %s", resp.ErrorCode, resp.ErrorMessage))
		}
		first <- r
	case <-timer.C:
	case <-ctx.Done():
		return fail(0, ctx.Err())
	}

	a.logger.Debug().Str("model", route.Model).Str("language", route.Language).Msg("Soniox stream opened")
	return newWSStream(ProviderSoniox, conn, &sonioxCodec{}, first, a.logger), nil
}

type sonioxToken struct {
	Text    string  `json:"text"`
	StartMs float64 `json:"start_ms"`
	EndMs   float64 `json:"end_ms"`
	IsFinal bool    `json:"is_final"`
	Speaker string  `json:"speaker"`
}

type sonioxResponse struct {
	Tokens       []sonioxToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

type sonioxCodec struct{}

func (sonioxCodec) audioFrame(pcm []byte) (int, []byte) { return websocket.BinaryMessage, pcm }

func (sonioxCodec) finishFrame() (int, []byte) { return websocket.TextMessage, []byte{} }

func (sonioxCodec) decode(msg []byte) ([]transcript.Segment, bool, error) {
	var resp sonioxResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, wrapDecodeErr(ProviderSoniox, err)
	}
	if resp.ErrorCode != 0 {
		return nil, true, fmt.Errorf("soniox error %d: %s", resp.ErrorCode, resp.ErrorMessage)
	}

	words := make([]word, 0, len(resp.Tokens))
	for _, t := range resp.Tokens {
		if !t.IsFinal || t.Text == "" || strings.HasPrefix(t.Text, "<") {
			continue
		}
		words = append(words, word{
			text:     strings.TrimLeft(t.Text, " "),
			start:    t.StartMs / 1000,
			end:      t.EndMs / 1000,
			speaker:  sonioxSpeaker(t.Speaker),
			glueLeft: !strings.HasPrefix(t.Text, " "),
		})
	}
	return groupBySpeaker(words), resp.Finished, nil
}

// sonioxSpeaker maps "1", "2", ... to zero-based ids.
func sonioxSpeaker(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0
	}
	return n - 1
}
