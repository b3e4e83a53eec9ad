package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

const speechmaticsURL = "wss://eu2.rt.speechmatics.com/v2"

// SpeechmaticsAdapter streams to the Speechmatics real-time API.
type SpeechmaticsAdapter struct {
	apiKey string
	url    string
	logger zerolog.Logger
}

// NewSpeechmaticsAdapter creates a Speechmatics adapter.
func NewSpeechmaticsAdapter(apiKey string, logger zerolog.Logger) *SpeechmaticsAdapter {
	return &SpeechmaticsAdapter{
		apiKey: apiKey,
		url:    speechmaticsURL,
		logger: logger.With().Str("provider", "speechmatics").Logger(),
	}
}

func (a *SpeechmaticsAdapter) Provider() Provider { return ProviderSpeechmatics }

type smAudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type smTranscriptionConfig struct {
	Language       string  `json:"language"`
	Diarization    string  `json:"diarization"`
	OperatingPoint string  `json:"operating_point"`
	EnablePartials bool    `json:"enable_partials"`
	MaxDelay       float64 `json:"max_delay"`
}

type smStartRecognition struct {
	Message             string                `json:"message"`
	AudioFormat         smAudioFormat         `json:"audio_format"`
	TranscriptionConfig smTranscriptionConfig `json:"transcription_config"`
}

type smMessage struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Results []struct {
		Type         string  `json:"type"`
		StartTime    float64 `json:"start_time"`
		EndTime      float64 `json:"end_time"`
		AttachesTo   string  `json:"attaches_to"`
		Alternatives []struct {
			Content string `json:"content"`
			Speaker string `json:"speaker"`
		} `json:"alternatives"`
	} `json:"results"`
}

func (a *SpeechmaticsAdapter) Open(ctx context.Context, params StreamParams) (Stream, error) {
	route := params.Route
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.apiKey)

	conn, err := dialWS(ctx, a.url, header, route)
	if err != nil {
		return nil, err
	}
	fail := func(status int, err error) (Stream, error) {
		conn.Close()
		return nil, &ProviderConnectError{Provider: ProviderSpeechmatics, Model: route.Model, StatusCode: status, Err: err}
	}

	start := smStartRecognition{
		Message:     "StartRecognition",
		AudioFormat: smAudioFormat{Type: "raw", Encoding: "pcm_s16le", SampleRate: params.SampleRate},
		TranscriptionConfig: smTranscriptionConfig{
			Language:       route.Language,
			Diarization:    "speaker",
			OperatingPoint: route.Model,
			MaxDelay:       2,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return fail(0, err)
	}

	// The session is usable only after RecognitionStarted.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = conn.SetReadDeadline(deadline)
	var first smMessage
	if err := conn.ReadJSON(&first); err != nil {
		return fail(0, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch first.Message {
	case "RecognitionStarted":
	case "Error":
		status := 0
		if first.Type == "quota_exceeded" || (first.Type == "job_error" && strings.Contains(first.Reason, "concurrent")) {
			status = http.StatusTooManyRequests
		}
		return fail(status, fmt.Errorf("%s: %s", first.Type, first.Reason))
	default:
		return fail(0, fmt.Errorf("unexpected first message %q", first.Message))
	}

	a.logger.Debug().Str("language", route.Language).Msg("Speechmatics recognition started")
	return newWSStream(ProviderSpeechmatics, conn, &speechmaticsCodec{}, nil, a.logger), nil
}

type speechmaticsCodec struct {
	seq atomic.Int64
}

func (c *speechmaticsCodec) audioFrame(pcm []byte) (int, []byte) {
	c.seq.Add(1)
	return websocket.BinaryMessage, pcm
}

func (c *speechmaticsCodec) finishFrame() (int, []byte) {
	msg, _ := json.Marshal(map[string]any{"message": "EndOfStream", "last_seq_no": c.seq.Load()})
	return websocket.TextMessage, msg
}

func (c *speechmaticsCodec) decode(msg []byte) ([]transcript.Segment, bool, error) {
	var m smMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return nil, false, wrapDecodeErr(ProviderSpeechmatics, err)
	}

	switch m.Message {
	case "AddTranscript":
		words := make([]word, 0, len(m.Results))
		for _, r := range m.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			words = append(words, word{
				text:     alt.Content,
				start:    r.StartTime,
				end:      r.EndTime,
				speaker:  speechmaticsSpeaker(alt.Speaker),
				glueLeft: r.Type == "punctuation" && r.AttachesTo != "next",
			})
		}
		return groupBySpeaker(words), false, nil
	case "EndOfTranscript":
		return nil, true, nil
	case "Error":
		return nil, true, fmt.Errorf("speechmatics error %s: %s", m.Type, m.Reason)
	default:
		return nil, false, nil
	}
}

// speechmaticsSpeaker maps "S1", "S2", ... to zero-based ids; "UU" is 0.
func speechmaticsSpeaker(s string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "S"))
	if err != nil || n < 1 {
		return 0
	}
	return n - 1
}
