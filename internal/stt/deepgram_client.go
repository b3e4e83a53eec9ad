package stt

import (
	"context"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// messageCallbackHandler embeds the SDK's default handler and overrides the
// callbacks the stream needs.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	stream *deepgramStream
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.stream.handleMessage(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.stream.fail(fmt.Errorf("deepgram error: %+v", *errorResponse))
	return nil
}

func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.stream.finish()
	return nil
}

// DeepgramAdapter opens live streams through the Deepgram SDK.
type DeepgramAdapter struct {
	apiKey string
	logger zerolog.Logger
}

// NewDeepgramAdapter creates a Deepgram adapter.
func NewDeepgramAdapter(apiKey string, logger zerolog.Logger) *DeepgramAdapter {
	return &DeepgramAdapter{apiKey: apiKey, logger: logger.With().Str("provider", "deepgram").Logger()}
}

func (a *DeepgramAdapter) Provider() Provider { return ProviderDeepgram }

// deepgramStream implements Stream over the SDK's callback client.
type deepgramStream struct {
	client   *listenClient.WSCallback
	cancel   context.CancelFunc
	logger   zerolog.Logger
	segments chan []transcript.Segment
	stop     chan struct{}
	inflight sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	err       error
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (a *DeepgramAdapter) Open(ctx context.Context, params StreamParams) (Stream, error) {
	route := params.Route
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          route.Model,
		Language:       route.Language,
		Punctuate:      true,
		SmartFormat:    true,
		Diarize:        true,
		InterimResults: false,
		Endpointing:    "300",
		Encoding:       "linear16",
		Channels:       params.Channels,
		SampleRate:     params.SampleRate,
	}

	// The stream outlives the dial context; it is cancelled by Close.
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &deepgramStream{
		cancel:   cancel,
		logger:   a.logger,
		segments: make(chan []transcript.Segment, segmentBuffer),
		stop:     make(chan struct{}),
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		stream:                 s,
	}

	client, err := listenClient.NewWSUsingCallback(
		streamCtx,
		a.apiKey,
		&interfaces.ClientOptions{EnableKeepAlive: true},
		tOptions,
		callback,
	)
	if err != nil {
		cancel()
		return nil, &ProviderConnectError{Provider: ProviderDeepgram, Model: route.Model, Err: err}
	}

	connected := make(chan bool, 1)
	go func() { connected <- client.Connect() }()
	select {
	case ok := <-connected:
		if !ok {
			cancel()
			return nil, &ProviderConnectError{Provider: ProviderDeepgram, Model: route.Model, Err: fmt.Errorf("websocket connect failed")}
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	s.client = client
	a.logger.Debug().Str("model", route.Model).Str("language", route.Language).Msg("Deepgram stream opened")
	return s, nil
}

func (s *deepgramStream) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if len(alt.Words) == 0 {
		return
	}

	words := make([]word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		speaker := 0
		if w.Speaker != nil {
			speaker = *w.Speaker
		}
		words = append(words, word{text: text, start: w.Start, end: w.End, speaker: speaker})
	}

	s.deliver(groupBySpeaker(words))
}

// deliver blocks until the consumer takes segs or the stream finishes.
func (s *deepgramStream) deliver(segs []transcript.Segment) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.segments <- segs:
	case <-s.stop:
	}
}

func (s *deepgramStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil && !s.closed {
		s.err = &ProviderStreamError{Provider: ProviderDeepgram, Err: err}
	}
	s.mu.Unlock()
	s.finish()
}

// finish closes the segment channel once, after releasing any blocked
// delivery.
func (s *deepgramStream) finish() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		s.inflight.Wait()
		close(s.segments)
	})
}

func (s *deepgramStream) Send(pcm []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errClosed
	}
	if _, err := s.client.Write(pcm); err != nil {
		return &ProviderStreamError{Provider: ProviderDeepgram, Err: err}
	}
	return nil
}

func (s *deepgramStream) Segments() <-chan []transcript.Segment { return s.segments }

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks Deepgram to flush and tears the client down.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		s.client.Finish()
		s.cancel()
		s.finish()
	})
	return nil
}
