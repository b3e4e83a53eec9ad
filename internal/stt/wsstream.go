package stt

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// drainTimeout bounds how long Close waits for final results after the
// end-of-stream message.
const drainTimeout = 3 * time.Second

// wsCodec is the backend-specific half of a websocket stream.
type wsCodec interface {
	// audioFrame wraps PCM for the wire.
	audioFrame(pcm []byte) (int, []byte)
	// finishFrame is sent once on Close; nil sends nothing.
	finishFrame() (int, []byte)
	// decode parses one server message. done reports end of stream.
	decode(msg []byte) (segs []transcript.Segment, done bool, err error)
}

// wsStream is a Stream over a raw websocket, for backends without an SDK.
type wsStream struct {
	provider Provider
	conn     *websocket.Conn
	codec    wsCodec
	logger   zerolog.Logger

	pending  chan wsRead
	writeMu  sync.Mutex
	segments chan []transcript.Segment
	finished chan struct{}
	abort    chan struct{}
	closing  atomic.Bool

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// dialWS opens a websocket and maps handshake failures to ProviderConnectError.
func dialWS(ctx context.Context, url string, header http.Header, route Route) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		ce := &ProviderConnectError{Provider: route.Provider, Model: route.Model, Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		return nil, ce
	}
	return conn, nil
}

// wsRead is the result of one ReadMessage.
type wsRead struct {
	msg []byte
	err error
}

// readFirst reads the first server message in the background, so a handshake
// can wait for it with a timeout and leave the socket usable if none comes.
// The result stays in the channel for the stream's read loop.
func readFirst(conn *websocket.Conn) chan wsRead {
	ch := make(chan wsRead, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		ch <- wsRead{msg: msg, err: err}
	}()
	return ch
}

// newWSStream starts the read loop. pending, when not nil, holds or will hold
// the first message and is consumed before reading from conn.
func newWSStream(provider Provider, conn *websocket.Conn, codec wsCodec, pending chan wsRead, logger zerolog.Logger) *wsStream {
	s := &wsStream{
		provider: provider,
		conn:     conn,
		codec:    codec,
		pending:  pending,
		logger:   logger,
		segments: make(chan []transcript.Segment, segmentBuffer),
		finished: make(chan struct{}),
		abort:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsStream) Send(pcm []byte) error {
	if s.closing.Load() {
		return errClosed
	}
	mt, frame := s.codec.audioFrame(pcm)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(mt, frame); err != nil {
		return &ProviderStreamError{Provider: s.provider, Err: err}
	}
	return nil
}

func (s *wsStream) Segments() <-chan []transcript.Segment { return s.segments }

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close sends the end-of-stream message, waits briefly for trailing results
// and closes the connection. Safe to call more than once.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		if mt, frame := s.codec.finishFrame(); frame != nil {
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			werr := s.conn.WriteMessage(mt, frame)
			s.writeMu.Unlock()
			if werr == nil {
				select {
				case <-s.finished:
				case <-time.After(drainTimeout):
				}
			}
		}

		close(s.abort)
		err = s.conn.Close()
		<-s.finished
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.finished)
	defer close(s.segments)

	for {
		msg, err := s.next()
		if err != nil {
			if !s.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(&ProviderStreamError{Provider: s.provider, Err: err})
			}
			return
		}

		segs, done, err := s.codec.decode(msg)
		if err != nil {
			s.setErr(&ProviderStreamError{Provider: s.provider, Err: err})
			return
		}
		if len(segs) > 0 {
			select {
			case s.segments <- segs:
			case <-s.abort:
				return
			}
		}
		if done {
			return
		}
	}
}

func (s *wsStream) next() ([]byte, error) {
	if s.pending != nil {
		r := <-s.pending
		s.pending = nil
		return r.msg, r.err
	}
	_, msg, err := s.conn.ReadMessage()
	return msg, err
}

// word is one recognized token normalized across backends.
type word struct {
	text     string
	start    float64
	end      float64
	speaker  int
	glueLeft bool // attach without a space (punctuation, sub-word tokens)
}

// groupBySpeaker joins consecutive words with the same speaker into fragments.
func groupBySpeaker(words []word) []transcript.Segment {
	var out []transcript.Segment
	for _, w := range words {
		if n := len(out); n > 0 && out[n-1].SpeakerID == w.speaker {
			last := &out[n-1]
			if w.glueLeft {
				last.Text += w.text
			} else {
				last.Text += " " + w.text
			}
			if w.end > last.End {
				last.End = w.end
			}
			continue
		}
		out = append(out, transcript.Segment{
			Speaker:   transcript.SpeakerLabel(w.speaker),
			SpeakerID: w.speaker,
			Start:     w.start,
			End:       w.end,
			Text:      w.text,
		})
	}
	for i := range out {
		out[i].Text = transcript.CleanText(out[i].Text)
	}
	return out
}

func wrapDecodeErr(provider Provider, err error) error {
	return fmt.Errorf("%s: decode message: %w", provider, err)
}
