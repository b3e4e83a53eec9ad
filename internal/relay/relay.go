// Package relay mirrors a session's raw audio and transcript deltas to an
// external trigger bus over its own websocket.
package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/resilience"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// Frame types, sent as a 4-byte little-endian header before the payload.
const (
	FrameTranscript uint32 = 100
	FrameAudio      uint32 = 101
)

const (
	transcriptQueue = 64
	writeTimeout    = 5 * time.Second
	pingInterval    = 20 * time.Second
)

// Frame prefixes payload with its type header.
func Frame(kind uint32, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, kind)
	copy(out[4:], payload)
	return out
}

// ParseFrame splits a frame into its type and payload.
func ParseFrame(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("relay frame too short: %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}

type transcriptMessage struct {
	DraftID  string               `json:"conversation_id"`
	Segments []transcript.Segment `json:"segments"`
}

// Relay buffers audio and transcripts and ships them whenever connected.
// Audio is kept in a ring buffer while disconnected, oldest bytes first to go.
type Relay struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	reconnect *resilience.ReconnectConfig
	logger    zerolog.Logger

	audio       *audio.RingBuffer
	transcripts chan []byte
	wake        chan struct{}
}

// New creates a relay to baseURL for one session. uid and sampleRate are
// passed as query parameters.
func New(baseURL, uid string, sampleRate, bufferBytes int, reconnect *resilience.ReconnectConfig, logger zerolog.Logger) (*Relay, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("uid", uid)
	q.Set("sample_rate", fmt.Sprint(sampleRate))
	u.RawQuery = q.Encode()

	if bufferBytes <= 0 {
		bufferBytes = 512 * 1024
	}
	return &Relay{
		url:         u.String(),
		header:      http.Header{},
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect:   reconnect,
		logger:      logger.With().Str("component", "relay").Logger(),
		audio:       audio.NewRingBuffer(bufferBytes),
		transcripts: make(chan []byte, transcriptQueue),
		wake:        make(chan struct{}, 1),
	}, nil
}

// RelayAudio queues raw PCM. It never blocks.
func (r *Relay) RelayAudio(pcm []byte) {
	if dropped := r.audio.Write(pcm); dropped > 0 {
		r.logger.Debug().Int("dropped", dropped).Msg("Relay audio buffer full, dropped oldest bytes")
	}
	r.signal()
}

// RelayTranscript queues a transcript delta. It never blocks; when the queue
// is full the delta is dropped.
func (r *Relay) RelayTranscript(segs []transcript.Segment, draftID string) {
	b, err := json.Marshal(transcriptMessage{DraftID: draftID, Segments: segs})
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode relay transcript")
		return
	}
	select {
	case r.transcripts <- b:
		r.signal()
	default:
		r.logger.Warn().Msg("Relay transcript queue full, dropping delta")
	}
}

func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run connects and ships queued frames until ctx is done, reconnecting with
// backoff whenever the bus drops. It returns when ctx is done or the
// reconnect budget is spent.
func (r *Relay) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := resilience.Reconnect(ctx, r.logger, func(ctx context.Context) error {
			c, _, err := r.dialer.DialContext(ctx, r.url, r.header)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}, r.reconnect)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Relay unavailable, giving up for this session")
			return err
		}

		r.logger.Info().Msg("Relay connected")
		err = r.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn().Err(err).Msg("Relay connection lost, reconnecting")
	}
}

func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	// Anything queued while disconnected goes out first.
	if err := r.flush(conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			_ = r.flush(conn)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-r.wake:
			if err := r.flush(conn); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}

// flush writes pending transcripts, then buffered audio.
func (r *Relay) flush(conn *websocket.Conn) error {
	// serve is the only consumer, so len then receive cannot block.
	for len(r.transcripts) > 0 {
		b := <-r.transcripts
		if err := r.write(conn, FrameTranscript, b); err != nil {
			// Requeue so the delta survives the reconnect.
			select {
			case r.transcripts <- b:
			default:
			}
			return err
		}
	}

	if pcm := r.audio.Drain(); len(pcm) > 0 {
		if err := r.write(conn, FrameAudio, pcm); err != nil {
			r.audio.Write(pcm)
			return err
		}
		observability.RecordAudioBytes("relay", int64(len(pcm)))
	}
	return nil
}

func (r *Relay) write(conn *websocket.Conn, kind uint32, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, Frame(kind, payload))
}
