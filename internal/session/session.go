package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/arbitration"
	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/conversation"
	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/relay"
	"github.com/lexiqai/listen-gateway/internal/stt"
	"github.com/lexiqai/listen-gateway/internal/transcript"
	"github.com/lexiqai/listen-gateway/internal/translation"
)

// State is where a session is in its lifecycle.
type State string

const (
	StateInitiating    State = "initiating"
	StateSTTInitiating State = "stt_initiating"
	StateReady         State = "ready"
	StateStreaming     State = "streaming"
	StateFinalizing    State = "finalizing"
	StateClosed        State = "closed"
	StateDisconnected  State = "disconnected"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	heartbeatMsg = "ping"
)

type statusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// controlMessage is a JSON text frame from the client.
type controlMessage struct {
	Type       string   `json:"type"`
	SegmentIDs []string `json:"segment_ids,omitempty"`
	PersonID   string   `json:"person_id,omitempty"`
	IsUser     bool     `json:"is_user,omitempty"`
}

// Session is one client listen connection.
type Session struct {
	id      string
	uid     string
	conn    *websocket.Conn
	params  Params
	opts    Options
	deps    Deps
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	mu    sync.Mutex
	state State

	writeMu sync.Mutex

	decoder    audio.FrameDecoder
	provider   *stt.ProviderSession
	manager    *conversation.Manager
	relay      *relay.Relay
	translator *translation.Translator

	ctx    context.Context
	cancel context.CancelFunc

	lastAudio     atomic.Int64
	stopRequested atomic.Bool

	endOnce     sync.Once
	closeCode   int
	closeReason string
}

func newSession(conn *websocket.Conn, opts Options, deps Deps, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		opts:    opts,
		deps:    deps,
		logger:  logger.With().Str("session_id", id).Logger(),
		metrics: observability.NewSessionMetrics(id),
		state:   StateInitiating,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Debug().Str("from", string(prev)).Str("to", string(st)).Msg("Session state changed")
}

// run drives the session from negotiation to close.
func (s *Session) run(parent context.Context, r *http.Request) {
	s.metrics.RecordSessionStart()

	if err := s.negotiate(r); err != nil {
		s.logger.Info().Err(err).Msg("Rejecting listen session")
		s.metrics.RecordError("configuration_error", "session")
		s.finish(websocket.ClosePolicyViolation, err.Error())
		return
	}
	s.logger.Info().
		Str("language", s.params.Language).
		Int("sample_rate", s.params.SampleRate).
		Str("codec", string(s.params.Codec)).
		Int("channels", s.params.Channels).
		Msg("Listen session accepted")

	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.cancel()

	if err := s.connectSTT(s.ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to initialize transcription")
		observability.CaptureError(s.ctx, err, map[string]string{"component": "session", "stage": "stt_initiating"})
		s.metrics.RecordError("stt_connect_error", "session")
		s.finish(websocket.CloseInternalServerErr, "transcription unavailable")
		return
	}

	s.stream()
}

// negotiate validates identity and parameters. Failures are
// ConfigurationErrors.
func (s *Session) negotiate(r *http.Request) error {
	uid, err := s.deps.Auth.Identify(r)
	if err != nil {
		return &ConfigurationError{Field: "identity", Reason: err.Error()}
	}
	s.uid = uid
	s.logger = observability.SessionLogger(s.id, uid).With().Str("component", "session").Logger()

	params, err := ParseParams(r.URL.Query())
	if err != nil {
		return err
	}
	s.params = params

	dec, err := audio.NewFrameDecoder(params.Codec, params.Channels)
	if err != nil {
		return &ConfigurationError{Field: "codec", Reason: err.Error()}
	}
	s.decoder = dec
	return nil
}

// connectSTT arbitrates a provider, opens it with priming when possible and
// prepares the conversation state. Any error is fatal for the session.
func (s *Session) connectSTT(ctx context.Context) error {
	s.setState(StateSTTInitiating)
	s.sendStatus("stt_initiating")

	rate := s.params.ProviderSampleRate()
	profilePath, hasProfile := s.profile()
	sel := s.deps.Selector.Select(arbitration.Request{
		Language: s.params.Language,
		Codec:    s.params.Codec,
		Priming:  hasProfile,
	})

	var priming *stt.Priming
	if sel.Priming {
		p, err := stt.PrimingFromWAV(profilePath, rate)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to load speech profile, continuing without priming")
		} else {
			priming = p
		}
	}

	s.metrics.RecordConnectStart()
	prov, err := s.deps.Opener.Open(ctx, stt.OpenRequest{
		Route:      sel.Route,
		Fallback:   sel.Fallback,
		Release:    sel.Release,
		SampleRate: rate,
		Channels:   s.params.Channels,
		Priming:    priming,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", sel.Route, err)
	}
	s.metrics.RecordConnectEnd(string(prov.Route.Provider))
	s.provider = prov
	sessionStart := time.Now()

	s.logger = s.logger.With().
		Str("provider", string(prov.Route.Provider)).
		Str("model", prov.Route.Model).
		Logger()
	s.logger.Info().Bool("priming", prov.Priming()).Bool("premium", sel.Premium()).Msg("Transcription stream open")

	s.manager = conversation.NewManager(conversation.Config{
		UID:             s.uid,
		Language:        prov.Route.Language,
		SessionStart:    sessionStart,
		Timeout:         s.opts.ConversationTimeout,
		Staleness:       s.opts.DraftStaleness,
		FinalizeTimeout: s.opts.FinalizeTimeout,
		GapTolerance:    s.opts.GapTolerance,
	}, s.deps.Store, s.deps.Finalizer, nil, s.sendEvent, s.logger)

	if err := s.manager.Recover(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to recover previous draft")
	}

	if s.opts.RelayURL != "" {
		r, err := relay.New(s.opts.RelayURL, s.uid, rate, s.opts.RelayBufferBytes, s.opts.RelayReconnect, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Relay disabled")
		} else {
			s.relay = r
		}
	}
	if s.deps.Translation != nil && s.params.TranslateTo != "" {
		s.translator = translation.NewTranslator(s.deps.Translation, s.params.TranslateTo, s.logger)
	}

	s.setState(StateReady)
	s.sendStatus("ready")
	return nil
}

// profile returns the enrollment audio path and whether it should be used.
func (s *Session) profile() (string, bool) {
	if !s.params.IncludeProfile || s.opts.ProfileDir == "" {
		return "", false
	}
	path, err := ProfilePath(s.opts.ProfileDir, s.uid)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// stream runs the session tasks until something ends the session, then
// cleans up.
func (s *Session) stream() {
	s.lastAudio.Store(time.Now().UnixNano())
	s.setState(StateStreaming)

	var tasks sync.WaitGroup
	tasks.Add(3)
	go s.dispatchTranscripts(&tasks)
	go s.heartbeat(&tasks)
	go s.watchdog(&tasks)

	readDone := make(chan struct{})
	go s.readLoop(readDone)

	relayDone := make(chan struct{})
	if s.relay != nil {
		go func() {
			defer close(relayDone)
			if err := s.relay.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn().Err(err).Msg("Relay stopped")
			}
		}()
	} else {
		close(relayDone)
	}

	<-s.ctx.Done()
	// No-op when a task already chose the close code.
	s.end(websocket.CloseGoingAway, "server shutting down", false)
	s.cleanup(&tasks, readDone, relayDone)
}

// end records why the session is ending and cancels every task. Only the
// first call has effect.
func (s *Session) end(code int, reason string, disconnected bool) {
	s.endOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		if disconnected {
			s.setState(StateDisconnected)
		}
		s.logger.Info().Int("code", code).Str("reason", reason).Msg("Listen session ending")
		s.cancel()
	})
}

// cleanup closes the provider, drains the dispatcher, finalizes on an
// explicit stop and closes the socket. Each step runs regardless of the
// others failing.
func (s *Session) cleanup(tasks *sync.WaitGroup, readDone, relayDone <-chan struct{}) {
	if s.State() != StateDisconnected {
		s.setState(StateFinalizing)
	}

	s.closeResource("stt", s.provider.Close)
	tasks.Wait()

	if s.stopRequested.Load() {
		s.closeResource("finalize", func() error {
			_, err := s.manager.Finalize(context.Background())
			return err
		})
	}
	s.closeResource("conversation", func() error {
		s.manager.Close()
		return nil
	})
	<-relayDone

	s.finish(s.closeCode, s.closeReason)
	<-readDone
}

// closeResource runs one cleanup step, isolating errors and panics.
func (s *Session) closeResource(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic closing %s: %v", name, r)
			s.logger.Error().Err(err).Msg("Cleanup step panicked")
			observability.CaptureError(context.Background(), err, map[string]string{"component": "session"})
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn().Err(err).Str("resource", name).Msg("Cleanup step failed")
	}
}

// finish sends the close frame and closes the socket.
func (s *Session) finish(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, truncateReason(reason))
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.logger.Debug().Err(err).Msg("Close frame not delivered")
	}
	s.conn.Close()
	s.setState(StateClosed)
	s.metrics.RecordSessionEnd(strconv.Itoa(code))
}

// Close reasons must fit a control frame.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}

// readLoop is the audio intake. Binary frames are audio, text frames are
// control messages.
func (s *Session) readLoop(done chan<- struct{}) {
	defer close(done)
	s.conn.SetReadLimit(maxFrameSize)

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					s.logger.Warn().Err(err).Msg("WebSocket read error")
				}
				s.end(websocket.CloseNormalClosure, "client disconnected", true)
			}
			return
		}
		if s.ctx.Err() != nil {
			continue
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			s.handleControl(data)
		}
	}
}

func (s *Session) handleAudio(frame []byte) {
	s.lastAudio.Store(time.Now().UnixNano())
	s.metrics.RecordAudioBytes("in", int64(len(frame)))

	pcm, err := s.decoder.Decode(frame)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Dropping undecodable audio frame")
		s.metrics.RecordError("decode_error", "session")
		return
	}
	if len(pcm) == 0 {
		return
	}

	if err := s.provider.Send(pcm); err != nil && s.ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("Error sending audio to STT")
		s.metrics.RecordError("stt_send_error", string(s.provider.Route.Provider))
	}
	if s.relay != nil {
		s.relay.RelayAudio(pcm)
		s.metrics.RecordAudioBytes("relay", int64(len(pcm)))
	}
}

func (s *Session) handleControl(data []byte) {
	if string(data) == heartbeatMsg {
		return
	}
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("Ignoring malformed control message")
		return
	}

	switch msg.Type {
	case "stop":
		s.logger.Info().Msg("Client requested stop")
		s.stopRequested.Store(true)
		s.end(websocket.CloseNormalClosure, "stopped", false)
	case "speaker_assigned":
		n, err := s.manager.Reassign(context.WithoutCancel(s.ctx), msg.SegmentIDs, msg.PersonID, msg.IsUser)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to persist speaker assignment")
			return
		}
		s.logger.Debug().Int("segments", n).Str("person_id", msg.PersonID).Msg("Speaker assigned")
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Unknown control message")
	}
}

// dispatchTranscripts merges provider fragments and pushes deltas until the
// provider session ends.
func (s *Session) dispatchTranscripts(tasks *sync.WaitGroup) {
	defer tasks.Done()
	// Fragments still arriving while the provider drains are persisted.
	ctx := context.WithoutCancel(s.ctx)

	for batch := range s.provider.Segments() {
		update, err := s.manager.AddSegments(ctx, batch)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to merge transcript")
			s.metrics.RecordError("merge_error", "conversation")
			continue
		}
		if update == nil {
			continue
		}
		s.deliver(update)
	}

	if s.ctx.Err() != nil {
		return
	}
	err := s.provider.Err()
	if err == nil {
		err = errors.New("stream ended unexpectedly")
	}
	serr := &stt.ProviderStreamError{Provider: s.provider.Route.Provider, Err: err}
	s.logger.Error().Err(serr).Msg("Transcription stream failed")
	observability.CaptureError(ctx, serr, map[string]string{"component": "session", "provider": string(serr.Provider)})
	s.metrics.RecordError("stt_stream_error", string(serr.Provider))
	s.end(websocket.CloseInternalServerErr, "transcription stream failed", false)
}

// deliver pushes a merged delta to the client, the relay and the translator.
func (s *Session) deliver(update *conversation.Update) {
	changed := update.Changed()
	out := changed
	if s.params.IncludeContext && update.Start > 0 {
		out = update.Segments[update.Start-1 : update.End]
	}
	if err := s.writeJSON(out); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send transcript delta")
	}

	if s.relay != nil {
		s.relay.RelayTranscript(changed, update.DraftID)
	}

	if s.translator != nil {
		idx := s.translator.Apply(s.ctx, changed)
		if len(idx) == 0 {
			return
		}
		translated := make([]transcript.Segment, 0, len(idx))
		for _, i := range idx {
			translated = append(translated, changed[i])
		}
		if err := s.writeJSON(translated); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to send translated delta")
		}
	}
}

// heartbeat keeps intermediaries from idling out the socket.
func (s *Session) heartbeat(tasks *sync.WaitGroup) {
	defer tasks.Done()
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(heartbeatMsg)); err != nil {
				s.logger.Debug().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// watchdog ends the session on audio inactivity or at the soft length cap.
func (s *Session) watchdog(tasks *sync.WaitGroup) {
	defer tasks.Done()
	soft := time.NewTimer(s.opts.SoftTimeout)
	defer soft.Stop()
	idle := time.NewTimer(s.opts.Inactivity)
	defer idle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-soft.C:
			s.end(websocket.CloseGoingAway, "session length limit reached", true)
			return
		case <-idle.C:
			since := time.Since(time.Unix(0, s.lastAudio.Load()))
			if since >= s.opts.Inactivity {
				s.end(websocket.CloseGoingAway, "no audio received", true)
				return
			}
			idle.Reset(s.opts.Inactivity - since)
		}
	}
}

func (s *Session) sendStatus(status string) {
	if err := s.writeJSON(statusMessage{Type: "service_status", Status: status}); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send service status")
	}
}

// sendEvent forwards conversation boundary events. It may run on the
// debounce timer's goroutine.
func (s *Session) sendEvent(ev conversation.Event) {
	if err := s.writeJSON(ev); err != nil {
		s.logger.Debug().Err(err).Str("event", ev.Type).Msg("Failed to send conversation event")
	}
}

func (s *Session) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, b)
}

// write serializes writes; the socket allows one writer at a time.
func (s *Session) write(mt int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(mt, data)
}
