package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// Event types pushed to the client.
const (
	EventProcessingStarted = "conversation_processing_started"
	EventCreated           = "conversation_created"
)

// Event reports a boundary transition.
type Event struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}

// Update is the result of folding a batch into the current draft.
type Update struct {
	DraftID  string
	Created  bool
	Segments []transcript.Segment
	Start    int // changed range is Segments[Start:End]
	End      int
}

// Changed returns the changed slice.
func (u *Update) Changed() []transcript.Segment { return u.Segments[u.Start:u.End] }

// Config tunes a Manager.
type Config struct {
	UID      string
	Language string
	// SessionStart is when this connection's provider stream clock read zero.
	SessionStart    time.Time
	Timeout         time.Duration // finalization debounce window
	Staleness       time.Duration // orphaned drafts older than this are not recovered
	FinalizeTimeout time.Duration
	GapTolerance    float64
}

var errManagerClosed = errors.New("conversation: manager closed")

// Manager owns the current draft for one listen session and decides when the
// conversation has ended.
//
// mu serializes merges against the debounce timer: rescheduling bumps gen,
// and a timer that fires with an older gen does nothing.
type Manager struct {
	cfg       Config
	store     Store
	finalizer Finalizer
	clock     Clock
	notify    func(Event)
	logger    zerolog.Logger

	merger  *transcript.Merger
	aligner *transcript.Aligner

	mu        sync.Mutex
	draft     *Draft
	timer     Timer
	gen       uint64
	closed    bool
	finalized map[string]bool

	wg sync.WaitGroup
}

// NewManager creates a boundary state machine. notify may be nil.
func NewManager(cfg Config, store Store, finalizer Finalizer, clock Clock, notify func(Event), logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = RealClock
	}
	if notify == nil {
		notify = func(Event) {}
	}
	if cfg.SessionStart.IsZero() {
		cfg.SessionStart = clock.Now()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 2 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		finalizer: finalizer,
		clock:     clock,
		notify:    notify,
		logger:    logger,
		merger:    transcript.NewMerger(cfg.GapTolerance),
		aligner:   transcript.NewAligner(),
		finalized: make(map[string]bool),
	}
}

// Recover resumes or finalizes a draft left in progress by an earlier
// connection. Drafts already processing or terminal are left alone, empty
// ones are discarded and stale ones are skipped.
func (m *Manager) Recover(ctx context.Context) error {
	d, err := m.store.LoadDraft(ctx, m.cfg.UID)
	if errors.Is(err, ErrNoDraft) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := m.logger.With().Str("draft_id", d.ID).Str("status", string(d.Status)).Logger()
	if d.Status != StatusInProgress {
		logger.Debug().Bool("terminal", d.Status.Terminal()).Msg("Draft not in progress, nothing to recover")
		return nil
	}
	if len(d.Segments) == 0 {
		logger.Info().Msg("Discarding empty orphaned draft")
		return m.store.SetStatus(ctx, d.UID, d.ID, StatusDiscarded)
	}

	now := m.clock.Now()
	if now.Sub(d.FinishedAt) > m.cfg.Staleness {
		logger.Info().Time("finished_at", d.FinishedAt).Msg("Orphaned draft is stale, skipping")
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed
	}
	remaining := d.FinishedAt.Add(m.cfg.Timeout).Sub(now)
	if remaining <= 0 {
		d = m.beginProcessing(d)
		m.finalizeAsync(ctx, d)
		m.mu.Unlock()
		logger.Info().Msg("Orphaned draft timed out, finalizing")
		return nil
	}

	m.draft = d
	m.aligner.Resume(m.cfg.SessionStart.Sub(d.StartedAt).Seconds())
	m.schedule()
	m.mu.Unlock()

	logger.Info().Dur("remaining", remaining).Msg("Resumed orphaned draft")
	return nil
}

// AddSegments aligns and merges a batch of provider fragments into the
// current draft, creating one if needed, persists it and restarts the
// debounce timer. It returns nil when nothing changed.
func (m *Manager) AddSegments(ctx context.Context, frags []transcript.Segment) (*Update, error) {
	if len(frags) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errManagerClosed
	}

	d := m.draft
	created := d == nil
	if created {
		m.aligner.Reset()
		startedAt := m.cfg.SessionStart.Add(time.Duration(frags[0].Start * float64(time.Second)))
		d = &Draft{
			ID:         uuid.NewString(),
			UID:        m.cfg.UID,
			Status:     StatusInProgress,
			Language:   m.cfg.Language,
			StartedAt:  startedAt,
			FinishedAt: startedAt,
		}
	}

	res := m.merger.Merge(d.Segments, m.aligner.Align(frags))
	for _, drop := range res.Dropped {
		reason := "duplicate"
		if errors.Is(drop.Reason, transcript.ErrOutOfOrder) {
			reason = "out_of_order"
			m.logger.Warn().Str("draft_id", d.ID).Float64("start", drop.Fragment.Start).
				Float64("end", drop.Fragment.End).Msg("Dropping out-of-order fragment")
		}
		observability.RecordSegmentDropped(reason)
	}
	if res.Start == res.End {
		if created {
			m.aligner.Reset()
		}
		return nil, nil
	}

	d.Segments = res.Segments
	d.advance()
	if created {
		m.draft = d
		m.logger.Info().Str("draft_id", d.ID).Msg("Conversation draft created")
	}
	observability.RecordSegmentsMerged(res.End - res.Start)
	// The merge stays in memory when the save fails; the next save or the
	// finalization carries it, so the deadline must follow it either way.
	m.schedule()
	if err := m.store.SaveDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("save draft %s: %w", d.ID, err)
	}

	return &Update{
		DraftID:  d.ID,
		Created:  created,
		Segments: transcript.CloneAll(d.Segments),
		Start:    res.Start,
		End:      res.End,
	}, nil
}

// Finalize forces the current draft to processing and waits for the
// summarization result. It returns nil, nil when there is no draft.
func (m *Manager) Finalize(ctx context.Context) (*Conversation, error) {
	m.mu.Lock()
	if m.draft == nil {
		m.mu.Unlock()
		return nil, nil
	}
	d := m.beginProcessing(m.draft)
	m.mu.Unlock()

	return m.runFinalize(ctx, d)
}

// Current returns a copy of the in-progress draft, or nil.
func (m *Manager) Current() *Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draft == nil {
		return nil
	}
	return m.draft.Clone()
}

// Reassign attributes segments of the current draft to a person or to the
// user and persists the change.
func (m *Manager) Reassign(ctx context.Context, segmentIDs []string, personID string, isUser bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draft == nil {
		return 0, nil
	}
	n := transcript.Reassign(m.draft.Segments, segmentIDs, personID, isUser)
	if n == 0 {
		return 0, nil
	}
	return n, m.store.SaveDraft(ctx, m.draft)
}

// Close cancels the debounce timer and waits for in-flight finalizations.
// A draft still in progress stays persisted for the next connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// schedule restarts the debounce timer against the draft's finished_at.
// Caller holds mu.
func (m *Manager) schedule() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
	}
	delay := m.draft.FinishedAt.Add(m.cfg.Timeout).Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	gen := m.gen
	m.timer = m.clock.AfterFunc(delay, func() { m.fire(gen) })
}

func (m *Manager) fire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.closed || m.draft == nil {
		m.mu.Unlock()
		return
	}
	d := m.beginProcessing(m.draft)
	// Add under mu so Close cannot miss it.
	m.wg.Add(1)
	m.mu.Unlock()

	defer m.wg.Done()
	m.logger.Info().Str("draft_id", d.ID).Msg("Conversation timed out, finalizing")
	_, _ = m.runFinalize(context.Background(), d)
}

// beginProcessing detaches d as the current draft. Caller holds mu.
func (m *Manager) beginProcessing(d *Draft) *Draft {
	d.Status = StatusProcessing
	if m.draft == d {
		m.draft = nil
	}
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.aligner.Reset()
	return d
}

// finalizeAsync runs the finalization in the background. Caller holds mu, so
// Close cannot miss the Add.
func (m *Manager) finalizeAsync(ctx context.Context, d *Draft) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _ = m.runFinalize(ctx, d)
	}()
}

// runFinalize hands d to the summarizer exactly once. The session's
// cancellation does not abort a finalization already under way.
func (m *Manager) runFinalize(ctx context.Context, d *Draft) (*Conversation, error) {
	m.mu.Lock()
	if m.finalized[d.ID] {
		m.mu.Unlock()
		return nil, nil
	}
	m.finalized[d.ID] = true
	m.mu.Unlock()

	logger := m.logger.With().Str("draft_id", d.ID).Logger()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FinalizeTimeout)
	defer cancel()

	if err := m.store.SetStatus(ctx, d.UID, d.ID, StatusProcessing); err != nil {
		logger.Error().Err(err).Msg("Failed to persist processing status")
	}
	m.notify(Event{Type: EventProcessingStarted, ConversationID: d.ID})

	conv, err := m.finalizer.Finalize(ctx, d.UID, d.Language, d.Clone())
	if err != nil {
		ferr := &FinalizationError{DraftID: d.ID, Err: err}
		logger.Error().Err(err).Msg("Finalization failed, marking draft failed")
		observability.CaptureError(ctx, ferr, map[string]string{"component": "conversation"})
		observability.RecordFinalization(string(StatusFailed))
		if err := m.store.SetStatus(ctx, d.UID, d.ID, StatusFailed); err != nil {
			logger.Error().Err(err).Msg("Failed to persist failed status")
		}
		m.notify(Event{Type: EventCreated, Conversation: &Conversation{ID: d.ID, Status: StatusFailed, Discarded: true}})
		return nil, ferr
	}

	if conv.ID == "" {
		conv.ID = d.ID
	}
	if conv.Status == "" {
		conv.Status = StatusCompleted
	}
	observability.RecordFinalization(string(conv.Status))
	if err := m.store.SetStatus(ctx, d.UID, d.ID, conv.Status); err != nil {
		logger.Error().Err(err).Msg("Failed to persist completed status")
	}
	logger.Info().Str("status", string(conv.Status)).Bool("discarded", conv.Discarded).Msg("Conversation finalized")
	m.notify(Event{Type: EventCreated, Conversation: conv})
	return conv, nil
}
