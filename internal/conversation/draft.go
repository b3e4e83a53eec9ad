package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// Status is a draft's lifecycle state. A user with no draft is implicitly in
// the "none" state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDiscarded  Status = "discarded"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDiscarded
}

// Draft is a user's in-progress conversation.
type Draft struct {
	ID         string               `json:"id"`
	UID        string               `json:"uid"`
	Status     Status               `json:"status"`
	Language   string               `json:"language"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Segments   []transcript.Segment `json:"transcript_segments"`
}

// Clone returns a deep copy.
func (d *Draft) Clone() *Draft {
	c := *d
	c.Segments = transcript.CloneAll(d.Segments)
	return &c
}

// advance moves FinishedAt to the end of the last segment. It never moves
// backwards.
func (d *Draft) advance() {
	end := d.StartedAt.Add(time.Duration(transcript.FinishedAt(d.Segments) * float64(time.Second)))
	if end.After(d.FinishedAt) {
		d.FinishedAt = end
	}
}

// ErrNoDraft is returned by Store.LoadDraft when the user has no draft.
var ErrNoDraft = errors.New("conversation: no draft")

// Store persists drafts. Writes are last-writer-wins.
type Store interface {
	// SaveDraft upserts the draft, its segments and finished_at.
	SaveDraft(ctx context.Context, d *Draft) error
	// LoadDraft returns the user's most recent draft or ErrNoDraft.
	LoadDraft(ctx context.Context, uid string) (*Draft, error)
	SetStatus(ctx context.Context, uid, draftID string, status Status) error
}

// Conversation is what the summarization pipeline made of a draft.
type Conversation struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Discarded bool   `json:"discarded"`
	Title     string `json:"title,omitempty"`
	Overview  string `json:"overview,omitempty"`
}

// Finalizer hands a draft to the summarization pipeline. It is called at
// most once per draft.
type Finalizer interface {
	Finalize(ctx context.Context, uid, language string, d *Draft) (*Conversation, error)
}

// FinalizationError is a summarization failure. The draft is marked failed.
type FinalizationError struct {
	DraftID string
	Err     error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("finalize draft %s: %v", e.DraftID, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }
