package session

import (
	"context"
	"errors"
	"sync"

	"github.com/lexiqai/listen-gateway/internal/conversation"
	"github.com/lexiqai/listen-gateway/internal/stt"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   int
	closed bool
	err    error
	segs   chan []transcript.Segment
}

func newFakeStream() *fakeStream {
	return &fakeStream{segs: make(chan []transcript.Segment, 16)}
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("closed")
	}
	s.sent += len(pcm)
	return nil
}

func (s *fakeStream) Segments() <-chan []transcript.Segment { return s.segs }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.fail(nil)
	return nil
}

// fail ends the stream as if the provider dropped it.
func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.segs)
}

func (s *fakeStream) push(segs ...transcript.Segment) {
	s.segs <- segs
}

func (s *fakeStream) bytesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type fakeAdapter struct {
	provider stt.Provider

	mu     sync.Mutex
	err    error
	opened []*fakeStream
}

func (a *fakeAdapter) Provider() stt.Provider { return a.provider }

func (a *fakeAdapter) Open(ctx context.Context, params stt.StreamParams) (stt.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	s := newFakeStream()
	a.opened = append(a.opened, s)
	return s, nil
}

func (a *fakeAdapter) streams() []*fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeStream(nil), a.opened...)
}

type memStore struct {
	mu     sync.Mutex
	drafts map[string]*conversation.Draft
}

func newMemStore() *memStore {
	return &memStore{drafts: make(map[string]*conversation.Draft)}
}

func (s *memStore) SaveDraft(ctx context.Context, d *conversation.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts[d.UID] = d.Clone()
	return nil
}

func (s *memStore) LoadDraft(ctx context.Context, uid string) (*conversation.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[uid]
	if !ok {
		return nil, conversation.ErrNoDraft
	}
	return d.Clone(), nil
}

func (s *memStore) SetStatus(ctx context.Context, uid, draftID string, status conversation.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[uid]
	if !ok || d.ID != draftID {
		return conversation.ErrNoDraft
	}
	d.Status = status
	return nil
}

func (s *memStore) get(uid string) *conversation.Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drafts[uid]; ok {
		return d.Clone()
	}
	return nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFinalizer) Finalize(ctx context.Context, uid, language string, d *conversation.Draft) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, d.ID)
	return &conversation.Conversation{ID: d.ID, Status: conversation.StatusCompleted, Title: "Test"}, nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
