package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due callbacks on the caller's goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type memStore struct {
	mu     sync.Mutex
	drafts map[string]*Draft // by uid
	saves  int
	err    error
}

func newMemStore() *memStore { return &memStore{drafts: make(map[string]*Draft)} }

func (s *memStore) SaveDraft(ctx context.Context, d *Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.drafts[d.UID] = d.Clone()
	s.saves++
	return nil
}

func (s *memStore) failSaves(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *memStore) LoadDraft(ctx context.Context, uid string) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[uid]
	if !ok {
		return nil, ErrNoDraft
	}
	return d.Clone(), nil
}

func (s *memStore) SetStatus(ctx context.Context, uid, draftID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[uid]
	if !ok || d.ID != draftID {
		return ErrNoDraft
	}
	d.Status = status
	return nil
}

func (s *memStore) status(uid string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drafts[uid]; ok {
		return d.Status
	}
	return ""
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []*Draft
	err   error

	// When set, Finalize signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeFinalizer) Finalize(ctx context.Context, uid, language string, d *Draft) (*Conversation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, d)
	err := f.err
	entered, release := f.entered, f.release
	f.mu.Unlock()

	if release != nil {
		close(entered)
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &Conversation{ID: d.ID, Title: "Chat"}, nil
}

func (f *fakeFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

var errSummarizer = errors.New("summarizer unavailable")
