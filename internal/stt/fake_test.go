package stt

import (
	"context"
	"sync"

	"github.com/lexiqai/listen-gateway/internal/transcript"
)

type fakeStream struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	segs   chan []transcript.Segment
	err    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{segs: make(chan []transcript.Segment, 16)}
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	return nil
}

func (s *fakeStream) Segments() <-chan []transcript.Segment { return s.segs }

func (s *fakeStream) Err() error { return s.err }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.segs)
	}
	return nil
}

func (s *fakeStream) bytesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.sent {
		n += len(b)
	}
	return n
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeAdapter answers Open with scripted errors before handing out streams.
type fakeAdapter struct {
	provider Provider

	mu      sync.Mutex
	errs    map[string][]error // per model, consumed in order
	always  map[string]error   // per model, returned on every attempt
	opened  []*fakeStream
	attempt map[string]int
}

func newFakeAdapter(p Provider) *fakeAdapter {
	return &fakeAdapter{
		provider: p,
		errs:     make(map[string][]error),
		always:   make(map[string]error),
		attempt:  make(map[string]int),
	}
}

func (a *fakeAdapter) Provider() Provider { return a.provider }

func (a *fakeAdapter) Open(ctx context.Context, params StreamParams) (Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	model := params.Route.Model
	a.attempt[model]++
	if err := a.always[model]; err != nil {
		return nil, err
	}
	if q := a.errs[model]; len(q) > 0 {
		a.errs[model] = q[1:]
		return nil, q[0]
	}
	s := newFakeStream()
	a.opened = append(a.opened, s)
	return s, nil
}

func (a *fakeAdapter) attempts(model string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempt[model]
}

func (a *fakeAdapter) streams() []*fakeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeStream(nil), a.opened...)
}
