package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/resilience"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

func TestFrame(t *testing.T) {
	b := Frame(FrameAudio, []byte{1, 2, 3})
	if len(b) != 7 {
		t.Fatalf("Expected 7 bytes, got %d", len(b))
	}
	if b[0] != 101 || b[1] != 0 || b[2] != 0 || b[3] != 0 {
		t.Errorf("Expected little-endian 101 header, got %v", b[:4])
	}

	kind, payload, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("ParseFrame() failed: %v", err)
	}
	if kind != FrameAudio || string(payload) != "\x01\x02\x03" {
		t.Errorf("ParseFrame() = %d %v", kind, payload)
	}

	if _, _, err := ParseFrame([]byte{1, 2}); err == nil {
		t.Error("Expected error for short frame")
	}
}

type busServer struct {
	mu       sync.Mutex
	frames   [][]byte
	query    string
	received chan struct{}
}

func newBusServer(t *testing.T) (*busServer, *httptest.Server) {
	t.Helper()
	bus := &busServer{received: make(chan struct{}, 100)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bus.mu.Lock()
		bus.query = r.URL.RawQuery
		bus.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			bus.mu.Lock()
			bus.frames = append(bus.frames, msg)
			bus.mu.Unlock()
			bus.received <- struct{}{}
		}
	}))
	t.Cleanup(srv.Close)
	return bus, srv
}

func (b *busServer) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		if len(b.frames) >= n {
			out := append([][]byte(nil), b.frames...)
			b.mu.Unlock()
			return out
		}
		b.mu.Unlock()
		select {
		case <-b.received:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d frames", n)
		}
	}
}

func TestRelay_ShipsBufferedFrames(t *testing.T) {
	bus, srv := newBusServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	r, err := New(wsURL, "user-1", 16000, 1024, &resilience.ReconnectConfig{Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	// Queued before the relay connects.
	r.RelayTranscript([]transcript.Segment{{ID: "s1", Text: "hello"}}, "draft-1")
	r.RelayAudio([]byte{1, 2, 3, 4})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	frames := bus.waitFrames(t, 2)
	kind, payload, _ := ParseFrame(frames[0])
	if kind != FrameTranscript {
		t.Fatalf("Expected transcript frame first, got %d", kind)
	}
	var msg transcriptMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Bad transcript payload: %v", err)
	}
	if msg.DraftID != "draft-1" || len(msg.Segments) != 1 || msg.Segments[0].Text != "hello" {
		t.Errorf("Unexpected transcript message %+v", msg)
	}
	if kind, payload, _ := ParseFrame(frames[1]); kind != FrameAudio || len(payload) != 4 {
		t.Errorf("Expected 4-byte audio frame, got kind %d len %d", kind, len(payload))
	}

	bus.mu.Lock()
	query := bus.query
	bus.mu.Unlock()
	if !strings.Contains(query, "uid=user-1") || !strings.Contains(query, "sample_rate=16000") {
		t.Errorf("Expected uid and sample_rate in query, got %q", query)
	}

	// Live audio after connect.
	r.RelayAudio([]byte{5, 6})
	frames = bus.waitFrames(t, 3)
	if _, payload, _ := ParseFrame(frames[2]); len(payload) != 2 {
		t.Errorf("Expected 2-byte audio frame, got %d", len(payload))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRelay_GivesUpAfterBudget(t *testing.T) {
	r, err := New("ws://127.0.0.1:1/bus", "user-1", 16000, 1024, &resilience.ReconnectConfig{MaxAttempts: 2, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Error("Expected error once the reconnect budget is spent")
	}
}

func TestRelay_AudioBufferKeepsNewest(t *testing.T) {
	r, err := New("ws://example.invalid", "u", 16000, 4, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	r.RelayAudio([]byte{1, 2, 3})
	r.RelayAudio([]byte{4, 5, 6})

	got := r.audio.Drain()
	if string(got) != "\x03\x04\x05\x06" {
		t.Errorf("Expected newest 4 bytes, got %v", got)
	}
}
