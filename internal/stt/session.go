package stt

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/listen-gateway/internal/audio"
	"github.com/lexiqai/listen-gateway/internal/observability"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// Priming is enrollment audio injected ahead of live audio so the backend's
// diarizer learns the user's voice.
type Priming struct {
	PCM     []byte // 16-bit mono at the stream's sample rate
	Seconds float64
}

// ProviderSession is the handle a listen session holds on its STT backend.
//
// With priming, the primary stream receives the enrollment audio first and
// then all live audio for the session's lifetime, so its timestamps run
// Seconds ahead of the live clock. Because that stream cannot transcribe live
// speech until the enrollment audio has been consumed, a secondary stream
// receives live audio only for the first Seconds of the session and covers
// that window; it is then closed. Primary fragments before Seconds are the
// enrollment itself and are discarded, though the speakers they reveal are
// remembered as the user.
type ProviderSession struct {
	Route Route

	primary   Stream
	secondary Stream
	priming   float64
	bytesPerS float64
	logger    zerolog.Logger

	out  chan []transcript.Segment
	stop chan struct{}
	wg   sync.WaitGroup

	mu            sync.Mutex
	liveSeconds   float64
	secondaryDone bool
	userSpeakers  map[int]bool

	closed    atomic.Bool
	closeOnce sync.Once
	release   func()
	errMu     sync.Mutex
	err       error
}

func newProviderSession(route Route, primary, secondary Stream, priming float64, sampleRate, channels int, release func(), logger zerolog.Logger) *ProviderSession {
	p := &ProviderSession{
		Route:        route,
		primary:      primary,
		secondary:    secondary,
		priming:      priming,
		bytesPerS:    float64(2 * sampleRate * channels),
		logger:       logger,
		out:          make(chan []transcript.Segment, segmentBuffer),
		stop:         make(chan struct{}),
		userSpeakers: make(map[int]bool),
		release:      release,
	}
	if secondary == nil {
		p.secondaryDone = true
	}

	p.wg.Add(1)
	go p.pump(primary, true)
	if secondary != nil {
		p.wg.Add(1)
		go p.pump(secondary, false)
	}
	go func() {
		p.wg.Wait()
		close(p.out)
	}()
	return p
}

// Segments delivers fragment batches on the live clock. Closed when every
// underlying stream has ended.
func (p *ProviderSession) Segments() <-chan []transcript.Segment { return p.out }

// Err reports why the primary stream ended, nil for a clean close.
func (p *ProviderSession) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Priming reports whether enrollment audio was injected.
func (p *ProviderSession) Priming() bool { return p.priming > 0 }

// Send forwards live PCM. Once live time passes the priming window the
// secondary stream is closed and audio goes to the primary only.
func (p *ProviderSession) Send(pcm []byte) error {
	if p.closed.Load() {
		return errClosed
	}

	p.mu.Lock()
	p.liveSeconds += float64(len(pcm)) / p.bytesPerS
	toSecondary := !p.secondaryDone
	retire := toSecondary && p.liveSeconds > p.priming
	if retire {
		p.secondaryDone = true
	}
	p.mu.Unlock()

	if err := p.primary.Send(pcm); err != nil {
		return err
	}
	observability.RecordAudioBytes("stt", int64(len(pcm)))

	if toSecondary {
		if err := p.secondary.Send(pcm); err != nil {
			p.logger.Warn().Err(err).Msg("Priming cover stream send failed")
		}
	}
	if retire {
		p.logger.Debug().Float64("priming_seconds", p.priming).Msg("Closing priming cover stream")
		go func() {
			if err := p.secondary.Close(); err != nil {
				p.logger.Warn().Err(err).Msg("Priming cover stream close failed")
			}
		}()
	}
	return nil
}

// Close closes every stream, each independently, and releases the route's
// exclusive slot. Safe to call more than once.
func (p *ProviderSession) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		defer p.release()

		if err := p.primary.Close(); err != nil {
			errs = append(errs, err)
		}
		if p.secondary != nil {
			if err := p.secondary.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(drainTimeout):
			close(p.stop)
			<-drained
		}
	})
	return errors.Join(errs...)
}

func (p *ProviderSession) pump(s Stream, isPrimary bool) {
	defer p.wg.Done()

	for batch := range s.Segments() {
		var out []transcript.Segment
		if isPrimary {
			out = p.fromPrimary(batch)
		} else {
			out = p.fromSecondary(batch)
		}
		if len(out) == 0 {
			continue
		}
		select {
		case p.out <- out:
		case <-p.stop:
			return
		}
	}

	if isPrimary {
		if err := s.Err(); err != nil && !p.closed.Load() {
			p.errMu.Lock()
			p.err = err
			p.errMu.Unlock()
		}
	}
}

// fromPrimary drops the enrollment audio, learns the user's speaker ids from
// it, and shifts the rest onto the live clock.
func (p *ProviderSession) fromPrimary(batch []transcript.Segment) []transcript.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]transcript.Segment, 0, len(batch))
	for _, seg := range batch {
		if p.priming > 0 {
			if seg.Start < p.priming {
				p.userSpeakers[seg.SpeakerID] = true
				continue
			}
			seg.Start -= p.priming
			seg.End -= p.priming
			// The cover stream owns the first priming window of live audio.
			if p.secondary != nil && seg.Start < p.priming {
				continue
			}
		}
		seg.IsUser = p.userSpeakers[seg.SpeakerID]
		out = append(out, seg)
	}
	return out
}

func (p *ProviderSession) fromSecondary(batch []transcript.Segment) []transcript.Segment {
	out := make([]transcript.Segment, 0, len(batch))
	for _, seg := range batch {
		if seg.Start >= p.priming {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// sendPriming streams the enrollment audio into s in chunks.
func sendPriming(s Stream, pcm []byte, sampleRate int) error {
	chunk := sampleRate * 2 / 10 // 100ms
	if chunk <= 0 {
		chunk = 3200
	}
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := s.Send(pcm[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// PrimingFromWAV loads enrollment audio resampled to sampleRate.
func PrimingFromWAV(path string, sampleRate int) (*Priming, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	samples = audio.Resample(samples, rate, sampleRate)
	if len(samples) == 0 {
		return nil, errors.New("stt: empty enrollment audio")
	}
	return &Priming{
		PCM:     audio.SamplesToBytes(samples),
		Seconds: float64(len(samples)) / float64(sampleRate),
	}, nil
}
