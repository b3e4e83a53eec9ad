package arbitration

import (
	"sync"

	"github.com/lexiqai/listen-gateway/internal/observability"
)

// Slot is a single-holder lock on a scarce backend connection. Acquisition
// never blocks.
type Slot struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire takes the slot if free. The returned release is idempotent and
// must be called on every exit path.
func (s *Slot) TryAcquire() (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, false
	}
	s.held = true
	observability.SetPremiumSlotHeld(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.held = false
			s.mu.Unlock()
			observability.SetPremiumSlotHeld(false)
		})
	}, true
}

// Held reports whether the slot is taken.
func (s *Slot) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
