package dispatcher

import (
	"sync"
	"time"
)

type breakerPhase string

const (
	phaseClosed   breakerPhase = "closed"
	phaseOpen     breakerPhase = "open"
	phaseHalfOpen breakerPhase = "half_open"
)

// MicroBreaker guards one relay. It opens after failThreshold consecutive transport
// failures, stays open for openFor, then admits exactly one probe. The probe's outcome
// either closes it again or restarts the open period.
type MicroBreaker struct {
	mu        sync.Mutex
	phase     breakerPhase
	fails     int
	threshold int
	openFor   time.Duration
	reopenAt  time.Time
	probing   bool
	now       func() time.Time
}

func NewMicroBreaker(threshold int, openFor time.Duration) *MicroBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	return &MicroBreaker{phase: phaseClosed, threshold: threshold, openFor: openFor, now: time.Now}
}

// Ready reports whether a send would currently be admitted, without taking the probe slot.
func (b *MicroBreaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admit(false)
}

// TryAcquire admits a send. In the open or half-open phase it claims the single probe slot.
func (b *MicroBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admit(true)
}

func (b *MicroBreaker) admit(claim bool) bool {
	if b.phase == phaseClosed {
		return true
	}
	if b.probing {
		return false
	}
	if b.phase == phaseOpen && !b.now().After(b.reopenAt) {
		return false
	}
	if claim {
		b.phase = phaseHalfOpen
		b.probing = true
	}
	return true
}

func (b *MicroBreaker) Phase() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.phase)
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.phase = phaseClosed
	b.fails = 0
	b.probing = false
}

// OnFailure records a transport-level failure. Recipient rejections are not counted
// against the relay; callers only report errors the relay itself produced.
func (b *MicroBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.fails++
	if b.phase == phaseHalfOpen || b.fails >= b.threshold {
		b.phase = phaseOpen
		b.reopenAt = b.now().Add(b.openFor)
		b.probing = false
	}
}
