package gateway

import "time"

// breaker tracks consecutive failures for one operation key. There is
// no explicit half-open probe: once the open duration has elapsed the
// next call simply runs cold, and its outcome decides what happens
// next.
type breaker struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	openedAt            time.Time
	open                bool
}

func (b *breaker) isOpen(now time.Time, openFor time.Duration) bool {
	if !b.open {
		return false
	}
	if now.Sub(b.openedAt) >= openFor {
		// Cooldown elapsed; permit the next call.
		b.open = false
		return false
	}
	return true
}

func (b *breaker) recordSuccess() {
	b.consecutiveFailures = 0
	b.open = false
}

func (b *breaker) recordFailure(now time.Time, threshold int) {
	b.consecutiveFailures++
	b.lastFailureAt = now
	if b.consecutiveFailures >= threshold && !b.open {
		b.open = true
		b.openedAt = now
	}
}

// BreakerState is the introspection snapshot for one operation key.
type BreakerState struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailureAt       time.Time `json:"lastFailureAt,omitzero"`
}
