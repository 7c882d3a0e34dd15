package geo

import (
	"context"
	"sync"
)

// PushProvider is a Provider fed by an external source pushing fixes in,
// such as the HTTP location-ingest endpoint. It satisfies one-shot reads
// by waiting for the next pushed fix.
type PushProvider struct {
	mu      sync.Mutex
	onFix   func(Fix)
	onErr   func(error)
	waiters []chan Fix
}

func NewPushProvider() *PushProvider {
	return &PushProvider{}
}

// Push delivers a fix to the active watch and any pending one-shot
// reads.
func (p *PushProvider) Push(fix Fix) {
	p.mu.Lock()
	onFix := p.onFix
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	if onFix != nil {
		onFix(fix)
	}
	for _, w := range waiters {
		w <- fix
	}
}

// PushError reports a source-side failure to the active watch.
func (p *PushProvider) PushError(err error) {
	p.mu.Lock()
	onErr := p.onErr
	p.mu.Unlock()
	if onErr != nil {
		onErr(err)
	}
}

func (p *PushProvider) Watch(onFix func(Fix), onErr func(error)) (func(), error) {
	p.mu.Lock()
	p.onFix = onFix
	p.onErr = onErr
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		p.onFix = nil
		p.onErr = nil
		p.mu.Unlock()
	}, nil
}

func (p *PushProvider) Position(ctx context.Context) (Fix, error) {
	ch := make(chan Fix, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case fix := <-ch:
		return fix, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return Fix{}, ctx.Err()
	}
}
