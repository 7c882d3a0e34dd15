// Package geo is the single source of truth for "where is the device".
// It wraps a platform location Provider behind a subscription model with
// a last-known-fix cache and a minimum-movement filter, and owns the
// distance math shared with step validation.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Fix is a single position report from the location provider. Immutable
// once captured; only the most recent fix is retained by the Service.
type Fix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracyMeters"`
	CapturedAt     time.Time `json:"capturedAt"`
	HeadingDegrees *float64  `json:"headingDegrees,omitempty"`
	SpeedMps       *float64  `json:"speedMps,omitempty"`
}

// ErrorCategory classifies provider failures into user-displayable
// buckets.
type ErrorCategory int

const (
	ErrorPermissionDenied ErrorCategory = iota
	ErrorPositionUnavailable
	ErrorTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorPositionUnavailable:
		return "position_unavailable"
	case ErrorTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is a provider failure tagged with its category.
type Error struct {
	Category ErrorCategory
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Category.String()
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the category from err, defaulting to
// ErrorPositionUnavailable for untagged failures. Context deadline
// errors map to ErrorTimeout.
func CategoryOf(err error) ErrorCategory {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorPositionUnavailable
}

// Provider is a platform location API: a continuous watch plus one-shot
// reads. Watch delivers fixes until the returned stop function is
// called. Position blocks until a fresh fix arrives or ctx expires.
type Provider interface {
	Watch(onFix func(Fix), onErr func(error)) (stop func(), err error)
	Position(ctx context.Context) (Fix, error)
}

// Options tunes a Subscribe or CurrentPosition call.
type Options struct {
	// MaximumAge is how stale a cached fix may be before
	// CurrentPosition issues a fresh provider read. Zero means always
	// read fresh.
	MaximumAge time.Duration
	// DistanceFilterMeters overrides the service-wide movement filter
	// for this subscription. Negative disables filtering.
	DistanceFilterMeters float64
}

// Config holds the service-wide defaults.
type Config struct {
	DistanceFilterMeters float64
	OneShotTimeout       time.Duration
	WatchTimeout         time.Duration
}

func (c *Config) fillDefaults() {
	if c.DistanceFilterMeters == 0 {
		c.DistanceFilterMeters = 10
	}
	if c.OneShotTimeout == 0 {
		c.OneShotTimeout = 15 * time.Second
	}
	if c.WatchTimeout == 0 {
		c.WatchTimeout = 30 * time.Second
	}
}

type subscriber struct {
	onFix  func(Fix)
	onErr  func(error)
	filter float64
	// lastDelivered is per subscriber so a late subscriber still gets
	// its first fix even if the device has not moved.
	lastDelivered *Fix
}

// Service multiplexes one Provider watch across any number of
// subscribers. The underlying watch runs only while at least one
// subscriber is registered.
type Service struct {
	provider Provider
	logger   *slog.Logger
	cfg      Config

	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	stopWatch func()
	lastFix   *Fix
}

func NewService(provider Provider, logger *slog.Logger, cfg Config) *Service {
	cfg.fillDefaults()
	return &Service{
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		subs:     make(map[int]*subscriber),
	}
}

// Subscribe registers a fix listener and returns its disposer. If a
// cached fix exists it is delivered synchronously before any provider
// read. The provider watch starts on the first subscriber and stops
// when the last one unsubscribes.
func (s *Service) Subscribe(onFix func(Fix), onErr func(error), opts Options) (func(), error) {
	if onFix == nil {
		return nil, errors.New("geo: nil fix callback")
	}

	filter := s.cfg.DistanceFilterMeters
	if opts.DistanceFilterMeters != 0 {
		filter = opts.DistanceFilterMeters
	}
	if filter < 0 {
		filter = 0
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sub := &subscriber{onFix: onFix, onErr: onErr, filter: filter}
	s.subs[id] = sub

	var cached *Fix
	if s.lastFix != nil {
		f := *s.lastFix
		cached = &f
		sub.lastDelivered = &f
	}

	var startErr error
	if s.stopWatch == nil {
		stop, err := s.provider.Watch(s.handleFix, s.handleWatchError)
		if err != nil {
			delete(s.subs, id)
			startErr = fmt.Errorf("starting location watch: %w", err)
		} else {
			s.stopWatch = stop
		}
	}
	s.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}
	if cached != nil {
		onFix(*cached)
	}

	return func() { s.unsubscribe(id) }, nil
}

func (s *Service) unsubscribe(id int) {
	s.mu.Lock()
	delete(s.subs, id)
	var stop func()
	if len(s.subs) == 0 && s.stopWatch != nil {
		stop = s.stopWatch
		s.stopWatch = nil
	}
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (s *Service) handleFix(fix Fix) {
	s.mu.Lock()
	f := fix
	s.lastFix = &f

	type delivery struct {
		cb  func(Fix)
		fix Fix
	}
	var deliveries []delivery
	for _, sub := range s.subs {
		if sub.lastDelivered != nil && sub.filter > 0 {
			moved := Distance(sub.lastDelivered.Latitude, sub.lastDelivered.Longitude,
				fix.Latitude, fix.Longitude)
			if moved < sub.filter {
				continue
			}
		}
		d := fix
		sub.lastDelivered = &d
		deliveries = append(deliveries, delivery{cb: sub.onFix, fix: fix})
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		d.cb(d.fix)
	}
}

// handleWatchError fans a watch failure out to subscribers. Timeouts
// are swallowed in watch mode: the watch keeps running and nobody is
// actively waiting on it.
func (s *Service) handleWatchError(err error) {
	if CategoryOf(err) == ErrorTimeout {
		s.logger.Debug("location watch timeout", "error", err)
		return
	}
	s.logger.Warn("location watch error", "category", CategoryOf(err).String(), "error", err)

	s.mu.Lock()
	var cbs []func(error)
	for _, sub := range s.subs {
		if sub.onErr != nil {
			cbs = append(cbs, sub.onErr)
		}
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}

// CurrentPosition returns a fix for a user-triggered read. A cached fix
// younger than opts.MaximumAge is returned immediately; otherwise a
// fresh provider read runs under the one-shot timeout, which is shorter
// than the watch timeout because the user is actively waiting.
func (s *Service) CurrentPosition(ctx context.Context, opts Options) (Fix, error) {
	if opts.MaximumAge > 0 {
		s.mu.Lock()
		cached := s.lastFix
		s.mu.Unlock()
		if cached != nil && time.Since(cached.CapturedAt) <= opts.MaximumAge {
			return *cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OneShotTimeout)
	defer cancel()

	fix, err := s.provider.Position(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Fix{}, &Error{Category: ErrorTimeout, Err: err}
		}
		return Fix{}, err
	}

	s.mu.Lock()
	f := fix
	s.lastFix = &f
	s.mu.Unlock()

	return fix, nil
}

// LastFix returns the cached fix, if any.
func (s *Service) LastFix() (Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFix == nil {
		return Fix{}, false
	}
	return *s.lastFix, true
}
