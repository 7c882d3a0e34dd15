// Package journey turns noisy location fixes into exactly-once,
// points-awarding progress transitions. The Validator is the only
// writer of Progress; the (userID, stepID, method) uniqueness of
// completion records is the idempotency anchor that makes
// re-validation safe.
package journey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/playperu/trailguide/internal/backend"
	"github.com/playperu/trailguide/internal/geo"
)

// Outcome classifies one validation attempt. Rejections and duplicates
// are normal negative outcomes, not errors.
type Outcome int

const (
	Accepted Outcome = iota
	AlreadyCompleted
	RejectedTooFar
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyCompleted:
		return "already_completed"
	case RejectedTooFar:
		return "rejected_too_far"
	}
	return "failed"
}

// Result is the outcome of one ValidateStepLocation call.
type Result struct {
	Outcome          Outcome
	DistanceMeters   float64
	Message          string
	PointsEarned     int
	JourneyCompleted bool
	Progress         Progress
}

var (
	ErrNoActiveJourney    = errors.New("no active journey")
	ErrNotSignedIn        = errors.New("not signed in")
	ErrValidationInFlight = errors.New("validation already in flight")
	ErrUnknownStep        = errors.New("step not part of the active journey")
)

// Identity yields the authenticated user's opaque identifier.
type Identity interface {
	CurrentUser() (string, bool)
}

// Auditor records a validation attempt. Implementations must swallow
// their own failures; the validator never waits on them.
type Auditor interface {
	LogAttempt(ctx context.Context, a backend.ValidationAttempt)
}

// Config holds the validator tunables.
type Config struct {
	// MinRevalidateInterval absorbs rapid repeated GPS callbacks for
	// the same step.
	MinRevalidateInterval time.Duration
}

// Validator is the per-session step validation state machine. Its
// in-flight marker is process-local mutual exclusion; the server-side
// uniqueness constraint is the real backstop across devices.
type Validator struct {
	store    Store
	identity Identity
	auditors []Auditor
	logger   *slog.Logger
	cfg      Config

	onComplete func(Progress)

	mu          sync.Mutex
	journeyID   string
	steps       []Step
	stepIndex   map[string]int
	inFlight    map[string]struct{}
	lastAttempt map[string]time.Time
	now         func() time.Time
}

func NewValidator(store Store, identity Identity, logger *slog.Logger, cfg Config, auditors ...Auditor) *Validator {
	if cfg.MinRevalidateInterval == 0 {
		cfg.MinRevalidateInterval = 5 * time.Second
	}
	return &Validator{
		store:       store,
		identity:    identity,
		auditors:    auditors,
		logger:      logger,
		cfg:         cfg,
		stepIndex:   make(map[string]int),
		inFlight:    make(map[string]struct{}),
		lastAttempt: make(map[string]time.Time),
		now:         time.Now,
	}
}

// SetJourney installs the active journey. Clears in-flight and
// throttle state from any previous journey.
func (v *Validator) SetJourney(journeyID string, steps []Step) {
	v.mu.Lock()
	v.journeyID = journeyID
	v.steps = steps
	v.stepIndex = make(map[string]int, len(steps))
	for i, s := range steps {
		v.stepIndex[s.ID] = i
	}
	v.inFlight = make(map[string]struct{})
	v.lastAttempt = make(map[string]time.Time)
	v.mu.Unlock()
}

// OnJourneyComplete registers the callback fired exactly once when the
// completed set first covers all steps.
func (v *Validator) OnJourneyComplete(cb func(Progress)) {
	v.mu.Lock()
	v.onComplete = cb
	v.mu.Unlock()
}

// Validating reports whether any validation is in flight, for UI
// affordances.
func (v *Validator) Validating() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.inFlight) > 0
}

// CurrentStep returns the active step to validate against, or false
// when there is none — no journey set, index out of range, or the
// journey is already fully completed.
func (v *Validator) CurrentStep(ctx context.Context) (Step, bool) {
	v.mu.Lock()
	journeyID := v.journeyID
	steps := v.steps
	v.mu.Unlock()
	if journeyID == "" || len(steps) == 0 {
		return Step{}, false
	}

	userID, ok := v.identity.CurrentUser()
	if !ok {
		return Step{}, false
	}
	prog, err := v.store.Progress(ctx, journeyID, userID)
	if err != nil {
		v.logger.Warn("loading progress for current step", "error", err)
		return Step{}, false
	}
	if prog.IsCompleted || prog.CurrentStepIndex >= len(steps) {
		return Step{}, false
	}
	return steps[prog.CurrentStepIndex], true
}

// ValidateStepLocation runs the presence check for one step against
// one fix: guards, distance, idempotent completion write, progress
// transition, completion detection.
func (v *Validator) ValidateStepLocation(ctx context.Context, step Step, fix geo.Fix) (Result, error) {
	v.mu.Lock()
	journeyID := v.journeyID
	idx, known := v.stepIndex[step.ID]
	total := len(v.steps)
	v.mu.Unlock()

	if journeyID == "" {
		return Result{}, ErrNoActiveJourney
	}
	if !known {
		return Result{}, ErrUnknownStep
	}
	userID, signedIn := v.identity.CurrentUser()
	if !signedIn {
		return Result{}, ErrNotSignedIn
	}

	key := userID + ":" + step.ID
	v.mu.Lock()
	now := v.now()
	if _, busy := v.inFlight[key]; busy {
		v.mu.Unlock()
		return Result{}, ErrValidationInFlight
	}
	if last, ok := v.lastAttempt[key]; ok && now.Sub(last) < v.cfg.MinRevalidateInterval {
		v.mu.Unlock()
		return Result{}, ErrValidationInFlight
	}
	v.inFlight[key] = struct{}{}
	v.lastAttempt[key] = now
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		delete(v.inFlight, key)
		v.mu.Unlock()
	}()

	dist := geo.Distance(fix.Latitude, fix.Longitude, step.TargetLatitude, step.TargetLongitude)
	accepted := dist <= step.ValidationRadiusMeters

	if !accepted {
		v.audit(ctx, userID, journeyID, step, dist, false, RejectedTooFar)
		return Result{
			Outcome:        RejectedTooFar,
			DistanceMeters: dist,
			Message:        fmt.Sprintf("too far from the target: about %.0fm away", math.Round(dist)),
		}, nil
	}

	exists, err := v.store.CompletionExists(ctx, userID, step.ID, MethodGeolocation)
	if err != nil {
		v.audit(ctx, userID, journeyID, step, dist, false, Failed)
		return v.fail(dist, err)
	}
	if exists {
		v.audit(ctx, userID, journeyID, step, dist, true, AlreadyCompleted)
		return Result{
			Outcome:        AlreadyCompleted,
			DistanceMeters: dist,
			Message:        "step already completed",
		}, nil
	}

	rec := CompletionRecord{
		UserID:           userID,
		StepID:           step.ID,
		JourneyID:        journeyID,
		PointsEarned:     step.PointsAwarded,
		ValidationMethod: MethodGeolocation,
	}
	if err := v.store.InsertCompletion(ctx, rec); err != nil {
		// A uniqueness violation means a concurrent validation landed
		// first; same idempotent outcome as finding the record.
		if backend.KindOf(err) == backend.KindUniqueViolation {
			v.audit(ctx, userID, journeyID, step, dist, true, AlreadyCompleted)
			return Result{
				Outcome:        AlreadyCompleted,
				DistanceMeters: dist,
				Message:        "step already completed",
			}, nil
		}
		v.audit(ctx, userID, journeyID, step, dist, false, Failed)
		return v.fail(dist, err)
	}

	prog, err := v.store.Progress(ctx, journeyID, userID)
	if err != nil {
		v.audit(ctx, userID, journeyID, step, dist, false, Failed)
		return v.fail(dist, err)
	}

	if !prog.HasCompleted(idx) {
		prog.CompletedStepIndexes = append(prog.CompletedStepIndexes, idx)
		sort.Ints(prog.CompletedStepIndexes)
		prog.TotalPointsEarned += step.PointsAwarded
		if prog.CurrentStepIndex <= idx {
			prog.CurrentStepIndex = idx + 1
		}
	}

	journeyDone := !prog.IsCompleted && len(prog.CompletedStepIndexes) == total
	if journeyDone {
		prog.IsCompleted = true
	}

	if err := v.store.SaveProgress(ctx, prog); err != nil {
		v.audit(ctx, userID, journeyID, step, dist, false, Failed)
		return v.fail(dist, err)
	}

	v.audit(ctx, userID, journeyID, step, dist, true, Accepted)
	v.logger.Info("step validated",
		"step_id", step.ID,
		"journey_id", journeyID,
		"distance_m", math.Round(dist),
		"points", step.PointsAwarded,
		"journey_completed", journeyDone,
	)

	if journeyDone {
		v.mu.Lock()
		cb := v.onComplete
		v.mu.Unlock()
		if cb != nil {
			cb(prog)
		}
	}

	return Result{
		Outcome:          Accepted,
		DistanceMeters:   dist,
		Message:          fmt.Sprintf("step validated, %d points earned", step.PointsAwarded),
		PointsEarned:     step.PointsAwarded,
		JourneyCompleted: journeyDone,
		Progress:         prog,
	}, nil
}

// fail maps a backend failure to a specific user-facing message by
// kind. Never retried here: the store already spent the retry budget
// where retrying made sense.
func (v *Validator) fail(dist float64, err error) (Result, error) {
	var msg string
	switch backend.KindOf(err) {
	case backend.KindUnauthorized:
		msg = "not allowed to record this step; sign in again"
	case backend.KindReferentialIntegrity:
		msg = "this step no longer exists; refresh the journey"
	case backend.KindTransient:
		msg = "network trouble while validating; move on and try again"
	default:
		msg = "could not validate the step; try again"
	}
	return Result{Outcome: Failed, DistanceMeters: dist, Message: msg}, err
}

// audit fans the attempt out to every auditor off the validation path.
// Auditors swallow their own errors; a dead audit sink never blocks or
// fails validation.
func (v *Validator) audit(ctx context.Context, userID, journeyID string, step Step, dist float64, accepted bool, outcome Outcome) {
	attempt := backend.ValidationAttempt{
		UserID:         userID,
		StepID:         step.ID,
		JourneyID:      journeyID,
		DistanceMeters: dist,
		RadiusMeters:   step.ValidationRadiusMeters,
		Accepted:       accepted,
		Outcome:        outcome.String(),
		AttemptedAt:    v.now().UTC(),
	}
	for _, a := range v.auditors {
		go func(a Auditor) {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			a.LogAttempt(ctx, attempt)
		}(a)
	}
}
