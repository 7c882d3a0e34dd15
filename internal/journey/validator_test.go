package journey

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/playperu/trailguide/internal/backend"
	"github.com/playperu/trailguide/internal/geo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu          sync.Mutex
	completions map[string]CompletionRecord
	progress    map[string]Progress
	insertCalls int
	insertErr   error
	existsErr   error
	progressErr error
	saveErr     error
	saveCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		completions: make(map[string]CompletionRecord),
		progress:    make(map[string]Progress),
	}
}

func (s *fakeStore) CompletionExists(ctx context.Context, userID, stepID, method string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.completions[userID+":"+stepID+":"+method]
	return ok, nil
}

func (s *fakeStore) InsertCompletion(ctx context.Context, rec CompletionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	if s.insertErr != nil {
		return s.insertErr
	}
	key := rec.UserID + ":" + rec.StepID + ":" + rec.ValidationMethod
	if _, ok := s.completions[key]; ok {
		return &backend.Error{Kind: backend.KindUniqueViolation, Op: "insert", Status: 409}
	}
	s.completions[key] = rec
	return nil
}

func (s *fakeStore) Progress(ctx context.Context, journeyID, userID string) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progressErr != nil {
		return Progress{}, s.progressErr
	}
	p, ok := s.progress[journeyID+":"+userID]
	if !ok {
		return Progress{JourneyID: journeyID, UserID: userID}, nil
	}
	return p, nil
}

func (s *fakeStore) SaveProgress(ctx context.Context, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.progress[p.JourneyID+":"+p.UserID] = p
	return nil
}

func (s *fakeStore) Steps(ctx context.Context, journeyID string) ([]Step, error) {
	return nil, nil
}

type fakeIdentity struct {
	id       string
	signedIn bool
}

func (f fakeIdentity) CurrentUser() (string, bool) { return f.id, f.signedIn }

const (
	baseLat = 46.5197
	baseLon = 6.6323
)

// fixMetersNorth returns a fix the given number of meters north of the
// step target; one degree of latitude is ~111.32 km.
func fixMetersNorth(m float64) geo.Fix {
	return geo.Fix{Latitude: baseLat + m/111320, Longitude: baseLon, CapturedAt: time.Now()}
}

func testSteps() []Step {
	return []Step{
		{ID: "step-1", TargetLatitude: baseLat, TargetLongitude: baseLon, ValidationRadiusMeters: 50, PointsAwarded: 10},
		{ID: "step-2", TargetLatitude: baseLat + 0.01, TargetLongitude: baseLon, ValidationRadiusMeters: 50, PointsAwarded: 20},
	}
}

func newTestValidator(t *testing.T, store Store, auditors ...Auditor) (*Validator, *time.Time) {
	t.Helper()
	v := NewValidator(store, fakeIdentity{id: "user-1", signedIn: true}, testLogger(), Config{}, auditors...)
	v.SetJourney("journey-1", testSteps())

	now := time.Now()
	v.now = func() time.Time { return now }
	return v, &now
}

func TestAcceptWithinRadius(t *testing.T) {
	store := newFakeStore()
	v, _ := newTestValidator(t, store)

	res, err := v.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(40))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Outcome != Accepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if res.PointsEarned != 10 {
		t.Errorf("expected 10 points, got %d", res.PointsEarned)
	}
	if res.Progress.TotalPointsEarned != 10 {
		t.Errorf("progress points: %d", res.Progress.TotalPointsEarned)
	}
	if res.Progress.CurrentStepIndex != 1 {
		t.Errorf("current index not advanced: %d", res.Progress.CurrentStepIndex)
	}
	if res.JourneyCompleted {
		t.Error("journey not complete after one of two steps")
	}
}

func TestRejectBeyondRadius(t *testing.T) {
	store := newFakeStore()
	v, _ := newTestValidator(t, store)

	res, err := v.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(60))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Outcome != RejectedTooFar {
		t.Fatalf("expected rejection, got %s", res.Outcome)
	}
	if !strings.Contains(res.Message, "60m") {
		t.Errorf("message should report the distance, got %q", res.Message)
	}
	if store.insertCalls != 0 || store.saveCalls != 0 {
		t.Error("rejection must not mutate state")
	}
}

func TestRevalidationIsIdempotent(t *testing.T) {
	store := newFakeStore()
	v, now := newTestValidator(t, store)
	step := testSteps()[0]

	res, err := v.ValidateStepLocation(context.Background(), step, fixMetersNorth(10))
	if err != nil || res.Outcome != Accepted {
		t.Fatalf("first validation: %v %v", res.Outcome, err)
	}

	*now = now.Add(10 * time.Second)
	res, err = v.ValidateStepLocation(context.Background(), step, fixMetersNorth(10))
	if err != nil {
		t.Fatalf("second validation: %v", err)
	}
	if res.Outcome != AlreadyCompleted {
		t.Fatalf("expected already-completed, got %s", res.Outcome)
	}
	if store.insertCalls != 1 {
		t.Errorf("expected one insert, got %d", store.insertCalls)
	}

	p, _ := store.Progress(context.Background(), "journey-1", "user-1")
	if p.TotalPointsEarned != 10 {
		t.Errorf("points double-counted: %d", p.TotalPointsEarned)
	}
}

func TestUniqueViolationTreatedAsCompleted(t *testing.T) {
	store := newFakeStore()
	store.insertErr = &backend.Error{Kind: backend.KindUniqueViolation, Op: "insert", Status: 409}
	v, _ := newTestValidator(t, store)

	res, err := v.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(10))
	if err != nil {
		t.Fatalf("a losing race is not an error: %v", err)
	}
	if res.Outcome != AlreadyCompleted {
		t.Fatalf("expected already-completed, got %s", res.Outcome)
	}
}

func TestRapidCallbacksThrottled(t *testing.T) {
	store := newFakeStore()
	v, now := newTestValidator(t, store)
	step := testSteps()[0]

	if _, err := v.ValidateStepLocation(context.Background(), step, fixMetersNorth(10)); err != nil {
		t.Fatalf("first validation: %v", err)
	}

	*now = now.Add(2 * time.Second)
	_, err := v.ValidateStepLocation(context.Background(), step, fixMetersNorth(10))
	if !errors.Is(err, ErrValidationInFlight) {
		t.Fatalf("expected throttle within 5s, got %v", err)
	}
}

func TestJourneyCompletionFiresOnce(t *testing.T) {
	store := newFakeStore()
	v, now := newTestValidator(t, store)

	var completions []Progress
	v.OnJourneyComplete(func(p Progress) { completions = append(completions, p) })

	steps := testSteps()
	res, err := v.ValidateStepLocation(context.Background(), steps[0], fixMetersNorth(10))
	if err != nil || res.JourneyCompleted {
		t.Fatalf("first step: err=%v completed=%v", err, res.JourneyCompleted)
	}

	*now = now.Add(10 * time.Second)
	nearSecond := geo.Fix{Latitude: steps[1].TargetLatitude, Longitude: baseLon, CapturedAt: time.Now()}
	res, err = v.ValidateStepLocation(context.Background(), steps[1], nearSecond)
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if !res.JourneyCompleted || !res.Progress.IsCompleted {
		t.Fatal("journey should complete on the last distinct step")
	}
	if res.Progress.TotalPointsEarned != 30 {
		t.Errorf("final points: %d", res.Progress.TotalPointsEarned)
	}
	if len(completions) != 1 {
		t.Fatalf("completion callback fired %d times", len(completions))
	}

	// Re-validating a completed step stays idempotent and quiet.
	*now = now.Add(10 * time.Second)
	res, err = v.ValidateStepLocation(context.Background(), steps[0], fixMetersNorth(10))
	if err != nil || res.Outcome != AlreadyCompleted {
		t.Fatalf("revalidation: %v %v", res.Outcome, err)
	}
	if len(completions) != 1 {
		t.Errorf("completion callback re-fired: %d", len(completions))
	}
}

func TestFailureMappedByKind(t *testing.T) {
	cases := []struct {
		name    string
		kind    backend.ErrorKind
		wantMsg string
	}{
		{"unauthorized", backend.KindUnauthorized, "sign in"},
		{"referential", backend.KindReferentialIntegrity, "no longer exists"},
		{"generic", backend.KindGeneric, "try again"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.insertErr = &backend.Error{Kind: tc.kind, Op: "insert"}
			v, _ := newTestValidator(t, store)

			res, err := v.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(10))
			if err == nil {
				t.Fatal("expected error")
			}
			if res.Outcome != Failed {
				t.Errorf("expected failed outcome, got %s", res.Outcome)
			}
			if !strings.Contains(res.Message, tc.wantMsg) {
				t.Errorf("message %q missing %q", res.Message, tc.wantMsg)
			}
		})
	}
}

func TestGuards(t *testing.T) {
	store := newFakeStore()

	v := NewValidator(store, fakeIdentity{id: "user-1", signedIn: true}, testLogger(), Config{})
	if _, err := v.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(10)); !errors.Is(err, ErrNoActiveJourney) {
		t.Errorf("expected no-journey guard, got %v", err)
	}

	v.SetJourney("journey-1", testSteps())
	if _, err := v.ValidateStepLocation(context.Background(), Step{ID: "other"}, fixMetersNorth(10)); !errors.Is(err, ErrUnknownStep) {
		t.Errorf("expected unknown-step guard, got %v", err)
	}

	anon := NewValidator(store, fakeIdentity{}, testLogger(), Config{})
	anon.SetJourney("journey-1", testSteps())
	if _, err := anon.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(10)); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("expected sign-in guard, got %v", err)
	}
}

type recordingAuditor struct {
	mu       sync.Mutex
	attempts []backend.ValidationAttempt
}

func (a *recordingAuditor) LogAttempt(ctx context.Context, at backend.ValidationAttempt) {
	a.mu.Lock()
	a.attempts = append(a.attempts, at)
	a.mu.Unlock()
}

func (a *recordingAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.attempts)
}

func TestAttemptsAudited(t *testing.T) {
	store := newFakeStore()
	auditor := &recordingAuditor{}
	v, _ := newTestValidator(t, store, auditor)

	res, err := v.ValidateStepLocation(context.Background(), testSteps()[0], fixMetersNorth(60))
	if err != nil || res.Outcome != RejectedTooFar {
		t.Fatalf("validate: %v %v", res.Outcome, err)
	}

	// Audit writes are asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for auditor.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if auditor.count() != 1 {
		t.Fatalf("expected one audit entry, got %d", auditor.count())
	}

	a := auditor.attempts[0]
	if a.Accepted || a.Outcome != "rejected_too_far" {
		t.Errorf("wrong audit payload: %+v", a)
	}
	if a.RadiusMeters != 50 {
		t.Errorf("radius not recorded: %v", a.RadiusMeters)
	}
}

func TestCurrentStepFollowsProgress(t *testing.T) {
	store := newFakeStore()
	v, now := newTestValidator(t, store)

	step, ok := v.CurrentStep(context.Background())
	if !ok || step.ID != "step-1" {
		t.Fatalf("expected step-1 active, got %v %v", step.ID, ok)
	}

	if _, err := v.ValidateStepLocation(context.Background(), step, fixMetersNorth(10)); err != nil {
		t.Fatalf("validate: %v", err)
	}
	step, ok = v.CurrentStep(context.Background())
	if !ok || step.ID != "step-2" {
		t.Fatalf("expected step-2 active, got %v %v", step.ID, ok)
	}

	*now = now.Add(10 * time.Second)
	fix := geo.Fix{Latitude: step.TargetLatitude, Longitude: step.TargetLongitude, CapturedAt: time.Now()}
	if _, err := v.ValidateStepLocation(context.Background(), step, fix); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Completed journey has no active step to validate against.
	if _, ok := v.CurrentStep(context.Background()); ok {
		t.Error("completed journey should have no current step")
	}
}
