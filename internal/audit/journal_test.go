package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/playperu/trailguide/internal/backend"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), ":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestLogAndRecent(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	j.LogAttempt(ctx, backend.ValidationAttempt{
		UserID:         "u1",
		StepID:         "s1",
		JourneyID:      "j1",
		DistanceMeters: 42.5,
		RadiusMeters:   50,
		Accepted:       true,
		Outcome:        "accepted",
		AttemptedAt:    time.Now().UTC(),
	})
	j.LogAttempt(ctx, backend.ValidationAttempt{
		UserID:      "u1",
		StepID:      "s2",
		JourneyID:   "j1",
		Outcome:     "rejected_too_far",
		AttemptedAt: time.Now().UTC(),
	})

	recent, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(recent))
	}
	// Newest first.
	if recent[0].StepID != "s2" || recent[1].StepID != "s1" {
		t.Errorf("wrong order: %s, %s", recent[0].StepID, recent[1].StepID)
	}
	if !recent[1].Accepted || recent[1].DistanceMeters != 42.5 {
		t.Errorf("payload mangled: %+v", recent[1])
	}
}

func TestRecentLimitClamped(t *testing.T) {
	j := testJournal(t)
	ctx := context.Background()

	for range 5 {
		j.LogAttempt(ctx, backend.ValidationAttempt{UserID: "u", StepID: "s", JourneyID: "j", AttemptedAt: time.Now()})
	}

	recent, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("limit not applied: %d", len(recent))
	}

	if _, err := j.Recent(ctx, -1); err != nil {
		t.Errorf("negative limit should clamp, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	j := testJournal(t)
	if err := j.Check(context.Background()); err != nil {
		t.Errorf("health check: %v", err)
	}
}
