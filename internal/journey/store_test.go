package journey

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/playperu/trailguide/internal/backend"
	"github.com/playperu/trailguide/internal/gateway"
)

func newStoreWithBackend(t *testing.T, handler http.HandlerFunc) (Store, *gateway.Gateway) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := backend.NewClient(backend.Config{BaseURL: srv.URL}, testLogger())
	gw := gateway.New(gateway.Config{MaxRetries: 1}, testLogger())
	t.Cleanup(gw.Close)

	return NewStore(gw, client), gw
}

func TestStepsCachedAcrossCalls(t *testing.T) {
	var hits atomic.Int64
	store, _ := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"data": [{"id": "s1", "validationRadiusMeters": 50, "pointsAwarded": 10}]}`))
	})

	ctx := context.Background()
	steps, err := store.Steps(ctx, "j1")
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 1 || steps[0].ID != "s1" {
		t.Fatalf("wrong steps: %+v", steps)
	}

	if _, err := store.Steps(ctx, "j1"); err != nil {
		t.Fatalf("second steps call: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected cached second read, got %d backend hits", hits.Load())
	}
}

func TestCompletionExistsBuildsIdempotencyQuery(t *testing.T) {
	var got backend.Query
	store, _ := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"data": [{"id": "rec1"}]}`))
	})

	exists, err := store.CompletionExists(context.Background(), "u1", "s1", MethodGeolocation)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Error("expected existing completion")
	}

	if got.Collection != "step_completions" {
		t.Errorf("wrong collection: %s", got.Collection)
	}
	fields := map[string]any{}
	for _, f := range got.Filters {
		if f.Op != "eq" {
			t.Errorf("expected eq filter, got %s", f.Op)
		}
		fields[f.Field] = f.Value
	}
	if fields["userId"] != "u1" || fields["stepId"] != "s1" || fields["validationMethod"] != MethodGeolocation {
		t.Errorf("idempotency triple not queried: %+v", fields)
	}
}

func TestInsertCompletionFillsDefaults(t *testing.T) {
	var got CompletionRecord
	store, _ := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/collections/step_completions" {
			json.NewDecoder(r.Body).Decode(&got)
		}
		w.Write([]byte(`{"data": null}`))
	})

	rec := CompletionRecord{UserID: "u1", StepID: "s1", JourneyID: "j1", PointsEarned: 10, ValidationMethod: MethodGeolocation}
	if err := store.InsertCompletion(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if got.ID == "" {
		t.Error("record id not generated")
	}
	if got.CreatedAt.IsZero() {
		t.Error("createdAt not set")
	}
}

func TestProgressDefaultsWhenMissing(t *testing.T) {
	store, _ := newStoreWithBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	})

	p, err := store.Progress(context.Background(), "j1", "u1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.JourneyID != "j1" || p.UserID != "u1" {
		t.Errorf("missing identity on fresh progress: %+v", p)
	}
	if p.IsCompleted || len(p.CompletedStepIndexes) != 0 {
		t.Errorf("fresh progress not empty: %+v", p)
	}
}
