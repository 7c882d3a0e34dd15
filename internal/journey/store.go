package journey

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/playperu/trailguide/internal/backend"
	"github.com/playperu/trailguide/internal/gateway"
)

// Store is the persistence surface the Validator writes through.
type Store interface {
	CompletionExists(ctx context.Context, userID, stepID, method string) (bool, error)
	InsertCompletion(ctx context.Context, rec CompletionRecord) error
	Progress(ctx context.Context, journeyID, userID string) (Progress, error)
	SaveProgress(ctx context.Context, p Progress) error
	Steps(ctx context.Context, journeyID string) ([]Step, error)
}

// gatewayStore routes every read and write through the resilient
// gateway, so the validator inherits retry, breaker, and dedup
// behavior without knowing about any of it.
type gatewayStore struct {
	gw     *gateway.Gateway
	client *backend.Client
}

func NewStore(gw *gateway.Gateway, client *backend.Client) Store {
	return &gatewayStore{gw: gw, client: client}
}

func (s *gatewayStore) CompletionExists(ctx context.Context, userID, stepID, method string) (bool, error) {
	v, err := s.gw.Do(ctx, "step_completions.find", func(ctx context.Context) (any, error) {
		var recs []CompletionRecord
		q := backend.Query{
			Collection: "step_completions",
			Filters: []backend.Filter{
				backend.Eq("userId", userID),
				backend.Eq("stepId", stepID),
				backend.Eq("validationMethod", method),
			},
			Limit: 1,
		}
		if err := s.client.Query(ctx, q, &recs); err != nil {
			return nil, err
		}
		return len(recs) > 0, nil
	}, gateway.Options{Params: userID + ":" + stepID + ":" + method})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *gatewayStore) InsertCompletion(ctx context.Context, rec CompletionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// Writes get a single attempt: the server-side uniqueness
	// constraint is the arbiter, and retrying an insert that may have
	// landed would only manufacture duplicate-key noise.
	_, err := s.gw.Do(ctx, "step_completions.insert", func(ctx context.Context) (any, error) {
		return nil, s.client.Insert(ctx, "step_completions", rec, nil)
	}, gateway.Options{Params: rec.UserID + ":" + rec.StepID, MaxRetries: 1})
	return err
}

func (s *gatewayStore) Progress(ctx context.Context, journeyID, userID string) (Progress, error) {
	v, err := s.gw.Do(ctx, "journey_progress.find", func(ctx context.Context) (any, error) {
		var rows []Progress
		q := backend.Query{
			Collection: "journey_progress",
			Filters: []backend.Filter{
				backend.Eq("journeyId", journeyID),
				backend.Eq("userId", userID),
			},
			Limit: 1,
		}
		if err := s.client.Query(ctx, q, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return Progress{JourneyID: journeyID, UserID: userID}, nil
		}
		return rows[0], nil
	}, gateway.Options{Params: journeyID + ":" + userID})
	if err != nil {
		return Progress{}, err
	}
	return v.(Progress), nil
}

func (s *gatewayStore) SaveProgress(ctx context.Context, p Progress) error {
	_, err := s.gw.Do(ctx, "journey_progress.save", func(ctx context.Context) (any, error) {
		filters := []backend.Filter{
			backend.Eq("journeyId", p.JourneyID),
			backend.Eq("userId", p.UserID),
		}
		return nil, s.client.Update(ctx, "journey_progress", filters, p)
	}, gateway.Options{Params: p.JourneyID + ":" + p.UserID, MaxRetries: 1})
	return err
}

func (s *gatewayStore) Steps(ctx context.Context, journeyID string) ([]Step, error) {
	v, err := s.gw.Do(ctx, "journey_steps.list", func(ctx context.Context) (any, error) {
		var steps []Step
		q := backend.Query{
			Collection: "journey_steps",
			Filters:    []backend.Filter{backend.Eq("journeyId", journeyID)},
		}
		if err := s.client.Query(ctx, q, &steps); err != nil {
			return nil, err
		}
		return steps, nil
	}, gateway.Options{Params: journeyID, CacheTTL: 5 * time.Minute})
	if err != nil {
		return nil, err
	}
	return v.([]Step), nil
}
