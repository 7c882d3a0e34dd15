package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/playperu/trailguide/internal/audit"
	"github.com/playperu/trailguide/internal/backend"
	"github.com/playperu/trailguide/internal/config"
	"github.com/playperu/trailguide/internal/gateway"
	"github.com/playperu/trailguide/internal/geo"
	"github.com/playperu/trailguide/internal/journey"
	"github.com/playperu/trailguide/internal/realtime"
	"github.com/playperu/trailguide/internal/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	// --- Journal ---
	journal, err := audit.Open(ctx, cfg.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()
	logger.Info("journal open", "path", cfg.JournalPath)

	// --- Backend + gateway ---
	client := backend.NewClient(backend.Config{
		BaseURL: cfg.BackendURL,
		APIKey:  cfg.BackendAPIKey,
	}, logger)
	if cfg.SessionUserID != "" && cfg.SessionToken != "" {
		client.SetSession(&backend.Session{
			UserID:      cfg.SessionUserID,
			AccessToken: cfg.SessionToken,
		})
	}

	gw := gateway.New(gateway.Config{
		MaxRetries:       cfg.RetryMax,
		BaseDelay:        cfg.RetryBaseDelay,
		MaxDelay:         cfg.RetryMaxDelay,
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenDuration:     cfg.BreakerOpenDuration,
	}, logger)
	defer gw.Close()

	// --- Realtime ---
	transport := realtime.NewWebSocketTransport(client.RealtimeURL(), func() string {
		return cfg.SessionToken
	})
	stab := realtime.NewStabilizer(transport, logger, realtime.Config{
		BaseDelay:            cfg.ReconnectBaseDelay,
		MaxDelay:             cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ConnectTimeout:       cfg.ConnectTimeout,
	})
	defer stab.Stop()

	offGaveUp := stab.On(realtime.EventGaveUp, func(any) {
		logger.Error("realtime channel gave up; use POST /api/reconnect to retry")
	})
	defer offGaveUp()

	// --- Geo + validation ---
	provider := geo.NewPushProvider()
	geoSvc := geo.NewService(provider, logger, geo.Config{
		DistanceFilterMeters: cfg.DistanceFilterMeters,
		OneShotTimeout:       cfg.LocationOneShotTimeout,
		WatchTimeout:         cfg.LocationWatchTimeout,
	})

	store := journey.NewStore(gw, client)
	validator := journey.NewValidator(store, client, logger, journey.Config{}, journal, client)
	validator.OnJourneyComplete(func(p journey.Progress) {
		logger.Info("journey completed",
			"journey_id", p.JourneyID,
			"total_points", p.TotalPointsEarned,
			"steps", len(p.CompletedStepIndexes),
		)
	})

	if cfg.JourneyID != "" {
		steps, err := store.Steps(ctx, cfg.JourneyID)
		if err != nil {
			// The agent still comes up; the journey loads on a later
			// fix once the backend is reachable.
			logger.Warn("loading journey steps", "journey_id", cfg.JourneyID, "error", err)
		} else {
			validator.SetJourney(cfg.JourneyID, steps)
			logger.Info("journey active", "journey_id", cfg.JourneyID, "steps", len(steps))
		}
	}

	unsubscribe, err := geoSvc.Subscribe(func(fix geo.Fix) {
		step, ok := validator.CurrentStep(ctx)
		if !ok {
			return
		}
		res, err := validator.ValidateStepLocation(ctx, step, fix)
		if err != nil {
			if errors.Is(err, journey.ErrValidationInFlight) {
				return
			}
			logger.Warn("step validation failed", "step_id", step.ID, "error", err)
			return
		}
		logger.Info("validation outcome",
			"step_id", step.ID,
			"outcome", res.Outcome.String(),
			"message", res.Message,
		)
	}, func(err error) {
		logger.Warn("location source error", "category", geo.CategoryOf(err).String(), "error", err)
	}, geo.Options{})
	if err != nil {
		return fmt.Errorf("subscribing to location fixes: %w", err)
	}
	defer unsubscribe()

	if _, signedIn := client.CurrentUser(); signedIn {
		stab.Start()
	}

	// --- HTTP Server ---
	srv := server.New(cfg.HTTPAddr, logger, server.Deps{
		Gateway:           gw,
		Stabilizer:        stab,
		Geo:               geoSvc,
		Provider:          provider,
		Journal:           journal,
		Validator:         validator,
		OperatorTokenHash: cfg.OperatorTokenHash,
	})

	// --- Run ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down http server")
		return srv.Shutdown(context.Background())
	})

	return g.Wait()
}
