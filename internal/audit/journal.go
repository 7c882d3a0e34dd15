// Package audit keeps a local SQLite journal of validation attempts
// for operator debugging. Writes are fire-and-forget mirrors of the
// remote audit RPC: a journal failure is logged and swallowed, never
// surfaced to the validator.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/playperu/trailguide/internal/backend"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the local attempt log. Safe for concurrent use.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the journal database at path, configured for concurrent
// use (WAL, busy timeout, foreign keys), and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// libSQL rejects Exec for PRAGMAs that return rows; QueryContext
	// with a drained result handles both kinds uniformly.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		rows, err := db.QueryContext(ctx, p)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %s: %w", p, err)
		}
		rows.Close()
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Check pings the journal database for the health endpoint.
func (j *Journal) Check(ctx context.Context) error { return j.db.PingContext(ctx) }

// LogAttempt records one validation attempt. Errors are logged and
// swallowed.
func (j *Journal) LogAttempt(ctx context.Context, a backend.ValidationAttempt) {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO validation_attempts
			(user_id, step_id, journey_id, distance_meters, radius_meters, accepted, outcome, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.UserID, a.StepID, a.JourneyID, a.DistanceMeters, a.RadiusMeters, a.Accepted, a.Outcome,
		a.AttemptedAt.Format(time.RFC3339Nano))
	if err != nil {
		j.logger.Warn("journal write failed", "step_id", a.StepID, "error", err)
	}
}

// AttemptRecord is one journal row for the operator surface.
type AttemptRecord struct {
	ID             int64   `json:"id"`
	UserID         string  `json:"userId"`
	StepID         string  `json:"stepId"`
	JourneyID      string  `json:"journeyId"`
	DistanceMeters float64 `json:"distanceMeters"`
	RadiusMeters   float64 `json:"radiusMeters"`
	Accepted       bool    `json:"accepted"`
	Outcome        string  `json:"outcome"`
	AttemptedAt    string  `json:"attemptedAt"`
}

// Recent returns the newest attempts, capped at limit.
func (j *Journal) Recent(ctx context.Context, limit int) ([]AttemptRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, user_id, step_id, journey_id, distance_meters, radius_meters, accepted, outcome, attempted_at
		FROM validation_attempts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var r AttemptRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.StepID, &r.JourneyID, &r.DistanceMeters,
			&r.RadiusMeters, &r.Accepted, &r.Outcome, &r.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
