package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	HTTPAddr    string     `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	JournalPath string     `env:"JOURNAL_PATH" envDefault:"data/journal.db"`

	BackendURL    string `env:"BACKEND_URL,required"`
	BackendAPIKey string `env:"BACKEND_API_KEY"`
	SessionUserID string `env:"SESSION_USER_ID"`
	SessionToken  string `env:"SESSION_TOKEN"`
	JourneyID     string `env:"JOURNEY_ID"`

	// OperatorTokenHash is the bcrypt hash of the token required by
	// the mutating operator endpoints. Empty disables them.
	OperatorTokenHash string `env:"OPERATOR_TOKEN_HASH"`

	RetryMax                int           `env:"RETRY_MAX" envDefault:"3"`
	RetryBaseDelay          time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay           time.Duration `env:"RETRY_MAX_DELAY" envDefault:"10s"`
	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerOpenDuration     time.Duration `env:"BREAKER_OPEN_DURATION" envDefault:"30s"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`

	DistanceFilterMeters   float64       `env:"DISTANCE_FILTER_METERS" envDefault:"10"`
	LocationOneShotTimeout time.Duration `env:"LOCATION_ONESHOT_TIMEOUT" envDefault:"15s"`
	LocationWatchTimeout   time.Duration `env:"LOCATION_WATCH_TIMEOUT" envDefault:"30s"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return &cfg, nil
}
