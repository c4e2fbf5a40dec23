package jobguard

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jobguard/jobguard/postgres"
)

// ReconciliationConfig is the `reconciliation.*` section of spec §6.
type ReconciliationConfig struct {
	Enabled            bool
	IntervalMs         int64 `validate:"gte=1000"`
	StuckThresholdMs   int64 `validate:"gte=60000"`
	BatchSize          int   `validate:"gte=1"`
	AdaptiveScheduling bool
	RateLimitPerSecond float64 `validate:"gte=0.1"`
	UseHeartbeat       bool
}

func defaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		Enabled:            true,
		IntervalMs:         30000,
		StuckThresholdMs:   300000,
		BatchSize:          100,
		AdaptiveScheduling: true,
		RateLimitPerSecond: 20,
		UseHeartbeat:       true,
	}
}

// LoggingConfig is the `logging.*` section of spec §6.
type LoggingConfig struct {
	Enabled bool
	Level   string
	Prefix  string
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Enabled: true, Level: "info", Prefix: "[JobGuard]"}
}

// PersistenceConfig is the `persistence.*` section of spec §6.
type PersistenceConfig struct {
	RetentionDays     int `validate:"gte=1"`
	CleanupEnabled    bool
	CleanupIntervalMs int64 `validate:"gte=1000"`
}

func defaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{RetentionDays: 7, CleanupEnabled: true, CleanupIntervalMs: 3600000}
}

// LimitsConfig is the `limits.*` section of spec §6.
type LimitsConfig struct {
	MaxJobDataSize   int `validate:"gte=1"`
	MaxJobNameLength int `validate:"gte=1"`
}

func defaultLimitsConfig() LimitsConfig {
	return LimitsConfig{MaxJobDataSize: 1048576, MaxJobNameLength: 255}
}

// Config is the full configuration surface consumed by Coordinator
// construction (spec §6).
type Config struct {
	Postgres       postgres.PoolConfig
	Reconciliation ReconciliationConfig
	Logging        LoggingConfig
	Persistence    PersistenceConfig
	Limits         LimitsConfig
}

// DefaultConfig returns a Config populated with every default in spec §6,
// leaving Postgres empty for the caller to fill in (it is required).
func DefaultConfig() Config {
	return Config{
		Reconciliation: defaultReconciliationConfig(),
		Logging:        defaultLoggingConfig(),
		Persistence:    defaultPersistenceConfig(),
		Limits:         defaultLimitsConfig(),
	}
}

var validate = validator.New()

// Validate enforces the structural bounds in spec §6 and §8 — most notably
// the stuckThresholdMs >= 60000 floor (spec §4.5), below which healthy jobs
// would be misclassified as stuck. Construction fails with a Reconciliation
// error rather than guessing at a safe value.
func (c Config) Validate() error {
	if err := validate.Struct(c.Reconciliation); err != nil {
		return Wrap(KindReconciliation, "invalid reconciliation config", err)
	}
	if err := validate.Struct(c.Persistence); err != nil {
		return Wrap(KindValidation, "invalid persistence config", err)
	}
	if err := validate.Struct(c.Limits); err != nil {
		return Wrap(KindValidation, "invalid limits config", err)
	}
	return nil
}

func (c ReconciliationConfig) stuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMs) * time.Millisecond
}

func (c ReconciliationConfig) interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c PersistenceConfig) cleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}
