package jobguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsStuckThresholdBelowFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconciliation.StuckThresholdMs = 1000
	err := cfg.Validate()
	assert.Error(t, err)
	var jgErr *Error
	assert.ErrorAs(t, err, &jgErr)
	assert.Equal(t, KindReconciliation, jgErr.Kind)
}

func TestValidateRejectsZeroBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconciliation.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroRetentionDays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persistence.RetentionDays = 0
	err := cfg.Validate()
	assert.Error(t, err)
	var jgErr *Error
	assert.ErrorAs(t, err, &jgErr)
	assert.Equal(t, KindValidation, jgErr.Kind)
}

func TestValidateRejectsZeroLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxJobDataSize = 0
	assert.Error(t, cfg.Validate())
}

func TestIntervalHelpers(t *testing.T) {
	cfg := defaultReconciliationConfig()
	assert.Equal(t, 30000, int(cfg.interval().Milliseconds()))
	assert.Equal(t, 300000, int(cfg.stuckThreshold().Milliseconds()))

	pcfg := defaultPersistenceConfig()
	assert.Equal(t, 3600000, int(pcfg.cleanupInterval().Milliseconds()))
}
