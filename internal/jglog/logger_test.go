package jglog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDisabledDiscardsOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Enabled: false, Writer: &buf})
	log.Info("should not appear")
	assert.Empty(t, buf.String())
}

func TestNewEnabledWritesToProvidedWriter(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Enabled: true, Writer: &buf, Prefix: "reconciler"})
	log.Info("cycle complete")
	assert.Contains(t, buf.String(), "cycle complete")
	assert.Contains(t, buf.String(), "reconciler")
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Enabled: true, Writer: &buf, Level: "warn"})
	log.Info("filtered out")
	assert.Empty(t, buf.String())
	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
