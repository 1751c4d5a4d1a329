package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := Default()
	c.CoreFirst = 0
	c.CoreLast = 15
	c.BandwidthMode = BandwidthModeAutoFrac
	c.BandwidthTargetMBs = 8000
	return c
}

func TestConfig_ValidateAcceptsDefaults(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}

func TestConfig_ValidateRejectsInvertedCoreRange(t *testing.T) {
	c := validConfig()
	c.CoreFirst, c.CoreLast = 10, 5
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRejectsUnknownAlgorithm(t *testing.T) {
	c := validConfig()
	c.Algorithm = "NOT_A_REAL_ALGORITHM"
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateClampsTickInterval(t *testing.T) {
	c := validConfig()
	c.TickIntervalSeconds = 1000
	require.NoError(t, c.Validate())
	assert.Equal(t, 60.0, c.TickIntervalSeconds)
}

func TestConfig_ValidateRejectsAggressivenessOutOfRange(t *testing.T) {
	c := validConfig()
	c.Aggressiveness = 10
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRequiresTargetInSetMode(t *testing.T) {
	c := validConfig()
	c.BandwidthMode = BandwidthModeSet
	c.BandwidthTargetMBs = 0
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRejectsSelfTestBandwidthMode(t *testing.T) {
	c := validConfig()
	c.BandwidthMode = BandwidthModeSelfTest
	assert.Error(t, c.Validate(), "self-test mode has no runtime implementation yet and must not be silently accepted")
}

func TestConfig_ValidateRejectsOutOfRangePriority(t *testing.T) {
	c := validConfig()
	c.Priorities = map[int]uint32{0: 150}
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRejectsGammaAtBoundaries(t *testing.T) {
	c := validConfig()
	c.Gamma = 0
	assert.Error(t, c.Validate())
	c.Gamma = 1
	assert.Error(t, c.Validate())
}

func TestConfig_Priority_DefaultsTo50(t *testing.T) {
	c := Default()
	assert.Equal(t, uint32(50), c.Priority(3))
	c.Priorities[3] = 90
	assert.Equal(t, uint32(90), c.Priority(3))
}

func TestLoadYAMLFile_FillsOnlyUnchangedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	yamlContent := "algorithm: MAB\ntick_interval_seconds: 2.5\nbandwidth_target_mb_s: 12000\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	c := Default()
	changed := map[string]bool{"algorithm": true} // simulates --algorithm passed on the CLI
	require.NoError(t, LoadYAMLFile(path, &c, changed))

	assert.Equal(t, AlgorithmHeur0, c.Algorithm, "CLI-set field must not be overridden by the file")
	assert.Equal(t, 2.5, c.TickIntervalSeconds)
	assert.Equal(t, uint32(12000), c.BandwidthTargetMBs)
}

func TestLoadYAMLFile_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	c := Default()
	err := LoadYAMLFile(path, &c, map[string]bool{})
	assert.Error(t, err)
}
