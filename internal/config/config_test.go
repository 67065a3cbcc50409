package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

func TestDefault_IsAlreadyNormalized(t *testing.T) {
	d := Default()
	normalized := d
	normalized.Normalize()
	assert.Equal(t, d, normalized)
}

func TestNormalize_FillsZeroValuesFromDefault(t *testing.T) {
	var c Config
	c.Normalize()
	assert.Equal(t, Default(), c)
}

func TestNormalize_RejectsUnknownLogLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "not-a-level"
	c.Normalize()
	assert.Equal(t, Default().LogLevel, c.LogLevel)
}

func TestNormalize_KeepsValidOverrides(t *testing.T) {
	c := Default()
	c.ShardCount = 4
	c.LogLevel = "debug"
	c.Normalize()
	assert.Equal(t, 4, c.ShardCount)
	assert.Equal(t, "debug", c.LogLevel)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ValidJSONOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"shard_count": 32}`), 0644))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.ShardCount)
	assert.Equal(t, Default().VerifierWorkers, cfg.VerifierWorkers)
}

func TestLoad_MalformedJSONFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
