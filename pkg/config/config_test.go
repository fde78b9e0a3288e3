package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.xml")

	cfg := Default()
	cfg.RootJob = "job-0000"
	cfg.JobStore = "file:///var/toil/store"
	cfg.TryCount = 3

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.TryCount = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.JobTime = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.DefaultMemory = -1
	assert.Error(t, cfg.Validate())
}

func TestDefault_RescueFrequencyIsTenXJobTime(t *testing.T) {
	cfg := Default()
	assert.GreaterOrEqual(t, cfg.RescueJobsFrequency, 10*cfg.JobTime-time.Second)
}
