package engcfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestDefaultsAreNonZero(t *testing.T) {
	cfg := Defaults()
	assert.Greater(t, cfg.Journal.CommitIntervalMS, 0)
	assert.Greater(t, cfg.Worker.ConnectTimeout.Seconds(), float64(0))
	assert.NotEmpty(t, cfg.Safety.CriticalMountPatterns)
}
