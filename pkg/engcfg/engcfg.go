// Package engcfg loads engine-wide tunables: journal commit
// thresholds, worker RPC timeouts, safety-gate overrides, and barrier
// max age. It is engine configuration, not a CLI — no command tree is
// attached, since the CLI wrapper stays an external collaborator.
package engcfg

import (
	"time"

	"github.com/imdario/mergo"
	"github.com/spf13/viper"
)

// Config holds every tunable the engine reads at startup.
type Config struct {
	// Journal holds JBD2/$LogFile commit and checkpoint tuning.
	Journal JournalConfig

	// Worker holds privileged-worker-channel timeouts.
	Worker WorkerConfig

	// Safety holds safety-gate overrides.
	Safety SafetyConfig
}

type JournalConfig struct {
	CommitIntervalMS   int
	MaxTransactionAge  time.Duration
	CheckpointInterval int
}

type WorkerConfig struct {
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	ReconnectRetries int
}

type SafetyConfig struct {
	CriticalMountPatterns []string
	RequireBackupConfirm  bool
}

// Defaults returns the engine's built-in defaults.
func Defaults() Config {
	return Config{
		Journal: JournalConfig{
			CommitIntervalMS:   5000,
			MaxTransactionAge:  30 * time.Second,
			CheckpointInterval: 32,
		},
		Worker: WorkerConfig{
			ConnectTimeout:   30 * time.Second,
			RequestTimeout:   5 * time.Minute,
			ReconnectRetries: 1,
		},
		Safety: SafetyConfig{
			CriticalMountPatterns: []string{"/", "/boot", "/boot/efi", "/System*", "C:\\*", "/Volumes/*"},
			RequireBackupConfirm:  true,
		},
	}
}

// Load reads configuration from the given file path (YAML, TOML, or
// JSON, detected by extension) and from MOSES_-prefixed environment
// variables, merging the result over Defaults(). A missing path is
// not an error: Defaults() alone is returned.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("MOSES")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, err
			}
		}
	}

	var loaded Config
	if err := v.Unmarshal(&loaded); err != nil {
		return cfg, err
	}

	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return cfg, err
	}

	return cfg, nil
}
