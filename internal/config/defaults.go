package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir:      homeDir,
			WorkspaceDir: filepath.Join(homeDir, "workspaces"),
			Debug:        false,
		},
		Database: DBConfig{
			Path:        filepath.Join(homeDir, "convoy.db"),
			BusyTimeout: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled:          true,
			Shadow:           false,
			ForcedFallback:   false,
			LeaseOwner:       "convoy-gateway",
			LeaseTTL:         30 * time.Minute,
			ProfilesPath:     filepath.Join(homeDir, "lanes.yaml"),
			ExcludedSources:  []string{"scheduled", "cron"},
			UtilityThreshold: 20,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			LeaseTTL:     10 * time.Minute,
			MaxAttempts:  3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "",
		},
	}
}

// DefaultHomeDir returns the Convoy home directory, honoring CONVOY_HOME.
func DefaultHomeDir() string {
	if home := os.Getenv("CONVOY_HOME"); home != "" {
		return home
	}
	return getDefaultHomeDir()
}

// DefaultConfigPath returns the config file path under a home directory.
func DefaultConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// getDefaultHomeDir returns the default Convoy home directory.
// It uses ~/.convoy or falls back to a temporary directory if user home
// cannot be determined.
func getDefaultHomeDir() string {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".convoy")
	}
	return filepath.Join(userHome, ".convoy")
}
