package config

import (
	"time"
)

// Config is the root configuration for Convoy.
type Config struct {
	Core     CoreConfig    `mapstructure:"core" yaml:"core" validate:"required"`
	Database DBConfig      `mapstructure:"database" yaml:"database" validate:"required"`
	Gateway  GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Worker   WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	Logging  LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// CoreConfig contains core application settings.
type CoreConfig struct {
	HomeDir      string `mapstructure:"home_dir" yaml:"home_dir"`
	WorkspaceDir string `mapstructure:"workspace_dir" yaml:"workspace_dir"`
	Debug        bool   `mapstructure:"debug" yaml:"debug"`
}

// DBConfig contains database configuration.
type DBConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// GatewayConfig contains the routing flags and lane lease settings.
type GatewayConfig struct {
	// Enabled gates delegation entirely.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Shadow dispatches matching requests without affecting responses.
	Shadow bool `mapstructure:"shadow" yaml:"shadow"`

	// ForcedFallback keeps the primary path authoritative even when
	// classification matches.
	ForcedFallback bool `mapstructure:"forced_fallback" yaml:"forced_fallback"`

	// LeaseOwner is the stable control-plane identity used for lane
	// session leases. Not tied to any single process instance.
	LeaseOwner string `mapstructure:"lease_owner" yaml:"lease_owner"`

	// LeaseTTL is the lane session lease duration.
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`

	// ProfilesPath points at the lane profile YAML file.
	ProfilesPath string `mapstructure:"profiles_path" yaml:"profiles_path"`

	// HandoffRoot overrides lane profile handoff roots when set.
	HandoffRoot string `mapstructure:"handoff_root" yaml:"handoff_root,omitempty"`

	// ExcludedSources are request sources that never delegate.
	ExcludedSources []string `mapstructure:"excluded_sources" yaml:"excluded_sources,omitempty"`

	// UtilityThreshold is the character count below which a request is
	// treated as a trivially small utility request.
	UtilityThreshold int `mapstructure:"utility_threshold" yaml:"utility_threshold" validate:"min=0"`
}

// WorkerConfig contains worker loop settings.
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1,max=20"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}
