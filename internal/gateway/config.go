package gateway

import (
	"github.com/vectorops/convoy/internal/config"
	"github.com/vectorops/convoy/internal/lane"
	"github.com/vectorops/convoy/internal/mission"
)

// RouterConfigFromConfig maps the gateway section of the application
// config onto a RouterConfig for one lane.
func RouterConfigFromConfig(cfg config.GatewayConfig, workspaceDir string) RouterConfig {
	return RouterConfig{
		Enabled:        cfg.Enabled,
		ForcedFallback: cfg.ForcedFallback,
		Shadow:         cfg.Shadow,
		LeaseOwner:     cfg.LeaseOwner,
		LeaseTTL:       cfg.LeaseTTL,
		WorkspaceDir:   workspaceDir,
	}
}

// ClassifierFromConfig builds the lane classifier with the configured
// excluded sources and utility threshold applied over the defaults.
func ClassifierFromConfig(cfg config.GatewayConfig, profile *lane.Profile) *Classifier {
	var opts []ClassifierOption
	if len(cfg.ExcludedSources) > 0 {
		opts = append(opts, WithExcludedSources(cfg.ExcludedSources...))
	}
	if cfg.UtilityThreshold > 0 {
		opts = append(opts, WithUtilityThreshold(cfg.UtilityThreshold))
	}
	return NewClassifier(profile, opts...)
}

// NewRouterFromConfig builds a lane router governed entirely by the
// application's gateway configuration: routing flags, lease identity,
// classifier overrides, and the handoff-root override.
func NewRouterFromConfig(
	cfg config.GatewayConfig,
	workspaceDir string,
	profile *lane.Profile,
	dispatcher *mission.Dispatcher,
	store mission.MissionStore,
	events mission.EventStore,
	sessions lane.SessionStore,
	adapter ExecutionAdapter,
	primary PrimaryFunc,
	opts ...RouterOption,
) (*Router, error) {
	routed := overrideHandoffRoot(profile, cfg.HandoffRoot)
	opts = append([]RouterOption{WithClassifier(ClassifierFromConfig(cfg, routed))}, opts...)
	return NewRouter(RouterConfigFromConfig(cfg, workspaceDir), routed,
		dispatcher, store, events, sessions, adapter, primary, opts...)
}

// overrideHandoffRoot returns a copy of the profile with the config-level
// handoff root applied. The profile itself is never mutated.
func overrideHandoffRoot(profile *lane.Profile, handoffRoot string) *lane.Profile {
	if profile == nil || handoffRoot == "" {
		return profile
	}
	copied := *profile
	copied.HandoffRoot = handoffRoot
	return &copied
}
