package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vectorops/convoy/internal/config"
	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/mission"
	"github.com/vectorops/convoy/internal/observability"
	"github.com/vectorops/convoy/internal/toolapi"
)

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Convoy - durable mission delegation",
	Long: `Convoy dispatches long-running missions to virtual participant lanes,
tracks them in a durable SQLite ledger, and runs the worker loops that
claim and execute them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command with signal handling
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	RegisterGlobalFlags(rootCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(missionCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(workerCmd)
}

// resolveHomeDir returns the Convoy home directory from flags or environment
func resolveHomeDir(flags *GlobalFlags) string {
	if flags != nil && flags.HomeDir != "" {
		return flags.HomeDir
	}
	return config.DefaultHomeDir()
}

// loadConvoyConfig loads configuration for a command, falling back to
// defaults when no config file exists yet.
func loadConvoyConfig(flags *GlobalFlags) (*config.Config, error) {
	configFile := flags.ConfigFile
	if configFile == "" {
		configFile = config.DefaultConfigPath(resolveHomeDir(flags))
	}

	loader := config.NewConfigLoader(config.NewValidator())
	cfg, err := loader.LoadWithDefaults(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
	}

	// A --home flag overrides whatever the config file recorded.
	if flags.HomeDir != "" {
		cfg.Core.HomeDir = flags.HomeDir
	}
	return cfg, nil
}

// commandContext bundles the shared dependencies mission and worker
// commands need: loaded config, open database, and the tool-facing API.
type commandContext struct {
	Flags *GlobalFlags
	Cfg   *config.Config
	DB    *database.DB
	API   *toolapi.API

	Dispatcher   *mission.Dispatcher
	MissionStore mission.MissionStore
	EventStore   mission.EventStore
}

// Close releases the command context's resources.
func (cc *commandContext) Close() error {
	if cc.DB != nil {
		return cc.DB.Close()
	}
	return nil
}

// buildCommandContext loads config, opens the database, applies schema
// migrations, and wires the dispatcher and tool API.
func buildCommandContext(cmd *cobra.Command) (*commandContext, error) {
	flags, err := ParseGlobalFlags(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConvoyConfig(flags)
	if err != nil {
		return nil, err
	}

	logger := observability.SetDefault(cfg.Logging)

	if err := os.MkdirAll(cfg.Core.HomeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	dbCfg := database.DefaultConfig(cfg.Database.Path)
	if cfg.Database.BusyTimeout > 0 {
		dbCfg.BusyTimeout = cfg.Database.BusyTimeout
	}
	db, err := database.OpenWithConfig(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	store := mission.NewDBMissionStore(db)
	events := mission.NewDBEventStore(db)
	dispatcher := mission.NewDispatcher(store, events,
		mission.WithDispatcherLogger(logger))
	api := toolapi.NewAPI(dispatcher, store, toolapi.WithLogger(logger))

	return &commandContext{
		Flags:        flags,
		Cfg:          cfg,
		DB:           db,
		API:          api,
		Dispatcher:   dispatcher,
		MissionStore: store,
		EventStore:   events,
	}, nil
}
