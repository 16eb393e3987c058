package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vectorops/convoy/internal/config"
	"github.com/vectorops/convoy/internal/database"
	"github.com/vectorops/convoy/internal/lane"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the Convoy home directory",
	Long: `Create the Convoy home directory with a default config file, an
example lane profile file, and an initialized mission database.`,
	RunE: runInit,
}

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
}

func runInit(cmd *cobra.Command, args []string) error {
	flags, err := ParseGlobalFlags(cmd)
	if err != nil {
		return err
	}

	homeDir := resolveHomeDir(flags)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Core.HomeDir = homeDir
	cfg.Core.WorkspaceDir = filepath.Join(homeDir, "workspaces")
	cfg.Database.Path = filepath.Join(homeDir, "convoy.db")
	cfg.Gateway.ProfilesPath = filepath.Join(homeDir, "lanes.yaml")

	configPath := config.DefaultConfigPath(homeDir)
	if err := writeYAML(configPath, cfg, initForce); err != nil {
		return err
	}

	profiles := &lane.ProfileSet{
		Lanes: []lane.Profile{{
			VPID:        "vp.general.primary",
			MissionType: "general_task",
			Description: "General-purpose delegation lane",
			Keywords:    []string{"research", "analyze", "summarize"},
		}},
	}
	if err := writeYAML(cfg.Gateway.ProfilesPath, profiles, initForce); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Core.WorkspaceDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	fmt.Printf("Initialized Convoy home at %s\n", homeDir)
	return nil
}

// writeYAML marshals v to path, refusing to clobber an existing file
// unless force is set.
func writeYAML(path string, v any, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Keeping existing %s (use --force to overwrite)\n", path)
			return nil
		}
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
