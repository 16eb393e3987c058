package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vectorops/convoy/internal/lane"
	"github.com/vectorops/convoy/internal/mission"
	"github.com/vectorops/convoy/internal/observability"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run lane workers",
	Long:  `Run the worker loops that claim queued missions and execute them`,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run workers for the configured lanes",
	Long: `Start one worker per lane profile. Each worker polls its lane for
queued missions, claims them under a lease, and executes them with the
configured execution command. Runs until interrupted.`,
	RunE: runWorkerRun,
}

// Flags
var (
	workerLanes   []string
	workerExecCmd string
	workerOwner   string
)

func init() {
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().StringSliceVar(&workerLanes, "lane", nil, "Lane to run (repeatable; default: all profiles)")
	workerRunCmd.Flags().StringVar(&workerExecCmd, "exec", "", "Execution command run per mission (required)")
	workerRunCmd.MarkFlagRequired("exec")
	workerRunCmd.Flags().StringVar(&workerOwner, "owner", "", "Lease owner identity (default: convoy-worker@hostname)")
}

func runWorkerRun(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx := cmd.Context()
	logger := observability.NewLogger(cc.Cfg.Logging).With("component", "worker_cli")

	if cc.Cfg.Tracing.Enabled {
		provider, err := observability.InitTracing(ctx, cc.Cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	profiles, err := lane.LoadProfiles(cc.Cfg.Gateway.ProfilesPath)
	if err != nil {
		return fmt.Errorf("failed to load lane profiles: %w", err)
	}

	selected, err := selectLanes(profiles, workerLanes)
	if err != nil {
		return err
	}

	owner := workerOwner
	if owner == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		owner = fmt.Sprintf("convoy-worker@%s", host)
	}

	sessions := lane.NewDBSessionStore(cc.DB)
	client := &execClient{command: workerExecCmd}

	workers := make([]*mission.Worker, 0, len(selected))
	for _, p := range selected {
		sess, err := sessions.ClaimOrRenew(ctx, p.VPID, owner, cc.Cfg.Gateway.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to claim lane session for %s: %w", p.VPID, err)
		}
		logger.Info("lane session ready",
			"vp_id", sess.VPID, "lease_owner", sess.LeaseOwner)

		w, err := mission.NewWorker(mission.WorkerConfig{
			VPID:         p.VPID,
			WorkerID:     owner,
			PollInterval: cc.Cfg.Worker.PollInterval,
			LeaseTTL:     cc.Cfg.Worker.LeaseTTL,
			MaxAttempts:  cc.Cfg.Worker.MaxAttempts,
			WorkspaceDir: cc.Cfg.Core.WorkspaceDir,
		}, cc.MissionStore, cc.EventStore, client,
			mission.WithWorkerLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to build worker for %s: %w", p.VPID, err)
		}
		workers = append(workers, w)
	}

	logger.Info("starting workers", "lanes", len(workers), "owner", owner)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mission.RunWorkers(ctx, workers)
	})
	g.Go(func() error {
		return heartbeatLoop(ctx, sessions, selected, owner, cc.Cfg.Gateway.LeaseTTL)
	})
	return g.Wait()
}

// selectLanes resolves the --lane filter against the loaded profiles.
func selectLanes(profiles *lane.ProfileSet, names []string) ([]*lane.Profile, error) {
	if len(names) == 0 {
		selected := make([]*lane.Profile, 0, len(profiles.Lanes))
		for i := range profiles.Lanes {
			selected = append(selected, &profiles.Lanes[i])
		}
		return selected, nil
	}

	selected := make([]*lane.Profile, 0, len(names))
	for _, name := range names {
		p := profiles.ByVPID(name)
		if p == nil {
			return nil, fmt.Errorf("no lane profile for %q", name)
		}
		selected = append(selected, p)
	}
	return selected, nil
}

// heartbeatLoop renews the lane session leases at half the TTL until the
// context is cancelled.
func heartbeatLoop(ctx context.Context, sessions lane.SessionStore, lanes []*lane.Profile, owner string, ttl time.Duration) error {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, p := range lanes {
				// A lost heartbeat means another owner took the lane;
				// the lease holder will pick up its missions.
				if _, err := sessions.Heartbeat(ctx, p.VPID, owner, ttl); err != nil {
					return fmt.Errorf("lane heartbeat failed for %s: %w", p.VPID, err)
				}
			}
		}
	}
}

// execClient runs missions by invoking an external command in the mission
// workspace. Mission context is passed through the environment; the command
// may write outcome.json into the workspace to report a structured outcome,
// otherwise the exit code decides completed vs failed.
type execClient struct {
	command string
}

func (c *execClient) RunMission(ctx context.Context, m *mission.Mission, workspaceRoot string) (*mission.Outcome, error) {
	parts := strings.Fields(c.command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("execution command is empty")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = workspaceRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"CONVOY_MISSION_ID="+m.ID.String(),
		"CONVOY_VP_ID="+m.VPID,
		"CONVOY_MISSION_TYPE="+m.MissionType,
		"CONVOY_OBJECTIVE="+m.Objective,
		"CONVOY_WORKSPACE="+workspaceRoot,
	)

	runErr := cmd.Run()

	// A structured outcome takes precedence over the exit code.
	if outcome, ok := readOutcomeFile(workspaceRoot); ok {
		return outcome, nil
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &mission.Outcome{
			Status:    mission.MissionStatusFailed,
			ResultRef: workspaceRoot,
			Error:     fmt.Sprintf("execution command failed: %v", runErr),
		}, nil
	}

	return &mission.Outcome{
		Status:    mission.MissionStatusCompleted,
		ResultRef: workspaceRoot,
	}, nil
}

func readOutcomeFile(workspaceRoot string) (*mission.Outcome, bool) {
	data, err := os.ReadFile(filepath.Join(workspaceRoot, "outcome.json"))
	if err != nil {
		return nil, false
	}
	var outcome mission.Outcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return nil, false
	}
	if outcome.ResultRef == "" {
		outcome.ResultRef = workspaceRoot
	}
	if err := outcome.Validate(); err != nil {
		return nil, false
	}
	return &outcome, true
}
