package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vectorops/convoy/internal/gateway"
	"github.com/vectorops/convoy/internal/lane"
	"github.com/vectorops/convoy/internal/observability"
	"github.com/vectorops/convoy/internal/types"
)

var routeCmd = &cobra.Command{
	Use:   "route TEXT",
	Short: "Route one request through the gateway",
	Long: `Run one request through the gateway decision tree. When the request
classifies for delegation, a mission is dispatched and executed in-process
with the configured execution command; otherwise (and on any fallback) the
primary command produces the answer. The gateway section of the config
file governs routing: enabled, shadow, forced_fallback, excluded_sources,
utility_threshold, lease settings, and the handoff-root override.`,
	Args: cobra.ExactArgs(1),
	RunE: runRoute,
}

// Flags
var (
	routeLane      string
	routeSource    string
	routeSessionID string
	routeTurnID    string
	routeReplyMode string
	routeExecCmd   string
	routePrimary   string
)

func init() {
	routeCmd.Flags().StringVar(&routeLane, "lane", "", "Lane to route to (default: first profile)")
	routeCmd.Flags().StringVar(&routeSource, "source", "user", "Request source")
	routeCmd.Flags().StringVar(&routeSessionID, "session", "", "Originating session identifier")
	routeCmd.Flags().StringVar(&routeTurnID, "turn", "", "Turn identifier, doubles as the idempotency key (default: generated)")
	routeCmd.Flags().StringVar(&routeReplyMode, "reply-mode", "", "Reply delivery mode recorded on the mission")
	routeCmd.Flags().StringVar(&routeExecCmd, "exec", "", "Execution command run for delegated missions (required)")
	routeCmd.MarkFlagRequired("exec")
	routeCmd.Flags().StringVar(&routePrimary, "primary", "", "Primary command producing the non-delegated answer (required)")
	routeCmd.MarkFlagRequired("primary")
}

func runRoute(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx := cmd.Context()
	logger := observability.NewLogger(cc.Cfg.Logging).With("component", "route_cli")

	profiles, err := lane.LoadProfiles(cc.Cfg.Gateway.ProfilesPath)
	if err != nil {
		return fmt.Errorf("failed to load lane profiles: %w", err)
	}
	profile, err := routeProfile(profiles, routeLane)
	if err != nil {
		return err
	}

	emitter := gateway.NewDefaultStatusEmitter()
	defer emitter.Close()
	if cc.Flags.IsVerbose() {
		printStatuses(ctx, emitter)
	}

	router, err := gateway.NewRouterFromConfig(
		cc.Cfg.Gateway,
		cc.Cfg.Core.WorkspaceDir,
		profile,
		cc.Dispatcher,
		cc.MissionStore,
		cc.EventStore,
		lane.NewDBSessionStore(cc.DB),
		&routeAdapter{execClient{command: routeExecCmd}},
		commandPrimary(routePrimary),
		gateway.WithRouterLogger(logger),
		gateway.WithStatusEmitter(emitter),
	)
	if err != nil {
		return err
	}
	if err := router.Start(ctx); err != nil {
		return err
	}

	turnID := routeTurnID
	if turnID == "" {
		turnID = types.NewID().String()
	}

	result, err := router.Route(ctx, &gateway.Request{
		Text:      args[0],
		Source:    routeSource,
		SessionID: routeSessionID,
		TurnID:    turnID,
		ReplyMode: routeReplyMode,
	})
	if err != nil {
		return err
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(result)
	}
	fmt.Println(result.Answer)
	if result.Delegated {
		fmt.Fprintf(os.Stderr, "delegated=%t fallback=%t mission=%s\n",
			result.Delegated, result.UsedFallback, result.Mission.ID)
	}
	return nil
}

// routeProfile picks the lane profile the request is routed to.
func routeProfile(profiles *lane.ProfileSet, name string) (*lane.Profile, error) {
	if name == "" {
		if len(profiles.Lanes) == 0 {
			return nil, fmt.Errorf("no lane profiles configured")
		}
		return &profiles.Lanes[0], nil
	}
	p := profiles.ByVPID(name)
	if p == nil {
		return nil, fmt.Errorf("no lane profile for %q", name)
	}
	return p, nil
}

// printStatuses mirrors route status telemetry onto stderr.
func printStatuses(ctx context.Context, emitter *gateway.DefaultStatusEmitter) {
	ch, _ := emitter.Subscribe(ctx)
	go func() {
		for ev := range ch {
			fmt.Fprintf(os.Stderr, "status=%s mission=%s detail=%s\n",
				ev.Status, ev.MissionID, ev.Detail)
		}
	}()
}

// routeAdapter runs delegated missions with the exec-based execution
// client; bootstrap verifies the command is resolvable before any mission
// row exists.
type routeAdapter struct {
	execClient
}

func (a *routeAdapter) Bootstrap(ctx context.Context) error {
	parts := strings.Fields(a.command)
	if len(parts) == 0 {
		return fmt.Errorf("execution command is empty")
	}
	if _, err := exec.LookPath(parts[0]); err != nil {
		return fmt.Errorf("execution command unavailable: %w", err)
	}
	return nil
}

// commandPrimary adapts an external command into the primary answer path.
// The request text arrives on stdin; stdout is the answer.
func commandPrimary(command string) gateway.PrimaryFunc {
	return func(ctx context.Context, req *gateway.Request) (string, error) {
		parts := strings.Fields(command)
		if len(parts) == 0 {
			return "", fmt.Errorf("primary command is empty")
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Stdin = strings.NewReader(req.Text)
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "CONVOY_REQUEST_SOURCE="+req.Source)
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("primary command failed: %w", err)
		}
		return strings.TrimSpace(string(out)), nil
	}
}
