package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vectorops/convoy/internal/mission"
	"github.com/vectorops/convoy/internal/toolapi"
)

var missionCmd = &cobra.Command{
	Use:   "mission",
	Short: "Manage missions",
	Long:  `Manage Convoy missions - dispatch, inspect, wait on, and cancel mission execution`,
}

var missionDispatchCmd = &cobra.Command{
	Use:   "dispatch OBJECTIVE",
	Short: "Dispatch a new mission",
	Long:  `Dispatch a new mission to a lane. Re-dispatch with the same --key returns the existing mission.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionDispatch,
}

var missionShowCmd = &cobra.Command{
	Use:   "show MISSION_ID",
	Short: "Show mission details",
	Long:  `Display detailed information about a mission including its status, attempts, and event trail`,
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionShow,
}

var missionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions",
	Long:  `List missions with optional lane and status filters`,
	RunE:  runMissionList,
}

var missionWaitCmd = &cobra.Command{
	Use:   "wait MISSION_ID",
	Short: "Wait for a mission to reach a terminal status",
	Long:  `Block until the mission completes, fails, or is cancelled, or until --timeout elapses`,
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionWait,
}

var missionCancelCmd = &cobra.Command{
	Use:   "cancel MISSION_ID",
	Short: "Request cancellation of a mission",
	Long:  `Request cooperative cancellation. A queued mission is cancelled immediately; a running one at its next checkpoint.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionCancel,
}

var missionArtifactsCmd = &cobra.Command{
	Use:   "artifacts MISSION_ID",
	Short: "Read a mission's result artifacts",
	Long:  `Resolve the mission's result location and print bounded excerpts of the files under it`,
	Args:  cobra.ExactArgs(1),
	RunE:  runMissionArtifacts,
}

// Flags
var (
	dispatchVPID     string
	dispatchType     string
	dispatchKey      string
	dispatchPriority int
	dispatchHandoff  string

	listVPFilter     string
	listStatusFilter string
	listLimit        int

	waitTimeout  time.Duration
	cancelReason string

	artifactsMaxFiles int
	artifactsMaxBytes int64
)

func init() {
	missionCmd.AddCommand(missionDispatchCmd)
	missionCmd.AddCommand(missionShowCmd)
	missionCmd.AddCommand(missionListCmd)
	missionCmd.AddCommand(missionWaitCmd)
	missionCmd.AddCommand(missionCancelCmd)
	missionCmd.AddCommand(missionArtifactsCmd)

	missionDispatchCmd.Flags().StringVar(&dispatchVPID, "vp", "", "Lane identifier to dispatch to (required)")
	missionDispatchCmd.MarkFlagRequired("vp")
	missionDispatchCmd.Flags().StringVar(&dispatchType, "type", "", "Mission type tag (default: general_task)")
	missionDispatchCmd.Flags().StringVar(&dispatchKey, "key", "", "Idempotency key, unique per lane")
	missionDispatchCmd.Flags().IntVar(&dispatchPriority, "priority", 0, "Claim priority (lower claims first)")
	missionDispatchCmd.Flags().StringVar(&dispatchHandoff, "handoff-root", "", "Shared project root to overlay the workspace onto")

	missionListCmd.Flags().StringVar(&listVPFilter, "vp", "", "Filter by lane identifier")
	missionListCmd.Flags().StringVar(&listStatusFilter, "status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	missionListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum missions to list")

	missionWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "Maximum time to wait")

	missionCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Cancellation reason recorded on the mission")

	missionArtifactsCmd.Flags().IntVar(&artifactsMaxFiles, "max-files", toolapi.DefaultMaxArtifactFiles, "Maximum files to read")
	missionArtifactsCmd.Flags().Int64Var(&artifactsMaxBytes, "max-bytes", toolapi.DefaultMaxArtifactBytes, "Total excerpt byte budget")
}

func runMissionDispatch(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	result := cc.API.Dispatch(cmd.Context(), toolapi.DispatchParams{
		VPID:           dispatchVPID,
		Objective:      args[0],
		MissionType:    dispatchType,
		IdempotencyKey: dispatchKey,
		Priority:       dispatchPriority,
	})
	if !result.OK {
		return toolError("dispatch", result.Error)
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(result)
	}
	fmt.Printf("Mission %s dispatched to %s (%s)\n",
		result.Mission.ID, result.Mission.VPID, result.Mission.Status)
	return nil
}

func runMissionShow(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	result := cc.API.Get(cmd.Context(), args[0])
	if !result.OK {
		return toolError("show", result.Error)
	}

	events, err := cc.EventStore.ListByMission(cmd.Context(), result.Mission.ID)
	if err != nil {
		return fmt.Errorf("failed to load mission events: %w", err)
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(map[string]any{
			"mission": result.Mission,
			"events":  events,
		})
	}
	return printMissionDetail(result.Mission, events)
}

func runMissionList(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	result := cc.API.List(cmd.Context(), toolapi.ListParams{
		VPID:   listVPFilter,
		Status: listStatusFilter,
		Limit:  listLimit,
	})
	if !result.OK {
		return toolError("list", result.Error)
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(result)
	}

	if len(result.Missions) == 0 {
		fmt.Println("No missions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLANE\tSTATUS\tATTEMPTS\tCREATED\tOBJECTIVE")
	for _, m := range result.Missions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.VPID, m.Status, m.Attempts,
			m.CreatedAt.Local().Format(time.RFC3339),
			truncateObjective(m.Objective, 60))
	}
	return w.Flush()
}

func runMissionWait(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	result := cc.API.Wait(cmd.Context(), args[0], waitTimeout, time.Second)
	if !result.OK {
		return toolError("wait", result.Error)
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(result)
	}
	if result.TimedOut {
		fmt.Printf("Mission %s still %s after %s\n",
			result.Mission.ID, result.Mission.Status, waitTimeout)
		return nil
	}
	fmt.Printf("Mission %s finished: %s\n", result.Mission.ID, result.Mission.Status)
	if result.Mission.Error != "" {
		fmt.Printf("Error: %s\n", result.Mission.Error)
	}
	return nil
}

func runMissionCancel(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	result := cc.API.Cancel(cmd.Context(), args[0], cancelReason)
	if !result.OK {
		return toolError("cancel", result.Error)
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(result)
	}
	if result.Cancelled {
		fmt.Printf("Cancellation requested for mission %s\n", args[0])
	} else {
		fmt.Printf("Mission %s is already terminal; nothing to cancel\n", args[0])
	}
	return nil
}

func runMissionArtifacts(cmd *cobra.Command, args []string) error {
	cc, err := buildCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	result := cc.API.ReadResultArtifacts(cmd.Context(), args[0], artifactsMaxFiles, artifactsMaxBytes)
	if !result.OK {
		return toolError("artifacts", result.Error)
	}

	if cc.Flags.GetOutputFormat() == FormatJSON {
		return printJSON(result)
	}

	fmt.Printf("Result location: %s\n", result.ResultRef)
	if len(result.Artifacts) == 0 {
		fmt.Println("No artifacts found")
		return nil
	}
	for _, a := range result.Artifacts {
		fmt.Printf("\n--- %s (%d bytes", a.Path, a.Size)
		if a.Truncated {
			fmt.Print(", truncated")
		}
		fmt.Println(") ---")
		if a.IsText && a.Excerpt != "" {
			fmt.Println(a.Excerpt)
		} else if !a.IsText {
			fmt.Println("(binary)")
		}
	}
	return nil
}

func printMissionDetail(m *mission.Mission, events []*mission.MissionEvent) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", m.ID)
	fmt.Fprintf(w, "Lane:\t%s\n", m.VPID)
	fmt.Fprintf(w, "Type:\t%s\n", m.MissionType)
	fmt.Fprintf(w, "Status:\t%s\n", m.Status)
	fmt.Fprintf(w, "Objective:\t%s\n", m.Objective)
	fmt.Fprintf(w, "Attempts:\t%d\n", m.Attempts)
	if m.IdempotencyKey != "" {
		fmt.Fprintf(w, "Idempotency key:\t%s\n", m.IdempotencyKey)
	}
	if m.CancelRequested {
		fmt.Fprintf(w, "Cancel requested:\t%s\n", m.CancelReason)
	}
	if m.ResultRef != "" {
		fmt.Fprintf(w, "Result:\t%s\n", m.ResultRef)
	}
	if m.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", m.Error)
	}
	fmt.Fprintf(w, "Created:\t%s\n", m.CreatedAt.Local().Format(time.RFC3339))
	if d := m.GetDuration(); d > 0 {
		fmt.Fprintf(w, "Duration:\t%s\n", d.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(events) > 0 {
		fmt.Println("\nEvents:")
		ew := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range events {
			fmt.Fprintf(ew, "  %s\t%s\n",
				e.Timestamp.Local().Format(time.RFC3339), e.Type)
		}
		return ew.Flush()
	}
	return nil
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func toolError(op string, info *toolapi.ErrorInfo) error {
	if info == nil {
		return fmt.Errorf("mission %s failed", op)
	}
	return fmt.Errorf("mission %s failed: %s (%s)", op, info.Message, info.Code)
}

func truncateObjective(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
