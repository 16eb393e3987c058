package mission

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Outcome is the result an execution client reports for a mission.
type Outcome struct {
	// Status is the terminal status the client reached:
	// completed or failed.
	Status MissionStatus `json:"status"`

	// ResultRef is a URI identifying where output artifacts live,
	// typically the mission workspace path.
	ResultRef string `json:"result_ref,omitempty"`

	// Payload is the client's terminal document; opaque to the core.
	Payload map[string]any `json:"payload,omitempty"`

	// Error carries the application-level failure detail when Status is
	// failed. A failed outcome is not an exception: the client finished,
	// its answer was merely unusable.
	Error string `json:"error,omitempty"`
}

// Validate checks the outcome is well-formed.
func (o *Outcome) Validate() error {
	if o == nil {
		return fmt.Errorf("outcome cannot be nil")
	}
	if o.Status != MissionStatusCompleted && o.Status != MissionStatusFailed {
		return fmt.Errorf("outcome status must be completed or failed, got %s", o.Status)
	}
	return nil
}

// ExecutionClient performs a mission's actual work. Concrete implementations
// (LLM-driven lanes, test doubles) are external collaborators; the worker
// loop and gateway only depend on this contract.
//
// RunMission may return an error to signal an unhandled failure; callers
// convert it into a fallback/failed terminal transition rather than crashing.
type ExecutionClient interface {
	RunMission(ctx context.Context, m *Mission, workspaceRoot string) (*Outcome, error)
}

// ExecutionClientFunc adapts a function to the ExecutionClient interface.
type ExecutionClientFunc func(ctx context.Context, m *Mission, workspaceRoot string) (*Outcome, error)

// RunMission implements ExecutionClient.
func (f ExecutionClientFunc) RunMission(ctx context.Context, m *Mission, workspaceRoot string) (*Outcome, error) {
	return f(ctx, m, workspaceRoot)
}

// WorkspaceRoot resolves the filesystem root a mission executes in. Each
// mission gets a directory scoped by its ID; lanes whose work must land in
// an existing project tree overlay onto the mission's handoff root instead.
func WorkspaceRoot(baseDir string, m *Mission) string {
	if m.HandoffRoot != "" {
		return m.HandoffRoot
	}
	return filepath.Join(baseDir, m.ID.String())
}

// EnsureWorkspace creates the mission workspace directory if needed and
// returns its path.
func EnsureWorkspace(baseDir string, m *Mission) (string, error) {
	root := WorkspaceRoot(baseDir, m)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create mission workspace: %w", err)
	}
	return root, nil
}
