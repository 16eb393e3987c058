package mission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorops/convoy/internal/database"
)

// setupTestDB opens a fresh migrated SQLite database in a temp directory.
// Shared across all test files in the mission package.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "convoy-test.db")
	db, err := database.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { db.Close() })

	return db
}

// newTestMission builds a minimal queued mission for the given lane.
func newTestMission(vpID string) *Mission {
	return &Mission{
		VPID:        vpID,
		MissionType: "general_task",
		Objective:   "test objective",
		Status:      MissionStatusQueued,
		Priority:    DefaultPriority,
	}
}

// recordingClient is an ExecutionClient test double that records invocations
// and replays a canned outcome or error.
type recordingClient struct {
	mu       sync.Mutex
	invoked  []string
	outcome  *Outcome
	err      error
	onInvoke func(ctx context.Context, m *Mission)
}

func (c *recordingClient) RunMission(ctx context.Context, m *Mission, workspaceRoot string) (*Outcome, error) {
	c.mu.Lock()
	c.invoked = append(c.invoked, m.ID.String())
	c.mu.Unlock()

	if c.onInvoke != nil {
		c.onInvoke(ctx, m)
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.outcome != nil {
		return c.outcome, nil
	}
	return &Outcome{Status: MissionStatusCompleted, ResultRef: workspaceRoot}, nil
}

func (c *recordingClient) invocations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.invoked))
	copy(out, c.invoked)
	return out
}
