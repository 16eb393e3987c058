package toolapi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorops/convoy/internal/mission"
)

func finishWithWorkspace(t *testing.T, api *API, store *mission.DBMissionStore, files map[string][]byte) *mission.Mission {
	t.Helper()

	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644))
	}

	m := dispatchOne(t, api, "lane.artifacts")
	require.NoError(t, store.Finish(context.Background(), m.ID,
		mission.MissionStatusCompleted, "file://"+root, nil, ""))
	return m
}

func TestReadResultArtifacts(t *testing.T) {
	api, store := setupAPI(t)
	ctx := context.Background()

	m := finishWithWorkspace(t, api, store, map[string][]byte{
		"report.md":      []byte("# Report\n\nAll checks passed.\n"),
		"out/log.txt":    []byte("step one done\nstep two done\n"),
		"out/blob.bin":   {0x00, 0x01, 0x02, 0xFF},
		"out/empty.txt":  {},
	})

	result := api.ReadResultArtifacts(ctx, m.ID.String(), 0, 0)
	require.True(t, result.OK, "read failed: %+v", result.Error)
	require.Len(t, result.Artifacts, 4)

	byPath := make(map[string]Artifact, len(result.Artifacts))
	for _, a := range result.Artifacts {
		byPath[a.Path] = a
	}

	report := byPath["report.md"]
	assert.True(t, report.IsText)
	assert.Contains(t, report.Excerpt, "All checks passed")
	assert.False(t, report.Truncated)

	blob := byPath[filepath.Join("out", "blob.bin")]
	assert.False(t, blob.IsText)
	assert.Empty(t, blob.Excerpt)
	assert.Equal(t, int64(4), blob.Size)

	empty := byPath[filepath.Join("out", "empty.txt")]
	assert.True(t, empty.IsText)
}

func TestReadResultArtifacts_Bounds(t *testing.T) {
	api, store := setupAPI(t)
	ctx := context.Background()

	m := finishWithWorkspace(t, api, store, map[string][]byte{
		"a.txt": []byte(strings.Repeat("alpha ", 100)),
		"b.txt": []byte(strings.Repeat("bravo ", 100)),
		"c.txt": []byte("charlie"),
	})

	t.Run("max files", func(t *testing.T) {
		result := api.ReadResultArtifacts(ctx, m.ID.String(), 2, 0)
		require.True(t, result.OK)
		assert.Len(t, result.Artifacts, 2)
	})

	t.Run("max bytes", func(t *testing.T) {
		result := api.ReadResultArtifacts(ctx, m.ID.String(), 0, 50)
		require.True(t, result.OK)
		require.Len(t, result.Artifacts, 3)

		first := result.Artifacts[0]
		assert.True(t, first.Truncated)
		assert.Len(t, first.Excerpt, 50)

		// Budget exhausted: later files are listed without excerpts.
		assert.Empty(t, result.Artifacts[1].Excerpt)
		assert.Empty(t, result.Artifacts[2].Excerpt)
	})
}

func TestReadResultArtifacts_Failures(t *testing.T) {
	api, store := setupAPI(t)
	ctx := context.Background()

	t.Run("no result location", func(t *testing.T) {
		m := dispatchOne(t, api, "lane.artifacts")
		result := api.ReadResultArtifacts(ctx, m.ID.String(), 0, 0)
		assert.False(t, result.OK)
		assert.Equal(t, "artifact_location_unavailable", result.Error.Code)
	})

	t.Run("workspace deleted", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "gone")
		m := dispatchOne(t, api, "lane.artifacts")
		require.NoError(t, store.Finish(ctx, m.ID,
			mission.MissionStatusCompleted, "file://"+root, nil, ""))

		result := api.ReadResultArtifacts(ctx, m.ID.String(), 0, 0)
		assert.False(t, result.OK)
		assert.Equal(t, "artifact_workspace_missing", result.Error.Code)
	})

	t.Run("unknown mission", func(t *testing.T) {
		result := api.ReadResultArtifacts(ctx, "00000000-0000-4000-8000-000000000000", 0, 0)
		assert.False(t, result.OK)
		assert.Equal(t, "not_found", result.Error.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		result := api.ReadResultArtifacts(ctx, "nope", 0, 0)
		assert.False(t, result.OK)
		assert.Equal(t, "validation_error", result.Error.Code)
	})
}
