package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorops/convoy/internal/config"
)

func TestNewLoggerWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.With("component", "test").Info("mission dispatched", "vp_id", "lane.a")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mission dispatched", entry["msg"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "lane.a", entry["vp_id"])
}

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Info("worker started")
	assert.Contains(t, buf.String(), "msg=\"worker started\"")
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	tests := []struct {
		level      string
		debugShown bool
		warnShown  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"error", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.level, Format: "text"}, &buf)

			logger.Debug("debug line")
			logger.Warn("warn line")

			assert.Equal(t, tt.debugShown, strings.Contains(buf.String(), "debug line"))
			assert.Equal(t, tt.warnShown, strings.Contains(buf.String(), "warn line"))
		})
	}
}

func TestInitTracingDisabled(t *testing.T) {
	provider, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestInitTracingRequiresEndpoint(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{Enabled: true})
	assert.Error(t, err)
}
