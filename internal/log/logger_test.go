// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.False(t, cfg.AddSource)
}

func TestFromEnvDebug(t *testing.T) {
	t.Setenv("FLUX_DEBUG", "1")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvDebugOverridesLevel(t *testing.T) {
	t.Setenv("FLUX_DEBUG", "true")
	t.Setenv("FLUX_LOG_LEVEL", "error")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
}

func TestFromEnvLevelPrecedence(t *testing.T) {
	t.Setenv("FLUX_LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL", "error")
	cfg := FromEnv()
	assert.Equal(t, "warn", cfg.Level)
}

func TestFromEnvFormat(t *testing.T) {
	t.Setenv("LOG_FORMAT", "TEXT")
	cfg := FromEnv()
	assert.Equal(t, FormatText, cfg.Format)
}

func TestNewJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	logger.Info("hello", slog.String(ExecutionIDKey, "exec-1"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "exec-1", entry["execution_id"])
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})

	logger.Info("filtered")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in), tt.in)
	}
}

func TestWithExecutionContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithExecutionContext(logger, "exec-9", "billing").Info("claimed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "exec-9", entry["execution_id"])
	assert.Equal(t, "billing", entry["workflow"])
}

func TestWithWorker(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithWorker(logger, "worker-3").Info("registered")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "worker-3", entry["worker_id"])
}

func TestSanitizeToken(t *testing.T) {
	assert.Equal(t, "...6789", SanitizeToken("123456789"))
	assert.Equal(t, "[REDACTED]", SanitizeToken("abc"))
	assert.Equal(t, "[REDACTED]", SanitizeToken(""))
}

func TestSanitizeSecret(t *testing.T) {
	assert.Equal(t, "[REDACTED]", SanitizeSecret("anything at all"))
}

func TestTraceSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	Trace(logger, "frame", String("type", "HEARTBEAT"))
	assert.Zero(t, buf.Len())

	logger = New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "frame", String("type", "HEARTBEAT"))
	assert.NotZero(t, buf.Len())
}
