package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/felixgeelhaar/kubeboot/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNopLogger()
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	assert.Same(t, logger, logger.With(ports.F("key", "value")))
	assert.Equal(t, ports.LevelInfo, logger.Level())

	logger.SetLevel(ports.LevelDebug)
	assert.Equal(t, ports.LevelDebug, logger.Level())
}

func TestZapLogger_JSONOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewZapLogger(
		WithOutput(&buf),
		WithJSONFormat(true),
		WithTimestamp(false),
	)

	logger.With(ports.F("run_id", "r-1")).Info(context.Background(), "step done",
		ports.F("host", "cp1"),
		ports.Err(errors.New("boom")),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "step done", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "r-1", entry["run_id"])
	assert.Equal(t, "cp1", entry["host"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "time")
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewZapLogger(WithOutput(&buf), WithLevel(ports.LevelWarn))
	ctx := context.Background()

	logger.Info(ctx, "hidden")
	logger.Warn(ctx, "shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, ports.LevelWarn, logger.Level())

	logger.SetLevel(ports.LevelDebug)
	logger.Debug(ctx, "now visible")
	assert.Contains(t, buf.String(), "now visible")
	assert.Equal(t, ports.LevelDebug, logger.Level())
}

func TestZapLogger_ChildSharesLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	parent := NewZapLogger(WithOutput(&buf))
	child := parent.With(ports.F("role", "worker"))

	parent.SetLevel(ports.LevelError)
	child.Warn(context.Background(), "suppressed")
	assert.Empty(t, strings.TrimSpace(buf.String()))
}

func TestZapLogger_SecretField(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLoggerFromCore(core)

	logger.Info(context.Background(), "credential published", ports.Secret("token"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ports.Redacted, entries[0].ContextMap()["token"])
	assert.Equal(t, ports.LevelDebug, logger.Level())
}
