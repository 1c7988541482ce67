package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextAddsIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := WithQuery(context.Background(), "q-1")
	ctx = WithTask(ctx, "task-7")
	ctx = WithDriver(ctx, 0, 3)

	FromContext(ctx, base).Info("reservation failed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "q-1", fields["query_id"])
	assert.Equal(t, "task-7", fields["task_id"])
	assert.EqualValues(t, 0, fields["pipeline"])
	assert.EqualValues(t, 3, fields["driver_id"])
}

func TestFromContextWithoutIDs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	FromContext(context.Background(), zap.New(core)).Debug("plain")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestSetReplacesGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := Get()
	Set(zap.New(core))
	t.Cleanup(func() { Set(prev) })

	Info("hello", zap.String("k", "v"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "hello", logs.All()[0].Message)
}
