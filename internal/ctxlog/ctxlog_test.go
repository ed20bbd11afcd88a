package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_ReturnsStoredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("staged", "service", "worker")

	assert.Contains(t, buf.String(), "staged")
	assert.Contains(t, buf.String(), "service=worker")
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	require.NotNil(t, FromContext(context.Background()))
}
