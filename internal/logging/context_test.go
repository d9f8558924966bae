package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))

	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithNodeID(ctx, "impl")
	ctx = WithGraphID(ctx, "pipeline")

	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "impl", NodeID(ctx))
	assert.Equal(t, "pipeline", GraphID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithNodeID(WithWorkflowID(context.Background(), "wf-1"), "impl")
	logger.InfoContext(ctx, "node started")

	out := buf.String()
	assert.Contains(t, out, "workflow_id=wf-1")
	assert.Contains(t, out, "node_id=impl")
	assert.NotContains(t, out, "graph_id", "absent IDs are not emitted")
}

func TestLogWith_OnlyNonEmpty(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(WithWorkflowID(context.Background(), "wf-2"), base).Info("hello")

	assert.Contains(t, buf.String(), "workflow_id=wf-2")
	assert.NotContains(t, buf.String(), "node_id")
}
