package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dcastano/stepgate/internal/bus"
	"github.com/dcastano/stepgate/pkg/schema"
)

// Notifier forwards lifecycle events from run buses to connected MCP
// clients as notifications. Best-effort: delivery failures are logged and
// dropped, never surfaced to the executor.
type Notifier struct {
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewNotifier creates a notifier over the given MCP server.
func NewNotifier(mcpServer *server.MCPServer, logger *slog.Logger) *Notifier {
	return &Notifier{mcpServer: mcpServer, logger: logger}
}

// Attach subscribes the notifier to all events on a run's bus.
func (n *Notifier) Attach(b *bus.Bus) {
	b.Subscribe(schema.WildcardType, n.forward)
}

func (n *Notifier) forward(event schema.Event) {
	payload := map[string]any{
		"type":        event.Type,
		"workflow_id": event.WorkflowID,
		"sequence":    event.Sequence,
	}
	if event.NodeID != "" {
		payload["node_id"] = event.NodeID
	}
	if event.Payload != nil {
		payload["payload"] = event.Payload
	}

	n.mcpServer.SendNotificationToAllClients("notifications/message", payload)
}
