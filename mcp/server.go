package mcp

import (
	"github.com/ByteMirror/swarm/automation"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const serverInstructions = "You are connected to the Swarm automation runtime. " +
	"Call automation_status to see whether automation is running and to inspect queues, workers, " +
	"circuit breakers and plan sync watchers. Use automation_history to read recent automation events " +
	"such as phase boundaries and preflight results. Call sync_plan after editing the plan file when you " +
	"need the new state picked up right away instead of waiting for the debounce."

// SwarmMCPServer exposes an automation manager over MCP.
type SwarmMCPServer struct {
	server  *mcpserver.MCPServer
	manager *automation.Manager
}

// NewSwarmMCPServer creates a new MCP server for the given manager.
func NewSwarmMCPServer(m *automation.Manager, version string) *SwarmMCPServer {
	s := mcpserver.NewMCPServer(
		"swarm",
		version,
		mcpserver.WithInstructions(serverInstructions),
	)

	h := &SwarmMCPServer{
		server:  s,
		manager: m,
	}
	h.registerReadTools()
	h.registerControlTools()

	Log("server created: automation status=%s", m.Status())
	return h
}

// registerReadTools registers read-only tools.
func (h *SwarmMCPServer) registerReadTools() {
	status := gomcp.NewTool("automation_status",
		gomcp.WithDescription(
			"Report the automation runtime: status, mode, enabled capabilities, queue depths, "+
				"worker stats, circuit breaker states, loop guards and plan sync watchers.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	h.server.AddTool(status, handleAutomationStatus(h.manager))

	history := gomcp.NewTool("automation_history",
		gomcp.WithDescription(
			"Read recent automation events, oldest first. Use this to see plan syncs, "+
				"phase boundaries and preflight outcomes.",
		),
		gomcp.WithString("types",
			gomcp.Description("Comma-separated event types to filter, e.g. phase.boundary.detected,preflight.failed. "+
				"Leave empty for all types."),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Maximum number of most recent events to return (1-500, default 50)."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	h.server.AddTool(history, handleAutomationHistory(h.manager))
}

// registerControlTools registers tools that change runtime state.
func (h *SwarmMCPServer) registerControlTools() {
	syncPlan := gomcp.NewTool("sync_plan",
		gomcp.WithDescription(
			"Sync every watched plan file now, bypassing the debounce. Returns the active phase "+
				"of each plan after the sync.",
		),
	)
	h.server.AddTool(syncPlan, handleSyncPlan(h.manager))

	reset := gomcp.NewTool("reset_automation",
		gomcp.WithDescription(
			"Stop automation and reset queues, circuit breakers, loop guards and event history. "+
				"Registrations are kept. Automation stays stopped until restarted.",
		),
		gomcp.WithDestructiveHintAnnotation(true),
	)
	h.server.AddTool(reset, handleResetAutomation(h.manager))
}

// Serve starts the MCP server using stdio transport.
func (h *SwarmMCPServer) Serve() error {
	return mcpserver.ServeStdio(h.server)
}
