package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ByteMirror/swarm/automation"
	"github.com/ByteMirror/swarm/concurrency"
	"github.com/ByteMirror/swarm/plansync"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// eventView is the JSON shape of one history entry.
type eventView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// planSyncView is the JSON shape of one sync_plan result.
type planSyncView struct {
	Path        string `json:"path"`
	PlanID      string `json:"plan_id,omitempty"`
	ActivePhase string `json:"active_phase,omitempty"`
	Coalesced   bool   `json:"coalesced,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleAutomationStatus returns the manager snapshot as JSON.
func handleAutomationStatus(m *automation.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: automation_status")
		data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal status: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleAutomationHistory returns the most recent events, optionally filtered by type.
func handleAutomationHistory(m *automation.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		typesArg := req.GetString("types", "")
		limit := clampInt(getFloatParam(req, "limit", 50), 1, 500)
		Log("tool call: automation_history (types=%q, limit=%d)", typesArg, limit)

		var types []concurrency.EventType
		for _, t := range splitCSV(typesArg) {
			types = append(types, concurrency.EventType(t))
		}

		events := m.Bus().History(types...)
		if len(events) > limit {
			events = events[len(events)-limit:]
		}
		if len(events) == 0 {
			return gomcp.NewToolResultText("No automation events recorded."), nil
		}

		views := make([]eventView, 0, len(events))
		for _, e := range events {
			views = append(views, eventView{
				ID:        e.ID,
				Type:      string(e.Type),
				Timestamp: e.Timestamp,
				Source:    e.Source,
				Payload:   payloadView(e.Payload),
			})
		}

		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal events: " + err.Error()), nil
		}
		Log("automation_history: returning %d events", len(views))
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleSyncPlan runs an immediate sync on every plan watcher.
func handleSyncPlan(m *automation.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: sync_plan")
		syncs := m.PlanSyncs()
		if len(syncs) == 0 {
			return gomcp.NewToolResultText("No plan files are being watched."), nil
		}

		views := make([]planSyncView, 0, len(syncs))
		for _, w := range syncs {
			v := planSyncView{Path: w.Path()}
			err := w.SyncNow(ctx)
			switch {
			case errors.Is(err, plansync.ErrSyncCoalesced):
				v.Coalesced = true
			case err != nil:
				v.Error = err.Error()
			}
			if plan := w.LastPlan(); plan != nil {
				v.PlanID = plan.ID
				if phase := plan.ActivePhase(); phase != nil {
					v.ActivePhase = phase.ID
				}
			}
			views = append(views, v)
		}

		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal sync results: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleResetAutomation stops the manager and clears its runtime state.
func handleResetAutomation(m *automation.Manager) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: reset_automation")
		m.Reset()
		return gomcp.NewToolResultText("Automation stopped and reset."), nil
	}
}

// payloadView turns error payloads into strings, since errors marshal to {}.
func payloadView(p any) any {
	switch v := p.(type) {
	case error:
		return v.Error()
	default:
		return v
	}
}

// splitCSV splits a comma-separated argument, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getFloatParam extracts a numeric parameter from the request, returning
// defaultVal if missing. JSON numbers arrive as float64.
func getFloatParam(req gomcp.CallToolRequest, name string, defaultVal int) int {
	if args := req.GetArguments(); args != nil {
		if v, ok := args[name].(float64); ok {
			return int(v)
		}
	}
	return defaultVal
}

// clampInt constrains v to the range [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
