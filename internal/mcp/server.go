package mcp

import (
	"log/slog"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/casegate/internal/config"
	"github.com/hpungsan/casegate/internal/gate"
	"github.com/hpungsan/casegate/internal/store"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var toolRegistry = map[string]toolEntry{
	"case_get": {
		def:     getToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleGet },
	},
	"case_eligible": {
		def:     eligibleToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEligible },
	},
	"case_close": {
		def:     closeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleClose },
	},
	"case_timeline": {
		def:     timelineToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTimeline },
	},
	"case_list": {
		def:     listToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"case_report": {
		def:     reportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReport },
	},
	"batch_run": {
		def:     batchRunToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleBatchRun },
	},
	"account_health": {
		def:     accountHealthToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAccountHealth },
	},
}

// AllToolNames returns every registered tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns the names that match no tool.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with the casegate tools registered,
// minus cfg.DisabledTools. ctrl may be nil when no analysis provider is
// configured; batch_run then reports ctrlErr.
func NewServer(repo *store.Repository, cfg *config.Config, ctrl *gate.Controller, ctrlErr error, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"casegate",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(repo, cfg, ctrl, ctrlErr)

	if unknown := ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		slog.Warn("unknown tools in disabled_tools", "tools", unknown)
	}
	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for _, name := range AllToolNames() {
		if disabled[name] {
			continue
		}
		entry := toolRegistry[name]
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the tools over stdio until stdin closes.
func Run(repo *store.Repository, cfg *config.Config, ctrl *gate.Controller, ctrlErr error, version string) error {
	return server.ServeStdio(NewServer(repo, cfg, ctrl, ctrlErr, version))
}
