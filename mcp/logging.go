package mcp

import (
	"fmt"
	stdlog "log"

	"github.com/ByteMirror/swarm/log"
)

// logger receives tool-call traces. Nil routes them to the debug log.
var logger *stdlog.Logger

// SetLogger sets the logger for the MCP server package.
func SetLogger(l *stdlog.Logger) {
	logger = l
}

// Log writes a formatted tool-call trace.
func Log(format string, args ...any) {
	l := logger
	if l == nil {
		l = log.DebugLog
	}
	_ = l.Output(2, fmt.Sprintf(format, args...))
}
