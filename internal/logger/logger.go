// Package logger holds the process-wide diagnostic logger.
//
// This is for operator-facing diagnostics only. The durable per-session
// recovery log lives in internal/rlog and has stricter flush semantics.
package logger

import (
	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
)

// Log is shared by all engine packages.
var Log core.Logger

func init() {
	Log = mtlog.New(
		mtlog.WithConsole(),
		mtlog.WithMinimumLevel(core.InformationLevel),
	)
}

// SetVerbose lowers the minimum level for debugging runs.
func SetVerbose() {
	Log = mtlog.New(
		mtlog.WithConsole(),
		mtlog.WithMinimumLevel(core.DebugLevel),
	)
}
