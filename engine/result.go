package engine

import (
	"time"

	"github.com/mkarlsen/runex/compiler"
	"github.com/mkarlsen/runex/security"
	"github.com/mkarlsen/runex/stats"
)

// Result is the single terminal outcome of one execution request. Value
// and Error are mutually exclusive: a successful result carries a value
// and no error, a failed one an error and no value.
type Result struct {
	Success       bool
	Value         string
	Error         string
	Cancelled     bool
	CompileOnly   bool
	Duration      time.Duration
	CorrelationID string
	Logs          []string
	Diagnostics   []compiler.Diagnostic
	Violations    []security.Violation
	Stats         *stats.Statistics
}

func failure(id string, d time.Duration, msg string) Result {
	return Result{
		Error:         msg,
		Duration:      d,
		CorrelationID: id,
	}
}
