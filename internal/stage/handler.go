// Package stage defines the contract every pipeline stage implements and
// the helpers they share for resolving inputs and guarding outputs.
package stage

import (
	"context"
	"log/slog"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// Handler describes the contract stage execution needs from each stage.
type Handler interface {
	Name() string
	Run(context.Context, *Request) (Result, error)
}

// AfterRecorder is implemented by stages that act on the tracker once their
// own result has been recorded. It only runs when the stage was recorded
// as completed.
type AfterRecorder interface {
	AfterRecord(context.Context, *Request, Result) error
}

// Request carries everything a stage needs to process one session.
type Request struct {
	Session bids.Session
	Config  *config.Config
	Tracker *tracker.Tracker
	// Record is the tracker state when the run began.
	Record *tracker.Record
	Force  bool
	RunID  string
	Logger *slog.Logger
	Exec   toolexec.Executor
}

// Iteration returns the current refinement iteration.
func (r *Request) Iteration() int {
	if r.Record == nil || r.Record.CurrentIteration < 1 {
		return 1
	}
	return r.Record.CurrentIteration
}

// Result is what a stage produced.
type Result struct {
	Outputs []string
	// Skipped is set when every output already existed and Force was off.
	Skipped bool
	Note    string
}
