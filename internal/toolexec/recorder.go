package toolexec

import (
	"context"
	"sync"
)

// Recorder is an Executor that records commands instead of running them.
// Handler, when set, runs for each command and may create output files or
// return an error.
type Recorder struct {
	Handler func(Command) error

	mu    sync.Mutex
	calls []Command
}

// Run records cmd and delegates to Handler.
func (r *Recorder) Run(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.Handler != nil {
		return r.Handler(cmd)
	}
	return nil
}

// Calls returns the commands seen so far.
func (r *Recorder) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.calls...)
}

// Names returns the tool name of every recorded command, in order.
func (r *Recorder) Names() []string {
	calls := r.Calls()
	names := make([]string, len(calls))
	for i, call := range calls {
		names[i] = call.Name
	}
	return names
}
