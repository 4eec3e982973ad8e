// Package stagetest builds stage requests backed by a command recorder for
// stage package tests.
package stagetest

import (
	"testing"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/logging"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// NewRequest builds a stage request for ses that records commands in rec
// instead of running them.
func NewRequest(t testing.TB, cfg *config.Config, ses bids.Session, rec *toolexec.Recorder) *stage.Request {
	t.Helper()
	trk := tracker.New(ses.Layout, tracker.WithMaxIterations(cfg.Iteration.MaxIterations))
	record, _ := trk.Load(ses.Subject, ses.Session)
	return &stage.Request{
		Session: ses,
		Config:  cfg,
		Tracker: trk,
		Record:  record,
		RunID:   "test-run",
		Logger:  logging.NewNop(),
		Exec:    rec,
	}
}

// ArgAfter returns the argument following flag in cmd, or "".
func ArgAfter(cmd toolexec.Command, flag string) string {
	for i, arg := range cmd.Args {
		if arg == flag && i+1 < len(cmd.Args) {
			return cmd.Args[i+1]
		}
	}
	return ""
}
