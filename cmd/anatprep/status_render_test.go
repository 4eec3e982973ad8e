package main

import (
	"fmt"
	"strings"
	"testing"

	"anatprep/internal/tracker"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("sub-01 ses-01", statusError, "mask failed", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "sub-01 ses-01:", "[ERROR] mask failed")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Iteration", statusOK, "2/5", true)
	if !strings.HasPrefix(got, ansiGreen) || !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected green line, got %q", got)
	}
}

func TestStatusLabelTitleCases(t *testing.T) {
	cases := map[tracker.Status]string{
		tracker.StatusNotRun:    "Not Run",
		tracker.StatusCompleted: "Completed",
		tracker.StatusStale:     "Stale",
	}
	for status, want := range cases {
		if got := statusLabel(status); got != want {
			t.Fatalf("statusLabel(%s) = %q, want %q", status, got, want)
		}
	}
}

func TestNextStage(t *testing.T) {
	ses := tracker.SessionStatus{CurrentIteration: 1, MaxIterations: 2}
	for _, name := range tracker.Stages {
		ses.Stages = append(ses.Stages, tracker.StageView{Stage: name, Status: tracker.StatusCompleted})
	}
	ses.Stages[2].Status = tracker.StatusFailed
	if got := nextStage(ses); got != tracker.StageDenoise {
		t.Fatalf("expected denoise next, got %q", got)
	}

	ses.Stages[2].Status = tracker.StatusCompleted
	if got := nextStage(ses); !strings.HasPrefix(got, tracker.StageBrainmaskEdit) {
		t.Fatalf("expected brainmask-edit next, got %q", got)
	}

	ses.CurrentIteration = 2
	if got := nextStage(ses); got != "iteration finalize" {
		t.Fatalf("expected finalize at cap, got %q", got)
	}

	ses.Finalized = true
	if got := nextStage(ses); got != "done" {
		t.Fatalf("expected done, got %q", got)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"Stage", "Status"}, [][]string{{"mask"}}, nil)
	if !strings.Contains(out, "mask") || !strings.Contains(out, "STAGE") {
		t.Fatalf("unexpected table:\n%s", out)
	}
}
