package tracker_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anatprep/internal/bids"
	"anatprep/internal/logging"
	"anatprep/internal/tracker"
)

func newTracker(t *testing.T, opts ...tracker.Option) (*tracker.Tracker, bids.Layout) {
	t.Helper()
	layout := bids.NewLayout(t.TempDir())
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]tracker.Option{tracker.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})}, opts...)
	return tracker.New(layout, opts...), layout
}

func writeOutput(t *testing.T, path string, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func completeFMRIPrep(t *testing.T, tr *tracker.Tracker, layout bids.Layout) string {
	t.Helper()
	ses := layout.Session("S01", "MR1")
	out := writeOutput(t, ses.FMRIPrepT1w(), "preproc")
	status, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{
		Stage:   tracker.StageFMRIPrep,
		Outcome: tracker.OutcomeSuccess,
		Outputs: []string{out},
	})
	if err != nil || status != tracker.StatusCompleted {
		t.Fatalf("record fmriprep: %s %v", status, err)
	}
	return out
}

func TestRecordStageResultCompletedIffOutputsPresent(t *testing.T) {
	tr, layout := newTracker(t)
	dir := layout.Session("S01", "MR1").DerivDir()
	present := writeOutput(t, filepath.Join(dir, "a.nii.gz"), "x")
	empty := writeOutput(t, filepath.Join(dir, "empty.nii.gz"), "")
	absent := filepath.Join(dir, "absent.nii.gz")

	tests := []struct {
		name    string
		outcome tracker.Outcome
		outputs []string
		want    tracker.Status
		wantErr bool
	}{
		{"all present", tracker.OutcomeSuccess, []string{present}, tracker.StatusCompleted, false},
		{"one absent", tracker.OutcomeSuccess, []string{present, absent}, tracker.StatusFailed, true},
		{"empty file", tracker.OutcomeSuccess, []string{empty}, tracker.StatusFailed, true},
		{"directory", tracker.OutcomeSuccess, []string{dir}, tracker.StatusFailed, true},
		{"none declared", tracker.OutcomeSuccess, nil, tracker.StatusFailed, true},
		{"failure without outputs", tracker.OutcomeFailure, []string{absent}, tracker.StatusFailed, false},
		{"failure with outputs", tracker.OutcomeFailure, []string{present}, tracker.StatusCompleted, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{
				Stage:   tracker.StageDenoise,
				Outcome: tc.outcome,
				Outputs: tc.outputs,
			})
			if status != tc.want {
				t.Fatalf("status = %s, want %s", status, tc.want)
			}
			if tc.wantErr != errors.Is(err, tracker.ErrMissingOutput) {
				t.Fatalf("unexpected error: %v", err)
			}
			rec, ok := tr.Load("S01", "MR1")
			if !ok || rec.StatusOf(tracker.StageDenoise) != tc.want {
				t.Fatalf("persisted status mismatch: %+v", rec)
			}
		})
	}
}

func TestRecordStageResultRejectsUnknownStage(t *testing.T) {
	tr, _ := newTracker(t)
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: "segment"}); err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if _, ok := tr.Load("S01", "MR1"); ok {
		t.Fatal("unknown stage must not create a record")
	}
}

func TestStartNewIterationRequiresCompletedFMRIPrep(t *testing.T) {
	tr, layout := newTracker(t)
	mask := writeOutput(t, layout.Session("S01", "MR1").DerivPath("bet", "mask", 1, ""), "mask")
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageMask, Outcome: tracker.OutcomeSuccess, Outputs: []string{mask}}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := tr.StartNewIteration("S01", "MR1", mask); !errors.Is(err, tracker.ErrInvalidTransition) {
			t.Fatalf("attempt %d: expected ErrInvalidTransition, got %v", i+1, err)
		}
	}
	rec, _ := tr.Load("S01", "MR1")
	if rec.CurrentIteration != 1 {
		t.Fatalf("iteration changed to %d", rec.CurrentIteration)
	}

	// Failed fmriprep is not enough either.
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageFMRIPrep, Outcome: tracker.OutcomeFailure}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.StartNewIteration("S01", "MR1", ""); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after failed fmriprep, got %v", err)
	}
}

func TestStartNewIterationWithoutRecordDoesNotCreateOne(t *testing.T) {
	tr, _ := newTracker(t)
	if _, err := tr.StartNewIteration("S01", "MR1", ""); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := os.Stat(tr.StatePath("S01")); !os.IsNotExist(err) {
		t.Fatalf("expected no state file, got %v", err)
	}
}

func TestRoundTripPreservesStageStatuses(t *testing.T) {
	tr, layout := newTracker(t)
	ses := layout.Session("S01", "MR1")
	t1w := writeOutput(t, ses.DerivPath("pymp2rage", "T1w", 1, "pymp2rage"), "t1w")
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StagePyMP2RAGE, Outcome: tracker.OutcomeSuccess, Outputs: []string{t1w}}); err != nil {
		t.Fatal(err)
	}
	_, _ = tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageCAT12, Outcome: tracker.OutcomeFailure})

	data, err := os.ReadFile(tr.StatePath("S01"))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	var raw map[string]map[string]struct {
		CurrentIteration int               `json:"current_iteration"`
		StageStatus      map[string]string `json:"stage_status"`
		BrainmaskSource  *string           `json:"brainmask_source"`
		LastModified     string            `json:"last_modified"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("state is not the documented shape: %v", err)
	}
	rec := raw["sub-S01"]["ses-MR1"]
	if rec.CurrentIteration != 1 || rec.BrainmaskSource != nil {
		t.Fatalf("unexpected persisted record: %+v", rec)
	}
	if _, err := time.Parse(time.RFC3339, rec.LastModified); err != nil {
		t.Fatalf("last_modified is not RFC 3339: %q", rec.LastModified)
	}

	fresh := tracker.New(layout)
	report, err := fresh.Status("S01", "MR1", false)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	got := map[string]string{}
	for _, view := range report.Sessions[0].Stages {
		if view.Status != tracker.StatusNotRun {
			got[view.Stage] = string(view.Status)
		}
	}
	if len(got) != len(rec.StageStatus) {
		t.Fatalf("status mismatch: report %v, file %v", got, rec.StageStatus)
	}
	for stage, status := range rec.StageStatus {
		if got[stage] != status {
			t.Fatalf("stage %s: report %s, file %s", stage, got[stage], status)
		}
	}
	if view, _ := report.Sessions[0].Stage(tracker.StagePyMP2RAGE); len(view.Outputs) != 1 || view.Outputs[0] != t1w {
		t.Fatalf("expected completed outputs in status: %+v", view)
	}
}

func TestCorruptStateFallsBackToIterationOne(t *testing.T) {
	var logs bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Writer: &logs})
	if err != nil {
		t.Fatal(err)
	}
	tr, layout := newTracker(t, tracker.WithLogger(logger))
	statePath := tr.StatePath("S01")
	writeOutput(t, statePath, "{not json")

	report, err := tr.Status("S01", "MR1", true)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if len(report.Warnings) == 0 || !strings.Contains(report.Warnings[0], tracker.ErrCorruptState.Error()) {
		t.Fatalf("expected corrupt-state warning, got %v", report.Warnings)
	}
	ses := report.Sessions[0]
	if ses.CurrentIteration != 1 || ses.Recorded {
		t.Fatalf("expected iteration 1 without record, got %+v", ses)
	}
	for _, view := range ses.Stages {
		if view.Status == tracker.StatusCompleted {
			t.Fatalf("unexpected completed stage %s", view.Stage)
		}
	}
	if !strings.Contains(logs.String(), "state_corrupt") {
		t.Fatalf("expected a logged warning, got %q", logs.String())
	}
	if data, _ := os.ReadFile(statePath); string(data) != "{not json" {
		t.Fatal("status must not modify the state file")
	}

	// The next write keeps the corrupt file aside.
	mask := writeOutput(t, layout.Session("S01", "MR1").DerivPath("bet", "mask", 1, ""), "m")
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageMask, Outcome: tracker.OutcomeSuccess, Outputs: []string{mask}}); err != nil {
		t.Fatalf("RecordStageResult returned error: %v", err)
	}
	backups, _ := filepath.Glob(statePath + ".corrupt-*")
	if len(backups) != 1 {
		t.Fatalf("expected one corrupt backup, got %v", backups)
	}
	if data, _ := os.ReadFile(backups[0]); string(data) != "{not json" {
		t.Fatalf("backup content changed: %q", data)
	}
	rec, ok := tr.Load("S01", "MR1")
	if !ok || rec.StatusOf(tracker.StageMask) != tracker.StatusCompleted {
		t.Fatalf("expected fresh record after corrupt reset: %+v", rec)
	}
	last := rec.History[len(rec.History)-1]
	if last.Event != tracker.EventCorruptReset || last.Note != backups[0] {
		t.Fatalf("expected corrupt reset in history, got %+v", last)
	}
}

func TestStartNewIterationAfterCompletedFMRIPrep(t *testing.T) {
	tr, layout := newTracker(t)
	out := completeFMRIPrep(t, tr, layout)
	if !strings.HasSuffix(out, filepath.Join("fmriprep", "sub-S01", "ses-MR1", "anat", "sub-S01_ses-MR1_desc-preproc_T1w.nii.gz")) {
		t.Fatalf("unexpected fmriprep output: %s", out)
	}
	ses := layout.Session("S01", "MR1")
	edited := writeOutput(t, filepath.Join(ses.IterDir(1), "brainmask.nii.gz"), "edited")
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageBrainmaskEdit, Outcome: tracker.OutcomeSuccess, Outputs: []string{edited}}); err != nil {
		t.Fatal(err)
	}

	next := filepath.Join(ses.IterDir(2), "brainmask.nii.gz")
	rec, err := tr.StartNewIteration("S01", "MR1", next)
	if err != nil {
		t.Fatalf("StartNewIteration returned error: %v", err)
	}
	if rec.CurrentIteration != 2 {
		t.Fatalf("iteration = %d, want 2", rec.CurrentIteration)
	}
	for _, stage := range tracker.PerIterationStages {
		if rec.StatusOf(stage) != tracker.StatusNotRun {
			t.Fatalf("stage %s = %s, want not_run", stage, rec.StatusOf(stage))
		}
	}
	if rec.Source() != next {
		t.Fatalf("brainmask source = %q", rec.Source())
	}

	// A second request in a row fails: fmriprep was reset.
	if _, err := tr.StartNewIteration("S01", "MR1", next); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if rec, _ := tr.Load("S01", "MR1"); rec.CurrentIteration != 2 {
		t.Fatalf("iteration changed to %d", rec.CurrentIteration)
	}
}

func TestMissingMaskOutputReportedFailedNotStale(t *testing.T) {
	tr, layout := newTracker(t)
	missing := layout.Session("S01", "MR1").DerivPath("bet", "mask", 1, "")
	status, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageMask, Outcome: tracker.OutcomeSuccess, Outputs: []string{missing}})
	if status != tracker.StatusFailed || !errors.Is(err, tracker.ErrMissingOutput) {
		t.Fatalf("expected failed + ErrMissingOutput, got %s %v", status, err)
	}
	if !strings.Contains(err.Error(), "sub-S01 ses-MR1") || !strings.Contains(err.Error(), "mask") {
		t.Fatalf("error should name subject, session and stage: %v", err)
	}

	report, err := tr.Status("S01", "MR1", true)
	if err != nil {
		t.Fatal(err)
	}
	view, _ := report.Sessions[0].Stage(tracker.StageMask)
	if view.Status != tracker.StatusFailed {
		t.Fatalf("verbose status = %s, want failed", view.Status)
	}
}

func TestVerboseStatusFlagsStaleWithoutMutating(t *testing.T) {
	tr, layout := newTracker(t)
	mask := writeOutput(t, layout.Session("S01", "MR1").DerivPath("bet", "mask", 1, ""), "m")
	if _, err := tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageMask, Outcome: tracker.OutcomeSuccess, Outputs: []string{mask}}); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(tr.StatePath("S01"))
	if err := os.Remove(mask); err != nil {
		t.Fatal(err)
	}

	quiet, _ := tr.Status("S01", "MR1", false)
	if view, _ := quiet.Sessions[0].Stage(tracker.StageMask); view.Status != tracker.StatusCompleted {
		t.Fatalf("non-verbose status = %s, want completed", view.Status)
	}
	verbose, _ := tr.Status("S01", "MR1", true)
	view, _ := verbose.Sessions[0].Stage(tracker.StageMask)
	if view.Status != tracker.StatusStale || len(view.Missing) != 1 {
		t.Fatalf("verbose view = %+v, want stale", view)
	}
	after, _ := os.ReadFile(tr.StatePath("S01"))
	if !bytes.Equal(before, after) {
		t.Fatal("status mutated the state file")
	}
}

func TestStatusAggregatesSessions(t *testing.T) {
	tr, layout := newTracker(t)
	if err := os.MkdirAll(filepath.Join(layout.RawDataDir(), "sub-S01", "ses-MR2"), 0o755); err != nil {
		t.Fatal(err)
	}
	completeFMRIPrep(t, tr, layout)

	report, err := tr.Status("sub-S01", "", false)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if len(report.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", report.Sessions)
	}
	if report.Sessions[0].Session != "MR1" || !report.Sessions[0].Recorded {
		t.Fatalf("unexpected first session: %+v", report.Sessions[0])
	}
	if report.Sessions[1].Session != "MR2" || report.Sessions[1].Recorded {
		t.Fatalf("unexpected second session: %+v", report.Sessions[1])
	}
}

func TestIterationCapAndFinalize(t *testing.T) {
	tr, layout := newTracker(t, tracker.WithMaxIterations(2))
	completeFMRIPrep(t, tr, layout)
	if _, err := tr.StartNewIteration("S01", "MR1", ""); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	completeFMRIPrep(t, tr, layout)
	if _, err := tr.StartNewIteration("S01", "MR1", ""); !errors.Is(err, tracker.ErrInvalidTransition) || !strings.Contains(err.Error(), "max iterations") {
		t.Fatalf("expected cap error, got %v", err)
	}

	rec, err := tr.Finalize("S01", "MR1")
	if err != nil || !rec.Finalized {
		t.Fatalf("Finalize: %+v %v", rec, err)
	}
	if _, err := tr.Finalize("S01", "MR1"); err != nil {
		t.Fatalf("second Finalize should be a no-op, got %v", err)
	}
	if _, err := tr.StartNewIteration("S01", "MR1", ""); !errors.Is(err, tracker.ErrInvalidTransition) || !strings.Contains(err.Error(), "finalized") {
		t.Fatalf("expected finalized error, got %v", err)
	}

	rec, _ = tr.Load("S01", "MR1")
	var events []string
	for _, entry := range rec.History {
		events = append(events, entry.Event)
	}
	want := []string{tracker.EventStageResult, tracker.EventIterationStart, tracker.EventStageResult, tracker.EventFinalize}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("history events = %v, want %v", events, want)
	}
}

func TestFinalizeRequiresCompletedFMRIPrep(t *testing.T) {
	tr, layout := newTracker(t)
	if _, err := tr.Finalize("S01", "MR1"); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without record, got %v", err)
	}
	mask := writeOutput(t, layout.Session("S01", "MR1").DerivPath("bet", "mask", 1, ""), "m")
	_, _ = tr.RecordStageResult("S01", "MR1", tracker.StageResult{Stage: tracker.StageMask, Outcome: tracker.OutcomeSuccess, Outputs: []string{mask}})
	if _, err := tr.Finalize("S01", "MR1"); !errors.Is(err, tracker.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition before fmriprep, got %v", err)
	}
}
