package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func TestBeginFinishRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := Run{ID: "run-1", Subject: "S01", Session: "MR1", Stage: "mask", Iteration: 1, Force: true, LogPath: "/d/logs/mask.log"}
	if _, err := store.Begin(ctx, run); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	got, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Status != StatusRunning || !got.Force || got.FinishedAt != nil || got.Duration() != 0 {
		t.Fatalf("unexpected running row: %+v", got)
	}

	outputs := []string{"/d/sub-S01_ses-MR1_run-1_desc-bet_mask.nii.gz"}
	if err := store.Finish(ctx, "run-1", StatusCompleted, outputs, nil); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	got, _ = store.Get(ctx, "run-1")
	if got.Status != StatusCompleted || len(got.Outputs) != 1 || got.Outputs[0] != outputs[0] {
		t.Fatalf("unexpected finished row: %+v", got)
	}
	if got.FinishedAt == nil || got.Duration() <= 0 {
		t.Fatalf("expected a positive duration, got %+v", got)
	}
	if got.LogPath != "/d/logs/mask.log" {
		t.Fatalf("log path = %q", got.LogPath)
	}
}

func TestFinishRecordsError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Begin(ctx, Run{ID: "r", Subject: "S01", Session: "MR1", Stage: "cat12", Iteration: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.Finish(ctx, "r", StatusFailed, nil, errors.New("matlab exited with status 1")); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "r")
	if got.Status != StatusFailed || got.Error != "matlab exited with status 1" || got.Outputs != nil {
		t.Fatalf("unexpected failed row: %+v", got)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	store := openTestStore(t)
	if err := store.Finish(context.Background(), "missing", StatusCompleted, nil, nil); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestBeginAbandonsUnfinishedRunsOfSameSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, _ = store.Begin(ctx, Run{ID: "crashed", Subject: "S01", Session: "MR1", Stage: "fmriprep", Iteration: 1})
	_, _ = store.Begin(ctx, Run{ID: "other", Subject: "S01", Session: "MR2", Stage: "fmriprep", Iteration: 1})

	abandoned, err := store.Begin(ctx, Run{ID: "retry", Subject: "S01", Session: "MR1", Stage: "fmriprep", Iteration: 1})
	if err != nil {
		t.Fatal(err)
	}
	if abandoned != 1 {
		t.Fatalf("abandoned = %d, want 1", abandoned)
	}
	if got, _ := store.Get(ctx, "crashed"); got.Status != StatusAbandoned || got.Error == "" {
		t.Fatalf("unexpected crashed row: %+v", got)
	}
	if got, _ := store.Get(ctx, "other"); got.Status != StatusRunning {
		t.Fatalf("other session must be untouched: %+v", got)
	}
}

func TestListFiltersNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, run := range []Run{
		{ID: "a", Subject: "S01", Session: "MR1", Stage: "mask", Iteration: 1},
		{ID: "b", Subject: "S01", Session: "MR1", Stage: "denoise", Iteration: 1},
		{ID: "c", Subject: "S02", Session: "MR1", Stage: "mask", Iteration: 1},
		{ID: "d", Subject: "S01", Session: "MR1", Stage: "mask", Iteration: 1},
	} {
		if _, err := store.Begin(ctx, run); err != nil {
			t.Fatal(err)
		}
		if err := store.Finish(ctx, run.ID, StatusCompleted, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.List(ctx, Filter{Subject: "S01", Session: "MR1"})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if ids := runIDs(runs); ids != "d,b,a" {
		t.Fatalf("ids = %s", ids)
	}
	runs, _ = store.List(ctx, Filter{Stage: "mask", Limit: 2})
	if ids := runIDs(runs); ids != "d,c" {
		t.Fatalf("ids = %s", ids)
	}
}

func TestOpenRejectsOtherSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	if _, err := Open(dir); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func runIDs(runs []Run) string {
	out := ""
	for i, run := range runs {
		if i > 0 {
			out += ","
		}
		out += run.ID
	}
	return out
}
