package bids_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/bids"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newStudy(t *testing.T) bids.Layout {
	t.Helper()
	study := t.TempDir()
	anat := filepath.Join(study, "rawdata", "sub-S01", "ses-MR1", "anat")
	for _, name := range []string{
		"sub-S01_ses-MR1_run-1_inv-1_part-mag_MP2RAGE.nii.gz",
		"sub-S01_ses-MR1_run-1_inv-1_part-phase_MP2RAGE.nii.gz",
		"sub-S01_ses-MR1_run-1_inv-2_part-mag_MP2RAGE.nii.gz",
		"sub-S01_ses-MR1_run-1_inv-2_part-phase_MP2RAGE.nii.gz",
		"sub-S01_ses-MR1_run-2_inv-1_part-mag_MP2RAGE.nii.gz",
		"sub-S01_ses-MR1_run-10_inv-2_part-mag_MP2RAGE.nii.gz",
		"sub-S01_ses-MR1_FLAIR.nii.gz",
	} {
		touch(t, filepath.Join(anat, name))
	}
	touch(t, filepath.Join(study, "rawdata", "sub-S01", "ses-MR1", "fmap", "sub-S01_ses-MR1_acq-dream_run-1_TB1map.nii.gz"))
	if err := os.MkdirAll(filepath.Join(study, "rawdata", "sub-S01", "ses-MR2"), 0o755); err != nil {
		t.Fatal(err)
	}
	return bids.NewLayout(study)
}

func TestResolveSessions(t *testing.T) {
	layout := newStudy(t)

	all, err := layout.ResolveSessions("sub-S01", "")
	if err != nil {
		t.Fatalf("ResolveSessions returned error: %v", err)
	}
	if len(all) != 2 || all[0].Session != "MR1" || all[1].Session != "MR2" {
		t.Fatalf("unexpected sessions: %+v", all)
	}

	one, err := layout.ResolveSessions("S01", "ses-MR1")
	if err != nil || len(one) != 1 || one[0].Prefix() != "sub-S01_ses-MR1" {
		t.Fatalf("unexpected single session: %+v %v", one, err)
	}

	if _, err := layout.ResolveSessions("S99", ""); !errors.Is(err, bids.ErrSubjectNotFound) {
		t.Fatalf("expected ErrSubjectNotFound, got %v", err)
	}
	_, err = layout.ResolveSessions("S01", "MR9")
	if !errors.Is(err, bids.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "MR1, MR2") {
		t.Fatalf("expected available sessions in error, got %v", err)
	}
}

func TestMP2RAGERunsAndRawLookup(t *testing.T) {
	ses := newStudy(t).Session("S01", "MR1")

	runs, err := ses.MP2RAGERuns()
	if err != nil {
		t.Fatalf("MP2RAGERuns returned error: %v", err)
	}
	if len(runs) != 2 || runs[0] != 1 || runs[1] != 2 {
		t.Fatalf("unexpected runs: %v", runs)
	}

	parts, err := ses.RawMP2RAGEParts(1)
	if err != nil {
		t.Fatalf("RawMP2RAGEParts returned error: %v", err)
	}
	if !strings.HasSuffix(parts.INV2Phase, "run-1_inv-2_part-phase_MP2RAGE.nii.gz") {
		t.Fatalf("unexpected INV2 phase: %s", parts.INV2Phase)
	}
	if _, err := ses.RawMP2RAGEParts(2); !errors.Is(err, bids.ErrFileNotFound) {
		t.Fatalf("expected missing parts for run 2, got %v", err)
	}

	inv2, err := ses.RawINV2(1)
	if err != nil {
		t.Fatalf("RawINV2 returned error: %v", err)
	}
	if !strings.Contains(inv2, "run-1_inv-2_part-mag") {
		t.Fatalf("expected part-mag fallback, got %s", inv2)
	}
	if _, err := ses.RawINV2(1); err != nil {
		t.Fatal(err)
	}
	if inv2, err := ses.RawINV2(10); err != nil || !strings.Contains(inv2, "run-10_") {
		t.Fatalf("run 10 must not match run 1 files: %s %v", inv2, err)
	}
}

func TestRunNumberDefaultsToOne(t *testing.T) {
	if got := bids.RunNumber("sub-01_ses-01_inv-1_part-mag_MP2RAGE.nii.gz"); got != 1 {
		t.Fatalf("expected run 1, got %d", got)
	}
	if got := bids.RunNumber("sub-01_ses-01_run-3_T1w.nii.gz"); got != 3 {
		t.Fatalf("expected run 3, got %d", got)
	}
}

func TestDerivPathsAndLookup(t *testing.T) {
	layout := newStudy(t)
	ses := layout.Session("S01", "MR1")

	want := filepath.Join(layout.StudyDir, "derivatives", "anatprep", "sub-S01", "ses-MR1", "sub-S01_ses-MR1_run-1_desc-bet_mask.nii.gz")
	if got := ses.DerivPath("bet", "mask", 1, ""); got != want {
		t.Fatalf("DerivPath = %s, want %s", got, want)
	}
	pym := ses.DerivPath("pymp2rage", "T1w", 2, "pymp2rage")
	if !strings.Contains(pym, filepath.Join("ses-MR1", "pymp2rage", "sub-S01_ses-MR1_run-2_desc-pymp2rage_T1w.nii.gz")) {
		t.Fatalf("unexpected subdir path: %s", pym)
	}

	touch(t, ses.DerivPath("denoised", "T1w", 1, ""))
	touch(t, ses.DerivPath("spmmask", "mask", 1, ""))
	if got, ok := ses.FindFirstDeriv(1, "", "denoisedb1corr", "denoised"); !ok || !strings.Contains(got, "desc-denoised_") {
		t.Fatalf("unexpected FindFirstDeriv: %s %v", got, ok)
	}
	if _, ok := ses.FindDeriv("desc-denoised", 2, ""); ok {
		t.Fatal("run 2 should not match run 1 derivative")
	}

	if got := ses.IterDir(2); filepath.Base(got) != "iter-2" {
		t.Fatalf("unexpected iter dir: %s", got)
	}
	if got := ses.FMRIPrepT1w(); !strings.HasSuffix(got, filepath.Join("fmriprep", "sub-S01", "ses-MR1", "anat", "sub-S01_ses-MR1_desc-preproc_T1w.nii.gz")) {
		t.Fatalf("unexpected fmriprep T1w: %s", got)
	}
	if got := ses.LogPath("mask"); !strings.HasSuffix(got, filepath.Join("logs", "mask.log")) {
		t.Fatalf("unexpected log path: %s", got)
	}
}

func TestTB1MapAndFLAIR(t *testing.T) {
	ses := newStudy(t).Session("S01", "MR1")
	if path, _ := ses.TB1Map(1); !strings.HasSuffix(path, "acq-dream_run-1_TB1map.nii.gz") {
		t.Fatalf("expected TB1map for run 1, got %q", path)
	}
	if path, unmatched := ses.TB1Map(2); path != "" || unmatched {
		t.Fatalf("expected no TB1map for run 2, got %q %v", path, unmatched)
	}
	flair, err := ses.FLAIRFiles()
	if err != nil || len(flair) != 1 {
		t.Fatalf("unexpected FLAIR files: %v %v", flair, err)
	}
}
