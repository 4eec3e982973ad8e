package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/config"
	"anatprep/internal/services"
	"anatprep/internal/testsupport"
	"anatprep/internal/tracker"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFileReadable(t *testing.T) {
	f := testsupport.Touch(t, filepath.Join(t.TempDir(), "license.txt"))
	if r := CheckFileReadable("license", f); !r.Passed {
		t.Fatalf("expected pass, got %s", r.Detail)
	}
	if r := CheckFileReadable("license", ""); r.Passed || r.Detail != "not configured" {
		t.Fatalf("unexpected result for empty path: %+v", r)
	}
	if r := CheckFileReadable("license", filepath.Dir(f)); r.Passed {
		t.Fatal("expected failure for directory")
	}
}

func TestStudyStructure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := StudyStructure(cfg, "")
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Name] = r
	}
	if byName["config"].Passed || byName[config.MP2RAGEFileName].Passed {
		t.Fatalf("expected config and mp2rage.json to fail: %+v", results)
	}
	if !byName["rawdata/"].Passed || !byName["derivatives/"].Passed {
		t.Fatalf("expected rawdata and derivatives to pass: %+v", results)
	}

	cfg = testsupport.NewConfig(t, testsupport.WithMP2RAGEParams())
	for _, r := range StudyStructure(cfg, filepath.Join(cfg.CodeDir(), config.ConfigFileName)) {
		if !r.Passed {
			t.Fatalf("check %s failed: %s", r.Name, r.Detail)
		}
	}
}

func TestStageRequirementsFollowMaskMethod(t *testing.T) {
	cfg := config.Default()
	bet := StageRequirements(tracker.StageMask, config.MaskMethodBET, &cfg)
	if len(bet) != 1 || bet[0].Command != ToolBET {
		t.Fatalf("unexpected bet requirements: %+v", bet)
	}
	spm := StageRequirements(tracker.StageMask, config.MaskMethodSPM, &cfg)
	if len(spm) != 1 || spm[0].Command != cfg.Tools.MatlabCmd {
		t.Fatalf("unexpected spm requirements: %+v", spm)
	}
	for _, stage := range tracker.Stages {
		if len(StageRequirements(stage, config.MaskMethodBET, &cfg)) == 0 {
			t.Fatalf("stage %s has no requirements", stage)
		}
	}
}

func TestRunStageReportsMissingTools(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	t.Setenv("PATH", t.TempDir())
	t.Setenv("FSLDIR", "")

	err := RunStage(tracker.StageDenoise, "", cfg)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	for _, tool := range []string{ToolFSLStats, ToolFSLMaths} {
		if !strings.Contains(err.Error(), tool) {
			t.Fatalf("expected %s in %v", tool, err)
		}
	}
}

func TestRunStagePassesWithStubs(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(), testsupport.WithSPM(), testsupport.WithFreeSurferLicense())
	for _, stage := range tracker.Stages {
		if err := RunStage(stage, config.MaskMethodSPM, cfg); err != nil {
			t.Fatalf("stage %s: %v", stage, err)
		}
	}
}

func TestRunStageRequiresSPMAndLicense(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	if err := RunStage(tracker.StageCAT12, "", cfg); err == nil || !strings.Contains(err.Error(), "spm_path") {
		t.Fatalf("expected spm_path error, got %v", err)
	}
	if err := RunStage(tracker.StageFMRIPrep, "", cfg); err == nil || !strings.Contains(err.Error(), "freesurfer.license") {
		t.Fatalf("expected license error, got %v", err)
	}
}
