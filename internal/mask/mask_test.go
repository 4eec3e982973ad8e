package mask_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/config"
	"anatprep/internal/mask"
	"anatprep/internal/services"
	"anatprep/internal/stagetest"
	"anatprep/internal/testsupport"
	"anatprep/internal/toolexec"
)

// fakeBET writes <prefix>_mask.nii.gz and <prefix>.nii.gz like bet -m.
func fakeBET(t *testing.T) func(toolexec.Command) error {
	return func(cmd toolexec.Command) error {
		prefix := cmd.Args[1]
		testsupport.Touch(t, prefix+"_mask.nii.gz")
		testsupport.Touch(t, prefix+".nii.gz")
		return nil
	}
}

func TestBETMask(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	parts := testsupport.AddMP2RAGERun(t, ses, 1)

	rec := &toolexec.Recorder{Handler: fakeBET(t)}
	stg, err := mask.New(config.MaskMethodBET)
	if err != nil {
		t.Fatal(err)
	}
	res, err := stg.Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := mask.OutputPath(ses, config.MaskMethodBET, 1)
	if len(res.Outputs) != 1 || res.Outputs[0] != want {
		t.Fatalf("outputs = %v, want %s", res.Outputs, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("mask not moved into place: %v", err)
	}
	if !strings.Contains(want, "_run-1_desc-bet_mask.nii.gz") {
		t.Fatalf("unexpected mask name %s", want)
	}

	cmd := rec.Calls()[0]
	if cmd.Args[0] != parts.INV2Mag {
		t.Fatalf("expected INV2 magnitude fallback, got %s", cmd.Args[0])
	}
	if stagetest.ArgAfter(cmd, "-f") != "0.3" || stagetest.ArgAfter(cmd, "-g") != "-0.1" || cmd.Args[len(cmd.Args)-1] != "-m" {
		t.Fatalf("unexpected bet args %v", cmd.Args)
	}
	leftovers, _ := filepath.Glob(filepath.Join(ses.DerivDir(), "_bet_tmp*"))
	if len(leftovers) != 0 {
		t.Fatalf("temporary BET files left behind: %v", leftovers)
	}
}

func TestBETMissingMaskIsToolError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	testsupport.AddMP2RAGERun(t, ses, 1)

	stg, _ := mask.New(config.MaskMethodBET)
	_, err := stg.Run(context.Background(), stagetest.NewRequest(t, cfg, ses, &toolexec.Recorder{}))
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected ErrExternalTool, got %v", err)
	}
}

func TestSPMMaskRendersBatch(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSPM())
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	testsupport.AddMP2RAGERun(t, ses, 1)

	var script string
	rec := &toolexec.Recorder{Handler: func(cmd toolexec.Command) error {
		script = cmd.Args[len(cmd.Args)-1]
		testsupport.Touch(t, mask.OutputPath(ses, config.MaskMethodSPM, 1))
		return nil
	}}
	stg, _ := mask.New(config.MaskMethodSPM)
	res, err := stg.Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasSuffix(res.Outputs[0], "desc-spmmask_mask.nii.gz") {
		t.Fatalf("unexpected output %v", res.Outputs)
	}
	if rec.Calls()[0].Name != cfg.Tools.MatlabCmd || !strings.Contains(script, "spm_brainmask_run1.m") {
		t.Fatalf("unexpected matlab call %+v", rec.Calls()[0])
	}
}

func TestSPMRequiresPath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Tools.SPMPath = ""
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	testsupport.AddMP2RAGERun(t, ses, 1)

	stg, _ := mask.New(config.MaskMethodSPM)
	_, err := stg.Run(context.Background(), stagetest.NewRequest(t, cfg, ses, &toolexec.Recorder{}))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestUnknownMethod(t *testing.T) {
	if _, err := mask.New("fancy"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
