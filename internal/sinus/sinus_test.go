package sinus_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/denoise"
	"anatprep/internal/mask"
	"anatprep/internal/pymp2rage"
	"anatprep/internal/services"
	"anatprep/internal/sinus"
	"anatprep/internal/stagetest"
	"anatprep/internal/testsupport"
	"anatprep/internal/toolexec"
)

// fakeTools creates whatever file each tool is asked to write.
func fakeTools(t *testing.T) func(toolexec.Command) error {
	return func(cmd toolexec.Command) error {
		switch filepath.Base(cmd.Name) {
		case "flirt":
			testsupport.Touch(t, stagetest.ArgAfter(cmd, "-out"))
			testsupport.Touch(t, stagetest.ArgAfter(cmd, "-omat"))
		case "fslmaths":
			testsupport.Touch(t, cmd.Args[3])
		case "bet":
			testsupport.Touch(t, cmd.Args[1]+"_mask.nii.gz")
			testsupport.Touch(t, cmd.Args[1]+".nii.gz")
		case "maskfilter":
			testsupport.Touch(t, cmd.Args[2])
		}
		return nil
	}
}

func session(t *testing.T) (*config.Config, bids.Session) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	testsupport.AddMP2RAGERun(t, ses, 1)
	return cfg, ses
}

func TestAutoOutputs(t *testing.T) {
	ses := bids.NewLayout("/study").Session("S01", "MR1")
	out, dilated := sinus.AutoOutputs(ses, 2)
	if !strings.HasSuffix(out, "sub-S01_ses-MR1_run-2_desc-sinusauto_mask.nii.gz") {
		t.Fatalf("mask = %s", out)
	}
	if !strings.HasSuffix(dilated, "sub-S01_ses-MR1_run-2_desc-sinusauto_mask_dilated.nii.gz") {
		t.Fatalf("dilated = %s", dilated)
	}
	img, mat := sinus.RegisteredFLAIR(ses, "/raw/sub-S01_ses-MR1_FLAIR.nii.gz", 2)
	if filepath.Base(img) != "sub-S01_ses-MR1_run-2_space-t1w_FLAIR.nii.gz" || filepath.Base(filepath.Dir(mat)) != "xfm" {
		t.Fatalf("registration paths = %s %s", img, mat)
	}
}

func TestAutoPipeline(t *testing.T) {
	cfg, ses := session(t)
	flair := testsupport.AddFLAIR(t, ses)
	testsupport.Touch(t, pymp2rage.RunOutputs(ses, 1).T1w)
	denoised := testsupport.Touch(t, denoise.OutputPath(ses, 1, false))
	spm := testsupport.Touch(t, mask.OutputPath(ses, config.MaskMethodSPM, 1))
	bet := testsupport.Touch(t, mask.OutputPath(ses, config.MaskMethodBET, 1))

	rec := &toolexec.Recorder{Handler: fakeTools(t)}
	res, err := sinus.NewAuto().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"flirt", "fslmaths", "bet", "maskfilter"}
	if got := rec.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("tools = %v, want %v", got, want)
	}
	calls := rec.Calls()
	if stagetest.ArgAfter(calls[0], "-in") != flair || stagetest.ArgAfter(calls[0], "-ref") != denoised {
		t.Fatalf("unexpected registration %s", calls[0])
	}
	if stagetest.ArgAfter(calls[0], "-cost") != "mutualinfo" || stagetest.ArgAfter(calls[0], "-dof") != "6" {
		t.Fatalf("unexpected registration options %s", calls[0])
	}
	if stagetest.ArgAfter(calls[1], "-mas") != bet || strings.Contains(calls[1].String(), spm) {
		t.Fatalf("BET mask should be preferred: %s", calls[1])
	}
	if stagetest.ArgAfter(calls[3], "-npass") != "1" {
		t.Fatalf("unexpected dilation %s", calls[3])
	}
	for _, out := range res.Outputs {
		if _, err := os.Stat(out); err != nil {
			t.Fatalf("missing output %s", out)
		}
	}
	leftovers, _ := filepath.Glob(filepath.Join(ses.DerivDir(), ".sinus-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp dirs left behind: %v", leftovers)
	}

	// A second pass with force reuses nothing and re-registers.
	req := stagetest.NewRequest(t, cfg, ses, rec)
	req.Force = true
	if _, err := sinus.NewAuto().Run(context.Background(), req); err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if n := len(rec.Calls()); n != 8 {
		t.Fatalf("expected 8 calls after forced rerun, got %d", n)
	}
}

func TestAutoRequiresFLAIR(t *testing.T) {
	cfg, ses := session(t)
	_, err := sinus.NewAuto().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, &toolexec.Recorder{}))
	if !errors.Is(err, services.ErrNotFound) || !strings.Contains(err.Error(), "FLAIR") {
		t.Fatalf("expected FLAIR error, got %v", err)
	}
}

func TestEditSeedsFromAutoMask(t *testing.T) {
	cfg, ses := session(t)
	t1w := testsupport.Touch(t, pymp2rage.RunOutputs(ses, 1).T1w)
	auto, _ := sinus.AutoOutputs(ses, 1)
	testsupport.Touch(t, auto)

	rec := &toolexec.Recorder{}
	res, err := sinus.NewEdit().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := sinus.FinalMask(ses, 1)
	if len(res.Outputs) != 1 || res.Outputs[0] != final {
		t.Fatalf("outputs = %v", res.Outputs)
	}
	calls := rec.Calls()
	if len(calls) != 1 || calls[0].Name != cfg.Tools.ITKSnapCmd {
		t.Fatalf("expected only ITK-SNAP, got %v", rec.Names())
	}
	if stagetest.ArgAfter(calls[0], "-g") != t1w || stagetest.ArgAfter(calls[0], "-s") != final {
		t.Fatalf("unexpected ITK-SNAP args %v", calls[0].Args)
	}
}

func TestEditCreatesEmptyMaskWithoutAuto(t *testing.T) {
	cfg, ses := session(t)
	denoised := testsupport.Touch(t, denoise.OutputPath(ses, 1, false))

	rec := &toolexec.Recorder{Handler: fakeTools(t)}
	if _, err := sinus.NewEdit().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	calls := rec.Calls()
	if len(calls) != 2 || filepath.Base(calls[0].Name) != "fslmaths" {
		t.Fatalf("expected fslmaths then itksnap, got %v", rec.Names())
	}
	if calls[0].Args[0] != denoised || stagetest.ArgAfter(calls[0], "-mul") != "0" {
		t.Fatalf("unexpected empty-mask call %s", calls[0])
	}
}

func TestEditKeepsExistingFinalMask(t *testing.T) {
	cfg, ses := session(t)
	testsupport.Touch(t, pymp2rage.RunOutputs(ses, 1).T1w)
	final := sinus.FinalMask(ses, 1)
	testsupport.WriteFile(t, final, 64)
	auto, _ := sinus.AutoOutputs(ses, 1)
	testsupport.Touch(t, auto)

	rec := &toolexec.Recorder{}
	if _, err := sinus.NewEdit().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	info, err := os.Stat(final)
	if err != nil || info.Size() != 64 {
		t.Fatalf("existing final mask must be reopened untouched: %v %v", info, err)
	}
}

func TestEditToleratesEditorExitCode(t *testing.T) {
	cfg, ses := session(t)
	testsupport.Touch(t, pymp2rage.RunOutputs(ses, 1).T1w)
	auto, _ := sinus.AutoOutputs(ses, 1)
	testsupport.Touch(t, auto)

	rec := &toolexec.Recorder{Handler: func(cmd toolexec.Command) error {
		return services.Wrap(services.ErrExternalTool, "toolexec", "wait", "itksnap failed", &toolexec.ExitError{Command: cmd.Name, Code: 1})
	}}
	if _, err := sinus.NewEdit().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec)); err != nil {
		t.Fatalf("non-zero ITK-SNAP exit should not fail the stage: %v", err)
	}

	rec.Handler = func(toolexec.Command) error {
		return services.Wrap(services.ErrNotFound, "toolexec", "start", "itksnap is not installed", nil)
	}
	res, err := sinus.NewEdit().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing editor, got %v", err)
	}
	if len(res.Outputs) != 0 {
		t.Fatalf("seeded mask must not be reported after a failed launch: %v", res.Outputs)
	}
}
