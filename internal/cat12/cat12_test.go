package cat12_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"anatprep/internal/cat12"
	"anatprep/internal/denoise"
	"anatprep/internal/services"
	"anatprep/internal/stagetest"
	"anatprep/internal/testsupport"
	"anatprep/internal/toolexec"
)

func TestOutputsNamedAfterUncompressedInput(t *testing.T) {
	got := cat12.Outputs("/d/cat12/run-1", "/d/sub-S01_ses-MR1_run-1_desc-denoised_T1w.nii.gz")
	want := []string{
		"/d/cat12/run-1/mwp1sub-S01_ses-MR1_run-1_desc-denoised_T1w.nii",
		"/d/cat12/run-1/p0sub-S01_ses-MR1_run-1_desc-denoised_T1w.nii",
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Outputs = %v", got)
	}
}

func TestCAT12RunsBatchPerRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSPM())
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	testsupport.AddMP2RAGERun(t, ses, 1)
	input := testsupport.Touch(t, denoise.OutputPath(ses, 1, false))
	outputs := cat12.Outputs(ses.CAT12Dir(1), input)

	rec := &toolexec.Recorder{Handler: func(cmd toolexec.Command) error {
		script := strings.TrimSuffix(strings.TrimPrefix(cmd.Args[len(cmd.Args)-1], "run('"), "')")
		src, err := os.ReadFile(script)
		if err != nil {
			return err
		}
		if !strings.Contains(string(src), input) || !strings.Contains(string(src), "nproc = 0") {
			t.Errorf("unexpected batch:\n%s", src)
		}
		for _, out := range outputs {
			testsupport.Touch(t, out)
		}
		return nil
	}}

	res, err := cat12.New().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Outputs) != 2 || filepath.Dir(res.Outputs[0]) != ses.CAT12Dir(1) {
		t.Fatalf("outputs = %v", res.Outputs)
	}

	again, err := cat12.New().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, rec))
	if err != nil || !again.Skipped || len(rec.Calls()) != 1 {
		t.Fatalf("second run should skip: %+v %v calls=%d", again, err, len(rec.Calls()))
	}
}

func TestCAT12NeedsDenoisedInput(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSPM())
	ses := testsupport.AddSession(t, cfg, "S01", "MR1")
	testsupport.AddMP2RAGERun(t, ses, 1)

	_, err := cat12.New().Run(context.Background(), stagetest.NewRequest(t, cfg, ses, &toolexec.Recorder{}))
	if !errors.Is(err, services.ErrNotFound) || !strings.Contains(err.Error(), "anatprep denoise") {
		t.Fatalf("expected denoise hint, got %v", err)
	}
}
