// Package cat12 runs the CAT12 tissue segmentation on the denoised T1w.
package cat12

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"anatprep/internal/denoise"
	"anatprep/internal/logging"
	"anatprep/internal/matlab"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/tracker"
)

// Stage implements the cat12 stage.
type Stage struct{}

// New returns the stage.
func New() *Stage { return &Stage{} }

// Name implements stage.Handler.
func (*Stage) Name() string { return tracker.StageCAT12 }

// Outputs returns the modulated GM (mwp1) and label (p0) images CAT12
// writes for input into dir.
func Outputs(dir, input string) []string {
	base := strings.TrimSuffix(filepath.Base(input), ".gz")
	return []string{
		filepath.Join(dir, "mwp1"+base),
		filepath.Join(dir, "p0"+base),
	}
}

// Run implements stage.Handler.
func (s *Stage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	if err := req.Config.RequireSPM(); err != nil {
		return stage.Result{}, services.Wrap(services.ErrConfiguration, s.Name(), "check SPM", "CAT12 needs tools.spm_path", err)
	}
	ses := req.Session
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}
	runner := matlab.Runner{MatlabCmd: req.Config.Tools.MatlabCmd, Exec: req.Exec}

	var (
		result  stage.Result
		errs    []error
		skipped = true
	)
	for _, run := range runs {
		logger := req.Logger.With(logging.Int("run", run))
		input, ok := stage.FirstExisting(denoise.OutputPath(ses, run, false))
		if !ok {
			errs = append(errs, stage.RequireInput(s.Name(), fmt.Sprintf("denoised T1w for run-%d", run), tracker.StageDenoise))
			continue
		}
		dir := ses.CAT12Dir(run)
		outputs := Outputs(dir, input)
		result.Outputs = append(result.Outputs, outputs...)

		skip, err := stage.Guard(logger, req.Force, outputs...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if skip {
			continue
		}
		skipped = false
		if err := stage.EnsureDir(dir); err != nil {
			errs = append(errs, err)
			continue
		}

		logger.Info("running CAT12", logging.String("input", filepath.Base(input)), logging.String("output_dir", dir))
		job := matlab.CAT12Job{
			SPMPath:   req.Config.Tools.SPMPath,
			Input:     input,
			OutputDir: dir,
			// nproc > 0 makes CAT12 return before its workers finish.
			NProc: 0,
		}
		if err := runner.CAT12(ctx, job, ses.LogDir(), fmt.Sprintf("cat12_run%d", run)); err != nil {
			errs = append(errs, services.Wrap(services.ErrExternalTool, s.Name(), "segment", fmt.Sprintf("CAT12 failed for run-%d", run), err))
			continue
		}
		if missing := tracker.MissingOutputs(outputs); len(missing) > 0 {
			logging.WarnWithContext(logger, "CAT12 did not produce expected outputs", "cat12_outputs_missing",
				logging.Strings("missing", missing),
				logging.String(logging.FieldImpact, "run is recorded as failed"),
				logging.String(logging.FieldErrorHint, "see the MATLAB output in the stage log"),
			)
		}
	}
	result.Skipped = skipped && len(errs) == 0
	return result, errors.Join(errs...)
}
