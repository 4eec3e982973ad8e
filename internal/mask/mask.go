// Package mask creates a brain mask from the second MP2RAGE inversion with
// either FSL BET or an SPM segmentation.
package mask

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/deps"
	"anatprep/internal/fileutil"
	"anatprep/internal/logging"
	"anatprep/internal/matlab"
	"anatprep/internal/preflight"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// Desc labels per method.
const (
	DescBET     = "bet"
	DescSPMMask = "spmmask"
)

// Stage implements the mask stage.
type Stage struct {
	Method string
}

// New returns the stage for method, which must be "bet" or "spm".
func New(method string) (*Stage, error) {
	switch method {
	case config.MaskMethodBET, config.MaskMethodSPM:
		return &Stage{Method: method}, nil
	}
	return nil, services.Wrap(services.ErrValidation, tracker.StageMask, "select method",
		fmt.Sprintf("unknown masking method %q; choose %q or %q", method, config.MaskMethodBET, config.MaskMethodSPM), nil)
}

// Name implements stage.Handler.
func (*Stage) Name() string { return tracker.StageMask }

// Desc returns the output desc label for method.
func Desc(method string) string {
	if method == config.MaskMethodSPM {
		return DescSPMMask
	}
	return DescBET
}

// OutputPath returns the mask path method writes for run.
func OutputPath(ses bids.Session, method string, run int) string {
	return ses.DerivPath(Desc(method), "mask", run, "")
}

// Run implements stage.Handler.
func (s *Stage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	if s.Method == config.MaskMethodSPM {
		if err := req.Config.RequireSPM(); err != nil {
			return stage.Result{}, services.Wrap(services.ErrConfiguration, s.Name(), "check SPM", "SPM masking needs tools.spm_path", err)
		}
	}
	ses := req.Session
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}
	req.Logger.Info("creating brain mask", logging.String("method", s.Method))

	var (
		result  stage.Result
		errs    []error
		skipped = true
	)
	for _, run := range runs {
		logger := req.Logger.With(logging.Int("run", run))
		output := OutputPath(ses, s.Method, run)
		result.Outputs = append(result.Outputs, output)

		skip, err := stage.Guard(logger, req.Force, output)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if skip {
			continue
		}
		skipped = false

		inv2, err := ses.RawINV2(run)
		if err != nil {
			errs = append(errs, services.Wrap(services.ErrNotFound, s.Name(), "resolve inputs", fmt.Sprintf("no INV2 image for run-%d", run), err))
			continue
		}
		logger.Info("masking INV2", logging.String("inv2", filepath.Base(inv2)), logging.String("output", output))

		if s.Method == config.MaskMethodSPM {
			err = s.runSPM(ctx, req, inv2, output, run)
		} else {
			err = s.runBET(ctx, req, inv2, output, run)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	result.Skipped = skipped && len(errs) == 0
	return result, errors.Join(errs...)
}

// BETCommand builds the bet invocation writing <prefix>_mask.nii.gz.
func BETCommand(cfg *config.Config, inv2, prefix string) toolexec.Command {
	return toolexec.Command{
		Name: deps.ResolveTool(preflight.ToolBET, deps.EnvFSLDir),
		Args: []string{
			inv2, prefix,
			"-f", strconv.FormatFloat(cfg.Mask.BETFrac, 'f', -1, 64),
			"-g", strconv.FormatFloat(cfg.Mask.BETGrad, 'f', -1, 64),
			"-m",
		},
	}
}

func (s *Stage) runBET(ctx context.Context, req *stage.Request, inv2, output string, run int) error {
	prefix := filepath.Join(req.Session.DerivDir(), fmt.Sprintf("_bet_tmp_run-%d", run))
	if err := req.Exec.Run(ctx, BETCommand(req.Config, inv2, prefix)); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "bet", fmt.Sprintf("BET failed for run-%d", run), err)
	}
	betMask := prefix + "_mask" + bids.NIfTIExt
	if err := fileutil.MoveFile(betMask, output); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "bet", "BET did not produce the expected mask file", err)
	}
	if err := fileutil.RemoveFiles(prefix + bids.NIfTIExt); err != nil {
		req.Logger.Debug("could not remove BET brain image", logging.Error(err))
	}
	return nil
}

func (s *Stage) runSPM(ctx context.Context, req *stage.Request, inv2, output string, run int) error {
	workDir := filepath.Join(req.Session.LogDir(), fmt.Sprintf("spmmask_run-%d", run))
	if err := stage.EnsureDir(workDir); err != nil {
		return err
	}
	runner := matlab.Runner{MatlabCmd: req.Config.Tools.MatlabCmd, Exec: req.Exec}
	job := matlab.BrainMaskJob{
		SPMPath: req.Config.Tools.SPMPath,
		Input:   inv2,
		Output:  output,
		WorkDir: workDir,
	}
	if err := runner.BrainMask(ctx, job, workDir, fmt.Sprintf("spm_brainmask_run%d", run)); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "spm", fmt.Sprintf("SPM mask failed for run-%d", run), err)
	}
	return nil
}
