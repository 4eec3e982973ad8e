package sinus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/deps"
	"anatprep/internal/fileutil"
	"anatprep/internal/logging"
	"anatprep/internal/preflight"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// AutoStage implements sinus-auto.
type AutoStage struct{}

// NewAuto returns the sinus-auto stage.
func NewAuto() *AutoStage { return &AutoStage{} }

// Name implements stage.Handler.
func (*AutoStage) Name() string { return tracker.StageSinusAuto }

// Run implements stage.Handler.
func (s *AutoStage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	ses := req.Session
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}
	flairs, err := ses.FLAIRFiles()
	if err != nil {
		return stage.Result{}, err
	}
	if len(flairs) == 0 {
		return stage.Result{}, services.Wrap(services.ErrNotFound, s.Name(), "find FLAIR",
			"sinus-auto requires a FLAIR image; run 'anatprep sinus-edit' to draw the mask on the T1w instead", nil)
	}
	flair := flairs[0]
	req.Logger.Info("FLAIR found", logging.String("flair", filepath.Base(flair)), logging.Int("count", len(flairs)))

	var (
		result  stage.Result
		errs    []error
		skipped = true
	)
	for _, run := range runs {
		logger := req.Logger.With(logging.Int("run", run))
		out, dilated := AutoOutputs(ses, run)
		result.Outputs = append(result.Outputs, out, dilated)

		skip, err := stage.Guard(logger, req.Force, out, dilated)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if skip {
			continue
		}
		skipped = false

		t1w, ok := stage.FirstExisting(ReferenceT1w(ses, run)...)
		if !ok {
			errs = append(errs, stage.RequireInput(s.Name(), fmt.Sprintf("T1w for run-%d", run), tracker.StagePyMP2RAGE))
			continue
		}
		brainMask, ok := stage.FirstExisting(BrainMasks(ses, run)...)
		if !ok {
			errs = append(errs, stage.RequireInput(s.Name(), fmt.Sprintf("brain mask for run-%d", run), tracker.StageMask))
			continue
		}
		logger.Info("deriving sinus mask from FLAIR",
			logging.String("t1w", filepath.Base(t1w)),
			logging.String("brain_mask", filepath.Base(brainMask)),
		)
		if err := s.derive(ctx, req, flair, t1w, brainMask, run); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Info("auto sinus mask written; run 'anatprep sinus-edit' to refine it",
			logging.String("mask", filepath.Base(out)),
			logging.String("dilated", filepath.Base(dilated)),
		)
	}
	result.Skipped = skipped && len(errs) == 0
	return result, errors.Join(errs...)
}

// derive registers, masks and brain-extracts the FLAIR, then dilates.
func (s *AutoStage) derive(ctx context.Context, req *stage.Request, flair, t1w, brainMask string, run int) error {
	ses := req.Session
	cfg := req.Config
	out, dilated := AutoOutputs(ses, run)
	registered, matrix := RegisteredFLAIR(ses, flair, run)

	if req.Force {
		if err := fileutil.RemoveFiles(registered, matrix); err != nil {
			return err
		}
	}
	if _, ok := stage.FirstExisting(registered); !ok {
		if err := stage.EnsureDir(ses.XfmDir()); err != nil {
			return err
		}
		req.Logger.Info("registering FLAIR to T1w (FLIRT 6-DOF, mutual information)")
		if err := s.exec(ctx, req, RegisterCommand(flair, t1w, registered, matrix)); err != nil {
			return err
		}
	}

	tmp, err := os.MkdirTemp(ses.DerivDir(), ".sinus-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	masked := filepath.Join(tmp, "flair_masked"+bids.NIfTIExt)
	prefix := filepath.Join(tmp, "bet_flair")
	cmds := []toolexec.Command{
		{Name: deps.ResolveTool(preflight.ToolFSLMaths, deps.EnvFSLDir), Args: []string{registered, "-mas", brainMask, masked}},
		BETCommand(cfg, masked, prefix),
	}
	for _, cmd := range cmds {
		if err := s.exec(ctx, req, cmd); err != nil {
			return err
		}
	}
	if err := fileutil.MoveFile(prefix+"_mask"+bids.NIfTIExt, out); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "bet", "BET did not produce the expected mask; check FLAIR quality", err)
	}
	return s.exec(ctx, req, DilateCommand(out, dilated, cfg.Sinus.DilatePasses))
}

func (s *AutoStage) exec(ctx context.Context, req *stage.Request, cmd toolexec.Command) error {
	if err := req.Exec.Run(ctx, cmd); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), filepath.Base(cmd.Name), "sinus mask generation failed", err)
	}
	return nil
}

// RegisterCommand builds the rigid FLAIR to T1w registration.
func RegisterCommand(flair, t1w, out, matrix string) toolexec.Command {
	return toolexec.Command{
		Name: deps.ResolveTool(preflight.ToolFLIRT, deps.EnvFSLDir),
		Args: []string{
			"-in", flair,
			"-ref", t1w,
			"-out", out,
			"-omat", matrix,
			"-dof", "6",
			"-cost", "mutualinfo",
			"-searchrx", "-90", "90",
			"-searchry", "-90", "90",
			"-searchrz", "-90", "90",
			"-interp", "trilinear",
		},
	}
}

// BETCommand extracts the brain from the masked FLAIR.
func BETCommand(cfg *config.Config, in, prefix string) toolexec.Command {
	return toolexec.Command{
		Name: deps.ResolveTool(preflight.ToolBET, deps.EnvFSLDir),
		Args: []string{
			in, prefix,
			"-f", strconv.FormatFloat(cfg.Sinus.BETFrac, 'f', -1, 64),
			"-g", strconv.FormatFloat(cfg.Sinus.BETGrad, 'f', -1, 64),
			"-m",
		},
	}
}

// DilateCommand dilates in with MRtrix maskfilter.
func DilateCommand(in, out string, passes int) toolexec.Command {
	if passes < 1 {
		passes = 1
	}
	return toolexec.Command{
		Name: preflight.ToolMaskFilter,
		Args: []string{in, "dilate", out, "-npass", strconv.Itoa(passes), "-force"},
	}
}
