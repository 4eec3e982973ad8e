package sinus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"anatprep/internal/deps"
	"anatprep/internal/fileutil"
	"anatprep/internal/logging"
	"anatprep/internal/preflight"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// EditStage implements sinus-edit.
type EditStage struct{}

// NewEdit returns the sinus-edit stage.
func NewEdit() *EditStage { return &EditStage{} }

// Name implements stage.Handler.
func (*EditStage) Name() string { return tracker.StageSinusEdit }

// Run implements stage.Handler. An existing final mask is reopened for
// further editing unless force is set, in which case it is reseeded.
func (s *EditStage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	ses := req.Session
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}

	var (
		result stage.Result
		errs   []error
	)
	for _, run := range runs {
		logger := req.Logger.With(logging.Int("run", run))
		final := FinalMask(ses, run)

		t1w, ok := stage.FirstExisting(EditBackground(ses, run)...)
		if !ok {
			errs = append(errs, stage.RequireInput(s.Name(), fmt.Sprintf("T1w for run-%d", run), tracker.StagePyMP2RAGE))
			continue
		}
		if err := s.seed(ctx, req, t1w, run); err != nil {
			errs = append(errs, err)
			continue
		}

		logger.Info("launching ITK-SNAP; edit the sinus mask, save (Ctrl+S) and close the window",
			logging.String("background", filepath.Base(t1w)),
			logging.String("overlay", filepath.Base(final)),
		)
		if err := LaunchEditor(ctx, req, t1w, final); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Outputs = append(result.Outputs, final)
		if missing := tracker.MissingOutputs([]string{final}); len(missing) > 0 {
			logging.WarnWithContext(logger, "no sinus mask found after editing", "sinus_edit_missing",
				logging.String("mask", final),
				logging.String(logging.FieldErrorHint, "save the segmentation to the overlay path before closing ITK-SNAP"),
			)
		}
	}
	return result, errors.Join(errs...)
}

// seed prepares the overlay: keep an existing final mask, else copy the
// automatic mask, else create an empty mask in the T1w grid.
func (s *EditStage) seed(ctx context.Context, req *stage.Request, t1w string, run int) error {
	ses := req.Session
	final := FinalMask(ses, run)
	if _, ok := stage.FirstExisting(final); ok && !req.Force {
		req.Logger.Info("final sinus mask exists; reopening it", logging.Int("run", run))
		return nil
	}
	auto, _ := AutoOutputs(ses, run)
	if _, ok := stage.FirstExisting(auto); ok {
		if err := fileutil.CopyFile(auto, final); err != nil {
			return services.Wrap(services.ErrExternalTool, s.Name(), "seed mask", "copy automatic mask", err)
		}
		return nil
	}
	logging.WarnWithContext(req.Logger, "no automatic sinus mask; editing from an empty mask", "sinus_auto_missing",
		logging.Int("run", run),
		logging.String(logging.FieldImpact, "the sinus must be drawn from scratch"),
		logging.String(logging.FieldErrorHint, "run 'anatprep sinus-auto' first when a FLAIR is available"),
	)
	cmd := toolexec.Command{
		Name: deps.ResolveTool(preflight.ToolFSLMaths, deps.EnvFSLDir),
		Args: []string{t1w, "-mul", "0", final, "-odt", "char"},
	}
	if err := req.Exec.Run(ctx, cmd); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "seed mask", "create empty mask", err)
	}
	return nil
}

// LaunchEditor opens ITK-SNAP with background as the main image and
// overlay as the segmentation, blocking until the window closes. A
// non-zero exit is logged; whether the overlay exists decides the outcome.
func LaunchEditor(ctx context.Context, req *stage.Request, background, overlay string) error {
	cmd := toolexec.Command{
		Name: req.Config.Tools.ITKSnapCmd,
		Args: []string{"-g", background, "-s", overlay},
	}
	err := req.Exec.Run(ctx, cmd)
	var exitErr *toolexec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		req.Logger.Warn("ITK-SNAP exited with an error", logging.Int("exit_code", exitErr.Code))
		return nil
	case errors.Is(err, services.ErrNotFound):
		return services.Wrap(services.ErrConfiguration, "itksnap", "launch",
			"ITK-SNAP not found; install it or set tools.itksnap_cmd", err)
	default:
		return err
	}
}
