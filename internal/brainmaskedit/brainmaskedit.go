// Package brainmaskedit lets the user correct the brain mask of the current
// iteration in ITK-SNAP and then advances the session to the next
// iteration with the edited mask as its source.
package brainmaskedit

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"anatprep/internal/bids"
	"anatprep/internal/deps"
	"anatprep/internal/denoise"
	"anatprep/internal/fileutil"
	"anatprep/internal/logging"
	"anatprep/internal/preflight"
	"anatprep/internal/pymp2rage"
	"anatprep/internal/services"
	"anatprep/internal/sinus"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// ConvertedName is the NIfTI written from FreeSurfer's brainmask.mgz.
const ConvertedName = "brainmask_fs" + bids.NIfTIExt

// Stage implements brainmask-edit.
type Stage struct{}

// New returns the stage.
func New() *Stage { return &Stage{} }

// Name implements stage.Handler.
func (*Stage) Name() string { return tracker.StageBrainmaskEdit }

// Run implements stage.Handler.
func (s *Stage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	if err := s.checkState(req); err != nil {
		return stage.Result{}, err
	}
	ses := req.Session
	iterDir := ses.IterDir(req.Iteration())

	brainmask, err := s.locate(ctx, req, iterDir)
	if err != nil {
		return stage.Result{}, err
	}
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}
	background, ok := stage.FirstExisting(
		denoise.OutputPath(ses, runs[0], false),
		pymp2rage.RunOutputs(ses, runs[0]).T1w,
	)
	if !ok {
		return stage.Result{}, stage.RequireInput(s.Name(), "T1w background image", tracker.StagePyMP2RAGE)
	}

	req.Logger.Info("launching ITK-SNAP; edit the brain mask, save (Ctrl+S) and close the window",
		logging.String("background", filepath.Base(background)),
		logging.String("brainmask", filepath.Base(brainmask)),
	)
	// The mask exists before editing, so an editor failure must not report
	// it as an output.
	if err := sinus.LaunchEditor(ctx, req, background, brainmask); err != nil {
		return stage.Result{}, err
	}
	return stage.Result{Outputs: []string{brainmask}}, nil
}

// checkState refuses to open the editor when the result could not advance
// the iteration anyway.
func (s *Stage) checkState(req *stage.Request) error {
	rec := req.Record
	label := req.Session.String()
	switch {
	case rec == nil || rec.StatusOf(tracker.StageFMRIPrep) != tracker.StatusCompleted:
		return services.Wrap(services.ErrValidation, s.Name(), "check state",
			fmt.Sprintf("%s: fmriprep has not completed in iteration %d; run 'anatprep fmriprep' first", label, req.Iteration()),
			tracker.ErrInvalidTransition)
	case rec.Finalized:
		return services.Wrap(services.ErrValidation, s.Name(), "check state",
			fmt.Sprintf("%s is finalized at iteration %d", label, rec.CurrentIteration), tracker.ErrInvalidTransition)
	case req.Tracker != nil && rec.CurrentIteration >= req.Tracker.MaxIterations():
		return services.Wrap(services.ErrValidation, s.Name(), "check state",
			fmt.Sprintf("%s is at the maximum of %d iterations; finalize instead", label, req.Tracker.MaxIterations()),
			tracker.ErrInvalidTransition)
	}
	return nil
}

// locate returns the mask this iteration started from, else a brain mask
// in the iteration directory, converting FreeSurfer's brainmask.mgz when the
// directory holds none.
func (s *Stage) locate(ctx context.Context, req *stage.Request, iterDir string) (string, error) {
	if src := req.Record.Source(); src != "" {
		if path, ok := stage.FirstExisting(src); ok {
			return path, nil
		}
	}
	if path, ok := FindIterationMask(iterDir); ok {
		return path, nil
	}
	mgz := req.Session.FreeSurferBrainmask()
	if _, ok := stage.FirstExisting(mgz); !ok {
		return "", services.Wrap(services.ErrNotFound, s.Name(), "locate mask",
			fmt.Sprintf("no brain mask in %s and no FreeSurfer %s; run 'anatprep fmriprep' first", iterDir, mgz), nil)
	}
	if err := stage.EnsureDir(iterDir); err != nil {
		return "", err
	}
	out := filepath.Join(iterDir, ConvertedName)
	req.Logger.Info("converting FreeSurfer brainmask.mgz to NIfTI", logging.String("output", out))
	cmd := toolexec.Command{
		Name: deps.ResolveTool(preflight.ToolMRIConvert, deps.EnvFreeSurferHome),
		Args: []string{mgz, out},
	}
	if err := req.Exec.Run(ctx, cmd); err != nil {
		return "", services.Wrap(services.ErrExternalTool, s.Name(), "mri_convert",
			"could not convert brainmask.mgz; is FreeSurfer installed?", err)
	}
	return out, nil
}

// FindIterationMask returns the first brain mask in iterDir. Sinus masks
// snapshotted alongside are ignored.
func FindIterationMask(iterDir string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(iterDir, "*mask*"+bids.NIfTIExt))
	if err != nil {
		return "", false
	}
	sort.Strings(matches)
	for _, path := range matches {
		name := filepath.Base(path)
		if strings.Contains(name, "desc-"+sinus.DescAuto) || strings.Contains(name, "desc-"+sinus.DescFinal) {
			continue
		}
		if _, ok := stage.FirstExisting(path); ok {
			return path, true
		}
	}
	return "", false
}

// AfterRecord implements stage.AfterRecorder: the edited mask is copied into
// the next iteration directory, which becomes the new brainmask source.
func (s *Stage) AfterRecord(_ context.Context, req *stage.Request, res stage.Result) error {
	if len(res.Outputs) == 0 {
		return nil
	}
	edited := res.Outputs[0]
	next := req.Iteration() + 1
	dst := filepath.Join(req.Session.IterDir(next), filepath.Base(edited))
	if err := stage.EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := fileutil.CopyFile(edited, dst); err != nil {
		return fmt.Errorf("copy edited mask: %w", err)
	}
	rec, err := req.Tracker.StartNewIteration(req.Session.Subject, req.Session.Session, dst)
	if err != nil {
		return err
	}
	req.Logger.Info("advanced to the next iteration; run 'anatprep fmriprep' with the refined mask",
		logging.Int(logging.FieldIteration, rec.CurrentIteration),
		logging.String("brainmask_source", dst),
	)
	return nil
}
