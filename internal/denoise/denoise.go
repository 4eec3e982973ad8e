// Package denoise suppresses the salt-and-pepper background of the UNIT1
// image. Inside the brain mask the T1w is scaled by the mean normalized INV2
// intensity; outside it is weighted voxelwise by the normalized INV2:
//
//	t1w*mask*mean(inv2n[mask]) + t1w*inv2n*(1-mask),  inv2n = inv2/max(inv2)
//
// The arithmetic is delegated to fslstats and fslmaths.
package denoise

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/deps"
	"anatprep/internal/logging"
	"anatprep/internal/mask"
	"anatprep/internal/preflight"
	"anatprep/internal/pymp2rage"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// Output desc labels.
const (
	DescDenoised       = "denoised"
	DescDenoisedB1Corr = "denoisedb1corr"
)

// Stage implements the denoise stage.
type Stage struct{}

// New returns the stage.
func New() *Stage { return &Stage{} }

// Name implements stage.Handler.
func (*Stage) Name() string { return tracker.StageDenoise }

// OutputPath returns the denoised T1w of run; b1corr selects the variant
// computed from the B1-corrected UNIT1.
func OutputPath(ses bids.Session, run int, b1corr bool) string {
	if b1corr {
		return ses.DerivPath(DescDenoisedB1Corr, "T1w", run, "")
	}
	return ses.DerivPath(DescDenoised, "T1w", run, "")
}

// Inputs are the images one denoising pass reads.
type Inputs struct {
	T1w  string
	Mask string
	INV2 string
}

type job struct {
	in     Inputs
	output string
}

// Run implements stage.Handler.
func (s *Stage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	ses := req.Session
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}

	var (
		result  stage.Result
		errs    []error
		skipped = true
	)
	for _, run := range runs {
		logger := req.Logger.With(logging.Int("run", run))
		jobs, err := s.plan(ses, run)
		if err != nil {
			errs = append(errs, err)
			result.Outputs = append(result.Outputs, OutputPath(ses, run, false))
			continue
		}
		for _, j := range jobs {
			result.Outputs = append(result.Outputs, j.output)
			skip, err := stage.Guard(logger, req.Force, j.output)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if skip {
				continue
			}
			skipped = false
			logger.Info("denoising",
				logging.String("t1w", filepath.Base(j.in.T1w)),
				logging.String("mask", filepath.Base(j.in.Mask)),
				logging.String("inv2", filepath.Base(j.in.INV2)),
			)
			if err := RemoveBackground(ctx, req.Exec, j.in, j.output); err != nil {
				errs = append(errs, err)
			}
		}
	}
	result.Skipped = skipped && len(errs) == 0
	return result, errors.Join(errs...)
}

// plan resolves the inputs of run. A B1-corrected UNIT1 adds a second pass.
func (s *Stage) plan(ses bids.Session, run int) ([]job, error) {
	fitted := pymp2rage.RunOutputs(ses, run)
	t1w, ok := stage.FirstExisting(fitted.T1w)
	if !ok {
		return nil, stage.RequireInput(s.Name(), fmt.Sprintf("pymp2rage T1w for run-%d", run), tracker.StagePyMP2RAGE)
	}
	brainMask, ok := stage.FirstExisting(
		mask.OutputPath(ses, config.MaskMethodSPM, run),
		mask.OutputPath(ses, config.MaskMethodBET, run),
	)
	if !ok {
		return nil, stage.RequireInput(s.Name(), fmt.Sprintf("brain mask for run-%d", run), tracker.StageMask)
	}
	inv2, err := ses.RawINV2(run)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, s.Name(), "resolve inputs", fmt.Sprintf("no INV2 image for run-%d", run), err)
	}

	jobs := []job{{in: Inputs{T1w: t1w, Mask: brainMask, INV2: inv2}, output: OutputPath(ses, run, false)}}
	if corrected, ok := stage.FirstExisting(fitted.T1wB1Corr); ok {
		jobs = append(jobs, job{in: Inputs{T1w: corrected, Mask: brainMask, INV2: inv2}, output: OutputPath(ses, run, true)})
	}
	return jobs, nil
}

// RemoveBackground writes the denoised image for in to output. Intermediate
// images live in a temporary directory next to output.
func RemoveBackground(ctx context.Context, exec toolexec.Executor, in Inputs, output string) error {
	fslstats := deps.ResolveTool(preflight.ToolFSLStats, deps.EnvFSLDir)
	fslmaths := deps.ResolveTool(preflight.ToolFSLMaths, deps.EnvFSLDir)

	if err := stage.EnsureDir(filepath.Dir(output)); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(output), ".denoise-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	rng, err := stats(ctx, exec, fslstats, in.INV2, "-R")
	if err != nil {
		return err
	}
	if len(rng) != 2 {
		return services.Wrap(services.ErrExternalTool, tracker.StageDenoise, "fslstats", fmt.Sprintf("unexpected range output %v", rng), nil)
	}
	maxINV2 := rng[1]
	if maxINV2 == 0 {
		return services.Wrap(services.ErrValidation, tracker.StageDenoise, "normalize INV2", "INV2 image has max intensity 0", nil)
	}

	inv2n := filepath.Join(tmp, "inv2n"+bids.NIfTIExt)
	outside := filepath.Join(tmp, "outside"+bids.NIfTIExt)
	steps := []toolexec.Command{
		{Name: fslmaths, Args: []string{in.INV2, "-div", formatFloat(maxINV2), inv2n, "-odt", "float"}},
	}
	if err := runAll(ctx, exec, steps); err != nil {
		return err
	}

	// -m averages every voxel under the mask, zeros included.
	vals, err := stats(ctx, exec, fslstats, inv2n, "-k", in.Mask, "-m")
	if err != nil {
		return err
	}
	// An empty mask leaves the inside term unscaled.
	mean := 1.0
	if len(vals) == 1 && !math.IsNaN(vals[0]) && vals[0] != 0 {
		mean = vals[0]
	}

	steps = []toolexec.Command{
		{Name: fslmaths, Args: []string{in.Mask, "-binv", "-mul", inv2n, "-mul", in.T1w, outside, "-odt", "float"}},
		{Name: fslmaths, Args: []string{in.T1w, "-mas", in.Mask, "-mul", formatFloat(mean), "-add", outside, output, "-odt", "float"}},
	}
	return runAll(ctx, exec, steps)
}

func runAll(ctx context.Context, exec toolexec.Executor, cmds []toolexec.Command) error {
	for _, cmd := range cmds {
		if err := exec.Run(ctx, cmd); err != nil {
			return services.Wrap(services.ErrExternalTool, tracker.StageDenoise, filepath.Base(cmd.Name), "background removal failed", err)
		}
	}
	return nil
}

// stats runs fslstats and parses the whitespace separated numbers it prints.
func stats(ctx context.Context, exec toolexec.Executor, fslstats, image string, args ...string) ([]float64, error) {
	var buf bytes.Buffer
	cmd := toolexec.Command{Name: fslstats, Args: append([]string{image}, args...), Output: &buf}
	if err := exec.Run(ctx, cmd); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, tracker.StageDenoise, "fslstats", "image statistics failed", err)
	}
	vals, err := ParseStats(buf.String())
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, tracker.StageDenoise, "fslstats", "unparseable output", err)
	}
	return vals, nil
}

// ParseStats parses fslstats output.
func ParseStats(out string) ([]float64, error) {
	var vals []float64
	for _, field := range strings.Fields(out) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", field, err)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}
