// Package pymp2rage fits UNIT1 T1-weighted images and T1 maps from the
// MP2RAGE inversions with the pymp2rage Python package, optionally applying
// a DREAM B1 correction.
package pymp2rage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/logging"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

//go:embed driver.py
var driverSource []byte

// Output desc labels.
const (
	DescPyMP2RAGE = "pymp2rage"
	DescB1Corr    = "pymp2rageb1corr"
)

// Stage implements the pymp2rage stage.
type Stage struct{}

// New returns the stage.
func New() *Stage { return &Stage{} }

// Name implements stage.Handler.
func (*Stage) Name() string { return tracker.StagePyMP2RAGE }

// Outputs are the files fitted for one run.
type Outputs struct {
	T1w        string `json:"t1w"`
	T1map      string `json:"t1map"`
	Mask       string `json:"mask"`
	T1wB1Corr  string `json:"t1w_b1corr,omitempty"`
	T1mapB1Cor string `json:"t1map_b1corr,omitempty"`
}

// RunOutputs returns the output paths of run in ses.
func RunOutputs(ses bids.Session, run int) Outputs {
	dir := "pymp2rage"
	return Outputs{
		T1w:        ses.DerivPath(DescPyMP2RAGE, "T1w", run, dir),
		T1map:      ses.DerivPath(DescPyMP2RAGE, "T1map", run, dir),
		Mask:       ses.DerivPath(DescPyMP2RAGE, "mask", run, dir),
		T1wB1Corr:  ses.DerivPath(DescB1Corr, "T1w", run, dir),
		T1mapB1Cor: ses.DerivPath(DescB1Corr, "T1map", run, dir),
	}
}

// Job is the driver input for one run.
type Job struct {
	MPRAGETR          float64    `json:"mprage_tr"`
	InvTimesAB        [2]float64 `json:"invtimes_ab"`
	FlipAngleABDegree [2]float64 `json:"flipangle_ab_degree"`
	NZSlices          int        `json:"nz_slices"`
	FLASHTR           [2]float64 `json:"flash_tr"`
	INV1              string     `json:"inv1"`
	INV1Phase         string     `json:"inv1ph"`
	INV2              string     `json:"inv2"`
	INV2Phase         string     `json:"inv2ph"`
	TB1Map            string     `json:"tb1map,omitempty"`
	Basic             bool       `json:"basic"`
	Outputs           Outputs    `json:"outputs"`
}

// NewJob maps the sequence parameters onto the fitter arguments.
func NewJob(params *config.MP2RAGEParams, parts bids.MP2RAGEParts, outputs Outputs) Job {
	return Job{
		MPRAGETR:          params.RepetitionTimePreparation,
		InvTimesAB:        params.InversionTime,
		FlipAngleABDegree: params.FlipAngle,
		NZSlices:          params.NumberShots,
		FLASHTR:           [2]float64{params.RepetitionTimeExcitation, params.RepetitionTimeExcitation},
		INV1:              parts.INV1Mag,
		INV1Phase:         parts.INV1Phase,
		INV2:              parts.INV2Mag,
		INV2Phase:         parts.INV2Phase,
		Outputs:           outputs,
	}
}

// Run implements stage.Handler.
func (s *Stage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	params, err := req.Config.LoadMP2RAGEParams()
	if err != nil {
		return stage.Result{}, services.Wrap(services.ErrConfiguration, s.Name(), "load parameters",
			"code/mp2rage.json is required for pymp2rage fitting", err)
	}
	ses := req.Session
	runs, err := stage.Runs(s.Name(), ses)
	if err != nil {
		return stage.Result{}, err
	}
	if err := stage.EnsureDir(ses.PyMP2RAGEDir()); err != nil {
		return stage.Result{}, err
	}
	driver, err := writeDriver(ses.LogDir())
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
		outputs := RunOutputs(ses, run)
		declared := []string{outputs.T1w, outputs.T1map, outputs.Mask}

		skipBasic, err := stage.Guard(logger, req.Force, declared...)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		tb1map, unmatched := ses.TB1Map(run)
		if unmatched {
			logging.WarnWithContext(logger, "TB1map without run entity found; B1 correction skipped", "b1_unmatched",
				logging.String(logging.FieldImpact, "only uncorrected outputs are produced for this run"),
				logging.String(logging.FieldErrorHint, "rename the map to *_acq-dream_run-N_TB1map.nii.gz"),
			)
		}
		b1Outputs := []string{outputs.T1wB1Corr, outputs.T1mapB1Cor}
		skipB1 := true
		if tb1map != "" {
			if skipB1, err = stage.Guard(logger, req.Force, b1Outputs...); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if skipBasic && skipB1 {
			result.Outputs = append(result.Outputs, declared...)
			if tb1map != "" {
				result.Outputs = append(result.Outputs, b1Outputs...)
			}
			continue
		}
		skipped = false

		parts, err := ses.RawMP2RAGEParts(run)
		if err != nil {
			errs = append(errs, services.Wrap(services.ErrNotFound, s.Name(), "resolve inputs", fmt.Sprintf("run-%d", run), err))
			result.Outputs = append(result.Outputs, declared...)
			continue
		}
		job := NewJob(params, parts, outputs)
		job.Basic = !skipBasic
		if tb1map != "" && !skipB1 {
			job.TB1Map = tb1map
		}
		logger.Info("fitting MP2RAGE",
			logging.String("inv1_mag", filepath.Base(parts.INV1Mag)),
			logging.String("inv2_mag", filepath.Base(parts.INV2Mag)),
			logging.String("tb1map", filepath.Base(tb1map)),
		)

		if err := s.fit(ctx, req, driver, job, run); err != nil {
			errs = append(errs, err)
			result.Outputs = append(result.Outputs, declared...)
			continue
		}
		result.Outputs = append(result.Outputs, declared...)
		if tb1map != "" {
			if missing := tracker.MissingOutputs(b1Outputs); len(missing) > 0 {
				logging.WarnWithContext(logger, "B1 correction produced no output", "b1_failed",
					logging.Strings("missing", missing),
					logging.String(logging.FieldImpact, "continuing with uncorrected outputs only"),
					logging.String(logging.FieldErrorHint, "see the pymp2rage log for the Python error"),
				)
			} else {
				result.Outputs = append(result.Outputs, b1Outputs...)
			}
		}
	}
	result.Skipped = skipped && len(errs) == 0
	return result, errors.Join(errs...)
}

func (s *Stage) fit(ctx context.Context, req *stage.Request, driver string, job Job, run int) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pymp2rage job: %w", err)
	}
	jobPath := filepath.Join(req.Session.LogDir(), fmt.Sprintf("pymp2rage_run-%d.json", run))
	if err := os.WriteFile(jobPath, data, 0o644); err != nil {
		return fmt.Errorf("write pymp2rage job: %w", err)
	}
	cmd := toolexec.Command{Name: req.Config.Tools.PythonCmd, Args: []string{driver, jobPath}}
	if err := req.Exec.Run(ctx, cmd); err != nil {
		return services.Wrap(services.ErrExternalTool, s.Name(), "fit", fmt.Sprintf("pymp2rage fitting failed for run-%d", run), err)
	}
	return nil
}

func writeDriver(dir string) (string, error) {
	if err := stage.EnsureDir(dir); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "anatprep_pymp2rage.py")
	if err := os.WriteFile(path, driverSource, 0o644); err != nil {
		return "", fmt.Errorf("write pymp2rage driver: %w", err)
	}
	return path, nil
}
