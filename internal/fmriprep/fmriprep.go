// Package fmriprep runs the anatomical fMRIprep workflow (including
// FreeSurfer recon-all) in a container for one refinement iteration.
package fmriprep

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/fileutil"
	"anatprep/internal/logging"
	"anatprep/internal/mask"
	"anatprep/internal/services"
	"anatprep/internal/sinus"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// Container mount points.
const (
	mountData       = "/data"
	mountFMRIPrep   = "/out/fmriprep"
	mountFreeSurfer = "/out/freesurfer"
	mountLicense    = "/opt/freesurfer/license.txt"
	mountAnatprep   = "/anatprep"
)

// Stage implements the fmriprep stage.
type Stage struct {
	// UserIDs returns the uid and gid the container runs as.
	UserIDs func() (int, int)
}

// New returns the stage running the container as the calling user.
func New() *Stage {
	return &Stage{UserIDs: func() (int, int) { return unix.Getuid(), unix.Getgid() }}
}

// Name implements stage.Handler.
func (*Stage) Name() string { return tracker.StageFMRIPrep }

// Run implements stage.Handler. A completed iteration is only rerun with
// force; otherwise outputs left by an earlier iteration are discarded so
// completion reflects this run.
func (s *Stage) Run(ctx context.Context, req *stage.Request) (stage.Result, error) {
	cfg := req.Config
	if err := cfg.RequireFreeSurferLicense(); err != nil {
		return stage.Result{}, services.Wrap(services.ErrConfiguration, s.Name(), "check license", "fMRIprep needs a FreeSurfer license", err)
	}
	ses := req.Session
	iteration := req.Iteration()
	logger := req.Logger.With(logging.Int(logging.FieldIteration, iteration))
	output := ses.FMRIPrepT1w()
	result := stage.Result{Outputs: []string{output}}

	if req.Record != nil && req.Record.Finalized {
		return result, services.Wrap(services.ErrValidation, s.Name(), "check state",
			fmt.Sprintf("%s is finalized at iteration %d", ses, iteration), tracker.ErrInvalidTransition)
	}
	if req.Record != nil && req.Record.StatusOf(s.Name()) == tracker.StatusCompleted {
		skip, err := stage.Guard(logger, req.Force, output)
		if err != nil || skip {
			result.Skipped = skip
			return result, err
		}
	} else if err := fileutil.RemoveFiles(output); err != nil {
		return result, err
	}

	for _, dir := range []string{cfg.FMRIPrepDir(), cfg.FreeSurferDir()} {
		if err := stage.EnsureDir(dir); err != nil {
			return result, err
		}
	}
	iterDir := ses.IterDir(iteration)
	if err := stage.EnsureDir(iterDir); err != nil {
		return result, err
	}
	if err := SnapshotMasks(ses, iterDir, logger); err != nil {
		return result, err
	}

	uid, gid := s.UserIDs()
	cmd := ContainerCommand(cfg, ses, uid, gid)
	logger.Info("running fMRIprep",
		logging.String("image", cfg.FMRIPrep.Image),
		logging.String("runtime", cfg.Tools.ContainerRuntime),
	)
	logger.Debug("container command", logging.Command(append([]string{cmd.Name}, cmd.Args...)))
	if err := req.Exec.Run(ctx, cmd); err != nil {
		return result, services.Wrap(services.ErrExternalTool, s.Name(), "run container",
			fmt.Sprintf("fMRIprep failed at iteration %d", iteration), err)
	}

	logger.Info("fMRIprep complete; inspect the results, then either refine the mask or finalize",
		logging.String("refine", fmt.Sprintf("anatprep brainmask-edit --subject %s --session %s", ses.Subject, ses.Session)),
		logging.String("finalize", fmt.Sprintf("anatprep iteration finalize --subject %s --session %s", ses.Subject, ses.Session)),
	)
	return result, nil
}

// ContainerCommand builds the docker/podman invocation for ses.
func ContainerCommand(cfg *config.Config, ses bids.Session, uid, gid int) toolexec.Command {
	args := []string{"run", "--rm"}
	if cfg.Tools.ContainerRuntime == config.RuntimePodman {
		args = append(args, "--userns=keep-id")
	} else {
		args = append(args, "--user", fmt.Sprintf("%d:%d", uid, gid))
	}
	args = append(args,
		"--volume", cfg.RawDataDir()+":"+mountData+":ro",
		"--volume", cfg.FMRIPrepDir()+":"+mountFMRIPrep,
		"--volume", cfg.FreeSurferDir()+":"+mountFreeSurfer,
		"--volume", cfg.FreeSurfer.License+":"+mountLicense+":ro",
		"--volume", ses.DerivDir()+":"+mountAnatprep+":ro",
		cfg.FMRIPrep.Image,
		mountData, mountFMRIPrep, "participant",
		"--participant-label", bids.TrimSubject(ses.Subject),
	)
	if len(cfg.FMRIPrep.OutputSpaces) > 0 {
		args = append(args, "--output-spaces")
		args = append(args, cfg.FMRIPrep.OutputSpaces...)
	}
	args = append(args,
		"--fs-subjects-dir", mountFreeSurfer,
		"--fs-license-file", mountLicense,
		"--nthreads", strconv.Itoa(cfg.FMRIPrep.NThreads),
		"--mem-mb", strconv.Itoa(cfg.FMRIPrep.MemMB),
		"--skip-bids-validation",
		"--anat-only",
	)
	args = append(args, cfg.FMRIPrep.ExtraArgs...)
	return toolexec.Command{Name: cfg.Tools.ContainerRuntime, Args: args}
}

// SnapshotMasks copies the current brain and sinus masks of every run into
// iterDir, keeping copies already taken for this iteration.
func SnapshotMasks(ses bids.Session, iterDir string, logger *slog.Logger) error {
	runs, err := ses.MP2RAGERuns()
	if err != nil {
		return err
	}
	for _, run := range runs {
		auto, _ := sinus.AutoOutputs(ses, run)
		candidates := []string{
			mask.OutputPath(ses, config.MaskMethodSPM, run),
			mask.OutputPath(ses, config.MaskMethodBET, run),
			sinus.FinalMask(ses, run),
			auto,
		}
		for _, src := range candidates {
			if _, ok := stage.FirstExisting(src); !ok {
				continue
			}
			dst := filepath.Join(iterDir, filepath.Base(src))
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			if err := fileutil.CopyFile(src, dst); err != nil {
				return fmt.Errorf("snapshot %s: %w", filepath.Base(src), err)
			}
			logger.Debug("mask snapshot", logging.String("mask", filepath.Base(src)), logging.String("iteration_dir", iterDir))
		}
	}
	return nil
}
