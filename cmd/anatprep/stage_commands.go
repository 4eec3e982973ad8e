package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"anatprep/internal/bids"
	"anatprep/internal/brainmaskedit"
	"anatprep/internal/cat12"
	"anatprep/internal/config"
	"anatprep/internal/denoise"
	"anatprep/internal/fmriprep"
	"anatprep/internal/logging"
	"anatprep/internal/mask"
	"anatprep/internal/preflight"
	"anatprep/internal/pymp2rage"
	"anatprep/internal/services"
	"anatprep/internal/sinus"
	"anatprep/internal/stage"
	"anatprep/internal/stageexec"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

type stageSpec struct {
	name  string
	short string
	long  string
	// build returns the handler and the method used for preflight.
	build func(cmd *cobra.Command, cfg *config.Config) (stage.Handler, string, error)
}

type sessionFlags struct {
	subject string
	session string
	force   bool
}

func stageSpecs() []stageSpec {
	plain := func(h stage.Handler) func(*cobra.Command, *config.Config) (stage.Handler, string, error) {
		return func(*cobra.Command, *config.Config) (stage.Handler, string, error) { return h, "", nil }
	}
	return []stageSpec{
		{
			name:  tracker.StagePyMP2RAGE,
			short: "Compute T1w (UNIT1) and T1map with pymp2rage",
			long:  "Fits every MP2RAGE run of the session using the parameters in code/mp2rage.json.\nWhen a TB1map is present, B1-corrected images are produced as well.",
			build: plain(pymp2rage.New()),
		},
		{
			name:  tracker.StageMask,
			short: "Create a brain mask from INV2",
			long:  "Creates a brain mask from the second inversion image with FSL BET (--bet)\nor SPM segmentation (--spm). The default comes from mask.default_method.",
			build: buildMask,
		},
		{
			name:  tracker.StageDenoise,
			short: "Remove MP2RAGE background noise",
			build: plain(denoise.New()),
		},
		{
			name:  tracker.StageCAT12,
			short: "Run CAT12 segmentation on the denoised T1w",
			build: plain(cat12.New()),
		},
		{
			name:  tracker.StageSinusAuto,
			short: "Auto-generate the sinus exclusion mask from FLAIR",
			build: plain(sinus.NewAuto()),
		},
		{
			name:  tracker.StageSinusEdit,
			short: "Edit the sinus exclusion mask in ITK-SNAP",
			build: plain(sinus.NewEdit()),
		},
		{
			name:  tracker.StageFMRIPrep,
			short: "Run fMRIprep (anatomical only) in a container",
			long:  "Runs fMRIprep with FreeSurfer inside docker or podman. The current masks are\nsnapshotted into the iteration directory before the container starts.",
			build: plain(fmriprep.New()),
		},
		{
			name:  tracker.StageBrainmaskEdit,
			short: "Refine the brainmask in ITK-SNAP and open the next iteration",
			long:  "Opens the current iteration's brainmask in ITK-SNAP. A successful edit is\ncopied into the next iteration directory and becomes its brainmask source.",
			build: plain(brainmaskedit.New()),
		},
	}
}

func buildMask(cmd *cobra.Command, cfg *config.Config) (stage.Handler, string, error) {
	useBET, _ := cmd.Flags().GetBool("bet")
	useSPM, _ := cmd.Flags().GetBool("spm")
	method := cfg.Mask.DefaultMethod
	switch {
	case useBET && useSPM:
		return nil, "", services.Wrap(services.ErrValidation, tracker.StageMask, "flags", "--bet and --spm are mutually exclusive", nil)
	case useBET:
		method = config.MaskMethodBET
	case useSPM:
		method = config.MaskMethodSPM
	}
	handler, err := mask.New(method)
	if err != nil {
		return nil, "", err
	}
	return handler, method, nil
}

func newStageCommands(ctx *commandContext) []*cobra.Command {
	specs := stageSpecs()
	cmds := make([]*cobra.Command, 0, len(specs))
	for _, spec := range specs {
		cmds = append(cmds, newStageCommand(ctx, spec))
	}
	return cmds
}

func newStageCommand(ctx *commandContext, spec stageSpec) *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   spec.name,
		Short: spec.short,
		Long:  spec.long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStageCommand(cmd, ctx, spec, flags)
		},
	}
	addSessionFlags(cmd, &flags)
	_ = cmd.MarkFlagRequired("subject")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove existing outputs and run again")
	if spec.name == tracker.StageMask {
		cmd.Flags().Bool("bet", false, "Use FSL BET on INV2")
		cmd.Flags().Bool("spm", false, "Use SPM segmentation on INV2")
	}
	return cmd
}

func addSessionFlags(cmd *cobra.Command, flags *sessionFlags) {
	cmd.Flags().StringVar(&flags.subject, "subject", "", "Subject label (with or without the sub- prefix)")
	cmd.Flags().StringVar(&flags.session, "session", "", "Session label (default: every session of the subject)")
}

func runStageCommand(cmd *cobra.Command, ctx *commandContext, spec stageSpec, flags sessionFlags) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	handler, method, err := spec.build(cmd, cfg)
	if err != nil {
		return err
	}
	if err := preflight.RunStage(spec.name, method, cfg); err != nil {
		return err
	}

	sessions, err := bids.NewLayout(cfg.StudyDir).ResolveSessions(flags.subject, flags.session)
	if err != nil {
		return services.Wrap(services.ErrNotFound, spec.name, "resolve sessions", "cannot select sessions", err)
	}

	logger, err := ctx.logger(cmd)
	if err != nil {
		return err
	}
	tr, err := ctx.tracker(logger)
	if err != nil {
		return err
	}
	store, err := ctx.openLedger()
	if err != nil {
		logging.WarnWithContext(logger, "run history unavailable", "ledger_error",
			logging.Error(err),
			logging.String(logging.FieldImpact, "runs are not added to 'anatprep history'"),
		)
		store = nil
	}
	if store != nil {
		defer store.Close()
	}

	var toolOutput io.Writer
	if ctx.isVerbose() {
		toolOutput = cmd.ErrOrStderr()
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	var errs []error
	for _, ses := range sessions {
		if err := cmd.Context().Err(); err != nil {
			errs = append(errs, err)
			break
		}
		outcome, runErr := stageexec.Run(cmd.Context(), stageexec.Options{
			Logger:      logger,
			Config:      cfg,
			Tracker:     tr,
			Ledger:      store,
			Handler:     handler,
			Session:     ses,
			Force:       flags.force,
			ToolOutput:  toolOutput,
			NewExecutor: func(w io.Writer) toolexec.Executor { return toolexec.New(w) },
		})
		fmt.Fprintln(out, renderOutcome(spec.name, ses, outcome, runErr, colorize))
		switch {
		case runErr != nil:
			errs = append(errs, fmt.Errorf("%s: %w", ses, runErr))
		case outcome.Status != tracker.StatusCompleted:
			errs = append(errs, fmt.Errorf("%s: %s recorded as %s", ses, spec.name, outcome.Status))
		}
	}
	return errors.Join(errs...)
}

func renderOutcome(stageName string, ses bids.Session, outcome stageexec.Outcome, runErr error, colorize bool) string {
	label := ses.String()
	switch {
	case runErr != nil:
		msg := fmt.Sprintf("%s failed", stageName)
		if hint := services.Hint(runErr); hint != "" {
			msg += " (" + hint + ")"
		}
		if outcome.LogPath != "" {
			msg += "; log: " + outcome.LogPath
		}
		return renderStatusLine(label, statusError, msg, colorize)
	case outcome.Skipped:
		return renderStatusLine(label, statusInfo, fmt.Sprintf("%s outputs exist; use --force to rerun", stageName), colorize)
	case outcome.Status == tracker.StatusCompleted:
		return renderStatusLine(label, statusOK, fmt.Sprintf("%s completed in %s (%d outputs)", stageName, outcome.Duration.Round(time.Second), len(outcome.Outputs)), colorize)
	default:
		return renderStatusLine(label, statusWarn, fmt.Sprintf("%s recorded as %s; log: %s", stageName, outcome.Status, outcome.LogPath), colorize)
	}
}
