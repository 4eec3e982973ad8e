package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"anatprep/internal/bids"
	"anatprep/internal/runlock"
	"anatprep/internal/services"
	"anatprep/internal/tracker"
)

func newIterationCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iteration",
		Short: "Advance or finalize brainmask refinement iterations",
	}
	cmd.AddCommand(newIterationStartCommand(ctx))
	cmd.AddCommand(newIterationFinalizeCommand(ctx))
	return cmd
}

func newIterationStartCommand(ctx *commandContext) *cobra.Command {
	var flags sessionFlags
	var brainmask string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the next iteration after fmriprep completed",
		Long: "Starts the next refinement iteration without running brainmask-edit, for\n" +
			"example after editing a mask by hand. --brainmask records the mask fmriprep\n" +
			"should use in the new iteration.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := ""
			if brainmask != "" {
				abs, err := filepath.Abs(brainmask)
				if err != nil {
					return err
				}
				if info, err := os.Stat(abs); err != nil || info.IsDir() {
					return services.Wrap(services.ErrNotFound, "iteration", "start", fmt.Sprintf("brainmask %s is not a file", abs), err)
				}
				source = abs
			}
			return forEachSession(cmd, ctx, flags, "iteration start", func(tr *tracker.Tracker, ses bids.Session) (string, error) {
				rec, err := tr.StartNewIteration(ses.Subject, ses.Session, source)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("iteration %d of %d started", rec.CurrentIteration, tr.MaxIterations()), nil
			})
		},
	}
	addSessionFlags(cmd, &flags)
	_ = cmd.MarkFlagRequired("subject")
	cmd.Flags().StringVar(&brainmask, "brainmask", "", "Brainmask to use for the new iteration")
	return cmd
}

func newIterationFinalizeCommand(ctx *commandContext) *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Accept the current iteration; no further iterations are allowed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return forEachSession(cmd, ctx, flags, "iteration finalize", func(tr *tracker.Tracker, ses bids.Session) (string, error) {
				rec, err := tr.Finalize(ses.Subject, ses.Session)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("finalized at iteration %d", rec.CurrentIteration), nil
			})
		},
	}
	addSessionFlags(cmd, &flags)
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// forEachSession applies change to every selected session while holding the
// session's run lock, so a transition never interleaves with a running stage.
func forEachSession(cmd *cobra.Command, ctx *commandContext, flags sessionFlags, action string, change func(*tracker.Tracker, bids.Session) (string, error)) error {
	layout, err := ctx.layout()
	if err != nil {
		return err
	}
	sessions, err := layout.ResolveSessions(flags.subject, flags.session)
	if err != nil {
		return err
	}
	logger, err := ctx.logger(cmd)
	if err != nil {
		return err
	}
	tr, err := ctx.tracker(logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	var errs []error
	for _, ses := range sessions {
		msg, err := withSessionLock(ses, action, func() (string, error) { return change(tr, ses) })
		if err != nil {
			fmt.Fprintln(out, renderStatusLine(ses.String(), statusError, err.Error(), colorize))
			errs = append(errs, fmt.Errorf("%s: %w", ses, err))
			continue
		}
		fmt.Fprintln(out, renderStatusLine(ses.String(), statusOK, msg, colorize))
	}
	return errors.Join(errs...)
}

func withSessionLock(ses bids.Session, action string, fn func() (string, error)) (string, error) {
	lock, err := runlock.Acquire(ses.DerivDir(), fmt.Sprintf("%s pid %d", action, os.Getpid()))
	if err != nil {
		return "", err
	}
	defer func() { _ = lock.Release() }()
	return fn()
}
