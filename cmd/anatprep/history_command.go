package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"anatprep/internal/bids"
	"anatprep/internal/ledger"
	"anatprep/internal/tracker"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var flags sessionFlags
	var stageName string
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded stage runs, newest first",
		Long: "Lists stage runs from derivatives/anatprep/" + ledger.FileName + ".\n" +
			"Pass a run id to show one run with its outputs and log file.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if stageName != "" && !tracker.KnownStage(stageName) {
				return fmt.Errorf("unknown stage %q (valid: %s)", stageName, strings.Join(tracker.Stages, ", "))
			}
			store, err := ctx.openLedger()
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				run, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, run)
				}
				printRun(cmd, run)
				return nil
			}

			runs, err := store.List(cmd.Context(), ledger.Filter{
				Subject: bids.TrimSubject(flags.subject),
				Session: bids.TrimSession(flags.session),
				Stage:   stageName,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if jsonOut {
				if runs == nil {
					runs = []ledger.Run{}
				}
				return writeJSON(cmd, runs)
			}
			printRuns(cmd, runs)
			return nil
		},
	}
	addSessionFlags(cmd, &flags)
	cmd.Flags().StringVar(&stageName, "stage", "", "Only show runs of this stage")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func printRuns(cmd *cobra.Command, runs []ledger.Run) {
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			bids.SubjectPrefix(run.Subject),
			sessionLabel(run.Session),
			run.Stage,
			fmt.Sprintf("%d", run.Iteration),
			string(run.Status),
			formatDuration(run.Duration()),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Run", "Started", "Subject", "Session", "Stage", "Iter", "Status", "Duration"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
	))
}

func printRun(cmd *cobra.Command, run ledger.Run) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	kind := statusInfo
	switch run.Status {
	case ledger.StatusCompleted:
		kind = statusOK
	case ledger.StatusFailed:
		kind = statusError
	case ledger.StatusAbandoned:
		kind = statusWarn
	}
	printLines(out, renderSectionHeader("Run "+run.ID, colorize))
	fmt.Fprintln(out, renderStatusLine("Status", kind, string(run.Status), colorize))
	fmt.Fprintln(out, renderStatusLine("Session", statusInfo, strings.TrimSpace(bids.SubjectPrefix(run.Subject)+" "+sessionLabel(run.Session)), colorize))
	fmt.Fprintln(out, renderStatusLine("Stage", statusInfo, fmt.Sprintf("%s (iteration %d, force %s)", run.Stage, run.Iteration, yesNo(run.Force)), colorize))
	fmt.Fprintln(out, renderStatusLine("Started", statusInfo, run.StartedAt.Local().Format(time.RFC3339), colorize))
	if run.FinishedAt != nil {
		fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, formatDuration(run.Duration()), colorize))
	}
	if run.Host != "" {
		fmt.Fprintln(out, renderStatusLine("Host", statusInfo, run.Host, colorize))
	}
	if run.LogPath != "" {
		fmt.Fprintln(out, renderStatusLine("Log", statusInfo, run.LogPath, colorize))
	}
	if run.Error != "" {
		fmt.Fprintln(out, renderStatusLine("Error", statusError, run.Error, colorize))
	}
	for _, output := range run.Outputs {
		fmt.Fprintln(out, renderStatusLine("Output", statusInfo, output, colorize))
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
