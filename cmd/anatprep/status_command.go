package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/deps"
	"anatprep/internal/preflight"
	"anatprep/internal/stage"
	"anatprep/internal/tracker"
)

type studyOverview struct {
	StudyDir  string            `json:"study_dir"`
	Config    string            `json:"config,omitempty"`
	Structure []checkView       `json:"structure"`
	Tools     []deps.Status     `json:"tools"`
	Stages    []stage.Health    `json:"stages"`
	Subjects  []subjectOverview `json:"subjects"`
	Warnings  []string          `json:"warnings,omitempty"`
}

type checkView struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type subjectOverview struct {
	Subject  string                  `json:"subject"`
	Sessions []tracker.SessionStatus `json:"sessions"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var flags sessionFlags
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show study health or a subject's stage and iteration state",
		Long: "Without --subject, checks the study layout and external tools and lists every\n" +
			"subject. With --subject, shows each session's stages in the current iteration.\n" +
			"--verbose lists output paths and reports completed stages whose outputs are\n" +
			"gone as stale.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tr, err := ctx.tracker(nil)
			if err != nil {
				return err
			}
			if strings.TrimSpace(flags.subject) == "" {
				overview := buildOverview(cfg, ctx.configPath, tr)
				if jsonOut {
					return writeJSON(cmd, overview)
				}
				printOverview(cmd, overview)
				return nil
			}
			if _, err := bids.NewLayout(cfg.StudyDir).ResolveSessions(flags.subject, flags.session); err != nil {
				return err
			}
			report, err := tr.Status(flags.subject, flags.session, ctx.isVerbose())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, report)
			}
			printReport(cmd, report, ctx.isVerbose())
			return nil
		},
	}
	addSessionFlags(cmd, &flags)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func buildOverview(cfg *config.Config, configPath string, tr *tracker.Tracker) studyOverview {
	overview := studyOverview{StudyDir: cfg.StudyDir, Config: configPath}
	for _, result := range preflight.StudyStructure(cfg, configPath) {
		overview.Structure = append(overview.Structure, checkView(result))
	}
	overview.Tools = preflight.CheckAllTools(cfg)
	for _, name := range tracker.Stages {
		health := stage.HealthFromDeps(name, preflight.CheckStage(name, cfg.Mask.DefaultMethod, cfg))
		if err := preflight.RunStage(name, cfg.Mask.DefaultMethod, cfg); err != nil && health.Ready {
			health = stage.Unhealthy(name, err.Error())
		}
		overview.Stages = append(overview.Stages, health)
	}

	subjects, err := bids.NewLayout(cfg.StudyDir).Subjects()
	if err != nil {
		overview.Warnings = append(overview.Warnings, fmt.Sprintf("list subjects: %v", err))
	}
	for _, subject := range subjects {
		report, err := tr.Status(subject, "", false)
		if err != nil {
			overview.Warnings = append(overview.Warnings, fmt.Sprintf("%s: %v", bids.SubjectPrefix(subject), err))
			continue
		}
		overview.Warnings = append(overview.Warnings, report.Warnings...)
		overview.Subjects = append(overview.Subjects, subjectOverview{Subject: subject, Sessions: report.Sessions})
	}
	return overview
}

func printOverview(cmd *cobra.Command, overview studyOverview) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	printLines(out, renderSectionHeader("Study", colorize))
	for _, check := range overview.Structure {
		fmt.Fprintln(out, renderStatusLine(check.Name, passKind(check.Passed, statusError), check.Detail, colorize))
	}
	fmt.Fprintln(out)

	printLines(out, renderSectionHeader("Tools", colorize))
	for _, status := range overview.Tools {
		kind := passKind(status.Available, statusError)
		if !status.Available && status.Optional {
			kind = statusWarn
		}
		detail := status.Detail
		if status.Available {
			detail = status.Path
		}
		fmt.Fprintln(out, renderStatusLine(status.Name, kind, detail, colorize))
	}
	fmt.Fprintln(out)

	printLines(out, renderSectionHeader("Stages", colorize))
	for _, health := range overview.Stages {
		detail := "ready"
		if !health.Ready {
			detail = health.Detail
		}
		fmt.Fprintln(out, renderStatusLine(health.Name, passKind(health.Ready, statusWarn), detail, colorize))
	}
	fmt.Fprintln(out)

	printLines(out, renderSectionHeader("Subjects", colorize))
	if len(overview.Subjects) == 0 {
		fmt.Fprintln(out, "No subjects found in rawdata/")
	} else {
		var rows [][]string
		for _, subject := range overview.Subjects {
			for _, ses := range subject.Sessions {
				rows = append(rows, []string{
					bids.SubjectPrefix(ses.Subject),
					sessionLabel(ses.Session),
					iterationLabel(ses),
					fmt.Sprintf("%d/%d", completedStages(ses), len(ses.Stages)),
					nextStage(ses),
				})
			}
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Subject", "Session", "Iteration", "Stages", "Next"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
		))
	}
	printWarnings(cmd, overview.Warnings, colorize)
}

func printReport(cmd *cobra.Command, report tracker.Report, verbose bool) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for i, ses := range report.Sessions {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printLines(out, renderSectionHeader(strings.TrimSpace(bids.SubjectPrefix(ses.Subject)+" "+sessionLabel(ses.Session)), colorize))
		fmt.Fprintln(out, renderStatusLine("Iteration", statusInfo, iterationLabel(ses), colorize))
		if ses.Finalized {
			fmt.Fprintln(out, renderStatusLine("Finalized", statusOK, "yes", colorize))
		}
		if ses.BrainmaskSource != "" {
			fmt.Fprintln(out, renderStatusLine("Brainmask", statusInfo, ses.BrainmaskSource, colorize))
		}
		if !ses.Recorded {
			fmt.Fprintln(out, renderStatusLine("State", statusWarn, "no stages recorded yet", colorize))
		}

		headers := []string{"Stage", "Status", "Outputs"}
		if verbose {
			headers = append(headers, "Missing")
		}
		rows := make([][]string, 0, len(ses.Stages))
		for _, view := range ses.Stages {
			outputs := fmt.Sprintf("%d", len(view.Outputs))
			if verbose {
				outputs = strings.Join(view.Outputs, "\n")
			}
			row := []string{view.Stage, colorCell(statusLabel(view.Status), trackerStatusKind(view.Status), colorize), outputs}
			if verbose {
				row = append(row, strings.Join(view.Missing, "\n"))
			}
			rows = append(rows, row)
		}
		aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}
		if verbose {
			aligns[2] = alignLeft
		}
		fmt.Fprintln(out, renderTable(headers, rows, aligns))
		fmt.Fprintln(out, renderStatusLine("Next", statusInfo, nextStage(ses), colorize))
	}
	printWarnings(cmd, report.Warnings, colorize)
}

func printWarnings(cmd *cobra.Command, warnings []string, colorize bool) {
	if len(warnings) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	for _, warning := range warnings {
		fmt.Fprintln(out, renderStatusLine("Warning", statusWarn, warning, colorize))
	}
}

var titleCaser = cases.Title(language.Und)

func statusLabel(status tracker.Status) string {
	return titleCaser.String(strings.ReplaceAll(string(status), "_", " "))
}

func passKind(passed bool, failed statusKind) statusKind {
	if passed {
		return statusOK
	}
	return failed
}

func sessionLabel(session string) string {
	if session == "" {
		return "-"
	}
	return bids.SessionPrefix(session)
}

func iterationLabel(ses tracker.SessionStatus) string {
	label := fmt.Sprintf("%d/%d", ses.CurrentIteration, ses.MaxIterations)
	if ses.Finalized {
		label += " (final)"
	}
	return label
}

func completedStages(ses tracker.SessionStatus) int {
	n := 0
	for _, view := range ses.Stages {
		if view.Status == tracker.StatusCompleted {
			n++
		}
	}
	return n
}

// nextStage suggests the command to run next for a session.
func nextStage(ses tracker.SessionStatus) string {
	if ses.Finalized {
		return "done"
	}
	for _, view := range ses.Stages {
		if view.Stage == tracker.StageBrainmaskEdit {
			break
		}
		if view.Status != tracker.StatusCompleted {
			return view.Stage
		}
	}
	if ses.CurrentIteration >= ses.MaxIterations {
		return "iteration finalize"
	}
	return tracker.StageBrainmaskEdit + " or iteration finalize"
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}
