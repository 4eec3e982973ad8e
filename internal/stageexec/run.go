// Package stageexec runs one stage handler against one session: it takes
// the session lock, opens the stage log, records the run in the ledger and
// reports the outcome to the tracker.
package stageexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"anatprep/internal/bids"
	"anatprep/internal/config"
	"anatprep/internal/ledger"
	"anatprep/internal/logging"
	"anatprep/internal/runlock"
	"anatprep/internal/services"
	"anatprep/internal/stage"
	"anatprep/internal/toolexec"
	"anatprep/internal/tracker"
)

// Options controls one stage execution.
type Options struct {
	Logger  *slog.Logger
	Config  *config.Config
	Tracker *tracker.Tracker
	// Ledger is optional; nil disables run history.
	Ledger  *ledger.Store
	Handler stage.Handler
	Session bids.Session
	Force   bool
	// ToolOutput additionally receives external tool output (the stage log
	// always does).
	ToolOutput io.Writer
	// NewExecutor builds the executor given the tool output writer.
	NewExecutor func(io.Writer) toolexec.Executor
	// NewRunID defaults to a random UUID.
	NewRunID func() string
}

// Outcome summarizes a finished execution for the caller.
type Outcome struct {
	RunID    string
	Status   tracker.Status
	Outputs  []string
	Skipped  bool
	LogPath  string
	Duration time.Duration
}

// Run executes the handler for opts.Session and records the result.
func Run(ctx context.Context, opts Options) (Outcome, error) {
	if opts.Handler == nil {
		return Outcome{}, errors.New("stage handler is required")
	}
	if opts.Tracker == nil {
		return Outcome{}, errors.New("tracker is required")
	}
	stageName := opts.Handler.Name()
	ses := opts.Session

	newRunID := opts.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}
	runID := newRunID()

	host, _ := os.Hostname()
	lock, err := runlock.Acquire(ses.DerivDir(), fmt.Sprintf("%s run %s pid %d on %s", stageName, runID, os.Getpid(), host))
	if err != nil {
		return Outcome{}, err
	}
	defer func() { _ = lock.Release() }()

	stageLog, err := logging.OpenStageLog(ses.LogPath(stageName), runID)
	if err != nil {
		return Outcome{}, err
	}
	defer stageLog.Close()

	record, _ := opts.Tracker.Load(ses.Subject, ses.Session)

	stageCtx := services.WithSubject(ctx, ses.Subject)
	stageCtx = services.WithSession(stageCtx, ses.Session)
	stageCtx = services.WithStage(stageCtx, stageName)
	stageCtx = services.WithIteration(stageCtx, record.CurrentIteration)
	stageCtx = services.WithRunID(stageCtx, runID)
	logger := logging.WithContext(stageCtx, stageLog.Logger(opts.Logger))

	var toolOut io.Writer = stageLog
	if opts.ToolOutput != nil {
		toolOut = io.MultiWriter(stageLog, opts.ToolOutput)
	}
	newExecutor := opts.NewExecutor
	if newExecutor == nil {
		newExecutor = func(w io.Writer) toolexec.Executor { return toolexec.New(w) }
	}

	req := &stage.Request{
		Session: ses,
		Config:  opts.Config,
		Tracker: opts.Tracker,
		Record:  record,
		Force:   opts.Force,
		RunID:   runID,
		Logger:  logger,
		Exec:    newExecutor(toolOut),
	}

	if opts.Ledger != nil {
		abandoned, err := opts.Ledger.Begin(stageCtx, ledger.Run{
			ID:        runID,
			Subject:   ses.Subject,
			Session:   ses.Session,
			Stage:     stageName,
			Iteration: record.CurrentIteration,
			Force:     opts.Force,
			Host:      host,
			LogPath:   stageLog.Path(),
		})
		if err != nil {
			logging.WarnWithContext(logger, "run ledger unavailable", "ledger_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "this run is missing from 'anatprep history'"),
			)
			opts.Ledger = nil
		} else if abandoned > 0 {
			logger.Debug("marked unfinished runs abandoned", logging.Int64("count", abandoned))
		}
	}

	started := time.Now()
	logger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Bool("force", opts.Force),
		logging.String("log_file", stageLog.Path()),
	)

	result, runErr := opts.Handler.Run(stageCtx, req)
	outcome := tracker.OutcomeSuccess
	if runErr != nil {
		outcome = tracker.OutcomeFailure
	}

	status, recordErr := opts.Tracker.RecordStageResult(ses.Subject, ses.Session, tracker.StageResult{
		Stage:   stageName,
		Outcome: outcome,
		Outputs: result.Outputs,
		RunID:   runID,
		Note:    note(result, runErr),
	})

	// A handler error vetoes the follow-up even when outputs were present.
	var afterErr error
	if runErr == nil && recordErr == nil && status == tracker.StatusCompleted {
		if after, ok := opts.Handler.(stage.AfterRecorder); ok {
			afterErr = after.AfterRecord(stageCtx, req, result)
		}
	}

	finalErr := errors.Join(runErr, recordErr, afterErr)
	out := Outcome{
		RunID:    runID,
		Status:   status,
		Outputs:  result.Outputs,
		Skipped:  result.Skipped,
		LogPath:  stageLog.Path(),
		Duration: time.Since(started),
	}

	if opts.Ledger != nil {
		ledgerStatus := ledger.StatusCompleted
		if finalErr != nil || status != tracker.StatusCompleted {
			ledgerStatus = ledger.StatusFailed
		}
		if err := opts.Ledger.Finish(context.WithoutCancel(stageCtx), runID, ledgerStatus, result.Outputs, finalErr); err != nil {
			logger.Warn("failed to finish ledger row", logging.Error(err),
				logging.String(logging.FieldEventType, "ledger_error"),
				logging.String(logging.FieldErrorHint, "check derivatives/anatprep/"+ledger.FileName),
				logging.String(logging.FieldImpact, "history shows this run as running"),
			)
		}
	}

	if finalErr != nil {
		logger.Error(
			"stage failed",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.String("resolved_status", string(status)),
			logging.Duration("duration", out.Duration),
			logging.String(logging.FieldErrorHint, services.Hint(finalErr)),
			logging.Error(finalErr),
		)
		return out, finalErr
	}

	logger.Info(
		"stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("resolved_status", string(status)),
		logging.Bool("skipped", result.Skipped),
		logging.Int("outputs", len(result.Outputs)),
		logging.Duration("duration", out.Duration),
	)
	return out, nil
}

func note(result stage.Result, err error) string {
	parts := make([]string, 0, 2)
	if n := strings.TrimSpace(result.Note); n != "" {
		parts = append(parts, n)
	}
	if result.Skipped {
		parts = append(parts, "outputs already present")
	}
	if err != nil {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
