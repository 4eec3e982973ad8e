package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"anatprep/internal/bids"
	"anatprep/internal/logging"
)

// DefaultMaxIterations bounds the refinement loop when no limit is configured.
const DefaultMaxIterations = 5

// Tracker reads and writes per-subject state files under a study.
type Tracker struct {
	layout        bids.Layout
	maxIterations int
	logger        *slog.Logger
	now           func() time.Time

	mu sync.Mutex
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger routes corrupt-state warnings and debug output to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMaxIterations caps the number of refinement iterations.
func WithMaxIterations(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxIterations = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns a Tracker for the study described by layout.
func New(layout bids.Layout, opts ...Option) *Tracker {
	t := &Tracker{
		layout:        layout,
		maxIterations: DefaultMaxIterations,
		logger:        logging.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.NewComponentLogger(t.logger, "tracker")
	return t
}

// MaxIterations returns the configured iteration cap.
func (t *Tracker) MaxIterations() int {
	return t.maxIterations
}

// StatePath returns the state file of subject.
func (t *Tracker) StatePath(subject string) string {
	return filepath.Join(t.layout.SubjectDerivDir(subject), StateFileName)
}

// StageResult is what a stage reports after running.
type StageResult struct {
	Stage   string
	Outcome Outcome
	Outputs []string
	RunID   string
	Note    string
}

// RecordStageResult stores the outcome of a stage run. The persisted status
// is completed only when every output exists and is non-empty; a reported
// success without its outputs is stored as failed and returned as
// ErrMissingOutput.
func (t *Tracker) RecordStageResult(subject, session string, result StageResult) (Status, error) {
	if !KnownStage(result.Stage) {
		return "", fmt.Errorf("record stage result: unknown stage %q", result.Stage)
	}
	outputs := slices.Clone(result.Outputs)
	missing := MissingOutputs(outputs)

	status := StatusFailed
	if len(outputs) > 0 && len(missing) == 0 {
		status = StatusCompleted
	}

	var iteration int
	_, err := t.update(subject, session, func(rec *Record, now time.Time) error {
		iteration = rec.CurrentIteration
		rec.StageStatus[result.Stage] = status
		rec.StageOutputs[result.Stage] = outputs
		rec.History = append(rec.History, HistoryEntry{
			Iteration: rec.CurrentIteration,
			Event:     EventStageResult,
			Stage:     result.Stage,
			Status:    status,
			Reported:  result.Outcome,
			RunID:     result.RunID,
			Note:      result.Note,
			Timestamp: now,
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	logger := t.logger.With(
		logging.String(logging.FieldSubject, bids.TrimSubject(subject)),
		logging.String(logging.FieldSession, bids.TrimSession(session)),
		logging.String(logging.FieldStage, result.Stage),
		logging.Int(logging.FieldIteration, iteration),
	)
	switch {
	case result.Outcome == OutcomeSuccess && status != StatusCompleted:
		logging.ErrorWithContext(logger, "stage reported success but outputs are missing", "missing_output",
			logging.Strings("missing", missing),
			logging.String(logging.FieldErrorHint, "inspect the stage log and re-run the stage"),
		)
		if len(outputs) == 0 {
			return status, fmt.Errorf("%w: %s stage %s declared no outputs", ErrMissingOutput, sessionLabel(subject, session), result.Stage)
		}
		return status, fmt.Errorf("%w: %s stage %s: %d of %d declared outputs missing or empty", ErrMissingOutput, sessionLabel(subject, session), result.Stage, len(missing), len(outputs))
	case result.Outcome == OutcomeFailure && status == StatusCompleted:
		logging.WarnWithContext(logger, "stage reported failure but all outputs exist", "failure_with_outputs",
			logging.String(logging.FieldImpact, "stage recorded completed from existing outputs"),
			logging.String(logging.FieldErrorHint, "re-run with --force if the outputs are from an earlier run"),
		)
	default:
		logger.Debug("recorded stage result", logging.String("status", string(status)))
	}
	return status, nil
}

// StartNewIteration advances subject/session to the next refinement
// iteration. It requires a completed fmriprep stage in the current
// iteration, a record that is not finalized, and headroom under the cap.
// Per-iteration stages are reset to not_run.
func (t *Tracker) StartNewIteration(subject, session, brainmaskSource string) (*Record, error) {
	label := sessionLabel(subject, session)
	return t.update(subject, session, func(rec *Record, now time.Time) error {
		switch {
		case rec.Finalized:
			return fmt.Errorf("%w: %s is finalized at iteration %d", ErrInvalidTransition, label, rec.CurrentIteration)
		case rec.StatusOf(StageFMRIPrep) != StatusCompleted:
			return fmt.Errorf("%w: %s stage %s is %s in iteration %d; it must be completed first", ErrInvalidTransition, label, StageFMRIPrep, rec.StatusOf(StageFMRIPrep), rec.CurrentIteration)
		case rec.CurrentIteration >= t.maxIterations:
			return fmt.Errorf("%w: %s already at max iterations (%d)", ErrInvalidTransition, label, t.maxIterations)
		}

		rec.CurrentIteration++
		for _, stage := range PerIterationStages {
			rec.StageStatus[stage] = StatusNotRun
			delete(rec.StageOutputs, stage)
		}
		if brainmaskSource != "" {
			source := brainmaskSource
			rec.BrainmaskSource = &source
		} else {
			rec.BrainmaskSource = nil
		}
		rec.History = append(rec.History, HistoryEntry{
			Iteration: rec.CurrentIteration,
			Event:     EventIterationStart,
			Note:      brainmaskSource,
			Timestamp: now,
		})
		return nil
	}, requireExisting(label))
}

// Finalize marks the current iteration as accepted. Further iterations are
// refused. Finalizing an already finalized record is a no-op.
func (t *Tracker) Finalize(subject, session string) (*Record, error) {
	label := sessionLabel(subject, session)
	return t.update(subject, session, func(rec *Record, now time.Time) error {
		if rec.Finalized {
			return errUnchanged
		}
		if rec.StatusOf(StageFMRIPrep) != StatusCompleted {
			return fmt.Errorf("%w: %s cannot be finalized before %s completes in iteration %d", ErrInvalidTransition, label, StageFMRIPrep, rec.CurrentIteration)
		}
		rec.Finalized = true
		rec.History = append(rec.History, HistoryEntry{
			Iteration: rec.CurrentIteration,
			Event:     EventFinalize,
			Timestamp: now,
		})
		return nil
	}, requireExisting(label))
}

// Load returns a copy of the record for subject/session. The bool reports
// whether a record exists; a missing or corrupt record yields iteration 1.
func (t *Tracker) Load(subject, session string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	path := t.StatePath(subject)
	l := readState(path)
	if l.corrupt != nil {
		t.warnCorrupt(subject, l.corrupt)
	}
	rec, ok := l.record(SubjectKey(subject), SessionKey(session))
	if !ok {
		return newRecord(), false
	}
	return rec.clone(), true
}

type updateOption func(*updateSettings)

type updateSettings struct {
	missing error
}

// requireExisting makes update fail instead of creating a fresh record.
func requireExisting(label string) updateOption {
	return func(s *updateSettings) {
		s.missing = fmt.Errorf("%w: no state recorded for %s; run fmriprep first", ErrInvalidTransition, label)
	}
}

// errUnchanged aborts an update without writing and without failing.
var errUnchanged = errors.New("unchanged")

func (t *Tracker) update(subject, session string, fn func(*Record, time.Time) error, opts ...updateOption) (*Record, error) {
	var settings updateSettings
	for _, opt := range opts {
		opt(&settings)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	path := t.StatePath(subject)
	l := readState(path)
	if l.corrupt != nil {
		t.warnCorrupt(subject, l.corrupt)
	}

	subKey, sesKey := SubjectKey(subject), SessionKey(session)
	rec, ok := l.record(subKey, sesKey)
	if !ok {
		if settings.missing != nil {
			return nil, settings.missing
		}
		rec = newRecord()
	}

	now := t.now().UTC().Truncate(time.Second)
	if err := fn(rec, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return rec.clone(), nil
		}
		return nil, err
	}

	if l.corrupt != nil {
		backup, err := preserveCorrupt(path, now.Format("20060102T150405Z"))
		if err != nil {
			return nil, err
		}
		rec.History = append(rec.History, HistoryEntry{
			Iteration: rec.CurrentIteration,
			Event:     EventCorruptReset,
			Note:      backup,
			Timestamp: now,
		})
	}

	rec.LastModified = now
	if l.state[subKey] == nil {
		l.state[subKey] = map[string]*Record{}
	}
	l.state[subKey][sesKey] = rec
	if err := writeState(path, l.state); err != nil {
		return nil, err
	}
	return rec.clone(), nil
}

func (t *Tracker) warnCorrupt(subject string, cause error) {
	logging.WarnWithContext(t.logger, "state file unreadable; treating as no record", "state_corrupt",
		logging.String(logging.FieldSubject, bids.TrimSubject(subject)),
		logging.Error(cause),
		logging.String(logging.FieldImpact, "iteration falls back to 1 with no completed stages"),
		logging.String(logging.FieldErrorHint, "the file is kept with a .corrupt suffix on the next write"),
	)
}

// MissingOutputs returns the paths that do not exist, are directories, or
// are empty. An empty input reports nothing missing; callers decide what an
// empty declaration means.
func MissingOutputs(paths []string) []string {
	var missing []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			missing = append(missing, path)
		}
	}
	return missing
}

// SubjectKey returns the state-file key for subject ("sub-<ID>").
func SubjectKey(subject string) string {
	return bids.SubjectPrefix(subject)
}

// SessionKey returns the state-file key for session ("ses-<ID>").
func SessionKey(session string) string {
	return bids.SessionPrefix(session)
}

func sessionLabel(subject, session string) string {
	return SubjectKey(subject) + " " + SessionKey(session)
}

func (r *Record) clone() *Record {
	out := *r
	out.StageStatus = make(map[string]Status, len(r.StageStatus))
	for k, v := range r.StageStatus {
		out.StageStatus[k] = v
	}
	out.StageOutputs = make(map[string][]string, len(r.StageOutputs))
	for k, v := range r.StageOutputs {
		out.StageOutputs[k] = slices.Clone(v)
	}
	if r.BrainmaskSource != nil {
		source := *r.BrainmaskSource
		out.BrainmaskSource = &source
	}
	out.History = slices.Clone(r.History)
	return &out
}
