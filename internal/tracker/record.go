package tracker

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTransition is returned when a new iteration or finalization
	// is requested from a state that does not allow it.
	ErrInvalidTransition = errors.New("invalid iteration transition")
	// ErrCorruptState marks a state file that could not be parsed.
	ErrCorruptState = errors.New("corrupt state file")
	// ErrMissingOutput is returned when a stage reported success but its
	// declared outputs are absent or empty.
	ErrMissingOutput = errors.New("missing stage output")
)

// Status is the recorded state of one stage within the current iteration.
type Status string

const (
	StatusNotRun    Status = "not_run"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusStale is never persisted; verbose status reports it for a
	// completed stage whose outputs have since disappeared.
	StatusStale Status = "stale"
)

// Outcome is what the caller observed when running a stage.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Pipeline stage identifiers in execution order.
const (
	StagePyMP2RAGE     = "pymp2rage"
	StageMask          = "mask"
	StageDenoise       = "denoise"
	StageCAT12         = "cat12"
	StageSinusAuto     = "sinus-auto"
	StageSinusEdit     = "sinus-edit"
	StageFMRIPrep      = "fmriprep"
	StageBrainmaskEdit = "brainmask-edit"
)

// Stages lists every stage in pipeline order.
var Stages = []string{
	StagePyMP2RAGE,
	StageMask,
	StageDenoise,
	StageCAT12,
	StageSinusAuto,
	StageSinusEdit,
	StageFMRIPrep,
	StageBrainmaskEdit,
}

// PerIterationStages are reset to not_run when a new iteration starts.
var PerIterationStages = []string{StageFMRIPrep, StageBrainmaskEdit}

// KnownStage reports whether name is a pipeline stage.
func KnownStage(name string) bool {
	for _, stage := range Stages {
		if stage == name {
			return true
		}
	}
	return false
}

// Record is the persisted state of one subject/session.
type Record struct {
	CurrentIteration int                 `json:"current_iteration"`
	StageStatus      map[string]Status   `json:"stage_status"`
	BrainmaskSource  *string             `json:"brainmask_source"`
	LastModified     time.Time           `json:"last_modified"`
	StageOutputs     map[string][]string `json:"stage_outputs,omitempty"`
	Finalized        bool                `json:"finalized,omitempty"`
	History          []HistoryEntry      `json:"history,omitempty"`
}

// History events.
const (
	EventStageResult    = "stage_result"
	EventIterationStart = "iteration_start"
	EventFinalize       = "finalize"
	EventCorruptReset   = "corrupt_reset"
)

// HistoryEntry is one audit line appended on every mutation.
type HistoryEntry struct {
	Iteration int       `json:"iteration"`
	Event     string    `json:"event"`
	Stage     string    `json:"stage,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Reported  Outcome   `json:"reported,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newRecord() *Record {
	return &Record{
		CurrentIteration: 1,
		StageStatus:      map[string]Status{},
		StageOutputs:     map[string][]string{},
	}
}

// normalize repairs maps and counters decoded from older or hand-edited files.
func (r *Record) normalize() {
	if r.CurrentIteration < 1 {
		r.CurrentIteration = 1
	}
	if r.StageStatus == nil {
		r.StageStatus = map[string]Status{}
	}
	if r.StageOutputs == nil {
		r.StageOutputs = map[string][]string{}
	}
}

// StatusOf returns the recorded status of stage, defaulting to not_run.
func (r *Record) StatusOf(stage string) Status {
	if r == nil {
		return StatusNotRun
	}
	if status, ok := r.StageStatus[stage]; ok && status != "" {
		return status
	}
	return StatusNotRun
}

// Source returns the brainmask source path or "".
func (r *Record) Source() string {
	if r == nil || r.BrainmaskSource == nil {
		return ""
	}
	return *r.BrainmaskSource
}
