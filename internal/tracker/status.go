package tracker

import (
	"sort"
	"time"

	"anatprep/internal/bids"
)

// StageView is one stage's status as presented to an operator.
type StageView struct {
	Stage   string   `json:"stage"`
	Status  Status   `json:"status"`
	Outputs []string `json:"outputs,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// SessionStatus is the read-only view of one subject/session record.
type SessionStatus struct {
	Subject          string      `json:"subject"`
	Session          string      `json:"session"`
	Recorded         bool        `json:"recorded"`
	CurrentIteration int         `json:"current_iteration"`
	MaxIterations    int         `json:"max_iterations"`
	Finalized        bool        `json:"finalized"`
	BrainmaskSource  string      `json:"brainmask_source,omitempty"`
	LastModified     time.Time   `json:"last_modified,omitzero"`
	Stages           []StageView `json:"stages"`
}

// Stage returns the view of name, if present.
func (s SessionStatus) Stage(name string) (StageView, bool) {
	for _, view := range s.Stages {
		if view.Stage == name {
			return view, true
		}
	}
	return StageView{}, false
}

// Report aggregates the sessions of one subject.
type Report struct {
	Subject  string          `json:"subject"`
	Sessions []SessionStatus `json:"sessions"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Status reports stage state for subject. An empty session aggregates every
// session known from the state file or rawdata. Verbose mode checks recorded
// outputs on disk and reports completed stages whose outputs vanished as
// stale; nothing is written back.
func (t *Tracker) Status(subject, session string, verbose bool) (Report, error) {
	t.mu.Lock()
	l := readState(t.StatePath(subject))
	t.mu.Unlock()

	report := Report{Subject: bids.TrimSubject(subject)}
	if l.corrupt != nil {
		t.warnCorrupt(subject, l.corrupt)
		report.Warnings = append(report.Warnings, l.corrupt.Error())
	}

	subKey := SubjectKey(subject)
	var sessions []string
	if session != "" {
		sessions = []string{bids.TrimSession(session)}
	} else {
		known := map[string]struct{}{}
		for key := range l.state[subKey] {
			known[bids.TrimSession(key)] = struct{}{}
		}
		onDisk, err := t.layout.Sessions(subject)
		if err != nil {
			return Report{}, err
		}
		for _, ses := range onDisk {
			known[ses] = struct{}{}
		}
		for ses := range known {
			sessions = append(sessions, ses)
		}
		sort.Strings(sessions)
	}

	for _, ses := range sessions {
		rec, ok := l.record(subKey, SessionKey(ses))
		if !ok {
			rec = newRecord()
		}
		report.Sessions = append(report.Sessions, t.sessionStatus(subject, ses, rec, ok, verbose))
	}
	return report, nil
}

func (t *Tracker) sessionStatus(subject, session string, rec *Record, recorded, verbose bool) SessionStatus {
	view := SessionStatus{
		Subject:          bids.TrimSubject(subject),
		Session:          session,
		Recorded:         recorded,
		CurrentIteration: rec.CurrentIteration,
		MaxIterations:    t.maxIterations,
		Finalized:        rec.Finalized,
		BrainmaskSource:  rec.Source(),
		LastModified:     rec.LastModified,
		Stages:           make([]StageView, 0, len(Stages)),
	}
	for _, stage := range Stages {
		sv := StageView{Stage: stage, Status: rec.StatusOf(stage)}
		if sv.Status == StatusCompleted {
			sv.Outputs = append([]string(nil), rec.StageOutputs[stage]...)
			if verbose {
				if missing := MissingOutputs(sv.Outputs); len(missing) > 0 {
					sv.Status = StatusStale
					sv.Missing = missing
				}
			}
		}
		view.Stages = append(view.Stages, sv)
	}
	return view
}
