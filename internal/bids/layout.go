package bids

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrSubjectNotFound is returned when rawdata has no directory for a subject.
var ErrSubjectNotFound = errors.New("subject not found")

// ErrSessionNotFound is returned when a subject has no such session.
var ErrSessionNotFound = errors.New("session not found")

// Layout resolves paths relative to a study root.
type Layout struct {
	StudyDir string
}

// NewLayout returns a Layout rooted at studyDir.
func NewLayout(studyDir string) Layout {
	return Layout{StudyDir: studyDir}
}

// RawDataDir returns rawdata/.
func (l Layout) RawDataDir() string {
	return filepath.Join(l.StudyDir, "rawdata")
}

// DerivativesDir returns derivatives/.
func (l Layout) DerivativesDir() string {
	return filepath.Join(l.StudyDir, "derivatives")
}

// AnatprepDir returns derivatives/anatprep.
func (l Layout) AnatprepDir() string {
	return filepath.Join(l.DerivativesDir(), "anatprep")
}

// FMRIPrepDir returns derivatives/fmriprep.
func (l Layout) FMRIPrepDir() string {
	return filepath.Join(l.DerivativesDir(), "fmriprep")
}

// FreeSurferDir returns derivatives/freesurfer.
func (l Layout) FreeSurferDir() string {
	return filepath.Join(l.DerivativesDir(), "freesurfer")
}

// SubjectDerivDir returns derivatives/anatprep/sub-<ID>, the home of the
// subject's state file.
func (l Layout) SubjectDerivDir(subject string) string {
	return filepath.Join(l.AnatprepDir(), SubjectPrefix(subject))
}

// Subjects lists subject labels found under rawdata/, sorted.
func (l Layout) Subjects() ([]string, error) {
	return listPrefixed(l.RawDataDir(), "sub-")
}

// Sessions lists session labels for subject found under rawdata/, sorted.
func (l Layout) Sessions(subject string) ([]string, error) {
	return listPrefixed(filepath.Join(l.RawDataDir(), SubjectPrefix(subject)), "ses-")
}

// Session returns the path helper for one subject/session pair.
func (l Layout) Session(subject, session string) Session {
	return Session{
		Layout:  l,
		Subject: TrimSubject(subject),
		Session: TrimSession(session),
	}
}

// ResolveSessions validates subject (and session when given) and returns the
// sessions to process. An empty session selects every session on disk.
func (l Layout) ResolveSessions(subject, session string) ([]Session, error) {
	subject = TrimSubject(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject label is required", ErrSubjectNotFound)
	}
	subjectDir := filepath.Join(l.RawDataDir(), SubjectPrefix(subject))
	if info, err := os.Stat(subjectDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s (has dcm2bids been run for %s?)", ErrSubjectNotFound, subjectDir, SubjectPrefix(subject))
	}

	available, err := l.Sessions(subject)
	if err != nil {
		return nil, err
	}

	if session = TrimSession(session); session != "" {
		for _, candidate := range available {
			if candidate == session {
				return []Session{l.Session(subject, session)}, nil
			}
		}
		return nil, fmt.Errorf("%w: %s for %s (available: %s)", ErrSessionNotFound, SessionPrefix(session), SubjectPrefix(subject), strings.Join(available, ", "))
	}

	if len(available) == 0 {
		return nil, fmt.Errorf("%w: no sessions for %s in %s", ErrSessionNotFound, SubjectPrefix(subject), l.RawDataDir())
	}
	sessions := make([]Session, 0, len(available))
	for _, ses := range available {
		sessions = append(sessions, l.Session(subject, ses))
	}
	return sessions, nil
}

// SubjectPrefix returns "sub-<ID>".
func SubjectPrefix(subject string) string {
	return "sub-" + TrimSubject(subject)
}

// SessionPrefix returns "ses-<ID>".
func SessionPrefix(session string) string {
	return "ses-" + TrimSession(session)
}

// TrimSubject strips whitespace and an optional sub- prefix.
func TrimSubject(subject string) string {
	return strings.TrimPrefix(strings.TrimSpace(subject), "sub-")
}

// TrimSession strips whitespace and an optional ses- prefix.
func TrimSession(session string) string {
	return strings.TrimPrefix(strings.TrimSpace(session), "ses-")
}

func listPrefixed(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	labels := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		labels = append(labels, strings.TrimPrefix(entry.Name(), prefix))
	}
	sort.Strings(labels)
	return labels, nil
}
