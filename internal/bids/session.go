package bids

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrFileNotFound is returned when a rawdata lookup matches nothing.
var ErrFileNotFound = errors.New("file not found")

// NIfTIExt is the extension of every image anatprep reads or writes.
const NIfTIExt = ".nii.gz"

// Rawdata filename fragments for MP2RAGE components.
const (
	PatternINV1Mag   = "inv-1_part-mag_MP2RAGE"
	PatternINV1Phase = "inv-1_part-phase_MP2RAGE"
	PatternINV2Mag   = "inv-2_part-mag_MP2RAGE"
	PatternINV2Phase = "inv-2_part-phase_MP2RAGE"
	PatternINV2      = "inv-2_MP2RAGE"
	PatternUNIT1     = "acq-mp2rage"
)

var runPattern = regexp.MustCompile(`run-(\d+)`)

// Session resolves paths for one subject/session pair.
type Session struct {
	Layout  Layout
	Subject string
	Session string
}

// String renders "sub-X ses-Y".
func (s Session) String() string {
	return SubjectPrefix(s.Subject) + " " + SessionPrefix(s.Session)
}

// Prefix returns the BIDS filename prefix "sub-X_ses-Y".
func (s Session) Prefix() string {
	return SubjectPrefix(s.Subject) + "_" + SessionPrefix(s.Session)
}

// RawDir returns rawdata/sub-X/ses-Y.
func (s Session) RawDir() string {
	return filepath.Join(s.Layout.RawDataDir(), SubjectPrefix(s.Subject), SessionPrefix(s.Session))
}

// AnatDir returns rawdata/sub-X/ses-Y/anat.
func (s Session) AnatDir() string {
	return filepath.Join(s.RawDir(), "anat")
}

// FmapDir returns rawdata/sub-X/ses-Y/fmap.
func (s Session) FmapDir() string {
	return filepath.Join(s.RawDir(), "fmap")
}

// DerivDir returns derivatives/anatprep/sub-X/ses-Y.
func (s Session) DerivDir() string {
	return filepath.Join(s.Layout.SubjectDerivDir(s.Subject), SessionPrefix(s.Session))
}

// LogDir returns the session's log directory.
func (s Session) LogDir() string {
	return filepath.Join(s.DerivDir(), "logs")
}

// LogPath returns the log file for a stage.
func (s Session) LogPath(stage string) string {
	return filepath.Join(s.LogDir(), stage+".log")
}

// IterDir returns the directory for brainmask iteration n.
func (s Session) IterDir(n int) string {
	return filepath.Join(s.DerivDir(), fmt.Sprintf("iter-%d", n))
}

// PyMP2RAGEDir returns the pymp2rage output directory.
func (s Session) PyMP2RAGEDir() string {
	return filepath.Join(s.DerivDir(), "pymp2rage")
}

// CAT12Dir returns the CAT12 output directory for run.
func (s Session) CAT12Dir(run int) string {
	return filepath.Join(s.DerivDir(), "cat12", fmt.Sprintf("run-%d", run))
}

// XfmDir returns the directory holding registration matrices.
func (s Session) XfmDir() string {
	return filepath.Join(s.DerivDir(), "xfm")
}

// EnsureDirs creates the derivatives and log directories.
func (s Session) EnsureDirs() error {
	for _, dir := range []string{s.DerivDir(), s.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DerivPath builds sub-X_ses-Y[_run-N]_desc-<desc>_<suffix>.nii.gz inside the
// session directory, or inside subdir when given. run <= 0 omits the entity.
func (s Session) DerivPath(desc, suffix string, run int, subdir string) string {
	parts := []string{s.Prefix()}
	if run > 0 {
		parts = append(parts, fmt.Sprintf("run-%d", run))
	}
	parts = append(parts, "desc-"+desc, suffix)
	base := s.DerivDir()
	if subdir != "" {
		base = filepath.Join(base, subdir)
	}
	return filepath.Join(base, strings.Join(parts, "_")+NIfTIExt)
}

// MP2RAGERuns returns the run numbers of INV1 magnitude images in anat/. A
// file without a run entity counts as run 1.
func (s Session) MP2RAGERuns() ([]int, error) {
	files, err := s.globAnat("*" + PatternINV1Mag + "*" + NIfTIExt)
	if err != nil {
		return nil, err
	}
	seen := map[int]struct{}{}
	for _, f := range files {
		seen[RunNumber(filepath.Base(f))] = struct{}{}
	}
	runs := make([]int, 0, len(seen))
	for run := range seen {
		runs = append(runs, run)
	}
	sort.Ints(runs)
	return runs, nil
}

// RunNumber extracts the run entity from a filename, defaulting to 1.
func RunNumber(name string) int {
	if m := runPattern.FindStringSubmatch(name); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 1
}

// RawFiles returns every anat/ NIfTI whose name contains pattern (and
// run-N when run > 0), sorted.
func (s Session) RawFiles(pattern string, run int) ([]string, error) {
	files, err := s.globAnat("*" + NIfTIExt)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, f := range files {
		if matchesName(filepath.Base(f), pattern, run) {
			found = append(found, f)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no rawdata matching %q (run=%d) in %s", ErrFileNotFound, pattern, run, s.AnatDir())
	}
	return found, nil
}

// RawFile returns the first match of RawFiles.
func (s Session) RawFile(pattern string, run int) (string, error) {
	files, err := s.RawFiles(pattern, run)
	if err != nil {
		return "", err
	}
	return files[0], nil
}

// MP2RAGEParts holds the four complex-valued inversion images of one run.
type MP2RAGEParts struct {
	INV1Mag   string
	INV1Phase string
	INV2Mag   string
	INV2Phase string
}

// RawMP2RAGEParts locates the magnitude and phase images of both inversions.
func (s Session) RawMP2RAGEParts(run int) (MP2RAGEParts, error) {
	var parts MP2RAGEParts
	targets := []struct {
		pattern string
		dst     *string
	}{
		{PatternINV1Mag, &parts.INV1Mag},
		{PatternINV1Phase, &parts.INV1Phase},
		{PatternINV2Mag, &parts.INV2Mag},
		{PatternINV2Phase, &parts.INV2Phase},
	}
	for _, target := range targets {
		path, err := s.RawFile(target.pattern, run)
		if err != nil {
			return MP2RAGEParts{}, err
		}
		*target.dst = path
	}
	return parts, nil
}

// RawINV2 returns the combined INV2 magnitude, falling back to the
// part-mag image when no combined file exists.
func (s Session) RawINV2(run int) (string, error) {
	if path, err := s.RawFile(PatternINV2, run); err == nil {
		return path, nil
	}
	return s.RawFile(PatternINV2Mag, run)
}

// FLAIRFiles returns anat/ FLAIR images, sorted.
func (s Session) FLAIRFiles() ([]string, error) {
	return s.globAnat("*FLAIR*" + NIfTIExt)
}

// TB1Map returns the DREAM B1 map recorded for run, if any. The second result
// reports whether a map without a run entity exists, which is not used.
func (s Session) TB1Map(run int) (path string, unmatched bool) {
	matches, _ := filepath.Glob(filepath.Join(s.FmapDir(), fmt.Sprintf("*_acq-dream_run-%d_TB1map%s", run, NIfTIExt)))
	if len(matches) > 0 {
		sort.Strings(matches)
		return matches[0], false
	}
	norun, _ := filepath.Glob(filepath.Join(s.FmapDir(), "*_acq-dream_TB1map"+NIfTIExt))
	return "", len(norun) > 0
}

// FindDeriv returns the first derivative NIfTI whose name contains pattern
// (and run-N when run > 0), searching subdir when given.
func (s Session) FindDeriv(pattern string, run int, subdir string) (string, bool) {
	root := s.DerivDir()
	if subdir != "" {
		root = filepath.Join(root, subdir)
	}
	matches, err := filepath.Glob(filepath.Join(root, "*"+NIfTIExt))
	if err != nil {
		return "", false
	}
	sort.Strings(matches)
	for _, f := range matches {
		if matchesName(filepath.Base(f), pattern, run) {
			return f, true
		}
	}
	return "", false
}

// FindFirstDeriv tries each desc label in order and returns the first hit.
func (s Session) FindFirstDeriv(run int, subdir string, descs ...string) (string, bool) {
	for _, desc := range descs {
		if path, ok := s.FindDeriv("desc-"+desc+"_", run, subdir); ok {
			return path, true
		}
	}
	return "", false
}

// FMRIPrepAnatDir returns derivatives/fmriprep/sub-X/ses-Y/anat.
func (s Session) FMRIPrepAnatDir() string {
	return filepath.Join(s.Layout.FMRIPrepDir(), SubjectPrefix(s.Subject), SessionPrefix(s.Session), "anat")
}

// FMRIPrepT1w returns the preprocessed T1w fMRIprep writes for this session.
func (s Session) FMRIPrepT1w() string {
	return filepath.Join(s.FMRIPrepAnatDir(), s.Prefix()+"_desc-preproc_T1w"+NIfTIExt)
}

// FreeSurferSubjectDir returns the FreeSurfer subject directory fMRIprep fills.
func (s Session) FreeSurferSubjectDir() string {
	return filepath.Join(s.Layout.FreeSurferDir(), SubjectPrefix(s.Subject))
}

// FreeSurferBrainmask returns mri/brainmask.mgz inside the FreeSurfer subject.
func (s Session) FreeSurferBrainmask() string {
	return filepath.Join(s.FreeSurferSubjectDir(), "mri", "brainmask.mgz")
}

func (s Session) globAnat(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.AnatDir(), pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

func matchesName(name, pattern string, run int) bool {
	if !strings.Contains(name, pattern) {
		return false
	}
	return run <= 0 || RunNumber(name) == run
}
