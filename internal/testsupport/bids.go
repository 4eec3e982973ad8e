package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"anatprep/internal/bids"
	"anatprep/internal/config"
)

// AddSession creates rawdata/sub-<subject>/ses-<session>/anat and returns
// the session.
func AddSession(t testing.TB, cfg *config.Config, subject, session string) bids.Session {
	t.Helper()
	ses := bids.NewLayout(cfg.StudyDir).Session(subject, session)
	if err := os.MkdirAll(ses.AnatDir(), 0o755); err != nil {
		t.Fatalf("mkdir anat: %v", err)
	}
	return ses
}

// RawName builds a rawdata filename for ses with the given entities.
func RawName(ses bids.Session, run int, entities string) string {
	if run > 0 {
		return fmt.Sprintf("%s_run-%d_%s%s", ses.Prefix(), run, entities, bids.NIfTIExt)
	}
	return fmt.Sprintf("%s_%s%s", ses.Prefix(), entities, bids.NIfTIExt)
}

// AddRaw writes anat/<name> and returns its path.
func AddRaw(t testing.TB, ses bids.Session, name string) string {
	t.Helper()
	return Touch(t, filepath.Join(ses.AnatDir(), name))
}

// AddMP2RAGERun writes the magnitude/phase images of both inversions plus
// the combined INV2 for run.
func AddMP2RAGERun(t testing.TB, ses bids.Session, run int) bids.MP2RAGEParts {
	t.Helper()
	return bids.MP2RAGEParts{
		INV1Mag:   AddRaw(t, ses, RawName(ses, run, "acq-mp2rage_"+bids.PatternINV1Mag)),
		INV1Phase: AddRaw(t, ses, RawName(ses, run, "acq-mp2rage_"+bids.PatternINV1Phase)),
		INV2Mag:   AddRaw(t, ses, RawName(ses, run, "acq-mp2rage_"+bids.PatternINV2Mag)),
		INV2Phase: AddRaw(t, ses, RawName(ses, run, "acq-mp2rage_"+bids.PatternINV2Phase)),
	}
}

// AddFLAIR writes anat/<prefix>_FLAIR.nii.gz.
func AddFLAIR(t testing.TB, ses bids.Session) string {
	t.Helper()
	return AddRaw(t, ses, ses.Prefix()+"_FLAIR"+bids.NIfTIExt)
}

// AddDeriv writes a derivative built by Session.DerivPath and returns it.
func AddDeriv(t testing.TB, ses bids.Session, desc, suffix string, run int, subdir string) string {
	t.Helper()
	return Touch(t, ses.DerivPath(desc, suffix, run, subdir))
}
