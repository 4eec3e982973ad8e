package stage

import (
	"fmt"
	"log/slog"
	"os"

	"anatprep/internal/bids"
	"anatprep/internal/fileutil"
	"anatprep/internal/logging"
	"anatprep/internal/services"
	"anatprep/internal/tracker"
)

// Guard decides whether outputs must be (re)computed. It returns true when
// the stage should skip because every output exists and force is off. With
// force on, existing outputs are removed first so a failed rerun cannot
// leave stale files that look complete.
func Guard(logger *slog.Logger, force bool, outputs ...string) (bool, error) {
	if len(outputs) == 0 {
		return false, nil
	}
	if len(tracker.MissingOutputs(outputs)) == 0 && !force {
		logger.Info("outputs exist; skipping (use --force to rerun)", logging.Strings("outputs", outputs))
		return true, nil
	}
	if force {
		if err := fileutil.RemoveFiles(outputs...); err != nil {
			return false, err
		}
	}
	return false, nil
}

// Runs returns the MP2RAGE runs of ses, failing when there are none.
func Runs(stageName string, ses bids.Session) ([]int, error) {
	runs, err := ses.MP2RAGERuns()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, services.Wrap(services.ErrNotFound, stageName, "find runs",
			fmt.Sprintf("no MP2RAGE images (%s) in %s", bids.PatternINV1Mag, ses.AnatDir()), nil)
	}
	return runs, nil
}

// RequireInput reports a missing upstream output with the stage to run first.
func RequireInput(stageName, what, previous string) error {
	return services.Wrap(services.ErrNotFound, stageName, "resolve inputs",
		fmt.Sprintf("%s not found; run 'anatprep %s' first", what, previous), nil)
}

// EnsureDir creates dir for stage outputs.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// FirstExisting returns the first path that is a non-empty regular file.
func FirstExisting(paths ...string) (string, bool) {
	for _, path := range paths {
		if len(tracker.MissingOutputs([]string{path})) == 0 {
			return path, true
		}
	}
	return "", false
}
