package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// StateFileName is the per-subject state file under derivatives/anatprep/sub-<ID>/.
const StateFileName = "anatprep_state.json"

// stateFile is the on-disk shape: subject key, then session key.
type stateFile map[string]map[string]*Record

// loaded is a parsed state file plus what went wrong reading it.
type loaded struct {
	state   stateFile
	corrupt error
}

func (l loaded) record(subjectKey, sessionKey string) (*Record, bool) {
	sessions, ok := l.state[subjectKey]
	if !ok {
		return nil, false
	}
	rec, ok := sessions[sessionKey]
	if !ok || rec == nil {
		return nil, false
	}
	rec.normalize()
	return rec, true
}

// readState parses path. A missing file is an empty state; an unreadable or
// unparsable file is an empty state with corrupt set.
func readState(path string) loaded {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return loaded{state: stateFile{}}
		}
		return loaded{state: stateFile{}, corrupt: fmt.Errorf("%w: read %s: %w", ErrCorruptState, path, err)}
	}
	if len(data) == 0 {
		return loaded{state: stateFile{}, corrupt: fmt.Errorf("%w: %s is empty", ErrCorruptState, path)}
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return loaded{state: stateFile{}, corrupt: fmt.Errorf("%w: parse %s: %w", ErrCorruptState, path, err)}
	}
	if state == nil {
		state = stateFile{}
	}
	return loaded{state: state}
}

// writeState replaces path atomically via a temp file in the same directory.
func writeState(path string, state stateFile) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+StateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// preserveCorrupt moves an unparsable state file aside so the next write
// does not destroy it. Returns the backup path.
func preserveCorrupt(path, suffix string) (string, error) {
	backup := path + ".corrupt-" + suffix
	if err := os.Rename(path, backup); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("preserve corrupt state: %w", err)
	}
	return backup, nil
}
