package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxStudySearchDepth bounds the upward walk from the working directory.
const maxStudySearchDepth = 4

// ErrStudyDirNotFound is returned when no study root can be located.
var ErrStudyDirNotFound = errors.New("could not locate the study directory; run from within the study tree or pass --studydir")

// studyMarkers are paths, relative to a candidate root, that identify a study.
var studyMarkers = []string{
	filepath.Join("code", ConfigFileName),
	filepath.Join("code", LegacyConfigFileName),
	filepath.Join("code", "config.json"),
	"rawdata",
}

// ResolveStudyDir returns the study root. An explicit directory must exist;
// otherwise the working directory and up to three of its parents are searched
// for study markers.
func ResolveStudyDir(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		dir, err := expandPath(explicit)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(dir)
		if err != nil {
			return "", fmt.Errorf("study directory does not exist: %s", dir)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("study directory is not a directory: %s", dir)
		}
		return dir, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	if dir, ok := FindStudyDir(cwd); ok {
		return dir, nil
	}
	return "", ErrStudyDirNotFound
}

// FindStudyDir walks upward from start looking for a directory holding any
// study marker.
func FindStudyDir(start string) (string, bool) {
	current, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for range maxStudySearchDepth {
		for _, marker := range studyMarkers {
			if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
				return current, true
			}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", false
}
