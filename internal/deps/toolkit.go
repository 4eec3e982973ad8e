package deps

import (
	"os"
	"path/filepath"
	"strings"
)

// Toolkit root variables.
const (
	EnvFSLDir         = "FSLDIR"
	EnvFreeSurferHome = "FREESURFER_HOME"
)

// ResolveTool returns the command to execute for name: name itself when it
// is on PATH or not found anywhere, otherwise $<homeEnv>/bin/<name>. This
// matches how FSL and FreeSurfer installs are commonly used without their
// setup scripts sourced.
func ResolveTool(name, homeEnv string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	if path, ok := toolkitBinary(homeEnv, name); ok && !onPath(name) {
		return path
	}
	return name
}

func toolkitBinary(homeEnv, name string) (string, bool) {
	if homeEnv == "" {
		return "", false
	}
	root := strings.TrimSpace(os.Getenv(homeEnv))
	if root == "" {
		return "", false
	}
	candidate := filepath.Join(root, "bin", name)
	info, err := os.Stat(candidate)
	if err != nil || !isExecutable(info) {
		return "", false
	}
	return candidate, true
}

func onPath(name string) bool {
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && isExecutable(info) {
			return true
		}
	}
	return false
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
