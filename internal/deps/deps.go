package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement defines an external tool a stage relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	// HomeEnv names a toolkit root variable (FSLDIR, FREESURFER_HOME) whose
	// bin/ directory is searched when Command is not on PATH.
	HomeEnv string
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Path        string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if path, err := exec.LookPath(cmd); err == nil {
			status.Path = path
			status.Available = true
			results = append(results, status)
			continue
		}
		if path, ok := toolkitBinary(req.HomeEnv, cmd); ok {
			status.Path = path
			status.Available = true
			status.Detail = fmt.Sprintf("found via $%s (not on PATH)", req.HomeEnv)
			results = append(results, status)
			continue
		}
		status.Detail = fmt.Sprintf("binary %q not found", cmd)
		if req.HomeEnv != "" {
			status.Detail += fmt.Sprintf(" (is $%s set?)", req.HomeEnv)
		}
		results = append(results, status)
	}
	return results
}

// Missing returns the required statuses that are unavailable.
func Missing(statuses []Status) []Status {
	var missing []Status
	for _, status := range statuses {
		if !status.Available && !status.Optional {
			missing = append(missing, status)
		}
	}
	return missing
}
