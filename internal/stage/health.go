package stage

import (
	"strings"

	"anatprep/internal/deps"
)

// Health summarizes the readiness of a pipeline stage.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// HealthFromDeps folds tool availability into a stage Health record.
func HealthFromDeps(name string, statuses []deps.Status) Health {
	missing := deps.Missing(statuses)
	if len(missing) == 0 {
		return Healthy(name)
	}
	names := make([]string, 0, len(missing))
	for _, status := range missing {
		names = append(names, status.Command)
	}
	return Unhealthy(name, "missing "+strings.Join(names, ", "))
}
