package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"anatprep/internal/config"
	"anatprep/internal/deps"
	"anatprep/internal/services"
	"anatprep/internal/tracker"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// StudyStructure reports the study layout items anatprep expects.
func StudyStructure(cfg *config.Config, configPath string) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{configResult(configPath)}
	results = append(results, mp2rageResult(cfg))
	results = append(results, existsResult("rawdata/", cfg.RawDataDir()))
	results = append(results, CheckDirectoryAccess("derivatives/", cfg.DerivativesDir()))
	return results
}

func configResult(path string) Result {
	if path == "" {
		return Result{Name: "config", Detail: "not found (defaults in use; run 'anatprep config init')"}
	}
	return Result{Name: "config", Passed: true, Detail: path}
}

func mp2rageResult(cfg *config.Config) Result {
	if _, err := cfg.LoadMP2RAGEParams(); err != nil {
		return Result{Name: config.MP2RAGEFileName, Detail: err.Error()}
	}
	return Result{Name: config.MP2RAGEFileName, Passed: true, Detail: cfg.MP2RAGEPath()}
}

func existsResult(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (missing)", path)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// RunStage runs the checks stage needs before it starts. It returns a
// configuration error naming every missing tool or setting.
func RunStage(stage, method string, cfg *config.Config) error {
	if cfg == nil {
		return services.Wrap(services.ErrConfiguration, stage, "preflight", "configuration is required", nil)
	}
	var problems []string
	for _, status := range deps.Missing(CheckStage(stage, method, cfg)) {
		problems = append(problems, fmt.Sprintf("%s: %s", status.Name, status.Detail))
	}

	switch stage {
	case tracker.StageMask:
		if method == config.MaskMethodSPM {
			problems = appendErr(problems, spmProblem(cfg))
		}
	case tracker.StageCAT12:
		problems = appendErr(problems, spmProblem(cfg))
	case tracker.StageFMRIPrep:
		problems = appendErr(problems, cfg.RequireFreeSurferLicense())
		if r := CheckDirectoryAccess("derivatives", cfg.DerivativesDir()); !r.Passed {
			problems = append(problems, r.Detail)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return services.Wrap(services.ErrConfiguration, stage, "preflight", strings.Join(problems, "; "), nil)
}

func spmProblem(cfg *config.Config) error {
	if err := cfg.RequireSPM(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(cfg.Tools.SPMPath, "spm.m")); err != nil {
		return fmt.Errorf("tools.spm_path %s does not contain spm.m", cfg.Tools.SPMPath)
	}
	return nil
}

func appendErr(problems []string, err error) []string {
	if err != nil {
		problems = append(problems, err.Error())
	}
	return problems
}
