package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"anatprep/internal/config"
	"anatprep/internal/deps"
	"anatprep/internal/tracker"
)

// Tool names shared by the stage implementations.
const (
	ToolBET        = "bet"
	ToolFLIRT      = "flirt"
	ToolFSLMaths   = "fslmaths"
	ToolFSLStats   = "fslstats"
	ToolMaskFilter = "maskfilter"
	ToolMRIConvert = "mri_convert"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckFileReadable verifies that a regular file exists and can be read.
func CheckFileReadable(name, path string) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// StageRequirements lists the external tools stage needs under cfg.
// method selects the mask stage backend ("bet" or "spm").
func StageRequirements(stage, method string, cfg *config.Config) []deps.Requirement {
	fsl := func(cmd, desc string) deps.Requirement {
		return deps.Requirement{Name: cmd, Command: cmd, Description: desc, HomeEnv: deps.EnvFSLDir}
	}
	matlab := deps.Requirement{Name: "MATLAB", Command: cfg.Tools.MatlabCmd, Description: "Runs SPM/CAT12 batches"}
	itksnap := deps.Requirement{Name: "ITK-SNAP", Command: cfg.Tools.ITKSnapCmd, Description: "Manual mask editing"}

	switch stage {
	case tracker.StagePyMP2RAGE:
		return []deps.Requirement{{Name: "Python", Command: cfg.Tools.PythonCmd, Description: "Runs pymp2rage"}}
	case tracker.StageMask:
		if method == config.MaskMethodSPM {
			return []deps.Requirement{matlab}
		}
		return []deps.Requirement{fsl(ToolBET, "Brain extraction on INV2")}
	case tracker.StageDenoise:
		return []deps.Requirement{
			fsl(ToolFSLStats, "Mean INV2 intensity inside the mask"),
			fsl(ToolFSLMaths, "Background noise removal"),
		}
	case tracker.StageCAT12:
		return []deps.Requirement{matlab}
	case tracker.StageSinusAuto:
		return []deps.Requirement{
			fsl(ToolFLIRT, "FLAIR to T1w registration"),
			fsl(ToolFSLMaths, "Masking"),
			fsl(ToolBET, "Brain extraction on registered FLAIR"),
			{Name: ToolMaskFilter, Command: ToolMaskFilter, Description: "MRtrix3 mask dilation"},
		}
	case tracker.StageSinusEdit:
		return []deps.Requirement{fsl(ToolFSLMaths, "Empty mask creation"), itksnap}
	case tracker.StageFMRIPrep:
		return []deps.Requirement{{Name: "Container runtime", Command: cfg.Tools.ContainerRuntime, Description: "Runs the fMRIprep image"}}
	case tracker.StageBrainmaskEdit:
		return []deps.Requirement{
			{Name: ToolMRIConvert, Command: ToolMRIConvert, Description: "Converts FreeSurfer brainmask.mgz", HomeEnv: deps.EnvFreeSurferHome, Optional: true},
			itksnap,
		}
	}
	return nil
}

// CheckStage evaluates the tools stage needs.
func CheckStage(stage, method string, cfg *config.Config) []deps.Status {
	return deps.CheckBinaries(StageRequirements(stage, method, cfg))
}

// CheckAllTools evaluates every stage's tools once each, for status output.
func CheckAllTools(cfg *config.Config) []deps.Status {
	seen := map[string]bool{}
	var reqs []deps.Requirement
	add := func(list []deps.Requirement) {
		for _, req := range list {
			if seen[req.Command] {
				continue
			}
			seen[req.Command] = true
			reqs = append(reqs, req)
		}
	}
	for _, stage := range tracker.Stages {
		add(StageRequirements(stage, config.MaskMethodBET, cfg))
	}
	return deps.CheckBinaries(reqs)
}
