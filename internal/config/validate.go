package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateTools(); err != nil {
		return err
	}
	if err := c.validateFMRIPrep(); err != nil {
		return err
	}
	if err := c.validateMask(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateTools() error {
	switch c.Tools.ContainerRuntime {
	case RuntimeDocker, RuntimePodman:
	default:
		return fmt.Errorf("tools.container_runtime must be %q or %q, got %q", RuntimeDocker, RuntimePodman, c.Tools.ContainerRuntime)
	}
	return nil
}

func (c *Config) validateFMRIPrep() error {
	return ensurePositiveMap(map[string]int{
		"fmriprep.n_threads":       c.FMRIPrep.NThreads,
		"fmriprep.mem_mb":          c.FMRIPrep.MemMB,
		"iteration.max_iterations": c.Iteration.MaxIterations,
	})
}

func (c *Config) validateMask() error {
	switch c.Mask.DefaultMethod {
	case MaskMethodBET, MaskMethodSPM:
	default:
		return fmt.Errorf("mask.default_method must be %q or %q, got %q", MaskMethodBET, MaskMethodSPM, c.Mask.DefaultMethod)
	}
	if c.Mask.BETFrac <= 0 || c.Mask.BETFrac >= 1 {
		return errors.New("mask.bet_frac must be between 0 and 1")
	}
	if c.Sinus.BETFrac <= 0 || c.Sinus.BETFrac >= 1 {
		return errors.New("sinus.bet_frac must be between 0 and 1")
	}
	if c.Mask.BETGrad < -1 || c.Mask.BETGrad > 1 {
		return errors.New("mask.bet_grad must be between -1 and 1")
	}
	if c.Sinus.BETGrad < -1 || c.Sinus.BETGrad > 1 {
		return errors.New("sinus.bet_grad must be between -1 and 1")
	}
	return nil
}

// RequireSPM reports a configuration error when SPM-backed stages cannot run.
func (c *Config) RequireSPM() error {
	if strings.TrimSpace(c.Tools.SPMPath) == "" {
		return fmt.Errorf("tools.spm_path is not set; add it to %s", c.configHint())
	}
	return nil
}

// RequireFreeSurferLicense reports a configuration error when the FreeSurfer
// license needed by fMRIprep is missing or unreadable.
func (c *Config) RequireFreeSurferLicense() error {
	if c.FreeSurfer.License == "" {
		return fmt.Errorf("freesurfer.license is not set; add it to %s or export FS_LICENSE", c.configHint())
	}
	if _, err := os.Stat(c.FreeSurfer.License); err != nil {
		return fmt.Errorf("freesurfer.license %q: %w", c.FreeSurfer.License, err)
	}
	return nil
}

func (c *Config) configHint() string {
	if c.StudyDir == "" {
		return "code/" + ConfigFileName
	}
	return c.CodeDir() + "/" + ConfigFileName
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
