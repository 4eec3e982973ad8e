package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeTools(); err != nil {
		return err
	}
	c.normalizeFMRIPrep()
	if err := c.normalizeFreeSurfer(); err != nil {
		return err
	}
	c.normalizeMask()
	c.normalizeIteration()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeTools() error {
	var err error
	c.Tools.SPMPath = strings.TrimSpace(c.Tools.SPMPath)
	if c.Tools.SPMPath != "" {
		if c.Tools.SPMPath, err = expandPath(c.Tools.SPMPath); err != nil {
			return fmt.Errorf("tools.spm_path: %w", err)
		}
	}
	c.Tools.MatlabCmd = strings.TrimSpace(c.Tools.MatlabCmd)
	if c.Tools.MatlabCmd == "" || c.Tools.MatlabCmd == defaultMatlabCmd {
		if value, ok := os.LookupEnv("MATLAB_CMD"); ok && strings.TrimSpace(value) != "" {
			c.Tools.MatlabCmd = strings.TrimSpace(value)
		}
	}
	if c.Tools.MatlabCmd == "" {
		c.Tools.MatlabCmd = defaultMatlabCmd
	}
	c.Tools.PythonCmd = strings.TrimSpace(c.Tools.PythonCmd)
	if c.Tools.PythonCmd == "" {
		c.Tools.PythonCmd = defaultPythonCmd
	}
	c.Tools.ITKSnapCmd = strings.TrimSpace(c.Tools.ITKSnapCmd)
	if c.Tools.ITKSnapCmd == "" {
		c.Tools.ITKSnapCmd = defaultITKSnapCmd
	}
	c.Tools.ContainerRuntime = strings.ToLower(strings.TrimSpace(c.Tools.ContainerRuntime))
	if c.Tools.ContainerRuntime == "" {
		c.Tools.ContainerRuntime = defaultContainerRuntime
	}
	return nil
}

func (c *Config) normalizeFMRIPrep() {
	c.FMRIPrep.Image = strings.TrimSpace(c.FMRIPrep.Image)
	if c.FMRIPrep.Image == "" {
		c.FMRIPrep.Image = defaultFMRIPrepImage
	}
	spaces := make([]string, 0, len(c.FMRIPrep.OutputSpaces))
	for _, space := range c.FMRIPrep.OutputSpaces {
		if trimmed := strings.TrimSpace(space); trimmed != "" {
			spaces = append(spaces, trimmed)
		}
	}
	if len(spaces) == 0 {
		spaces = []string{"T1w", "fsnative"}
	}
	c.FMRIPrep.OutputSpaces = spaces
}

func (c *Config) normalizeFreeSurfer() error {
	c.FreeSurfer.License = strings.TrimSpace(c.FreeSurfer.License)
	if c.FreeSurfer.License == "" {
		if value, ok := os.LookupEnv("FS_LICENSE"); ok {
			c.FreeSurfer.License = strings.TrimSpace(value)
		}
	}
	if c.FreeSurfer.License == "" {
		return nil
	}
	var err error
	if c.FreeSurfer.License, err = expandPath(c.FreeSurfer.License); err != nil {
		return fmt.Errorf("freesurfer.license: %w", err)
	}
	return nil
}

func (c *Config) normalizeMask() {
	c.Mask.DefaultMethod = strings.ToLower(strings.TrimSpace(c.Mask.DefaultMethod))
	if c.Mask.DefaultMethod == "" {
		c.Mask.DefaultMethod = defaultMaskMethod
	}
	if c.Sinus.DilatePasses < 0 {
		c.Sinus.DilatePasses = 0
	}
}

func (c *Config) normalizeIteration() {
	if c.Iteration.MaxIterations <= 0 {
		c.Iteration.MaxIterations = defaultMaxIterations
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if value, ok := os.LookupEnv("ANATPREP_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = strings.ToLower(strings.TrimSpace(value))
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
