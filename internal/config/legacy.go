package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacyConfig mirrors the nested YAML layout of code/anatprep_config.yml:
//
//	tools:
//	  spm_path: /opt/spm12
//	  matlab_cmd: matlab
//	  fmriprep:
//	    docker_image: nipreps/fmriprep:23.2.1
//	    n_threads: 8
//	    mem_mb: 32000
//	  freesurfer:
//	    license: /opt/freesurfer/license.txt
type legacyConfig struct {
	Tools struct {
		SPMPath    string `yaml:"spm_path"`
		MatlabCmd  string `yaml:"matlab_cmd"`
		PythonCmd  string `yaml:"python_cmd"`
		ITKSnapCmd string `yaml:"itksnap_cmd"`
		FMRIPrep   struct {
			DockerImage string `yaml:"docker_image"`
			NThreads    int    `yaml:"n_threads"`
			MemMB       int    `yaml:"mem_mb"`
		} `yaml:"fmriprep"`
		FreeSurfer struct {
			License string `yaml:"license"`
		} `yaml:"freesurfer"`
	} `yaml:"tools"`
}

func loadLegacy(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	var legacy legacyConfig
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	legacy.applyTo(cfg)
	return nil
}

// applyTo copies explicitly set legacy values over the defaults.
func (l legacyConfig) applyTo(cfg *Config) {
	setString := func(dst *string, value string) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Tools.SPMPath, l.Tools.SPMPath)
	setString(&cfg.Tools.MatlabCmd, l.Tools.MatlabCmd)
	setString(&cfg.Tools.PythonCmd, l.Tools.PythonCmd)
	setString(&cfg.Tools.ITKSnapCmd, l.Tools.ITKSnapCmd)
	setString(&cfg.FMRIPrep.Image, l.Tools.FMRIPrep.DockerImage)
	setString(&cfg.FreeSurfer.License, l.Tools.FreeSurfer.License)
	if l.Tools.FMRIPrep.NThreads > 0 {
		cfg.FMRIPrep.NThreads = l.Tools.FMRIPrep.NThreads
	}
	if l.Tools.FMRIPrep.MemMB > 0 {
		cfg.FMRIPrep.MemMB = l.Tools.FMRIPrep.MemMB
	}
	// The legacy layout always ran fMRIprep through docker.
	cfg.Tools.ContainerRuntime = RuntimeDocker
}
