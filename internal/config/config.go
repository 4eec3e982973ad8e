package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	// ConfigFileName is the study-level TOML configuration file under code/.
	ConfigFileName = "anatprep.toml"
	// LegacyConfigFileName is the YAML configuration used by earlier studies.
	LegacyConfigFileName = "anatprep_config.yml"
)

// Tools contains locations and commands for external tooling.
type Tools struct {
	SPMPath          string `toml:"spm_path"`
	MatlabCmd        string `toml:"matlab_cmd"`
	PythonCmd        string `toml:"python_cmd"`
	ITKSnapCmd       string `toml:"itksnap_cmd"`
	ContainerRuntime string `toml:"container_runtime"`
}

// FMRIPrep contains settings for the containerized fMRIprep run.
type FMRIPrep struct {
	Image        string   `toml:"image"`
	NThreads     int      `toml:"n_threads"`
	MemMB        int      `toml:"mem_mb"`
	OutputSpaces []string `toml:"output_spaces"`
	ExtraArgs    []string `toml:"extra_args"`
}

// FreeSurfer contains FreeSurfer licensing.
type FreeSurfer struct {
	License string `toml:"license"`
}

// Mask contains brain mask defaults.
type Mask struct {
	DefaultMethod string  `toml:"default_method"`
	BETFrac       float64 `toml:"bet_frac"`
	BETGrad       float64 `toml:"bet_grad"`
}

// Sinus contains sagittal sinus mask generation settings.
type Sinus struct {
	BETFrac      float64 `toml:"bet_frac"`
	BETGrad      float64 `toml:"bet_grad"`
	DilatePasses int     `toml:"dilate_passes"`
}

// Iteration bounds the brainmask refinement loop.
type Iteration struct {
	MaxIterations int `toml:"max_iterations"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for a study.
//
// Configuration sections by subsystem:
//   - Tools: MATLAB/SPM, python, ITK-SNAP, and the container runtime
//   - FMRIPrep: container image and resources
//   - FreeSurfer: license file mounted into the fMRIprep container
//   - Mask: default masking method and BET parameters
//   - Sinus: BET parameters and dilation for the sinus mask
//   - Iteration: brainmask refinement loop limits
//   - Logging: log format and level
type Config struct {
	StudyDir string `toml:"-"`

	Tools      Tools      `toml:"tools"`
	FMRIPrep   FMRIPrep   `toml:"fmriprep"`
	FreeSurfer FreeSurfer `toml:"freesurfer"`
	Mask       Mask       `toml:"mask"`
	Sinus      Sinus      `toml:"sinus"`
	Iteration  Iteration  `toml:"iteration"`
	Logging    Logging    `toml:"logging"`
}

// Load locates, parses, and validates the configuration for the study rooted
// at studyDir. An explicit path takes precedence over the study's code/
// directory. The returned string is the file that was (or would have been)
// read and the bool reports whether it existed.
func Load(studyDir, path string) (*Config, string, bool, error) {
	cfg := Default()

	root, err := expandPath(studyDir)
	if err != nil {
		return nil, "", false, fmt.Errorf("resolve study directory: %w", err)
	}
	cfg.StudyDir = root

	resolvedPath, exists, err := resolveConfigPath(root, path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		if isLegacyPath(resolvedPath) {
			if err := loadLegacy(resolvedPath, &cfg); err != nil {
				return nil, "", false, err
			}
		} else if err := decodeTOML(resolvedPath, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decodeTOML(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(studyDir, path string) (string, bool, error) {
	if strings.TrimSpace(path) != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	primary := filepath.Join(studyDir, "code", ConfigFileName)
	legacy := filepath.Join(studyDir, "code", LegacyConfigFileName)

	if info, err := os.Stat(primary); err == nil && !info.IsDir() {
		return primary, true, nil
	}
	if info, err := os.Stat(legacy); err == nil && !info.IsDir() {
		return legacy, true, nil
	}

	return primary, false, nil
}

func isLegacyPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// CodeDir returns the study's code/ directory.
func (c *Config) CodeDir() string {
	return filepath.Join(c.StudyDir, "code")
}

// RawDataDir returns the BIDS rawdata root.
func (c *Config) RawDataDir() string {
	return filepath.Join(c.StudyDir, "rawdata")
}

// DerivativesDir returns the BIDS derivatives root shared by all pipelines.
func (c *Config) DerivativesDir() string {
	return filepath.Join(c.StudyDir, "derivatives")
}

// AnatprepDir returns the derivatives directory owned by anatprep.
func (c *Config) AnatprepDir() string {
	return filepath.Join(c.DerivativesDir(), "anatprep")
}

// FMRIPrepDir returns the fMRIprep output directory.
func (c *Config) FMRIPrepDir() string {
	return filepath.Join(c.DerivativesDir(), "fmriprep")
}

// FreeSurferDir returns the FreeSurfer subjects directory.
func (c *Config) FreeSurferDir() string {
	return filepath.Join(c.DerivativesDir(), "freesurfer")
}

// EnsureDirectories creates the derivatives directories anatprep writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.AnatprepDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
