package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"anatprep/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t   testing.TB
	cfg *config.Config
}

// NewConfig produces a config rooted at a fresh temp study directory with
// rawdata/ and derivatives/ created. It applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	cfgVal := config.Default()
	cfgVal.StudyDir = t.TempDir()
	for _, dir := range []string{cfgVal.CodeDir(), cfgVal.RawDataDir(), cfgVal.DerivativesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	builder := &configBuilder{t: t, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithMaxIterations overrides the iteration cap.
func WithMaxIterations(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Iteration.MaxIterations = n
	}
}

// WithFreeSurferLicense writes a dummy license file and points the config at it.
func WithFreeSurferLicense() ConfigOption {
	return func(b *configBuilder) {
		path := filepath.Join(b.cfg.CodeDir(), "license.txt")
		WriteFile(b.t, path, 16)
		b.cfg.FreeSurfer.License = path
	}
}

// WithSPM creates a minimal SPM tree (spm.m plus toolbox/cat12) and sets
// tools.spm_path.
func WithSPM() ConfigOption {
	return func(b *configBuilder) {
		root := filepath.Join(filepath.Dir(b.cfg.StudyDir), filepath.Base(b.cfg.StudyDir)+"-spm12")
		WriteFile(b.t, filepath.Join(root, "spm.m"), 1)
		WriteFile(b.t, filepath.Join(root, "toolbox", "cat12", "cat12.m"), 1)
		b.cfg.Tools.SPMPath = root
	}
}

// WithMP2RAGEParams writes a valid code/mp2rage.json.
func WithMP2RAGEParams() ConfigOption {
	return func(b *configBuilder) {
		const params = `{
  "RepetitionTimeExcitation": 0.0071,
  "RepetitionTimePreparation": 5.0,
  "InversionTime": [0.9, 2.75],
  "NumberShots": 176,
  "FlipAngle": [4, 5]
}
`
		if err := os.WriteFile(b.cfg.MP2RAGEPath(), []byte(params), 0o644); err != nil {
			b.t.Fatalf("write mp2rage.json: %v", err)
		}
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, every tool anatprep calls is
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"bet", "flirt", "fslmaths", "fslstats", "maskfilter", "mri_convert", "matlab", "python3", "itksnap", "docker"}
		}
		StubBinaries(b.t, names...)
	}
}

// StubBinaries writes executables that exit 0 into a temp dir and prepends
// it to PATH for the duration of the test. It returns the directory.
func StubBinaries(t testing.TB, names ...string) string {
	t.Helper()
	binDir := t.TempDir()
	script := []byte("#!/bin/sh\nexit 0\n")
	for _, name := range names {
		target := filepath.Join(binDir, name)
		if err := os.WriteFile(target, script, 0o755); err != nil {
			t.Fatalf("write stub %s: %v", name, err)
		}
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return binDir
}
