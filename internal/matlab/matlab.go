// Package matlab renders SPM and CAT12 batch scripts and runs them through
// a headless MATLAB.
package matlab

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"anatprep/internal/services"
	"anatprep/internal/toolexec"
)

//go:embed templates/*.m.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("matlab").
	Funcs(template.FuncMap{"mq": quote}).
	ParseFS(templateFS, "templates/*.m.tmpl"))

// DefaultMaskThreshold is the GM+WM+CSF probability above which a voxel is brain.
const DefaultMaskThreshold = 0.5

// BrainMaskJob describes an SPM segmentation-based brain mask.
type BrainMaskJob struct {
	SPMPath   string
	Input     string
	Output    string
	WorkDir   string
	Threshold float64
}

// OutputNii is the uncompressed file SPM writes before it is gzipped.
func (j BrainMaskJob) OutputNii() string {
	return strings.TrimSuffix(j.Output, ".gz")
}

// CAT12Job describes one CAT12 segmentation.
type CAT12Job struct {
	SPMPath   string
	Input     string
	OutputDir string
	NProc     int
}

// RenderBrainMask returns the MATLAB source for job.
func RenderBrainMask(job BrainMaskJob) (string, error) {
	if job.Threshold <= 0 {
		job.Threshold = DefaultMaskThreshold
	}
	return render("spm_brainmask.m.tmpl", job)
}

// RenderCAT12 returns the MATLAB source for job.
func RenderCAT12(job CAT12Job) (string, error) {
	return render("cat12.m.tmpl", job)
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// quote renders s as a MATLAB char literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Runner writes batch scripts and executes them with MATLAB.
type Runner struct {
	MatlabCmd string
	Exec      toolexec.Executor
}

// BrainMask writes the SPM mask script into scriptDir and runs it.
func (r Runner) BrainMask(ctx context.Context, job BrainMaskJob, scriptDir, name string) error {
	src, err := RenderBrainMask(job)
	if err != nil {
		return err
	}
	return r.runSource(ctx, src, scriptDir, name)
}

// CAT12 writes the CAT12 script into scriptDir and runs it.
func (r Runner) CAT12(ctx context.Context, job CAT12Job, scriptDir, name string) error {
	src, err := RenderCAT12(job)
	if err != nil {
		return err
	}
	return r.runSource(ctx, src, scriptDir, name)
}

func (r Runner) runSource(ctx context.Context, src, scriptDir, name string) error {
	script, err := WriteScript(scriptDir, name, src)
	if err != nil {
		return err
	}
	return r.Exec.Run(ctx, BatchCommand(r.MatlabCmd, script))
}

// WriteScript stores src as <dir>/<name>.m. MATLAB requires script names to
// be identifiers, so other characters become underscores.
func WriteScript(dir, name, src string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create script directory: %w", err)
	}
	path := filepath.Join(dir, scriptName(name)+".m")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "matlab", "write script", path, err)
	}
	return path, nil
}

func scriptName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9' || r == '_':
			if i == 0 {
				b.WriteString("s")
			}
			b.WriteRune(r)
		default:
			if i == 0 {
				b.WriteString("s")
			}
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "script"
	}
	return b.String()
}

// BatchCommand runs script in a non-interactive MATLAB session.
func BatchCommand(matlabCmd, script string) toolexec.Command {
	if strings.TrimSpace(matlabCmd) == "" {
		matlabCmd = "matlab"
	}
	return toolexec.Command{
		Name: matlabCmd,
		Args: []string{"-nodisplay", "-nosplash", "-batch", fmt.Sprintf("run(%s)", quote(script))},
		Dir:  filepath.Dir(script),
	}
}
