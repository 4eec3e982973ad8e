package deps

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStub(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
}

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	writeStub(t, present)
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Optional", Command: "also-not-present", Optional: true},
		{Name: "Empty"},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available || results[0].Detail != "" || results[0].Path != present {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[1].Available || results[1].Detail == "" {
		t.Fatalf("expected missing binary to be unavailable with detail, got %#v", results[1])
	}
	if results[3].Detail != "command not configured" {
		t.Fatalf("unexpected detail for empty command: %q", results[3].Detail)
	}

	missing := Missing(results)
	if len(missing) != 2 || missing[0].Name != "Missing" || missing[1].Name != "Empty" {
		t.Fatalf("unexpected missing set: %#v", missing)
	}
}

func TestCheckBinariesFindsToolkitBin(t *testing.T) {
	fslDir := t.TempDir()
	writeStub(t, filepath.Join(fslDir, "bin", "anatprep-test-bet"))
	t.Setenv(EnvFSLDir, fslDir)
	t.Setenv("PATH", t.TempDir())

	results := CheckBinaries([]Requirement{{Name: "BET", Command: "anatprep-test-bet", HomeEnv: EnvFSLDir}})
	if !results[0].Available {
		t.Fatalf("expected tool under $FSLDIR/bin, got %#v", results[0])
	}
	if results[0].Path != filepath.Join(fslDir, "bin", "anatprep-test-bet") {
		t.Fatalf("unexpected path %q", results[0].Path)
	}
}

func TestResolveTool(t *testing.T) {
	fslDir := t.TempDir()
	toolkit := filepath.Join(fslDir, "bin", "anatprep-test-flirt")
	writeStub(t, toolkit)
	t.Setenv(EnvFSLDir, fslDir)

	pathDir := t.TempDir()
	t.Setenv("PATH", pathDir)
	if got := ResolveTool("anatprep-test-flirt", EnvFSLDir); got != toolkit {
		t.Fatalf("ResolveTool = %q, want toolkit path", got)
	}

	writeStub(t, filepath.Join(pathDir, "anatprep-test-flirt"))
	if got := ResolveTool("anatprep-test-flirt", EnvFSLDir); got != "anatprep-test-flirt" {
		t.Fatalf("ResolveTool = %q, want PATH name", got)
	}
	if got := ResolveTool("unknown-tool", EnvFSLDir); got != "unknown-tool" {
		t.Fatalf("ResolveTool = %q", got)
	}
}
