// Package toolexec runs the external neuroimaging tools (FSL, MRtrix,
// FreeSurfer, MATLAB, ITK-SNAP, container runtimes) that do the actual
// image processing, streaming their output into the stage log.
package toolexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"anatprep/internal/services"
)

// Command describes one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
	// Output overrides the executor's writer for this command.
	Output io.Writer
}

// String renders the command line roughly as a shell would show it.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.ContainsAny(arg, " \t\"'();") {
		return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return arg
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a tool that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Tail    []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if len(e.Tail) > 0 {
		msg += ": " + strings.Join(e.Tail, " | ")
	}
	return msg
}

// tailLines is how many trailing output lines an ExitError keeps.
const tailLines = 3

// CommandExecutor runs commands with os/exec, forwarding stdout and stderr
// line by line.
type CommandExecutor struct {
	out io.Writer
	mu  sync.Mutex
}

// New returns an executor writing tool output to out (stderr when nil).
func New(out io.Writer) *CommandExecutor {
	if out == nil {
		out = os.Stderr
	}
	return &CommandExecutor{out: out}
}

// Run starts cmd and waits for it. A missing binary is reported as
// services.ErrNotFound; a non-zero exit as services.ErrExternalTool
// wrapping an *ExitError.
func (e *CommandExecutor) Run(ctx context.Context, cmd Command) error {
	if strings.TrimSpace(cmd.Name) == "" {
		return services.Wrap(services.ErrValidation, "toolexec", "run", "command name is empty", nil)
	}
	out := cmd.Output
	if out == nil {
		out = e.out
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) //nolint:gosec
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := c.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return services.Wrap(services.ErrNotFound, "toolexec", "start", fmt.Sprintf("%s is not installed or not on PATH", cmd.Name), err)
		}
		return services.Wrap(services.ErrExternalTool, "toolexec", "start", fmt.Sprintf("could not start %s", cmd.Name), err)
	}

	var (
		wg      sync.WaitGroup
		once    sync.Once
		scanErr error
		tailMu  sync.Mutex
		tail    []string
	)
	forward := func(line string) {
		e.mu.Lock()
		fmt.Fprintln(out, line)
		e.mu.Unlock()

		tailMu.Lock()
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[len(tail)-tailLines:]
		}
		tailMu.Unlock()
	}
	scan := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			forward(scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() { scanErr = err })
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if scanErr != nil {
		_ = c.Process.Kill()
		_ = c.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}
	if err := c.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", cmd.Name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return services.Wrap(services.ErrExternalTool, "toolexec", "wait",
				fmt.Sprintf("%s failed", cmd.Name),
				&ExitError{Command: cmd.Name, Code: exitErr.ExitCode(), Tail: tail})
		}
		return services.Wrap(services.ErrExternalTool, "toolexec", "wait", fmt.Sprintf("%s failed", cmd.Name), err)
	}
	return nil
}

// LookPath resolves name on PATH, reporting a missing tool as
// services.ErrNotFound.
func LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", services.Wrap(services.ErrNotFound, "toolexec", "lookup", fmt.Sprintf("%s is not installed or not on PATH", name), err)
	}
	return path, nil
}
