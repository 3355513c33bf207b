package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Runner runs a build command inside a package directory.
type Runner interface {
	Run(ctx context.Context, dir string, args []string, out io.Writer) error
}

// ExecRunner runs commands as child processes. Stdout and stderr both go to out.
type ExecRunner struct {
	// Env is appended to the current environment.
	Env []string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, dir string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), r.Env...)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d: %w", args[0], exitErr.ExitCode(), err)
		}
		return fmt.Errorf("failed to run %s: %w", args[0], err)
	}
	return nil
}
