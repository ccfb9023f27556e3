package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// ExecSpawner starts workers as child processes: Path Args... <checkpoint>.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// SelfSpawner re-executes the running binary's worker command.
func SelfSpawner() (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Path: exe, Args: []string{"worker"}, Stdout: os.Stdout, Stderr: os.Stderr}, nil
}

// Spawn implements Spawner. A non-zero exit is reported through the code,
// not the error.
func (e *ExecSpawner) Spawn(ctx context.Context, statePath string) (int, error) {
	args := append(append([]string(nil), e.Args...), statePath)
	// #nosec G204 -- the worker binary and arguments come from the operator.
	cmd := exec.CommandContext(ctx, e.Path, args...)
	cmd.Stdout, cmd.Stderr = e.Stdout, e.Stderr
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return exitErr.ExitCode(), nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	}
	return -1, fmt.Errorf("run worker: %w", err)
}
