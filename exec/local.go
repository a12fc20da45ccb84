package exec

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
)

// LocalExecutor spawns commands directly on the worker host via os/exec.
// There is no ecosystem replacement for spawning a local subprocess with
// redirected stdio and a custom environment — this is the one component of
// the core that is, correctly, built on the standard library (see
// DESIGN.md's stdlib justifications).
type LocalExecutor struct{}

// Execute implements Executor.
func (LocalExecutor) Execute(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, fmt.Errorf("empty argv")
	}

	cmd := osexec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd

	if spec.Env != nil {
		env := make([]string, 0, len(spec.Env))
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if spec.StdoutPath != "" {
		f, err := os.Create(spec.StdoutPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stdout = f
	}
	if spec.StderrPath != "" {
		f, err := os.Create(spec.StderrPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*osexec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}
