// Package exec implements the executor (C7): spawning the materialised
// subprocess a run request resolves to. Grounded on
// original_source/.../server.py's subprocess.run(...) call, with two
// backends — a direct os/exec spawn and a Docker container spawn — the way
// the teacher supports both bare and containerised job execution.
package exec

import "context"

// Spec is the fully materialised form of a run request, ready to spawn:
// every parameter has already been resolved to a plain string by the server
// transit pipeline.
type Spec struct {
	Argv       []string
	Env        map[string]string
	Cwd        string
	StdoutPath string
	StderrPath string
}

// Executor spawns Spec and waits for it to finish, returning its exit code.
// A non-nil error means the process could not be spawned at all (spec.md §7
// ExecutionFailure); a non-zero exit code is not an error.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (exitCode int, err error)
}
