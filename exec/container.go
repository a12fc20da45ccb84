package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerExecutor runs each invocation inside a fresh container instead of
// directly on the worker host, for sites that want filesystem and process
// isolation between runs sharing a worker. The command's cwd is bind-mounted
// into the container at the same path; it is the only mount. The temp files
// the server transit pipeline materialises for file parameters live in their
// own temp directories outside cwd and are not mounted into the container.
type ContainerExecutor struct {
	Client *client.Client
	Image  string
}

// NewContainerExecutor builds a ContainerExecutor using the Docker client
// configured from the environment (DOCKER_HOST and friends), running each
// Spec's Argv under image.
func NewContainerExecutor(image string) (*ContainerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &ContainerExecutor{Client: cli, Image: image}, nil
}

// Execute implements Executor.
func (e *ContainerExecutor) Execute(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, fmt.Errorf("empty argv")
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	binds := []string(nil)
	if spec.Cwd != "" {
		binds = []string{spec.Cwd + ":" + spec.Cwd}
	}

	resp, err := e.Client.ContainerCreate(ctx, &container.Config{
		Image:      e.Image,
		Cmd:        spec.Argv,
		Env:        env,
		WorkingDir: spec.Cwd,
	}, &container.HostConfig{
		Binds: binds,
	}, nil, nil, "")
	if err != nil {
		return 0, err
	}
	defer e.Client.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})

	if err := e.Client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return 0, err
	}

	statusCh, errCh := e.Client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return 0, err
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	if err := e.copyLogs(ctx, resp.ID, spec); err != nil {
		return int(exitCode), err
	}

	return int(exitCode), nil
}

func (e *ContainerExecutor) copyLogs(ctx context.Context, containerID string, spec Spec) error {
	logs, err := e.Client.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	var stdout, stderr io.Writer = io.Discard, io.Discard
	if spec.StdoutPath != "" {
		f, err := os.Create(spec.StdoutPath)
		if err != nil {
			return err
		}
		defer f.Close()
		stdout = f
	}
	if spec.StderrPath != "" {
		f, err := os.Create(spec.StderrPath)
		if err != nil {
			return err
		}
		defer f.Close()
		stderr = f
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs); err != nil {
		return err
	}
	if _, err := stdout.Write(stdoutBuf.Bytes()); err != nil {
		return err
	}
	_, err = stderr.Write(stderrBuf.Bytes())
	return err
}
