// Package transit implements the client (C4) and server (C5) pipelines that
// rewrite a caller's argument tree into a serialisable envelope and back,
// performing the upload/download/delete side effects each parameter variant
// requires along the way (spec.md §4.4, §4.5).
package transit

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/inconshreveable/log15"

	"github.com/sb10/cmdproxy/blobstore"
	"github.com/sb10/cmdproxy/cmderr"
	"github.com/sb10/cmdproxy/envelope"
	"github.com/sb10/cmdproxy/param"
)

// Dispatcher submits a built envelope to a queue and waits for the worker's
// response. Implemented by dispatch.Client; declared here, not imported
// from package dispatch, so transit depends only on the shape it needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req envelope.RunRequest, queue string) (envelope.RunResponse, error)
}

// RunSpec is a caller's run request before the transit pipeline rewrites it.
// Args and Env entries may be raw scalars (string, bool, int, int64,
// float64), which are wrapped as Str, or any param.Param variant.
type RunSpec struct {
	Command param.Param
	Args    []interface{}
	Env     map[string]interface{}
	Cwd     *string
	Stdout  param.Param
	Stderr  param.Param

	// Queue overrides the routing hint a CmdName would otherwise supply, and
	// must be set when Command is a CmdPath (spec.md §4.4 "Queue routing").
	Queue string
}

// RunResult is what a caller sees after a successful run.
type RunResult struct {
	ReturnCode int
}

// Client is the caller-facing half of the transit pipeline.
type Client struct {
	Store      blobstore.Store
	Dispatcher Dispatcher
	Log        log15.Logger
}

// NewClient builds a Client.
func NewClient(store blobstore.Store, dispatcher Dispatcher, logger log15.Logger) *Client {
	return &Client{
		Store:      store,
		Dispatcher: dispatcher,
		Log:        logger,
	}
}

// Run rewrites spec into a wire envelope, dispatches it to queue, and
// restores/cleans up every guarded parameter on the way back out, whether
// dispatch succeeded or not.
func (c *Client) Run(ctx context.Context, spec RunSpec) (result RunResult, err error) {
	gs := &guardStack{}
	defer func() {
		if uerr := gs.unwind(); uerr != nil {
			if c.Log != nil {
				c.Log.Warn("transit client cleanup reported errors", "err", uerr)
			}
			if err == nil {
				err = cmderr.Wrap(cmderr.BlobConflict, "cleaning up after run", uerr)
			}
		}
	}()

	command, err := c.rewriteParam(ctx, spec.Command, gs)
	if err != nil {
		return RunResult{}, err
	}

	queue := spec.Queue
	switch cmd := spec.Command.(type) {
	case param.CmdNameParam:
		if queue == "" {
			queue = cmd.Name
		}
	case param.CmdPathParam:
		if queue == "" {
			return RunResult{}, cmderr.New(cmderr.DispatchFailure, "CmdPath requires an explicit queue")
		}
	default:
		return RunResult{}, cmderr.Newf(cmderr.EnvelopeDecode, "command must be CmdName or CmdPath, got %T", spec.Command)
	}

	args := make([]param.Param, len(spec.Args))
	for i, a := range spec.Args {
		rw, rerr := c.rewriteArg(ctx, a, gs)
		if rerr != nil {
			return RunResult{}, rerr
		}
		args[i] = rw
	}

	var env map[string]param.Param
	if spec.Env != nil {
		env = make(map[string]param.Param, len(spec.Env))
		for k, v := range spec.Env {
			rw, rerr := c.rewriteArg(ctx, v, gs)
			if rerr != nil {
				return RunResult{}, rerr
			}
			env[k] = rw
		}
	}

	var stdout, stderr param.Param
	if spec.Stdout != nil {
		if stdout, err = c.rewriteParam(ctx, spec.Stdout, gs); err != nil {
			return RunResult{}, err
		}
	}
	if spec.Stderr != nil {
		if stderr, err = c.rewriteParam(ctx, spec.Stderr, gs); err != nil {
			return RunResult{}, err
		}
	}

	req := envelope.RunRequest{
		Command: command,
		Args:    args,
		Env:     env,
		Cwd:     spec.Cwd,
		Stdout:  stdout,
		Stderr:  stderr,
	}

	resp, derr := c.Dispatcher.Dispatch(ctx, req, queue)
	if derr != nil {
		return RunResult{}, cmderr.Wrap(cmderr.DispatchFailure, "dispatching run request", derr)
	}
	if resp.Error != nil {
		return RunResult{}, cmderr.NewServerEnd(*resp.Error, resp.ReturnCode)
	}

	return RunResult{ReturnCode: resp.ReturnCode}, nil
}

// rewriteArg wraps a raw scalar as Str, or delegates to rewriteParam.
func (c *Client) rewriteArg(ctx context.Context, v interface{}, gs *guardStack) (param.Param, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case param.Param:
		return c.rewriteParam(ctx, t, gs)
	case string:
		return param.Str(t), nil
	case bool:
		if t {
			return param.Str("true"), nil
		}
		return param.Str("false"), nil
	case int:
		return param.Str(strconv.Itoa(t)), nil
	case int64:
		return param.Str(strconv.FormatInt(t, 10)), nil
	case float64:
		return param.Str(strconv.FormatFloat(t, 'g', -1, 64)), nil
	default:
		return nil, cmderr.Newf(cmderr.EnvelopeDecode, "argument of type %T is neither a scalar nor a parameter", v)
	}
}

// rewriteParam applies the client-side per-variant guard table of spec.md
// §4.4 to a single parameter, pushing its exit action (if any) onto gs.
func (c *Client) rewriteParam(ctx context.Context, p param.Param, gs *guardStack) (param.Param, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil

	case param.StrParam:
		return v, nil

	case param.EnvParam:
		val, ok := os.LookupEnv(v.Name)
		if !ok {
			return nil, cmderr.Newf(cmderr.MissingEnvVar, "environment variable %q is not set", v.Name)
		}
		return param.Str(val), nil

	case param.RemoteEnvParam:
		// Left unresolved for the worker to look up in its own environment.
		return param.Env(v.Name), nil

	case param.CmdNameParam, param.CmdPathParam:
		return v, nil

	case param.FormatParam:
		newArgs := make(map[string]param.Param, len(v.Args))
		for k, child := range v.Args {
			rw, err := c.rewriteParam(ctx, child, gs)
			if err != nil {
				return nil, err
			}
			newArgs[k] = rw
		}
		return param.Format(v.Tmpl, newArgs), nil

	case param.InLocalFileParam:
		f, err := os.Open(v.PathVal)
		if err != nil {
			return nil, cmderr.Wrap(cmderr.BlobMissing, "opening local input file "+v.PathVal, err)
		}
		defer f.Close()

		name := v.CanonicalBlobName()
		if err := c.Store.Put(ctx, name, f); err != nil {
			return nil, cmderr.Wrap(cmderr.BlobConflict, "uploading "+name, err)
		}
		gs.push(func() error { return c.Store.DeleteByName(ctx, name) })
		return v.AsCloud(), nil

	case param.InCloudFileParam:
		return v, nil

	case param.OutLocalFileParam:
		cloud := v.AsCloud().(param.OutCloudFileParam)
		name := cloud.CanonicalBlobName()
		if taken, err := c.exists(ctx, name); err != nil {
			return nil, err
		} else if taken {
			return nil, cmderr.Newf(cmderr.BlobConflict, "output slot %s is already occupied", name)
		}
		path := v.PathVal
		gs.push(func() error { return c.downloadAndClear(ctx, name, path) })
		return cloud, nil

	case param.OutCloudFileParam:
		return v, nil

	case param.InStreamParam:
		cloud := param.InCloudFile(v.Filename, param.LocalHostname())
		name := cloud.CanonicalBlobName()
		if err := c.Store.Put(ctx, name, v.Reader); err != nil {
			return nil, cmderr.Wrap(cmderr.BlobConflict, "uploading stream "+v.Filename, err)
		}
		gs.push(func() error { return c.Store.DeleteByName(ctx, name) })
		return cloud, nil

	case param.OutStreamParam:
		cloud := param.OutCloudFile(v.Filename, param.LocalHostname())
		name := cloud.CanonicalBlobName()
		if taken, err := c.exists(ctx, name); err != nil {
			return nil, err
		} else if taken {
			return nil, cmderr.Newf(cmderr.BlobConflict, "output slot %s is already occupied", name)
		}
		writer := v.Writer
		gs.push(func() error { return c.downloadToWriter(ctx, name, writer) })
		return cloud, nil

	default:
		return nil, cmderr.Newf(cmderr.EnvelopeDecode, "parameter variant %T is not supported by the client pipeline", p)
	}
}

// exists probes the store fresh on every call. A per-run output slot may
// legitimately be absent (the worker didn't write it), and a stale
// affirmative answer here would either skip a real download or skip the
// DeleteByName that follows it, leaking the blob (spec.md §8 invariants 1
// and 2), so this is never cached across runs.
func (c *Client) exists(ctx context.Context, name string) (bool, error) {
	return c.Store.Exists(ctx, name)
}

func (c *Client) downloadAndClear(ctx context.Context, name, path string) error {
	exists, err := c.exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	rc, err := c.Store.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	return c.Store.DeleteByName(ctx, name)
}

func (c *Client) downloadToWriter(ctx context.Context, name string, writer param.StreamWriter) error {
	exists, err := c.exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	rc, err := c.Store.Get(ctx, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	var startPos int64
	seeker, seekable := writer.(io.Seeker)
	if seekable {
		startPos, _ = seeker.Seek(0, io.SeekCurrent)
	}
	if _, err := io.Copy(writer, rc); err != nil {
		return err
	}
	if seekable {
		if _, err := seeker.Seek(startPos, io.SeekStart); err != nil {
			return err
		}
	}

	return c.Store.DeleteByName(ctx, name)
}
