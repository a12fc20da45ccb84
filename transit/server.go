package transit

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	osexec "os/exec"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/inconshreveable/log15"

	"github.com/sb10/cmdproxy/blobstore"
	"github.com/sb10/cmdproxy/cmderr"
	"github.com/sb10/cmdproxy/envelope"
	"github.com/sb10/cmdproxy/exec"
	"github.com/sb10/cmdproxy/param"
)

// Server is the worker-side half of the transit pipeline: it decodes an
// envelope, materialises every parameter into the plain strings and sinks an
// Executor needs, runs it, and always returns a well-formed RunResponse
// (spec.md §4.5 "Failure handling" — it never lets an error escape as a
// panic or crash the worker).
type Server struct {
	Store    blobstore.Store
	Palette  map[string]string
	Executor exec.Executor
	Log      log15.Logger

	// pathCache remembers CmdPath resolutions so repeated invocations of the
	// same executable don't re-stat/re-walk PATH every time.
	pathCache *lru.Cache
}

// NewServer builds a Server with its command-path cache initialised.
func NewServer(store blobstore.Store, palette map[string]string, executor exec.Executor, logger log15.Logger) *Server {
	cache, _ := lru.New(256)
	return &Server{
		Store:     store,
		Palette:   palette,
		Executor:  executor,
		Log:       logger,
		pathCache: cache,
	}
}

// Run materialises and executes req, never returning an error itself —
// every failure kind is folded into the returned RunResponse per spec.md §7.
func (s *Server) Run(ctx context.Context, req envelope.RunRequest) (resp envelope.RunResponse) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%s: recovered from panic: %v", cmderr.ServerEnd, r)
			resp = envelope.RunResponse{ReturnCode: -1, Error: &msg}
		}
	}()

	gs := &guardStack{}
	defer func() {
		if uerr := gs.unwind(); uerr != nil {
			if s.Log != nil {
				s.Log.Warn("transit server cleanup reported errors", "err", uerr)
			}
			if resp.Error == nil {
				msg := uerr.Error()
				resp = envelope.RunResponse{ReturnCode: -1, Error: &msg}
			}
		}
	}()

	commandPath, err := s.materializeCommand(req.Command)
	if err != nil {
		return fail(err)
	}

	argv := make([]string, 0, len(req.Args)+1)
	argv = append(argv, commandPath)
	for _, a := range req.Args {
		m, merr := s.materialize(ctx, a, gs)
		if merr != nil {
			return fail(merr)
		}
		argv = append(argv, m)
	}

	var env map[string]string
	if req.Env != nil {
		env = make(map[string]string, len(req.Env))
		for k, v := range req.Env {
			m, merr := s.materialize(ctx, v, gs)
			if merr != nil {
				return fail(merr)
			}
			env[k] = m
		}
	}

	cwd := ""
	if req.Cwd != nil {
		cwd = *req.Cwd
	}

	var stdoutPath, stderrPath string
	if req.Stdout != nil {
		if stdoutPath, err = s.materialize(ctx, req.Stdout, gs); err != nil {
			return fail(err)
		}
	}
	if req.Stderr != nil {
		if stderrPath, err = s.materialize(ctx, req.Stderr, gs); err != nil {
			return fail(err)
		}
	}

	exitCode, err := s.Executor.Execute(ctx, exec.Spec{
		Argv:       argv,
		Env:        env,
		Cwd:        cwd,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	})
	if err != nil {
		return fail(cmderr.Wrap(cmderr.ExecutionFailure, "spawning "+commandPath, err))
	}

	return envelope.RunResponse{ReturnCode: exitCode}
}

func fail(err error) envelope.RunResponse {
	msg := err.Error()
	return envelope.RunResponse{ReturnCode: -1, Error: &msg}
}

func (s *Server) materializeCommand(p param.Param) (string, error) {
	switch v := p.(type) {
	case param.CmdNameParam:
		path, ok := s.Palette[v.Name]
		if !ok {
			return "", cmderr.Newf(cmderr.UnknownCommand, "no command named %q in the server palette", v.Name)
		}
		return path, nil

	case param.CmdPathParam:
		if cached, ok := s.pathCache.Get(v.Path); ok {
			return cached.(string), nil
		}
		resolved, err := resolveCmdPath(v.Path)
		if err != nil {
			return "", cmderr.Wrap(cmderr.CommandNotFound, "resolving "+v.Path, err)
		}
		s.pathCache.Add(v.Path, resolved)
		return resolved, nil

	default:
		return "", cmderr.Newf(cmderr.EnvelopeDecode, "command must be CmdName or CmdPath, got %T", p)
	}
}

func resolveCmdPath(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return osexec.LookPath(path)
}

// materialize applies the server-side per-variant table of spec.md §4.5,
// pushing exit actions (temp directory cleanup, deferred output upload) onto
// gs, and returns the plain-string form the executor sees.
func (s *Server) materialize(ctx context.Context, p param.Param, gs *guardStack) (string, error) {
	switch v := p.(type) {
	case param.StrParam:
		return v.Value, nil

	case param.EnvParam:
		val, ok := os.LookupEnv(v.Name)
		if !ok {
			return "", cmderr.Newf(cmderr.MissingEnvVar, "environment variable %q is not set", v.Name)
		}
		return val, nil

	case param.RemoteEnvParam:
		val, ok := os.LookupEnv(v.Name)
		if !ok {
			return "", cmderr.Newf(cmderr.MissingEnvVar, "environment variable %q is not set", v.Name)
		}
		return val, nil

	case param.CmdNameParam, param.CmdPathParam:
		return s.materializeCommand(v)

	case param.FormatParam:
		keys := make([]string, 0, len(v.Args))
		for k := range v.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		result := v.Tmpl
		for _, k := range keys {
			m, err := s.materialize(ctx, v.Args[k], gs)
			if err != nil {
				return "", err
			}
			result = strings.ReplaceAll(result, "{"+k+"}", m)
		}
		return result, nil

	case param.InCloudFileParam:
		return s.materializeInput(ctx, v, gs)

	case param.OutCloudFileParam:
		return s.materializeOutput(ctx, v, gs)

	default:
		return "", cmderr.Newf(cmderr.EnvelopeDecode, "parameter variant %T is not supported by the server pipeline", p)
	}
}

func (s *Server) materializeInput(ctx context.Context, v param.InCloudFileParam, gs *guardStack) (string, error) {
	tempDir, err := ioutil.TempDir("", v.HostnameVal+"-")
	if err != nil {
		return "", cmderr.Wrap(cmderr.ServerEnd, "creating temp dir for "+v.CanonicalBlobName(), err)
	}

	name := v.CanonicalBlobName()
	rc, err := s.Store.Get(ctx, name)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", cmderr.Wrap(cmderr.BlobMissing, "fetching input blob "+name, err)
	}
	defer rc.Close()

	tempPath := filepath.Join(tempDir, filepath.Base(v.PathVal))
	f, err := os.Create(tempPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", cmderr.Wrap(cmderr.ServerEnd, "creating "+tempPath, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.RemoveAll(tempDir)
		return "", cmderr.Wrap(cmderr.ServerEnd, "writing "+tempPath, err)
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(tempDir)
		return "", cmderr.Wrap(cmderr.ServerEnd, "closing "+tempPath, err)
	}

	gs.push(func() error { return os.RemoveAll(tempDir) })
	return tempPath, nil
}

func (s *Server) materializeOutput(ctx context.Context, v param.OutCloudFileParam, gs *guardStack) (string, error) {
	tempDir, err := ioutil.TempDir("", v.HostnameVal+"-")
	if err != nil {
		return "", cmderr.Wrap(cmderr.ServerEnd, "creating temp dir for "+v.CanonicalBlobName(), err)
	}

	tempPath := filepath.Join(tempDir, filepath.Base(v.PathVal))
	name := v.CanonicalBlobName()

	gs.push(func() error {
		defer os.RemoveAll(tempDir)

		if _, err := os.Stat(tempPath); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		f, err := os.Open(tempPath)
		if err != nil {
			return err
		}
		defer f.Close()
		return s.Store.Put(ctx, name, f)
	})

	return tempPath, nil
}
