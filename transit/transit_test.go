package transit

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/cmdproxy/envelope"
	"github.com/sb10/cmdproxy/exec"
	"github.com/sb10/cmdproxy/param"
)

// memStore is a minimal in-memory blobstore.Store for exercising the
// transit pipelines without touching a real backend.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Put(ctx context.Context, name string, r io.Reader) error {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Exists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[name]
	return ok, nil
}

func (m *memStore) DeleteByName(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

func (m *memStore) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}

// catExecutor simulates "cat SRC > DST" without needing a real shell, so the
// test is hermetic regardless of the host's /bin/sh.
type catExecutor struct{}

func (catExecutor) Execute(ctx context.Context, spec exec.Spec) (int, error) {
	script := spec.Argv[len(spec.Argv)-1]
	parts := strings.SplitN(script, " > ", 2)
	src := strings.TrimPrefix(parts[0], "cat ")
	data, err := ioutil.ReadFile(strings.TrimSpace(src))
	if err != nil {
		return 1, nil
	}
	if err := ioutil.WriteFile(strings.TrimSpace(parts[1]), data, 0o644); err != nil {
		return 1, nil
	}
	if spec.StdoutPath != "" {
		ioutil.WriteFile(spec.StdoutPath, nil, 0o644)
	}
	if spec.StderrPath != "" {
		ioutil.WriteFile(spec.StderrPath, nil, 0o644)
	}
	return 0, nil
}

// loopbackDispatcher drives a Server in-process, standing in for a real
// broker round trip.
type loopbackDispatcher struct {
	server *Server
}

func (d *loopbackDispatcher) Dispatch(ctx context.Context, req envelope.RunRequest, queue string) (envelope.RunResponse, error) {
	return d.server.Run(ctx, req), nil
}

func TestEchoRoundTrip(t *testing.T) {
	Convey("E1: echo roundtrip leaves no residual blobs and copies input to output", t, func() {
		store := newMemStore()
		server := NewServer(store, map[string]string{"shell": "/bin/sh"}, catExecutor{}, nil)
		client := NewClient(store, &loopbackDispatcher{server: server}, nil)

		dir, err := ioutil.TempDir("", "transit-e1")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)

		tmpIn := dir + "/in"
		tmpOut := dir + "/out"
		tmpStdout := dir + "/stdout"
		tmpStderr := dir + "/stderr"
		So(ioutil.WriteFile(tmpIn, []byte("hello"), 0o644), ShouldBeNil)

		spec := RunSpec{
			Command: param.CmdName("shell"),
			Args: []interface{}{
				param.Str("-c"),
				param.Format("cat {i} > {o}", map[string]param.Param{
					"i": param.InLocalFile(tmpIn),
					"o": param.OutLocalFile(tmpOut),
				}),
			},
			Stdout: param.OutLocalFile(tmpStdout),
			Stderr: param.OutLocalFile(tmpStderr),
		}

		result, err := client.Run(context.Background(), spec)
		So(err, ShouldBeNil)
		So(result.ReturnCode, ShouldEqual, 0)

		out, err := ioutil.ReadFile(tmpOut)
		So(err, ShouldBeNil)
		So(string(out), ShouldEqual, "hello")

		stdout, err := ioutil.ReadFile(tmpStdout)
		So(err, ShouldBeNil)
		So(stdout, ShouldBeEmpty)

		So(store.names(), ShouldBeEmpty)
	})
}

func TestCloudOnlyOutputPersists(t *testing.T) {
	Convey("E2: a cloud output the client did not originate is left in the store", t, func() {
		store := newMemStore()
		name := "@node42:/srv/r.bin"
		So(store.Put(context.Background(), name, bytes.NewReader([]byte("BIN"))), ShouldBeNil)

		server := NewServer(store, map[string]string{"shell": "/bin/sh"}, catExecutor{}, nil)
		client := NewClient(store, &loopbackDispatcher{server: server}, nil)

		spec := RunSpec{
			Command: param.CmdName("shell"),
			Args:    []interface{}{param.OutCloudFile("/srv/r.bin", "node42")},
		}

		_, err := client.Run(context.Background(), spec)
		So(err, ShouldBeNil)

		exists, err := store.Exists(context.Background(), name)
		So(err, ShouldBeNil)
		So(exists, ShouldBeTrue)
	})
}

func TestMissingEnvVarLeavesNoBlobs(t *testing.T) {
	Convey("E3: a missing caller env var fails before anything is uploaded", t, func() {
		store := newMemStore()
		server := NewServer(store, map[string]string{"shell": "/bin/sh"}, catExecutor{}, nil)
		client := NewClient(store, &loopbackDispatcher{server: server}, nil)

		os.Unsetenv("CMDPROXY_TEST_MISSING_VAR")
		spec := RunSpec{
			Command: param.CmdName("shell"),
			Args:    []interface{}{param.Env("CMDPROXY_TEST_MISSING_VAR")},
		}

		_, err := client.Run(context.Background(), spec)
		So(err, ShouldNotBeNil)
		So(store.names(), ShouldBeEmpty)
	})
}

func TestUnknownCommandSurfacesServerEnd(t *testing.T) {
	Convey("E4: an unknown CmdName raises ServerEnd and uploaded inputs are cleaned up", t, func() {
		store := newMemStore()
		server := NewServer(store, map[string]string{}, catExecutor{}, nil)
		client := NewClient(store, &loopbackDispatcher{server: server}, nil)

		dir, err := ioutil.TempDir("", "transit-e4")
		So(err, ShouldBeNil)
		defer os.RemoveAll(dir)
		tmpIn := dir + "/in"
		So(ioutil.WriteFile(tmpIn, []byte("x"), 0o644), ShouldBeNil)

		spec := RunSpec{
			Command: param.CmdName("nope"),
			Args:    []interface{}{param.InLocalFile(tmpIn)},
		}

		_, err = client.Run(context.Background(), spec)
		So(err, ShouldNotBeNil)
		So(store.names(), ShouldBeEmpty)
	})
}
