// Package param implements the tagged-union parameter model that every
// argument of a run request is converted into before it can be shipped
// across the broker: literal strings, environment lookups, command
// identities, nested templates, and file references bound either to a local
// host or to the shared blob store.
//
// Exported constructors build each variant (Str, Env, RemoteEnv, CmdName,
// CmdPath, Format, InLocalFile, OutLocalFile, InCloudFile, OutCloudFile,
// InStream, OutStream); IsInput, IsOutput and IsCloud classify any Param;
// file variants additionally implement FileParam, which exposes the
// canonical blob name and the cloud-sibling conversion described in
// spec.md §4.1.
package param

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/host"
)

// Param is implemented by every argument variant. It is deliberately a
// closed, tiny interface: real behaviour lives in type switches (see Encode,
// transit.Client, transit.Server) rather than in virtual methods, so that
// adding a capability means adding one switch arm, not touching every
// variant.
type Param interface {
	paramTag() string
}

// FileParam is implemented by the four file variants. hostname defaults to
// the local machine for *Local* variants; it is always explicit for *Cloud*
// variants.
type FileParam interface {
	Param
	IsInput() bool
	IsOutput() bool
	IsCloud() bool
	Path() string
	Hostname() string
	Filename() string
	// CanonicalBlobName returns "@hostname:path", the unique key under which
	// this parameter's bytes live in the blob store.
	CanonicalBlobName() string
	// AsCloud returns the cloud-kind sibling of this parameter, with an
	// identical path and hostname. AsCloud is idempotent: calling it on an
	// already-cloud parameter returns an equal value (spec.md §8 law 4).
	AsCloud() FileParam
}

var (
	localHostnameOnce sync.Once
	localHostname     string
)

// LocalHostname returns the name of the machine this process is running on,
// used as the default hostname for locally-bound file parameters. Resolved
// once via gopsutil, which (unlike os.Hostname) normalises containerised and
// virtualised environments the same way the rest of the host-introspection
// code in this module already relies on it for.
func LocalHostname() string {
	localHostnameOnce.Do(func() {
		info, err := host.Info()
		if err != nil || info.Hostname == "" {
			localHostname = "localhost"
			return
		}
		localHostname = info.Hostname
	})
	return localHostname
}

// --- scalar / env / command variants -----------------------------------

// StrParam is a literal string argument.
type StrParam struct {
	Value string
}

func (StrParam) paramTag() string { return "Str" }

// Str wraps a literal string argument.
func Str(value string) StrParam { return StrParam{Value: value} }

func (p StrParam) String() string { return p.Value }

// EnvParam resolves against the caller's environment at client send time.
type EnvParam struct {
	Name string
}

func (EnvParam) paramTag() string { return "Env" }

// Env builds an EnvParam.
func Env(name string) EnvParam { return EnvParam{Name: name} }

// RemoteEnvParam resolves against the worker's environment at execution
// time.
type RemoteEnvParam struct {
	Name string
}

func (RemoteEnvParam) paramTag() string { return "RemoteEnv" }

// RemoteEnv builds a RemoteEnvParam.
func RemoteEnv(name string) RemoteEnvParam { return RemoteEnvParam{Name: name} }

// CmdNameParam identifies a command by logical name, resolved via the
// server's command palette and routed to a queue of the same name.
type CmdNameParam struct {
	Name string
}

func (CmdNameParam) paramTag() string { return "CmdName" }

// CmdName builds a CmdNameParam.
func CmdName(name string) CmdNameParam { return CmdNameParam{Name: name} }

// CmdPathParam is an absolute executable path on the worker; the caller must
// pick a target queue explicitly.
type CmdPathParam struct {
	Path string
}

func (CmdPathParam) paramTag() string { return "CmdPath" }

// CmdPath builds a CmdPathParam.
func CmdPath(path string) CmdPathParam { return CmdPathParam{Path: path} }

// FormatParam is a named-placeholder template; its children are Params in
// their own right and are walked recursively by the transit pipelines.
type FormatParam struct {
	Tmpl string
	Args map[string]Param
}

func (FormatParam) paramTag() string { return "Format" }

// Format builds a FormatParam.
func Format(tmpl string, args map[string]Param) FormatParam {
	return FormatParam{Tmpl: tmpl, Args: args}
}

// --- file variants -------------------------------------------------------

const cloudURLPrefix = "@"

func canonicalName(hostname, p string) string {
	return fmt.Sprintf("%s%s:%s", cloudURLPrefix, hostname, path.Clean(toSlash(p)))
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func filenameOf(p string) string {
	return path.Base(toSlash(p))
}

// InLocalFileParam is an input file living on the caller's host.
type InLocalFileParam struct {
	PathVal     string
	HostnameVal string
}

// InLocalFile builds an InLocalFileParam bound to the local host.
func InLocalFile(filepath string) InLocalFileParam {
	return InLocalFileParam{PathVal: filepath, HostnameVal: LocalHostname()}
}

func (InLocalFileParam) paramTag() string       { return "InLocalFile" }
func (InLocalFileParam) IsInput() bool          { return true }
func (InLocalFileParam) IsOutput() bool         { return false }
func (InLocalFileParam) IsCloud() bool          { return false }
func (p InLocalFileParam) Path() string         { return p.PathVal }
func (p InLocalFileParam) Hostname() string     { return p.HostnameVal }
func (p InLocalFileParam) Filename() string     { return filenameOf(p.PathVal) }
func (p InLocalFileParam) CanonicalBlobName() string {
	return canonicalName(p.HostnameVal, p.PathVal)
}
func (p InLocalFileParam) AsCloud() FileParam {
	return InCloudFileParam{PathVal: p.PathVal, HostnameVal: p.HostnameVal}
}

// OutLocalFileParam is an output file to be written back to the caller's
// host.
type OutLocalFileParam struct {
	PathVal     string
	HostnameVal string
}

// OutLocalFile builds an OutLocalFileParam bound to the local host.
func OutLocalFile(filepath string) OutLocalFileParam {
	return OutLocalFileParam{PathVal: filepath, HostnameVal: LocalHostname()}
}

func (OutLocalFileParam) paramTag() string       { return "OutLocalFile" }
func (OutLocalFileParam) IsInput() bool          { return false }
func (OutLocalFileParam) IsOutput() bool         { return true }
func (OutLocalFileParam) IsCloud() bool          { return false }
func (p OutLocalFileParam) Path() string         { return p.PathVal }
func (p OutLocalFileParam) Hostname() string     { return p.HostnameVal }
func (p OutLocalFileParam) Filename() string     { return filenameOf(p.PathVal) }
func (p OutLocalFileParam) CanonicalBlobName() string {
	return canonicalName(p.HostnameVal, p.PathVal)
}
func (p OutLocalFileParam) AsCloud() FileParam {
	return OutCloudFileParam{PathVal: p.PathVal, HostnameVal: p.HostnameVal}
}

// InCloudFileParam is an input file already present in the blob store under
// "@hostname:path".
type InCloudFileParam struct {
	PathVal     string
	HostnameVal string
}

// InCloudFile builds an InCloudFileParam.
func InCloudFile(path, hostname string) InCloudFileParam {
	return InCloudFileParam{PathVal: path, HostnameVal: hostname}
}

func (InCloudFileParam) paramTag() string       { return "InCloudFile" }
func (InCloudFileParam) IsInput() bool          { return true }
func (InCloudFileParam) IsOutput() bool         { return false }
func (InCloudFileParam) IsCloud() bool          { return true }
func (p InCloudFileParam) Path() string         { return p.PathVal }
func (p InCloudFileParam) Hostname() string     { return p.HostnameVal }
func (p InCloudFileParam) Filename() string     { return filenameOf(p.PathVal) }
func (p InCloudFileParam) CanonicalBlobName() string {
	return canonicalName(p.HostnameVal, p.PathVal)
}
func (p InCloudFileParam) AsCloud() FileParam { return p }

// IsCloudOnly reports whether this blob has no binding to any host
// filesystem (a relative path).
func (p InCloudFileParam) IsCloudOnly() bool { return !strings.HasPrefix(toSlash(p.PathVal), "/") }

// OutCloudFileParam is an output slot in the blob store; the worker writes
// here.
type OutCloudFileParam struct {
	PathVal     string
	HostnameVal string
}

// OutCloudFile builds an OutCloudFileParam.
func OutCloudFile(path, hostname string) OutCloudFileParam {
	return OutCloudFileParam{PathVal: path, HostnameVal: hostname}
}

func (OutCloudFileParam) paramTag() string       { return "OutCloudFile" }
func (OutCloudFileParam) IsInput() bool          { return false }
func (OutCloudFileParam) IsOutput() bool         { return true }
func (OutCloudFileParam) IsCloud() bool          { return true }
func (p OutCloudFileParam) Path() string         { return p.PathVal }
func (p OutCloudFileParam) Hostname() string     { return p.HostnameVal }
func (p OutCloudFileParam) Filename() string     { return filenameOf(p.PathVal) }
func (p OutCloudFileParam) CanonicalBlobName() string {
	return canonicalName(p.HostnameVal, p.PathVal)
}
func (p OutCloudFileParam) AsCloud() FileParam { return p }

// IsCloudOnly reports whether this blob has no binding to any host
// filesystem (a relative path).
func (p OutCloudFileParam) IsCloudOnly() bool { return !strings.HasPrefix(toSlash(p.PathVal), "/") }

// --- client-only stream variants -----------------------------------------

// StreamReader is the minimal surface InStreamParam needs from a caller's
// byte source.
type StreamReader interface {
	Read(p []byte) (int, error)
}

// StreamWriter is the minimal surface OutStreamParam needs from a caller's
// byte sink; sinks that also implement io.Seeker get their position restored
// after download (see transit.Client).
type StreamWriter interface {
	Write(p []byte) (int, error)
}

// InStreamParam is a caller-side byte source staged as an input blob. It is
// client-only and must never reach the wire.
type InStreamParam struct {
	Reader   StreamReader
	Filename string
}

func (InStreamParam) paramTag() string { return "InStream" }

// InStream builds an InStreamParam.
func InStream(r StreamReader, filename string) InStreamParam {
	return InStreamParam{Reader: r, Filename: filename}
}

// OutStreamParam is a caller-side byte sink filled from a blob after
// execution. It is client-only and must never reach the wire.
type OutStreamParam struct {
	Writer   StreamWriter
	Filename string
}

func (OutStreamParam) paramTag() string { return "OutStream" }

// OutStream builds an OutStreamParam.
func OutStream(w StreamWriter, filename string) OutStreamParam {
	return OutStreamParam{Writer: w, Filename: filename}
}

// --- classifier predicates ------------------------------------------------

// IsInput reports whether p is a file-like input parameter.
func IsInput(p Param) bool {
	switch p.(type) {
	case InLocalFileParam, InCloudFileParam, InStreamParam:
		return true
	}
	if fp, ok := p.(FileParam); ok {
		return fp.IsInput()
	}
	return false
}

// IsOutput reports whether p is a file-like output parameter.
func IsOutput(p Param) bool {
	switch p.(type) {
	case OutLocalFileParam, OutCloudFileParam, OutStreamParam:
		return true
	}
	if fp, ok := p.(FileParam); ok {
		return fp.IsOutput()
	}
	return false
}

// IsCloud reports whether p already carries a canonical blob-store name,
// i.e. would survive unchanged in a serialised envelope.
func IsCloud(p Param) bool {
	if fp, ok := p.(FileParam); ok {
		return fp.IsCloud()
	}
	return false
}

// IsSerialisable reports whether p belongs to the closed variant set the
// wire format permits (spec.md §3 invariant 1): Str, Env, RemoteEnv,
// CmdName, CmdPath, Format, InCloudFile, OutCloudFile.
func IsSerialisable(p Param) bool {
	switch v := p.(type) {
	case StrParam, EnvParam, RemoteEnvParam, CmdNameParam, CmdPathParam,
		InCloudFileParam, OutCloudFileParam:
		return true
	case FormatParam:
		for _, arg := range v.Args {
			if !IsSerialisable(arg) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
