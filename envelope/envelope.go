// Package envelope implements the wire-level RunRequest/RunResponse pair
// exchanged over the broker (spec.md §3, §6): a pure data holder plus JSON
// encode/decode built on the parameter codec in package param.
package envelope

import (
	"github.com/ugorji/go/codec"

	"github.com/sb10/cmdproxy/cmderr"
	"github.com/sb10/cmdproxy/param"
)

// RunRequest is the serialisable form of a run request: every Param field
// must belong to the serialisable subset (param.IsSerialisable) by the time
// it reaches here — the transit pipelines are responsible for that
// rewrite, not this package.
type RunRequest struct {
	Command param.Param
	Args    []param.Param
	Env     map[string]param.Param
	Cwd     *string
	Stdout  param.Param
	Stderr  param.Param
}

// RunResponse is the serialisable form of a completed (or failed) run.
// Error is a non-empty diagnostic string iff the worker failed before or
// during execution (spec.md §3).
type RunResponse struct {
	ReturnCode int
	Error      *string
}

var jsonHandle codec.JsonHandle

// Marshal encodes r to JSON.
func Marshal(r RunRequest) ([]byte, error) {
	obj, err := encode(r)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &jsonHandle).Encode(obj); err != nil {
		return nil, cmderr.Wrap(cmderr.EnvelopeDecode, "marshalling run request", err)
	}
	return out, nil
}

// Unmarshal decodes JSON bytes produced by Marshal back into a RunRequest.
func Unmarshal(data []byte) (RunRequest, error) {
	var generic map[string]interface{}
	if err := codec.NewDecoderBytes(data, &jsonHandle).Decode(&generic); err != nil {
		return RunRequest{}, cmderr.Wrap(cmderr.EnvelopeDecode, "decoding run request JSON", err)
	}
	return decode(generic)
}

// MarshalResponse encodes r to JSON.
func MarshalResponse(r RunResponse) ([]byte, error) {
	obj := map[string]interface{}{"return_code": r.ReturnCode}
	if r.Error != nil {
		obj["error"] = *r.Error
	} else {
		obj["error"] = nil
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &jsonHandle).Encode(obj); err != nil {
		return nil, cmderr.Wrap(cmderr.EnvelopeDecode, "marshalling run response", err)
	}
	return out, nil
}

// UnmarshalResponse decodes JSON bytes produced by MarshalResponse.
func UnmarshalResponse(data []byte) (RunResponse, error) {
	var generic map[string]interface{}
	if err := codec.NewDecoderBytes(data, &jsonHandle).Decode(&generic); err != nil {
		return RunResponse{}, cmderr.Wrap(cmderr.EnvelopeDecode, "decoding run response JSON", err)
	}

	resp := RunResponse{}
	if rc, ok := generic["return_code"]; ok {
		resp.ReturnCode = toInt(rc)
	}
	if e, ok := generic["error"]; ok && e != nil {
		if s, ok := e.(string); ok {
			resp.Error = &s
		}
	}
	return resp, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return 0
	}
}

func encode(r RunRequest) (map[string]interface{}, error) {
	out := map[string]interface{}{}

	cmd, err := param.Encode(r.Command)
	if err != nil {
		return nil, err
	}
	out["command"] = cmd

	args := make([]interface{}, len(r.Args))
	for i, a := range r.Args {
		enc, err := param.Encode(a)
		if err != nil {
			return nil, err
		}
		args[i] = enc
	}
	out["args"] = args

	if r.Env != nil {
		env := make(map[string]interface{}, len(r.Env))
		for k, v := range r.Env {
			enc, err := param.Encode(v)
			if err != nil {
				return nil, err
			}
			env[k] = enc
		}
		out["env"] = env
	} else {
		out["env"] = nil
	}

	if r.Cwd != nil {
		out["cwd"] = *r.Cwd
	} else {
		out["cwd"] = nil
	}

	if r.Stdout != nil {
		enc, err := param.Encode(r.Stdout)
		if err != nil {
			return nil, err
		}
		out["stdout"] = enc
	} else {
		out["stdout"] = nil
	}

	if r.Stderr != nil {
		enc, err := param.Encode(r.Stderr)
		if err != nil {
			return nil, err
		}
		out["stderr"] = enc
	} else {
		out["stderr"] = nil
	}

	return out, nil
}

func decode(generic map[string]interface{}) (RunRequest, error) {
	req := RunRequest{}

	cmdRaw, ok := generic["command"]
	if !ok {
		return req, cmderr.New(cmderr.EnvelopeDecode, "run request missing \"command\"")
	}
	cmd, err := param.Decode(cmdRaw)
	if err != nil {
		return req, err
	}
	req.Command = cmd

	if argsRaw, ok := generic["args"].([]interface{}); ok {
		args := make([]param.Param, len(argsRaw))
		for i, a := range argsRaw {
			p, err := param.Decode(a)
			if err != nil {
				return req, err
			}
			args[i] = p
		}
		req.Args = args
	}

	if envRaw, ok := generic["env"].(map[string]interface{}); ok {
		env := make(map[string]param.Param, len(envRaw))
		for k, v := range envRaw {
			p, err := param.Decode(v)
			if err != nil {
				return req, err
			}
			env[k] = p
		}
		req.Env = env
	}

	if cwdRaw, ok := generic["cwd"]; ok && cwdRaw != nil {
		if s, ok := cwdRaw.(string); ok {
			req.Cwd = &s
		}
	}

	if stdoutRaw, ok := generic["stdout"]; ok && stdoutRaw != nil {
		p, err := param.Decode(stdoutRaw)
		if err != nil {
			return req, err
		}
		req.Stdout = p
	}

	if stderrRaw, ok := generic["stderr"]; ok && stderrRaw != nil {
		p, err := param.Decode(stderrRaw)
		if err != nil {
			return req, err
		}
		req.Stderr = p
	}

	return req, nil
}
