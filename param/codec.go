package param

import (
	"github.com/ugorji/go/codec"

	"github.com/sb10/cmdproxy/cmderr"
)

var jsonHandle codec.JsonHandle

// Encode turns p into its wire representation: a single-key object keyed by
// the variant tag (spec.md §3, §6). Only the serialisable subset (Str, Env,
// RemoteEnv, CmdName, CmdPath, Format, InCloudFile, OutCloudFile) can be
// encoded; anything else is a programming error in a transit pipeline that
// forgot to rewrite a local/stream parameter first.
func Encode(p Param) (map[string]interface{}, error) {
	switch v := p.(type) {
	case StrParam:
		return tagged("Str", map[string]interface{}{"value": v.Value}), nil

	case EnvParam:
		return tagged("Env", map[string]interface{}{"name": v.Name}), nil

	case RemoteEnvParam:
		return tagged("RemoteEnv", map[string]interface{}{"name": v.Name}), nil

	case CmdNameParam:
		return tagged("CmdName", map[string]interface{}{"name": v.Name}), nil

	case CmdPathParam:
		return tagged("CmdPath", map[string]interface{}{"path": v.Path}), nil

	case FormatParam:
		args := make(map[string]interface{}, len(v.Args))
		for k, child := range v.Args {
			enc, err := Encode(child)
			if err != nil {
				return nil, err
			}
			args[k] = enc
		}
		return tagged("Format", map[string]interface{}{
			"tmpl": v.Tmpl,
			"args": args,
		}), nil

	case InCloudFileParam:
		return tagged("InCloudFile", map[string]interface{}{
			"path": v.PathVal, "hostname": v.HostnameVal,
		}), nil

	case OutCloudFileParam:
		return tagged("OutCloudFile", map[string]interface{}{
			"path": v.PathVal, "hostname": v.HostnameVal,
		}), nil

	default:
		return nil, cmderr.Newf(cmderr.EnvelopeDecode,
			"parameter variant %T is not part of the serialisable subset", p)
	}
}

func tagged(tag string, body map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{tag: body}
}

// Marshal encodes p to JSON bytes via Encode.
func Marshal(p Param) ([]byte, error) {
	obj, err := Encode(p)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &jsonHandle).Encode(obj); err != nil {
		return nil, cmderr.Wrap(cmderr.EnvelopeDecode, "marshalling parameter", err)
	}
	return out, nil
}

// Unmarshal decodes JSON bytes produced by Marshal back into a Param,
// rejecting unknown variant tags with EnvelopeDecode per spec.md §4.1.
func Unmarshal(data []byte) (Param, error) {
	var generic map[string]interface{}
	if err := codec.NewDecoderBytes(data, &jsonHandle).Decode(&generic); err != nil {
		return nil, cmderr.Wrap(cmderr.EnvelopeDecode, "decoding parameter JSON", err)
	}
	return Decode(generic)
}

// Decode turns a generic single-key-object representation (as produced by
// decoding JSON into map[string]interface{}) back into a Param.
func Decode(raw interface{}) (Param, error) {
	m, ok := raw.(map[string]interface{})
	if !ok || len(m) != 1 {
		return nil, cmderr.New(cmderr.EnvelopeDecode, "malformed parameter object: expected a single-key object")
	}

	for tag, body := range m {
		fields, ok := body.(map[string]interface{})
		if !ok {
			return nil, cmderr.Newf(cmderr.EnvelopeDecode, "malformed body for parameter variant %q", tag)
		}

		switch tag {
		case "Str":
			return StrParam{Value: asString(fields["value"])}, nil

		case "Env":
			return EnvParam{Name: asString(fields["name"])}, nil

		case "RemoteEnv":
			return RemoteEnvParam{Name: asString(fields["name"])}, nil

		case "CmdName":
			return CmdNameParam{Name: asString(fields["name"])}, nil

		case "CmdPath":
			return CmdPathParam{Path: asString(fields["path"])}, nil

		case "Format":
			argsRaw, _ := fields["args"].(map[string]interface{})
			args := make(map[string]Param, len(argsRaw))
			for k, v := range argsRaw {
				child, err := Decode(v)
				if err != nil {
					return nil, err
				}
				args[k] = child
			}
			return FormatParam{Tmpl: asString(fields["tmpl"]), Args: args}, nil

		case "InCloudFile":
			return InCloudFileParam{
				PathVal:     asString(fields["path"]),
				HostnameVal: asString(fields["hostname"]),
			}, nil

		case "OutCloudFile":
			return OutCloudFileParam{
				PathVal:     asString(fields["path"]),
				HostnameVal: asString(fields["hostname"]),
			}, nil

		default:
			return nil, cmderr.Newf(cmderr.EnvelopeDecode, "unknown parameter variant tag %q", tag)
		}
	}

	panic("unreachable: range over non-empty map")
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
