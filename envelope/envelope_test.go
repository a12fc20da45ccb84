package envelope

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/cmdproxy/param"
)

func TestRunRequestRoundTrip(t *testing.T) {
	Convey("decode(encode(r)) == r for a fully populated request", t, func() {
		cwd := "/work"
		req := RunRequest{
			Command: param.CmdPath("/bin/sh"),
			Args: []param.Param{
				param.Str("-c"),
				param.Format("cat {i} > {o}", map[string]param.Param{
					"i": param.InCloudFile("/tmp/a", "client1"),
					"o": param.OutCloudFile("/tmp/b", "client1"),
				}),
			},
			Env: map[string]param.Param{
				"FOO": param.Str("bar"),
			},
			Cwd:    &cwd,
			Stdout: param.OutCloudFile("/tmp/out", "client1"),
			Stderr: param.OutCloudFile("/tmp/err", "client1"),
		}

		data, err := Marshal(req)
		So(err, ShouldBeNil)

		decoded, err := Unmarshal(data)
		So(err, ShouldBeNil)
		So(decoded, ShouldResemble, req)
	})

	Convey("decode(encode(r)) == r for a minimal request with nil fields", t, func() {
		req := RunRequest{
			Command: param.CmdName("cat"),
			Args:    []param.Param{},
		}

		data, err := Marshal(req)
		So(err, ShouldBeNil)

		decoded, err := Unmarshal(data)
		So(err, ShouldBeNil)
		So(decoded.Command, ShouldResemble, req.Command)
		So(decoded.Cwd, ShouldBeNil)
		So(decoded.Stdout, ShouldBeNil)
	})
}

func TestRunResponseRoundTrip(t *testing.T) {
	Convey("a successful response round-trips with a nil error", t, func() {
		resp := RunResponse{ReturnCode: 0}
		data, err := MarshalResponse(resp)
		So(err, ShouldBeNil)

		decoded, err := UnmarshalResponse(data)
		So(err, ShouldBeNil)
		So(decoded.ReturnCode, ShouldEqual, 0)
		So(decoded.Error, ShouldBeNil)
	})

	Convey("a failed response carries a diagnostic string", t, func() {
		msg := "UnknownCommand: nope"
		resp := RunResponse{ReturnCode: -1, Error: &msg}
		data, err := MarshalResponse(resp)
		So(err, ShouldBeNil)

		decoded, err := UnmarshalResponse(data)
		So(err, ShouldBeNil)
		So(decoded.ReturnCode, ShouldEqual, -1)
		So(decoded.Error, ShouldNotBeNil)
		So(*decoded.Error, ShouldEqual, msg)
	})
}
