package dispatch

import (
	"encoding/json"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/sb10/cmdproxy/envelope"
	"github.com/sb10/cmdproxy/param"
)

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	Convey("A task wraps a queue name and a marshalled run request", t, func() {
		req := envelope.RunRequest{
			Command: param.CmdName("cat"),
			Args:    []param.Param{param.Str("-n")},
		}
		reqBytes, err := envelope.Marshal(req)
		So(err, ShouldBeNil)

		payload, err := json.Marshal(task{Queue: "cat", Request: reqBytes})
		So(err, ShouldBeNil)

		var decoded task
		So(json.Unmarshal(payload, &decoded), ShouldBeNil)
		So(decoded.Queue, ShouldEqual, "cat")

		req2, err := envelope.Unmarshal(decoded.Request)
		So(err, ShouldBeNil)
		So(req2, ShouldResemble, req)
	})
}
