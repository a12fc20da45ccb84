package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/inconshreveable/log15"
)

type fakeDepths struct{ depths map[string]int }

func (f fakeDepths) LastSeen() map[string]int { return f.depths }

func TestStatusEndpointReportsLatencyAndInFlight(t *testing.T) {
	Convey("Given a server with one completed run", t, func() {
		s := New(":0", fakeDepths{depths: map[string]int{"cat": 3}}, log15.New())
		s.Begin()
		s.End(50 * time.Millisecond)

		Convey("/status reports the sample and zero in-flight", func() {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			w := httptest.NewRecorder()
			s.handleStatus(w, req)

			So(w.Code, ShouldEqual, http.StatusOK)
			var resp statusResponse
			So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
			So(resp.InFlight, ShouldEqual, 0)
			So(resp.SampleCount, ShouldEqual, 1)
			So(resp.LatencyMeanMillis, ShouldEqual, 50)
		})

		Convey("/queues reports the last observed depths", func() {
			req := httptest.NewRequest(http.MethodGet, "/queues", nil)
			w := httptest.NewRecorder()
			s.handleQueues(w, req)

			So(w.Code, ShouldEqual, http.StatusOK)
			var depths map[string]int
			So(json.Unmarshal(w.Body.Bytes(), &depths), ShouldBeNil)
			So(depths, ShouldResemble, map[string]int{"cat": 3})
		})
	})
}

func TestStatusEndpointWithNoDepthsSource(t *testing.T) {
	Convey("Given a server with no autoscale controller", t, func() {
		s := New(":0", nil, log15.New())

		req := httptest.NewRequest(http.MethodGet, "/queues", nil)
		w := httptest.NewRecorder()
		s.handleQueues(w, req)

		var depths map[string]int
		So(json.Unmarshal(w.Body.Bytes(), &depths), ShouldBeNil)
		So(depths, ShouldResemble, map[string]int{})
	})
}
