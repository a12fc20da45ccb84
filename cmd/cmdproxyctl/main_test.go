package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestFetchJSONDecodesBody(t *testing.T) {
	Convey("fetchJSON decodes a successful JSON response", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"in_flight": 2, "sample_count": 5}`))
		}))
		defer srv.Close()

		var s statusResponse
		err := fetchJSON(srv.URL, &s)
		So(err, ShouldBeNil)
		So(s.InFlight, ShouldEqual, 2)
		So(s.SampleCount, ShouldEqual, 5)
	})

	Convey("fetchJSON surfaces non-200 responses as an error", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		var s statusResponse
		err := fetchJSON(srv.URL, &s)
		So(err, ShouldNotBeNil)
	})
}
