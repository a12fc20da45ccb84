// Package statusapi exposes a read-only operator HTTP endpoint on the worker
// daemon: "/status" for in-flight run counts and run-latency statistics, and
// "/queues" for per-queue depth as last observed by the autoscale controller.
// Routing is github.com/gorilla/mux, matching the teacher pack's own HTTP
// server idiom; latency tracking is github.com/VividCortex/ewma (a smoothed
// running average) plus github.com/carbocation/runningvariance (exact running
// mean/stddev), in-flight accounting is github.com/sb10/waitgroup, and
// shutdown is broadcast with github.com/grafov/bcast, all named in the
// teacher's go.mod.
package statusapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/carbocation/runningvariance"
	"github.com/gorilla/mux"
	"github.com/grafov/bcast"
	"github.com/inconshreveable/log15"
	"github.com/sb10/waitgroup"
	deadlock "github.com/sasha-s/go-deadlock"
)

// QueueDepths is satisfied by autoscale.Controller.
type QueueDepths interface {
	LastSeen() map[string]int
}

// Server serves the status endpoints over HTTP.
type Server struct {
	Addr   string
	Depths QueueDepths
	Log    log15.Logger

	inFlight *waitgroup.WaitGroup
	latency  ewma.MovingAverage
	variance *runningvariance.RunningStat
	mu       deadlock.Mutex

	shutdown *bcast.Group
	listener net.Listener
}

// New builds a Server listening on addr (e.g. ":11302"); depths may be nil if
// the worker has no autoscale controller.
func New(addr string, depths QueueDepths, logger log15.Logger) *Server {
	return &Server{
		Addr:     addr,
		Depths:   depths,
		Log:      logger.New("component", "statusapi"),
		inFlight: waitgroup.New(),
		latency:  ewma.NewMovingAverage(),
		variance: new(runningvariance.RunningStat),
		shutdown: bcast.NewGroup(),
	}
}

// Begin records the start of a run, to be paired with a call to End once it
// completes. Safe to call from every goroutine a dispatch.Worker spawns.
func (s *Server) Begin() {
	s.inFlight.Add(1)
}

// End records a run's completion and its latency, for the /status endpoint.
func (s *Server) End(d time.Duration) {
	s.inFlight.Done()

	ms := float64(d) / float64(time.Millisecond)
	s.mu.Lock()
	s.latency.Add(ms)
	s.variance.Push(ms)
	s.mu.Unlock()
}

type statusResponse struct {
	InFlight          int     `json:"in_flight"`
	LatencyEWMAMillis float64 `json:"latency_ewma_millis"`
	LatencyMeanMillis float64 `json:"latency_mean_millis"`
	LatencyStdDevMillis float64 `json:"latency_stddev_millis"`
	SampleCount       int     `json:"sample_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := statusResponse{
		InFlight:            s.inFlight.Count(),
		LatencyEWMAMillis:   s.latency.Value(),
		LatencyMeanMillis:   s.variance.Mean(),
		LatencyStdDevMillis: s.variance.StandardDeviation(),
		SampleCount:         s.variance.NumDataValues(),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths := map[string]int{}
	if s.Depths != nil {
		depths = s.Depths.LastSeen()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(depths)
}

// router builds the mux.Router the teacher's own HTTP components use for
// path-based dispatch, rather than bare http.ServeMux pattern matching.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/queues", s.handleQueues).Methods(http.MethodGet)
	return r
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled, at
// which point it broadcasts shutdown to any Join()ed listeners and closes the
// socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	srv := &http.Server{Handler: s.router()}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	member := s.shutdown.Join()
	defer member.Close()

	select {
	case <-ctx.Done():
		s.Log.Debug("statusapi shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.shutdown.Send(true)
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
