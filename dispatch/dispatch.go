// Package dispatch implements the broker client and worker task handler of
// spec.md §4.6: a single task named "run", routed by queue name, JSON
// payloads in both directions. Grounded on the teacher's own choice of
// nanomsg.org/go-mangos as a broker transport (named in the teacher's
// go.mod but not otherwise exercised anywhere in its tree — this is the
// component that finally wires it up) using a req/rep socket pair.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	"nanomsg.org/go-mangos"
	"nanomsg.org/go-mangos/protocol/req"
	"nanomsg.org/go-mangos/protocol/xrep"
	"nanomsg.org/go-mangos/transport/tcp"

	"github.com/sb10/cmdproxy/cmderr"
	"github.com/sb10/cmdproxy/envelope"
)

// task is the envelope actually put on the wire: the run request plus the
// queue it was submitted to, so one broker socket can multiplex every
// logical queue (spec.md §6 "Queues: one per logical command name... plus a
// default queue for CmdPath dispatch").
type task struct {
	Queue   string          `json:"queue"`
	Request json.RawMessage `json:"request"`
}

// Client submits run requests to the broker and waits for responses. It
// implements transit.Dispatcher.
type Client struct {
	BrokerAddr string
	Timeout    time.Duration
	Log        log15.Logger

	sock mangos.Socket
}

// NewClient dials a req socket at brokerAddr (e.g. "tcp://broker:11300").
func NewClient(brokerAddr string, timeout time.Duration, logger log15.Logger) (*Client, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, cmderr.Wrap(cmderr.DispatchFailure, "creating req socket", err)
	}
	sock.AddTransport(tcp.NewTransport())
	if timeout > 0 {
		sock.SetOption(mangos.OptionRecvDeadline, timeout)
		sock.SetOption(mangos.OptionSendDeadline, timeout)
	}
	if err := sock.Dial(brokerAddr); err != nil {
		sock.Close()
		return nil, cmderr.Wrap(cmderr.DispatchFailure, "dialing broker at "+brokerAddr, err)
	}

	return &Client{BrokerAddr: brokerAddr, Timeout: timeout, Log: logger, sock: sock}, nil
}

// Dispatch serialises request, submits it as a "run" task on queue, and
// blocks for the worker's response. Failed submits are retried with
// exponential backoff (the teacher's own retry idiom for broker
// operations).
func (c *Client) Dispatch(ctx context.Context, request envelope.RunRequest, queue string) (envelope.RunResponse, error) {
	reqBody, err := envelope.Marshal(request)
	if err != nil {
		return envelope.RunResponse{}, err
	}
	payload, err := json.Marshal(task{Queue: queue, Request: reqBody})
	if err != nil {
		return envelope.RunResponse{}, cmderr.Wrap(cmderr.EnvelopeDecode, "encoding dispatch envelope", err)
	}

	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var respBytes []byte
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if ctx.Err() != nil {
			return envelope.RunResponse{}, cmderr.Wrap(cmderr.DispatchFailure, "context cancelled before dispatch", ctx.Err())
		}

		if lastErr = c.sock.Send(payload); lastErr != nil {
			if c.Log != nil {
				c.Log.Warn("dispatch send failed, retrying", "queue", queue, "attempt", attempt, "err", lastErr)
			}
			time.Sleep(b.Duration())
			continue
		}

		respBytes, lastErr = c.sock.Recv()
		if lastErr != nil {
			if c.Log != nil {
				c.Log.Warn("dispatch recv failed, retrying", "queue", queue, "attempt", attempt, "err", lastErr)
			}
			time.Sleep(b.Duration())
			continue
		}

		lastErr = nil
		break
	}
	if lastErr != nil {
		return envelope.RunResponse{}, cmderr.Wrap(cmderr.DispatchFailure, "submitting to queue "+queue, lastErr)
	}

	return envelope.UnmarshalResponse(respBytes)
}

// Close shuts down the client's socket.
func (c *Client) Close() error { return c.sock.Close() }

// Handler runs a decoded envelope and produces a response. transit.Server
// satisfies this.
type Handler interface {
	Run(ctx context.Context, req envelope.RunRequest) envelope.RunResponse
}

// Worker listens on a single raw rep socket and hands every received task to
// Handler, regardless of which queue it names — queue selection is a
// client-side routing hint (spec.md §4.4), not a separate transport per
// queue. The worker applies no admission check before handling a task.
//
// A cooked rep socket keeps exactly one reply backtrace outstanding per
// socket, so it cannot have two requests in flight at once; it is used in
// raw mode (xrep) instead, and each reply's Message.Header carries back the
// request's own backtrace so replies route correctly even when several
// handle goroutines finish out of order (spec.md §5: "Handlers must be
// reentrant — multiple envelopes may execute in parallel on one worker
// process").
type Worker struct {
	BrokerAddr string
	Handler    Handler
	Log        log15.Logger

	sock mangos.Socket
}

// NewWorker binds a raw rep socket at brokerAddr.
func NewWorker(brokerAddr string, handler Handler, logger log15.Logger) (*Worker, error) {
	sock, err := xrep.NewSocket()
	if err != nil {
		return nil, cmderr.Wrap(cmderr.DispatchFailure, "creating raw rep socket", err)
	}
	sock.AddTransport(tcp.NewTransport())
	if err := sock.Listen(brokerAddr); err != nil {
		sock.Close()
		return nil, cmderr.Wrap(cmderr.DispatchFailure, "listening on "+brokerAddr, err)
	}

	return &Worker{BrokerAddr: brokerAddr, Handler: handler, Log: logger, sock: sock}, nil
}

// Serve processes tasks until ctx is cancelled, running each one in its own
// goroutine (spec.md §5: "Handlers must be reentrant — multiple envelopes
// may execute in parallel on one worker process"). Because the socket is
// raw, recv and send are independent of each other, so the next Recv does
// not have to wait on a prior handler's Send.
func (w *Worker) Serve(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			w.sock.Close()
		case <-stop:
		}
	}()

	for {
		msg, err := w.sock.RecvMsg()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if w.Log != nil {
				w.Log.Debug("rep socket recv ended", "err", err)
			}
			return err
		}

		go w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *mangos.Message) {
	var t task
	var resp envelope.RunResponse

	if err := json.Unmarshal(msg.Body, &t); err != nil {
		errMsg := cmderr.Wrap(cmderr.EnvelopeDecode, "decoding dispatch envelope", err).Error()
		resp = envelope.RunResponse{ReturnCode: -1, Error: &errMsg}
	} else if req, err := envelope.Unmarshal(t.Request); err != nil {
		errMsg := err.Error()
		resp = envelope.RunResponse{ReturnCode: -1, Error: &errMsg}
	} else {
		resp = w.Handler.Run(ctx, req)
	}

	respBytes, err := envelope.MarshalResponse(resp)
	if err != nil {
		if w.Log != nil {
			w.Log.Error("failed to marshal run response", "err", err)
		}
		return
	}

	reply := mangos.NewMessage(len(respBytes))
	reply.Header = append(reply.Header, msg.Header...)
	reply.Body = append(reply.Body, respBytes...)
	msg.Free()

	if err := w.sock.SendMsg(reply); err != nil && w.Log != nil {
		w.Log.Warn("failed to send run response", "err", err)
	}
}

// Close shuts down the worker's socket.
func (w *Worker) Close() error { return w.sock.Close() }
