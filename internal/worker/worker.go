// Package worker implements the runtime that hosts one loaded model inside a
// dedicated OS process and serves task envelopes addressed to its identity.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"dispatchd/internal/protocol"
)

// State is the lifecycle state of a worker runtime.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateServing       State = "serving"
	StateStopping      State = "stopping"
	StateTerminated    State = "terminated"
)

// Config holds runtime parameters for a worker.
type Config struct {
	// Identity is the unique worker identity: process name, transport
	// identity and routing key all at once.
	Identity string
	// BackendNetwork/BackendAddr locate the broker's worker-facing surface
	// ("unix" or "tcp").
	BackendNetwork string
	BackendAddr    string
	// PollInterval bounds how long the serving loop waits between
	// shutdown checks. Defaults to 1s.
	PollInterval time.Duration
	// ReconnectInterval paces re-dial attempts after the broker connection
	// drops. Defaults to 1s.
	ReconnectInterval time.Duration
	Logger            zerolog.Logger
}

// Worker hosts one Loader and answers envelopes addressed to its identity.
// The serving loop is single-goroutine and cooperative: one message at a
// time, shutdown observed within PollInterval.
type Worker struct {
	cfg    Config
	loader Loader
	log    zerolog.Logger

	mu    sync.Mutex
	state State
}

type inbound struct {
	identity string
	payload  []byte
}

// New builds a worker around loader. The loader is not initialized until Run.
func New(loader Loader, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	return &Worker{
		cfg:    cfg,
		loader: loader,
		log:    cfg.Logger.With().Str("component", "worker").Str("worker_id", cfg.Identity).Logger(),
		state:  StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// ready reports whether the runtime may delegate to the model.
func (w *Worker) ready() bool {
	s := w.State()
	return s == StateReady || s == StateServing
}

// Run initializes the model, then connects, registers and serves until ctx
// is canceled. The broker connection is a session, not a lifeline: a dial
// failure or a dropped connection puts the worker back into a re-dial loop
// paced by ReconnectInterval, so a broker restart orphans in-flight requests
// only and never takes workers down. A loader that fails InitModel never
// reaches serving; Run returns the error so the process can exit non-zero
// and readiness probes keep failing.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateLoading)
	if err := w.loader.InitModel(); err != nil {
		w.setState(StateTerminated)
		return fmt.Errorf("init model %s: %w", w.cfg.Identity, err)
	}
	defer w.setState(StateTerminated)
	w.setState(StateReady)

	session := func() error {
		err := w.serve(ctx)
		if err != nil && ctx.Err() == nil {
			w.setState(StateReady)
			w.log.Warn().Err(err).Str("backend", w.cfg.BackendAddr).Msg("broker connection lost, reconnecting")
		}
		return err
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(w.cfg.ReconnectInterval), ctx)
	if err := backoff.Retry(session, bo); err != nil && ctx.Err() == nil {
		return err
	}
	w.setState(StateStopping)
	w.log.Info().Msg("worker stopping")
	return nil
}

// serve runs one broker session: dial, register, answer envelopes until the
// connection drops or ctx is canceled. Returns nil only on cancellation; the
// connection is released on every exit path.
func (w *Worker) serve(ctx context.Context) error {
	conn, err := net.Dial(w.cfg.BackendNetwork, w.cfg.BackendAddr)
	if err != nil {
		return fmt.Errorf("connect broker backend %s://%s: %w", w.cfg.BackendNetwork, w.cfg.BackendAddr, err)
	}
	defer conn.Close()

	// Registration handshake: the identity frame names this worker, the
	// payload announces readiness. Repeated on every reconnect.
	announce := protocol.TaskResponse{
		WorkerID: w.cfg.Identity,
		Data:     map[string]any{"status": "ready", "type": protocol.HealthCheckType},
		Success:  true,
	}
	if err := w.writeResponse(conn, w.cfg.Identity, announce); err != nil {
		return fmt.Errorf("register with broker: %w", err)
	}
	w.log.Info().Str("backend", w.cfg.BackendAddr).Msg("worker registered and ready")

	inbox := make(chan inbound)
	readErr := make(chan error, 1)
	go func() {
		for {
			id, payload, err := protocol.ReadMessage(conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbox <- inbound{identity: id, payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()

	w.setState(StateServing)
	tick := time.NewTicker(w.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker connection lost: %w", err)
		case msg := <-inbox:
			w.handle(conn, msg)
		case <-tick.C:
			// Bounded wait: nothing to do, loop back and re-check shutdown.
		}
	}
}

// handle processes one envelope and always replies exactly once. A bad
// request must never take the process down.
func (w *Worker) handle(conn net.Conn, msg inbound) {
	resp := w.process(msg.payload)
	if err := w.writeResponse(conn, msg.identity, resp); err != nil {
		w.log.Error().Err(err).Str("client_id", msg.identity).Msg("failed to send response")
	}
}

func (w *Worker) process(payload []byte) protocol.TaskResponse {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		w.log.Error().Err(err).Msg("unparseable task payload")
		return protocol.ErrorResponse(w.cfg.Identity, "invalid message format: "+err.Error())
	}

	// Health checks bypass the model entirely.
	if req.IsHealthCheck() {
		status := "not ready"
		ok := w.ready()
		if ok {
			status = "ready"
		}
		return protocol.TaskResponse{
			WorkerID: w.cfg.Identity,
			Data:     map[string]any{"status": status},
			Success:  ok,
		}
	}

	// Guard against misrouting: only answer envelopes addressed to us.
	if req.WorkerID != w.cfg.Identity {
		w.log.Warn().Str("requested", req.WorkerID).Msg("worker identity mismatch")
		return protocol.ErrorResponse(w.cfg.Identity,
			fmt.Sprintf("worker identity mismatch: request for %q received by %q", req.WorkerID, w.cfg.Identity))
	}

	if !w.ready() {
		return protocol.ErrorResponse(w.cfg.Identity, "worker is not ready yet")
	}

	out, err := w.transform(req.Data)
	if err != nil {
		w.log.Error().Err(err).Msg("transform failed")
		return protocol.ErrorResponse(w.cfg.Identity, err.Error())
	}
	return protocol.TaskResponse{WorkerID: w.cfg.Identity, Data: out, Success: true}
}

// transform delegates to the loader, converting panics into errors so model
// code cannot crash the serving loop.
func (w *Worker) transform(data map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panic: %v", r)
		}
	}()
	return w.loader.Transform(data)
}

func (w *Worker) writeResponse(conn net.Conn, identity string, resp protocol.TaskResponse) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return protocol.WriteMessage(conn, identity, b)
}
