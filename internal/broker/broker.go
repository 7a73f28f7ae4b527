// Package broker implements the process-local router between clients and
// model-pinned workers. It holds no model state: restarting it orphans
// in-flight requests only, which then time out at their clients.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"dispatchd/internal/protocol"
)

// Default endpoints mirror the dispatch protocol's conventional ports.
const (
	DefaultFrontendAddr = "127.0.0.1:5555"
	DefaultBackendTCP   = "127.0.0.1:5556"
)

// DefaultBackend returns the platform default for the worker-facing surface:
// a local socket on unix-like hosts to skip the network stack, TCP elsewhere.
func DefaultBackend() (network, addr string) {
	if runtime.GOOS == "windows" {
		return "tcp", DefaultBackendTCP
	}
	return "unix", filepath.Join(os.TempDir(), "dispatchd", "workers.sock")
}

// Config holds broker parameters.
type Config struct {
	FrontendAddr   string // client-facing, always TCP
	BackendNetwork string // "unix" or "tcp"
	BackendAddr    string
	// PollInterval bounds the loop's wait between housekeeping passes.
	// Defaults to 10s.
	PollInterval time.Duration
	Logger       zerolog.Logger
}

type surface int

const (
	frontend surface = iota
	backend
)

// conn is the loop-side view of one accepted connection. id is assigned by
// the loop on the first message and never touched elsewhere.
type conn struct {
	nc   net.Conn
	side surface
	id   string
}

// event is what reader goroutines feed into the single routing loop.
type event struct {
	c        *conn
	identity string
	payload  []byte
	err      error // non-nil: reader finished, connection is gone
}

// Broker multiplexes N clients against M registered worker identities. All
// routing state is owned by the single loop goroutine; no lock is needed.
type Broker struct {
	cfg    Config
	log    zerolog.Logger
	events chan event

	frontendLn net.Listener
	backendLn  net.Listener

	// loop-owned state
	clients map[string]*conn  // client identity -> connection
	workers map[string]*conn  // worker identity -> connection
	routes  map[string]string // in-flight: client identity -> worker identity
}

// New builds a broker; call Listen then Run, or Serve for both.
func New(cfg Config) *Broker {
	if cfg.FrontendAddr == "" {
		cfg.FrontendAddr = DefaultFrontendAddr
	}
	if cfg.BackendNetwork == "" || cfg.BackendAddr == "" {
		cfg.BackendNetwork, cfg.BackendAddr = DefaultBackend()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Broker{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "broker").Logger(),
		events:  make(chan event, 64),
		clients: make(map[string]*conn),
		workers: make(map[string]*conn),
		routes:  make(map[string]string),
	}
}

// Listen binds both surfaces. For unix backends the socket directory is
// created and a stale socket file from a previous run is removed.
func (b *Broker) Listen() error {
	fln, err := net.Listen("tcp", b.cfg.FrontendAddr)
	if err != nil {
		return fmt.Errorf("bind frontend %s: %w", b.cfg.FrontendAddr, err)
	}
	if b.cfg.BackendNetwork == "unix" {
		if err := os.MkdirAll(filepath.Dir(b.cfg.BackendAddr), 0o755); err != nil {
			fln.Close()
			return fmt.Errorf("create socket dir: %w", err)
		}
		_ = os.Remove(b.cfg.BackendAddr)
	}
	bln, err := net.Listen(b.cfg.BackendNetwork, b.cfg.BackendAddr)
	if err != nil {
		fln.Close()
		return fmt.Errorf("bind backend %s://%s: %w", b.cfg.BackendNetwork, b.cfg.BackendAddr, err)
	}
	b.frontendLn = fln
	b.backendLn = bln
	b.log.Info().
		Str("frontend", fln.Addr().String()).
		Str("backend", bln.Addr().String()).
		Msg("broker listening")
	return nil
}

// FrontendAddr returns the bound client-facing address. Valid after Listen.
func (b *Broker) FrontendAddr() string { return b.frontendLn.Addr().String() }

// BackendAddr returns the bound worker-facing address. Valid after Listen.
func (b *Broker) BackendAddr() string { return b.backendLn.Addr().String() }

// Serve is Listen followed by Run.
func (b *Broker) Serve(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Run(ctx)
}

// Run accepts on both surfaces and routes until ctx is canceled. Both
// surfaces are closed before return.
func (b *Broker) Run(ctx context.Context) error {
	if b.frontendLn == nil || b.backendLn == nil {
		return errors.New("broker: Run called before Listen")
	}
	go b.acceptLoop(ctx, b.frontendLn, frontend)
	go b.acceptLoop(ctx, b.backendLn, backend)

	defer b.closeAll()

	tick := time.NewTicker(b.cfg.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("broker stopping")
			return nil
		case ev := <-b.events:
			b.dispatch(ev)
		case <-tick.C:
			b.log.Debug().
				Int("workers", len(b.workers)).
				Int("clients", len(b.clients)).
				Int("in_flight", len(b.routes)).
				Msg("broker heartbeat")
		}
	}
}

func (b *Broker) acceptLoop(ctx context.Context, ln net.Listener, side surface) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				b.log.Debug().Err(err).Msg("accept failed")
			}
			return
		}
		c := &conn{nc: nc, side: side}
		go b.readLoop(ctx, c)
	}
}

// readLoop feeds framed messages from one connection into the routing loop.
// A framing error ends only this connection, never the broker.
func (b *Broker) readLoop(ctx context.Context, c *conn) {
	for {
		identity, payload, err := protocol.ReadMessage(c.nc)
		ev := event{c: c, identity: identity, payload: payload, err: err}
		select {
		case b.events <- ev:
		case <-ctx.Done():
			c.nc.Close()
			return
		}
		if err != nil {
			return
		}
	}
}

// dispatch runs on the loop goroutine only.
func (b *Broker) dispatch(ev event) {
	if ev.err != nil {
		b.dropConn(ev.c, ev.err)
		return
	}
	switch ev.c.side {
	case frontend:
		b.handleClient(ev)
	case backend:
		b.handleWorker(ev)
	}
}

// dropConn unregisters a finished connection and its routing entries.
func (b *Broker) dropConn(c *conn, cause error) {
	c.nc.Close()
	if c.id == "" {
		return
	}
	switch c.side {
	case frontend:
		if b.clients[c.id] == c {
			delete(b.clients, c.id)
			delete(b.routes, c.id)
			b.log.Debug().Str("client_id", c.id).AnErr("cause", cause).Msg("client connection closed")
		}
	case backend:
		if b.workers[c.id] == c {
			delete(b.workers, c.id)
			workersGauge.Set(float64(len(b.workers)))
			b.log.Info().Str("worker_id", c.id).AnErr("cause", cause).Msg("worker connection closed")
		}
	}
}

// handleClient parses and forwards one client request. Malformed input is
// answered right here with success=false and never reaches a worker.
func (b *Broker) handleClient(ev event) {
	clientID := ev.identity
	if ev.c.id == "" {
		ev.c.id = clientID
		b.clients[clientID] = ev.c
	}

	req, err := protocol.ParseRequest(ev.payload)
	if err != nil {
		b.log.Error().Err(err).Str("client_id", clientID).Msg("failed to parse client message")
		malformedTotal.Inc()
		b.replyTo(ev.c, clientID, protocol.ErrorResponse("", "invalid message format: "+err.Error()))
		return
	}
	if req.WorkerID == "" {
		malformedTotal.Inc()
		b.replyTo(ev.c, clientID, protocol.ErrorResponse("", "no worker_id specified in request"))
		return
	}
	wc, ok := b.workers[req.WorkerID]
	if !ok {
		b.log.Warn().Str("worker_id", req.WorkerID).Str("client_id", clientID).Msg("no live worker for identity")
		b.replyTo(ev.c, clientID, protocol.ErrorResponse(req.WorkerID, "no live worker for identity "+req.WorkerID))
		return
	}

	// Routing entry: created on forward, deleted on matching reply.
	b.routes[clientID] = req.WorkerID
	if err := protocol.WriteMessage(wc.nc, clientID, ev.payload); err != nil {
		b.log.Error().Err(err).Str("worker_id", req.WorkerID).Msg("forward to worker failed")
		delete(b.routes, clientID)
		b.dropConn(wc, err)
		b.replyTo(ev.c, clientID, protocol.ErrorResponse(req.WorkerID, "worker unavailable: "+err.Error()))
		return
	}
	forwardedTotal.Inc()
	b.log.Debug().Str("client_id", clientID).Str("worker_id", req.WorkerID).Msg("routed request")
}

// handleWorker registers a worker on its first message and relays replies
// afterwards. The identity frame of a reply names the originating client.
func (b *Broker) handleWorker(ev event) {
	if ev.c.id == "" {
		b.registerWorker(ev)
		return
	}
	clientID := ev.identity
	cc, ok := b.clients[clientID]
	delete(b.routes, clientID)
	if !ok {
		// Client timed out and left; relaying to nobody is a no-op.
		b.log.Debug().Str("worker_id", ev.c.id).Str("client_id", clientID).Msg("reply for departed client dropped")
		return
	}
	if err := protocol.WriteMessage(cc.nc, clientID, ev.payload); err != nil {
		b.log.Debug().Err(err).Str("client_id", clientID).Msg("relay to client failed")
		b.dropConn(cc, err)
		return
	}
	relayedTotal.Inc()
	b.log.Debug().Str("worker_id", ev.c.id).Str("client_id", clientID).Msg("relayed reply")
}

// registerWorker handles the backend handshake: the first message's identity
// frame names the worker. At most one live worker per identity; a duplicate
// registration is refused and its connection closed.
func (b *Broker) registerWorker(ev event) {
	id := ev.identity
	if id == "" {
		b.log.Error().Msg("worker registration without identity")
		ev.c.nc.Close()
		return
	}
	if existing, ok := b.workers[id]; ok && existing != ev.c {
		b.log.Warn().Str("worker_id", id).Msg("duplicate worker registration refused")
		ev.c.nc.Close()
		return
	}
	ev.c.id = id
	b.workers[id] = ev.c
	workersGauge.Set(float64(len(b.workers)))
	b.log.Info().Str("worker_id", id).Msg("worker registered")
}

// replyTo writes an error envelope straight back to a client connection.
func (b *Broker) replyTo(c *conn, clientID string, resp protocol.TaskResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to encode error response")
		return
	}
	if err := protocol.WriteMessage(c.nc, clientID, payload); err != nil {
		b.dropConn(c, err)
	}
}

func (b *Broker) closeAll() {
	b.frontendLn.Close()
	b.backendLn.Close()
	for _, c := range b.clients {
		c.nc.Close()
	}
	for _, c := range b.workers {
		c.nc.Close()
	}
	if b.cfg.BackendNetwork == "unix" {
		_ = os.Remove(b.cfg.BackendAddr)
	}
}
