// Package dispatch owns the broker and worker OS processes and exposes the
// synchronous send-task API the rest of the platform calls into.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"dispatchd/internal/client"
	"dispatchd/internal/protocol"
	"dispatchd/pkg/types"
)

// Config holds manager parameters. Zero values mean "use defaults".
type Config struct {
	// FrontendAddr is the broker's client-facing address round trips go to.
	FrontendAddr string
	// ClientTimeout is the symmetric send/receive budget per round trip.
	ClientTimeout time.Duration
	// ProbeInterval paces readiness health checks during worker start.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single readiness probe round trip.
	ProbeTimeout time.Duration
	// BrokerSettle is the fixed wait after spawning the broker.
	BrokerSettle time.Duration
	// StopGrace bounds each phase of the terminate-then-kill stop.
	StopGrace time.Duration

	Spawner Spawner
	Logger  zerolog.Logger
}

// Manager supervises one broker process and one worker process per model
// identity. It is called from concurrent request-handling goroutines: the
// mutex guards the bookkeeping maps only and is never held across a round
// trip or a readiness wait.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	broker  Process
	workers map[string]Process
	ready   map[string]bool
}

// New builds a manager. cfg.Spawner must be set.
func New(cfg Config) *Manager {
	if cfg.FrontendAddr == "" {
		cfg.FrontendAddr = "127.0.0.1:5555"
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = client.DefaultTimeout
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.BrokerSettle <= 0 {
		cfg.BrokerSettle = time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "manager").Logger(),
		workers: make(map[string]Process),
		ready:   make(map[string]bool),
	}
}

// StartBroker spawns the broker process and waits a short settle period.
// Idempotent: a live tracked broker makes this a warning no-op.
func (m *Manager) StartBroker() error {
	m.mu.Lock()
	if m.broker != nil && m.broker.Alive() {
		m.mu.Unlock()
		m.log.Warn().Msg("broker process already running")
		return nil
	}
	p, err := m.cfg.Spawner.SpawnBroker()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("spawn broker: %w", err)
	}
	m.broker = p
	m.mu.Unlock()

	time.Sleep(m.cfg.BrokerSettle)
	m.log.Info().Int("pid", p.Pid()).Msg("broker process started")
	return nil
}

// StartWorker spawns a worker process for identity running the named loader
// and blocks until the worker proves readiness via health-check round trips,
// probing every ProbeInterval. Idempotent per identity: a live tracked
// worker makes this a warning no-op. If readiness is not proven within
// timeout the partial process is force-cleaned and a startup failure
// returned; a worker that cannot prove readiness is never left tracked as
// available.
func (m *Manager) StartWorker(ctx context.Context, identity, loader string, timeout time.Duration) error {
	m.mu.Lock()
	if p, ok := m.workers[identity]; ok {
		if p.Alive() {
			m.mu.Unlock()
			m.log.Warn().Str("worker_id", identity).Msg("worker process already running")
			return nil
		}
		// Dead leftover; replace it.
		delete(m.workers, identity)
		delete(m.ready, identity)
	}
	p, err := m.cfg.Spawner.SpawnWorker(identity, loader)
	if err != nil {
		m.mu.Unlock()
		return ErrStartupFailure(identity, err)
	}
	m.workers[identity] = p
	m.ready[identity] = false
	m.mu.Unlock()

	m.log.Info().Str("worker_id", identity).Str("loader", loader).Int("pid", p.Pid()).
		Msg("worker process started, waiting for ready")

	if err := m.waitForReady(ctx, identity, p, timeout); err != nil {
		m.log.Error().Err(err).Str("worker_id", identity).Dur("timeout", timeout).
			Msg("worker failed to become ready")
		m.StopWorker(identity)
		startupFailures.Inc()
		return ErrStartupFailure(identity, err)
	}

	m.mu.Lock()
	if m.workers[identity] != p {
		// StopWorker/StopAll untracked the identity while we were waiting;
		// the process is already stopped. Never resurrect its readiness.
		m.mu.Unlock()
		m.log.Warn().Str("worker_id", identity).Msg("worker stopped while becoming ready")
		return ErrWorkerNotStarted(identity)
	}
	m.ready[identity] = true
	m.mu.Unlock()
	workersReady.Inc()
	m.log.Info().Str("worker_id", identity).Msg("worker ready")
	return nil
}

// waitForReady probes identity through throwaway clients until a successful
// ready health check, pacing with a constant backoff and giving up at
// timeout or ctx cancellation.
func (m *Manager) waitForReady(ctx context.Context, identity string, p Process, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := func() error {
		if !p.Alive() {
			return backoff.Permanent(errors.New("worker process exited before ready"))
		}
		c := client.New(m.cfg.FrontendAddr, m.cfg.ProbeTimeout, m.log)
		resp, err := c.Do(protocol.TaskRequest{WorkerID: identity, Data: protocol.HealthCheckData()})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("health check not ready: %s", resp.ErrorMessage())
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(m.cfg.ProbeInterval), probeCtx)
	if err := backoff.Retry(probe, bo); err != nil {
		return fmt.Errorf("readiness not reached within %s: %w", timeout, err)
	}
	return nil
}

// SendTask performs one client round trip to identity. The identity must be
// tracked, its process alive and its readiness proven; otherwise the error
// returns before any network I/O.
func (m *Manager) SendTask(identity string, data map[string]any) (protocol.TaskResponse, error) {
	m.mu.Lock()
	p, tracked := m.workers[identity]
	rdy := m.ready[identity]
	m.mu.Unlock()

	if !tracked {
		return protocol.TaskResponse{}, ErrWorkerNotStarted(identity)
	}
	if !p.Alive() {
		return protocol.TaskResponse{}, ErrWorkerNotAlive(identity)
	}
	if !rdy {
		return protocol.TaskResponse{}, ErrWorkerNotReady(identity)
	}

	c := client.New(m.cfg.FrontendAddr, m.cfg.ClientTimeout, m.log)
	resp, err := c.Do(protocol.TaskRequest{WorkerID: identity, Data: data})
	if err != nil {
		if client.IsTimeout(err) {
			taskTimeouts.Inc()
		}
		return protocol.TaskResponse{}, err
	}
	tasksTotal.Inc()
	return resp, nil
}

// StopWorker stops and untracks one worker with the two-phase stop.
func (m *Manager) StopWorker(identity string) {
	m.mu.Lock()
	p, ok := m.workers[identity]
	delete(m.workers, identity)
	delete(m.ready, identity)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.stopProcess(p)
	m.log.Info().Str("worker_id", identity).Msg("worker stopped")
}

// StopAll stops the broker and every tracked worker, then clears tracking
// state.
func (m *Manager) StopAll() {
	m.mu.Lock()
	broker := m.broker
	workers := m.workers
	m.broker = nil
	m.workers = make(map[string]Process)
	m.ready = make(map[string]bool)
	m.mu.Unlock()

	if broker != nil {
		m.stopProcess(broker)
	}
	for id, p := range workers {
		m.stopProcess(p)
		m.log.Info().Str("worker_id", id).Msg("worker stopped")
	}
	m.log.Info().Msg("all processes stopped")
}

// stopProcess is the two-phase stop: graceful terminate with a bounded
// join, then force-kill and join again so slow shutdowns cannot leave
// zombies behind.
func (m *Manager) stopProcess(p Process) {
	if !p.Alive() {
		_ = p.Wait(m.cfg.StopGrace)
		return
	}
	_ = p.Terminate()
	if err := p.Wait(m.cfg.StopGrace); err == nil {
		return
	}
	m.log.Warn().Int("pid", p.Pid()).Msg("process ignored terminate, killing")
	_ = p.Kill()
	_ = p.Wait(m.cfg.StopGrace)
}

// BrokerAlive reports whether a tracked broker process is running.
func (m *Manager) BrokerAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broker != nil && m.broker.Alive()
}

// IsWorkerReady reports proven readiness for identity.
func (m *Manager) IsWorkerReady(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready[identity]
}

// WorkerStatus snapshots liveness and readiness for every tracked worker.
func (m *Manager) WorkerStatus() map[string]types.WorkerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.WorkerStatus, len(m.workers))
	for id, p := range m.workers {
		out[id] = types.WorkerStatus{Alive: p.Alive(), Ready: m.ready[id]}
	}
	return out
}
