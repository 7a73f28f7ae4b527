package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dispatchd/internal/protocol"
)

type stubLoader struct {
	initErr   error
	transform func(map[string]any) (map[string]any, error)
}

func (l *stubLoader) InitModel() error { return l.initErr }

func (l *stubLoader) Transform(data map[string]any) (map[string]any, error) {
	if l.transform == nil {
		return data, nil
	}
	return l.transform(data)
}

// startWorker launches a worker against a stub broker backend and returns
// the broker-side connection after the registration handshake.
func startWorker(t *testing.T, identity string, loader Loader) (net.Conn, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := New(loader, Config{
		Identity:       identity,
		BackendNetwork: "tcp",
		BackendAddr:    ln.Addr().String(),
		PollInterval:   20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- accepted{conn: c, err: err}
	}()
	var conn net.Conn
	select {
	case a := <-acceptCh:
		if a.err != nil {
			t.Fatalf("accept: %v", a.err)
		}
		conn = a.conn
	case err := <-runErr:
		t.Fatalf("worker exited before connecting: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never connected")
	}
	t.Cleanup(func() { conn.Close() })

	id, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read registration: %v", err)
	}
	if id != identity {
		t.Fatalf("registration identity: expected %q got %q", identity, id)
	}
	announce, err := protocol.ParseResponse(payload)
	if err != nil || !announce.Success {
		t.Fatalf("bad registration announce: %v %+v", err, announce)
	}
	return conn, runErr
}

func send(t *testing.T, conn net.Conn, clientID string, req protocol.TaskRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := protocol.WriteMessage(conn, clientID, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn net.Conn) (string, protocol.TaskResponse) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	id, payload, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	resp, err := protocol.ParseResponse(payload)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	return id, resp
}

func TestTransformEcho(t *testing.T) {
	conn, _ := startWorker(t, "echo-model", &stubLoader{})
	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "echo-model", Data: map[string]any{"x": 1}})
	id, resp := recv(t, conn)
	if id != "client-1" {
		t.Fatalf("reply routed to %q", id)
	}
	if !resp.Success || resp.WorkerID != "echo-model" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if v, ok := resp.Data["x"].(float64); !ok || v != 1 {
		t.Fatalf("echo payload: %v", resp.Data)
	}
}

func TestIdentityMismatchRejected(t *testing.T) {
	conn, _ := startWorker(t, "m1", &stubLoader{})
	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "m2", Data: map[string]any{"x": 1}})
	_, resp := recv(t, conn)
	if resp.Success {
		t.Fatal("mismatched worker_id must not succeed")
	}
	if resp.WorkerID != "m1" {
		t.Fatalf("responder identity: %q", resp.WorkerID)
	}
	if resp.ErrorMessage() == "" {
		t.Fatal("expected a descriptive error")
	}
	// Still serving.
	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "m1", Data: map[string]any{"ok": true}})
	if _, resp := recv(t, conn); !resp.Success {
		t.Fatalf("worker stopped serving after mismatch: %+v", resp)
	}
}

func TestHealthCheckBypassesModel(t *testing.T) {
	failing := &stubLoader{transform: func(map[string]any) (map[string]any, error) {
		return nil, errors.New("model always fails")
	}}
	conn, _ := startWorker(t, "m1", failing)

	send(t, conn, "probe", protocol.TaskRequest{WorkerID: "m1", Data: protocol.HealthCheckData()})
	_, resp := recv(t, conn)
	if !resp.Success {
		t.Fatalf("health check must bypass the failing model: %+v", resp)
	}
	if status, _ := resp.Data["status"].(string); status != "ready" {
		t.Fatalf("status: %v", resp.Data)
	}

	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "m1", Data: map[string]any{}})
	if _, resp := recv(t, conn); resp.Success {
		t.Fatal("transform failure must be reported")
	}
}

func TestTransformErrorContained(t *testing.T) {
	loader := &stubLoader{transform: func(map[string]any) (map[string]any, error) {
		return nil, errors.New("bad input")
	}}
	conn, runErr := startWorker(t, "m1", loader)
	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "m1", Data: map[string]any{}})
	_, resp := recv(t, conn)
	if resp.Success || resp.ErrorMessage() != "bad input" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	select {
	case err := <-runErr:
		t.Fatalf("worker died on transform error: %v", err)
	default:
	}
}

func TestTransformPanicContained(t *testing.T) {
	loader := &stubLoader{transform: func(map[string]any) (map[string]any, error) {
		panic("model blew up")
	}}
	conn, runErr := startWorker(t, "m1", loader)
	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "m1", Data: map[string]any{}})
	_, resp := recv(t, conn)
	if resp.Success {
		t.Fatal("panic must be reported as failure")
	}
	// Process keeps serving afterwards.
	send(t, conn, "client-1", protocol.TaskRequest{WorkerID: "m1", Data: protocol.HealthCheckData()})
	if _, resp := recv(t, conn); !resp.Success {
		t.Fatalf("worker not serving after panic: %+v", resp)
	}
	select {
	case err := <-runErr:
		t.Fatalf("worker died on panic: %v", err)
	default:
	}
}

func TestUnparseablePayloadAnswered(t *testing.T) {
	conn, _ := startWorker(t, "m1", &stubLoader{})
	if err := protocol.WriteMessage(conn, "client-1", []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, resp := recv(t, conn)
	if resp.Success {
		t.Fatal("garbage payload must not succeed")
	}
	if resp.ErrorMessage() == "" {
		t.Fatal("expected error message")
	}
}

func TestInitModelFailureNeverServes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	w := New(&stubLoader{initErr: errors.New("weights corrupt")}, Config{
		Identity:       "m1",
		BackendNetwork: "tcp",
		BackendAddr:    ln.Addr().String(),
		Logger:         zerolog.Nop(),
	})
	err = w.Run(context.Background())
	if err == nil {
		t.Fatal("expected init failure")
	}
	if w.State() != StateTerminated {
		t.Fatalf("state after init failure: %s", w.State())
	}
}

func TestCancelStopsServing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			// Hold the connection open; never reply.
			defer c.Close()
			_, _, _ = protocol.ReadMessage(c)
			time.Sleep(time.Second)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	w := New(&stubLoader{}, Config{
		Identity:       "m1",
		BackendNetwork: "tcp",
		BackendAddr:    ln.Addr().String(),
		PollInterval:   10 * time.Millisecond,
		Logger:         zerolog.Nop(),
	})
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean shutdown expected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not observe shutdown promptly")
	}
	if w.State() != StateTerminated {
		t.Fatalf("state after shutdown: %s", w.State())
	}
}

func TestReconnectsAfterBrokerRestart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := New(&stubLoader{}, Config{
		Identity:          "m1",
		BackendNetwork:    "tcp",
		BackendAddr:       ln.Addr().String(),
		PollInterval:      10 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	accept := func() net.Conn {
		t.Helper()
		type accepted struct {
			conn net.Conn
			err  error
		}
		ch := make(chan accepted, 1)
		go func() {
			c, err := ln.Accept()
			ch <- accepted{conn: c, err: err}
		}()
		select {
		case a := <-ch:
			if a.err != nil {
				t.Fatalf("accept: %v", a.err)
			}
			return a.conn
		case err := <-runErr:
			t.Fatalf("worker exited: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker never connected")
		}
		return nil
	}
	readRegistration := func(conn net.Conn) {
		t.Helper()
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("deadline: %v", err)
		}
		id, payload, err := protocol.ReadMessage(conn)
		if err != nil {
			t.Fatalf("read registration: %v", err)
		}
		if id != "m1" {
			t.Fatalf("registration identity: %q", id)
		}
		if announce, err := protocol.ParseResponse(payload); err != nil || !announce.Success {
			t.Fatalf("bad registration announce: %v %+v", err, announce)
		}
	}

	first := accept()
	readRegistration(first)
	// Broker restart severs every worker connection.
	first.Close()

	second := accept()
	defer second.Close()
	readRegistration(second)

	send(t, second, "probe", protocol.TaskRequest{WorkerID: "m1", Data: protocol.HealthCheckData()})
	if _, resp := recv(t, second); !resp.Success {
		t.Fatalf("worker not serving after reconnect: %+v", resp)
	}

	select {
	case err := <-runErr:
		t.Fatalf("worker exited on broker restart: %v", err)
	default:
	}
}

func TestStartRetriesUntilBrokerBinds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := New(&stubLoader{}, Config{
		Identity:          "m1",
		BackendNetwork:    "tcp",
		BackendAddr:       addr,
		PollInterval:      10 * time.Millisecond,
		ReconnectInterval: 10 * time.Millisecond,
		Logger:            zerolog.Nop(),
	})
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	// A few dial attempts fail before the broker binds; none are fatal.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-runErr:
		t.Fatalf("worker exited while broker unbound: %v", err)
	default:
	}

	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("rebind %s: %v", addr, err)
	}
	defer ln2.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		c, err := ln2.Accept()
		ch <- accepted{conn: c, err: err}
	}()
	select {
	case a := <-ch:
		if a.err != nil {
			t.Fatalf("accept: %v", a.err)
		}
		defer a.conn.Close()
		if err := a.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("deadline: %v", err)
		}
		if id, _, err := protocol.ReadMessage(a.conn); err != nil || id != "m1" {
			t.Fatalf("registration after late bind: id=%q err=%v", id, err)
		}
	case err := <-runErr:
		t.Fatalf("worker exited: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the late-bound broker")
	}
}
