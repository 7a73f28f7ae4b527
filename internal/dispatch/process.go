package dispatch

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is a handle on a supervised OS process. Implementations must be
// safe for concurrent use; the manager calls them from request threads.
type Process interface {
	Pid() int
	Alive() bool
	// Terminate requests a graceful stop (SIGTERM).
	Terminate() error
	// Kill force-stops the process.
	Kill() error
	// Wait joins the process with a bounded wait; it returns ErrWaitTimeout
	// if the process is still running when the budget expires.
	Wait(timeout time.Duration) error
}

// ErrWaitTimeout reports that a process outlived its join budget.
var ErrWaitTimeout = errors.New("process did not exit in time")

// execProcess wraps a started exec.Cmd. A single goroutine owns cmd.Wait;
// everyone else observes exit through the done channel.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
	exited  bool
}

// newExecProcess adopts an already-started command.
func newExecProcess(cmd *exec.Cmd) *execProcess {
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}
