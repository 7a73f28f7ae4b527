package dispatch

import (
	"fmt"
	"os"
	"os/exec"
)

// Spawner produces independent OS processes for the broker and for workers.
// Isolating each heavyweight model in its own process keeps a crash or hang
// in one model's native code away from the broker and every other model.
type Spawner interface {
	SpawnBroker() (Process, error)
	SpawnWorker(identity, loader string) (Process, error)
}

// ExecSpawner re-executes the current binary with the broker/worker
// subcommands. Both parent and children carry the same loader registrations,
// so a worker child can resolve its loader by name.
type ExecSpawner struct {
	// BinPath is the binary to execute; defaults to the running executable.
	BinPath string

	FrontendAddr   string
	BackendNetwork string
	BackendAddr    string
	LogLevel       string
}

func (s *ExecSpawner) binary() (string, error) {
	if s.BinPath != "" {
		return s.BinPath, nil
	}
	return os.Executable()
}

func (s *ExecSpawner) commonArgs() []string {
	args := []string{
		"--backend", s.BackendAddr,
		"--backend-network", s.BackendNetwork,
	}
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}
	return args
}

func (s *ExecSpawner) SpawnBroker() (Process, error) {
	bin, err := s.binary()
	if err != nil {
		return nil, err
	}
	args := append([]string{"broker", "--frontend", s.FrontendAddr}, s.commonArgs()...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start broker process: %w", err)
	}
	return newExecProcess(cmd), nil
}

func (s *ExecSpawner) SpawnWorker(identity, loader string) (Process, error) {
	bin, err := s.binary()
	if err != nil {
		return nil, err
	}
	args := append([]string{"worker", "--identity", identity, "--loader", loader}, s.commonArgs()...)
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process %s: %w", identity, err)
	}
	return newExecProcess(cmd), nil
}
