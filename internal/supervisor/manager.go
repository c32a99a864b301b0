package supervisor

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/logger"
)

// Spec describes one worker launch.
type Spec struct {
	Command []string
	// Env is the complete environment of the child.
	Env []string
	Dir string
}

// ProcessManager owns at most one live worker process at a time.
type ProcessManager struct {
	mu  sync.Mutex
	cmd *exec.Cmd

	Stdout io.Writer
	Stderr io.Writer
}

// New creates a new ProcessManager wired to the supervisor's stdio.
func New() *ProcessManager {
	return &ProcessManager{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Start launches the worker described by spec. It fails if a worker is
// already running.
func (pm *ProcessManager) Start(spec Spec) error {
	if len(spec.Command) == 0 {
		return perrors.New(perrors.ErrCodeProcessStart, "StartWorker", "empty worker command", nil)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.cmd != nil {
		return perrors.New(perrors.ErrCodeProcessStart, "StartWorker", "a worker is already running", nil)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	cmd.Stdout = pm.Stdout
	cmd.Stderr = pm.Stderr
	// Own process group, so a shell wrapper's children are signalled too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Log.Info("Supervisor: Launching worker", "cmd", spec.Command)
	if err := cmd.Start(); err != nil {
		return perrors.New(perrors.ErrCodeProcessStart, "StartWorker", "cannot start worker", err)
	}
	pm.cmd = cmd
	return nil
}

// Wait blocks until the worker exits and returns its exit code. A worker
// killed by a signal reports -1. err is only set when waiting itself failed.
func (pm *ProcessManager) Wait() (int, error) {
	pm.mu.Lock()
	cmd := pm.cmd
	pm.mu.Unlock()
	if cmd == nil {
		return 0, nil
	}

	err := cmd.Wait()

	pm.mu.Lock()
	pm.cmd = nil
	pm.mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}

// Running reports whether a worker is alive.
func (pm *ProcessManager) Running() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cmd != nil
}

// Stop sends SIGTERM to the running worker's process group, if any.
func (pm *ProcessManager) Stop() error {
	return pm.signal(syscall.SIGTERM)
}

// Kill immediately terminates the running worker's process group with SIGKILL.
func (pm *ProcessManager) Kill() error {
	return pm.signal(syscall.SIGKILL)
}

func (pm *ProcessManager) signal(sig syscall.Signal) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.cmd == nil || pm.cmd.Process == nil {
		return nil
	}
	pid := pm.cmd.Process.Pid
	if sig == syscall.SIGKILL {
		logger.Log.Warn("Supervisor: Sending SIGKILL", "pgid", pid)
	} else {
		logger.Log.Info("Supervisor: Sending signal", "signal", sig.String(), "pgid", pid)
	}
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Personal.AI order the ending
