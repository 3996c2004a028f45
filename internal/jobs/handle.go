//go:build !windows

package jobs

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Handle abstracts a live worker process. The coordinator holds one handle
// per running operation; workers share nothing else with it.
type Handle interface {
	PID() int
	// Wait blocks until the process exits. A non-nil error indicates an
	// abnormal exit; outcome details always come from the status stub, not
	// from the exit code.
	Wait() error
	Signal(sig os.Signal) error
	Kill() error
}

// SpawnFunc starts the detached finish worker for an operation.
type SpawnFunc func(operationID string) (Handle, error)

// ProcessSpawner returns a SpawnFunc that launches binary with baseArgs plus
// "--operation <id>" in its own session. A worker in its own session is not
// killed by signals aimed at the coordinator; only the coordinator's
// explicit shutdown path terminates it.
func ProcessSpawner(binary string, baseArgs ...string) SpawnFunc {
	return func(operationID string) (Handle, error) {
		args := append(append([]string{}, baseArgs...), "--operation", operationID)
		cmd := exec.Command(binary, args...)
		cmd.Stdin = nil
		cmd.Stdout = nil
		cmd.Stderr = nil
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting worker: %w", err)
		}
		return &procHandle{cmd: cmd}, nil
	}
}

// procHandle wraps a worker this coordinator spawned itself.
type procHandle struct {
	cmd *exec.Cmd
}

func (h *procHandle) PID() int { return h.cmd.Process.Pid }

func (h *procHandle) Wait() error { return h.cmd.Wait() }

func (h *procHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }

func (h *procHandle) Kill() error { return h.cmd.Process.Kill() }

// pollHandle tracks a worker inherited from a previous coordinator process.
// It is not our child, so Wait cannot reap it; liveness is polled instead.
type pollHandle struct {
	pid      int
	interval time.Duration
}

// Reattach returns a handle for a worker PID recorded by a previous run.
func Reattach(pid int) Handle {
	return &pollHandle{pid: pid, interval: 500 * time.Millisecond}
}

func (h *pollHandle) PID() int { return h.pid }

func (h *pollHandle) Wait() error {
	for pidAlive(h.pid) {
		time.Sleep(h.interval)
	}
	return nil
}

func (h *pollHandle) Signal(sig os.Signal) error {
	proc, err := os.FindProcess(h.pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}

func (h *pollHandle) Kill() error {
	return h.Signal(syscall.SIGKILL)
}

// pidAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
