package infra

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/vrkiosk/internal/domain"
)

// ProcessManagerImpl implements domain.ProcessManager using gopsutil.
type ProcessManagerImpl struct{}

// NewProcessManager creates a new process manager.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{}
}

// Start spawns the game detached from the kiosk's session, with no stdio attached.
func (pm *ProcessManagerImpl) Start(spec domain.LaunchSpec) (domain.Process, error) {
	cmd := exec.Command(spec.ExecutablePath, spec.Args...)
	cmd.Dir = spec.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(spec.ExecutablePath)
	}
	cmd.SysProcAttr = detachedProcAttr()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.ExecutablePath, err)
	}

	gp := &gameProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go gp.reap()
	return gp, nil
}

// Usage samples CPU percent and resident memory of a process.
func (pm *ProcessManagerImpl) Usage(pid int) (float64, uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return cpu, 0, err
	}
	return cpu, mem.RSS, nil
}

// gameProcess tracks one spawned child. Exit is observed by a reaper goroutine
// so Exited stays non-blocking.
type gameProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (g *gameProcess) reap() {
	err := g.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	g.mu.Lock()
	g.exitCode = code
	g.mu.Unlock()
	close(g.done)
}

func (g *gameProcess) PID() int {
	return g.cmd.Process.Pid
}

func (g *gameProcess) Exited() (bool, int) {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return true, g.exitCode
	default:
		return false, 0
	}
}

func (g *gameProcess) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.done:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate sends the platform's graceful stop (SIGTERM on unix).
func (g *gameProcess) Terminate() error {
	p, err := process.NewProcess(int32(g.PID()))
	if err != nil {
		return err
	}
	return p.Terminate()
}

// Kill sends SIGKILL (TerminateProcess on windows).
func (g *gameProcess) Kill() error {
	p, err := process.NewProcess(int32(g.PID()))
	if err != nil {
		return err
	}
	return p.Kill()
}

// Ensure ProcessManagerImpl implements domain.ProcessManager.
var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
