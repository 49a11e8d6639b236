// Package process wraps the lifecycle of external inference server
// processes: detached spawning, output capture, graceful stop, and
// liveness probing.
package process

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stopGracePeriod is how long Stop waits after SIGTERM before
// escalating to SIGKILL.
const stopGracePeriod = 5 * time.Second

// Process represents one spawned inference server. The child runs in
// its own process group so that Stop can take down the whole tree.
type Process struct {
	ID     string
	Name   string
	Binary string
	Args   []string
	Env    []string

	// LogOutput, when set, receives a copy of combined output. Closed
	// when the child is reaped.
	LogOutput io.WriteCloser

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	startUnix int64
	running   bool
	exitErr   error
	done      chan struct{}
	wg        sync.WaitGroup
	ring      *Ring
	logFile   io.WriteCloser
}

// New creates a process wrapper. Nothing is spawned until Start.
func New(id, name, binary string, args []string) *Process {
	return &Process{
		ID:     id,
		Name:   name,
		Binary: binary,
		Args:   args,
		ring:   NewRing(defaultRingSize),
		done:   make(chan struct{}),
	}
}

// Ring exposes the output buffer for log streaming.
func (p *Process) Ring() *Ring { return p.ring }

// Start spawns the child in a new process group and begins capturing
// its output.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("process %s already running", p.ID)
	}

	cmd := exec.Command(p.Binary, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	p.logFile = p.LogOutput

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.Binary, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.running = true

	if start, err := StartTime(p.pid); err == nil {
		p.startUnix = start
	} else {
		slog.Warn("could not read process start time", "pid", p.pid, "error", err)
	}

	p.wg.Add(2)
	go p.readOutput(stdout)
	go p.readOutput(stderr)

	go p.wait()

	slog.Info("process started", "id", p.ID, "name", p.Name, "pid", p.pid)
	return nil
}

func (p *Process) readOutput(pipe io.ReadCloser) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.ring.Append(line)

		p.mu.Lock()
		w := p.logFile
		p.mu.Unlock()
		if w != nil {
			fmt.Fprintln(w, line)
		}
	}
}

// wait reaps the child and records its exit.
func (p *Process) wait() {
	p.wg.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.exitErr = err
	if p.logFile != nil {
		p.logFile.Close()
		p.logFile = nil
	}
	p.mu.Unlock()

	close(p.done)
}

// Done returns a channel closed when the child exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the error recorded by Wait after the child exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop terminates the process group: SIGTERM first, SIGKILL after the
// grace period. Stopping an already exited process is a no-op.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	pid := p.pid
	p.mu.Unlock()

	// Negative pid signals the whole group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopGracePeriod):
	}

	slog.Warn("process did not exit after SIGTERM, killing", "id", p.ID, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}
	<-p.done
	return nil
}

// PID returns the child's pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartUnix returns the child's start-time fingerprint in Unix
// milliseconds, or 0 when it could not be read.
func (p *Process) StartUnix() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startUnix
}

// IsRunning reports whether the child has been started and not yet
// reaped.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// KillGroup force-kills an arbitrary process group. Used when a server
// must be torn down by pid alone, without a live Process wrapper.
func KillGroup(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		// Group may be gone while the leader lives on; fall back to
		// signalling the single pid.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("failed to terminate pid %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("failed to kill pid %d: %w", pid, err)
		}
	}
	return nil
}
