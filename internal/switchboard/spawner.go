package switchboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zulandar/switchboard/internal/router"
)

// readBufSize is the largest chunk a process delivers per read.
const readBufSize = 32 * 1024

// Chunk is a piece of process output.
type Chunk struct {
	Stream router.StreamKind
	Data   []byte
}

// SpawnRequest describes one agent invocation.
type SpawnRequest struct {
	RunID    string
	Prompt   string
	ResumeID string // provider session to continue, if any
	WorkDir  string
}

// ProcessSpawner abstracts subprocess creation for testability.
type ProcessSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// Process is a running agent subprocess.
type Process interface {
	// Output delivers stdout and stderr chunks in arrival order. It is
	// closed once both streams reach EOF.
	Output() <-chan Chunk
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Signal delivers sig to the process group. Best effort.
	Signal(sig os.Signal) error
	// Close terminates the process.
	Close() error
}

// AgentSpawner implements ProcessSpawner by launching the agent CLI with
// streaming JSON output.
type AgentSpawner struct {
	Binary  string   // path to the agent binary; defaults to "claude"
	Args    []string // extra arguments placed before the prompt
	WorkDir string   // default working directory
}

// args returns the command-line arguments for req.
func (s *AgentSpawner) args(req SpawnRequest) []string {
	args := []string{
		"--dangerously-skip-permissions",
		"--verbose",
		"--output-format", "stream-json",
	}
	args = append(args, s.Args...)
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	return append(args, "-p", req.Prompt)
}

// Spawn starts the agent for req.
func (s *AgentSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	binary := s.Binary
	if binary == "" {
		binary = "claude"
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, s.args(req)...)

	cmd.Dir = s.WorkDir
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	// Use a process group so SIGTERM kills the entire tree (shell + children).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("switchboard: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("switchboard: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("switchboard: start %s: %w", binary, err)
	}

	p := &agentProcess{
		cmd:    cmd,
		cancel: cancel,
		out:    make(chan Chunk, 64),
		done:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.read(&wg, stdout, router.Stdout)
	go p.read(&wg, stderr, router.Stderr)

	// Pipes must be drained before Wait.
	go func() {
		wg.Wait()
		close(p.out)
		p.code, p.err = exitCode(cmd.Wait())
		cancel()
		close(p.done)
	}()

	return p, nil
}

// agentProcess implements Process for a running subprocess.
type agentProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    chan Chunk
	done   chan struct{}

	code int
	err  error

	mu     sync.Mutex
	closed bool
}

func (p *agentProcess) read(wg *sync.WaitGroup, r io.Reader, stream router.StreamKind) {
	defer wg.Done()
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.out <- Chunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

func (p *agentProcess) Output() <-chan Chunk {
	return p.out
}

func (p *agentProcess) Wait() (int, error) {
	<-p.done
	return p.code, p.err
}

func (p *agentProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	return syscall.Kill(-p.cmd.Process.Pid, s)
}

// Close terminates the subprocess via context cancellation (SIGTERM).
func (p *agentProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cancel()
	return nil
}

// exitCode turns a Wait error into an exit code. A process killed by a
// signal reports -1.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
