package socket

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStopGrace        = 5 * time.Second
)

// Process is a tool server started as a child process. The child announces
// its socket by printing a handshake line to stdout.
type Process struct {
	mu     sync.Mutex
	path   string
	args   []string
	env    []string
	cmd    *exec.Cmd
	exited chan struct{}
}

func NewProcess(path string, args ...string) *Process {
	return &Process{path: path, args: args}
}

// Env appends KEY=VALUE entries to the child's inherited environment.
func (p *Process) Env(kv ...string) *Process {
	p.env = append(p.env, kv...)
	return p
}

// Start launches the binary and waits up to timeout for its handshake. ctx
// bounds only the wait; the child outlives it until Stop.
func (p *Process) Start(ctx context.Context, timeout time.Duration) (Handshake, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.Command(p.path, p.args...)
	cmd.Stderr = os.Stderr
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Handshake{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Handshake{}, fmt.Errorf("start %s: %w", p.path, err)
	}
	p.cmd = cmd
	p.exited = make(chan struct{})

	lines := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(stdout)
		if sc.Scan() {
			lines <- sc.Text()
		} else if err := sc.Err(); err != nil {
			readErr <- fmt.Errorf("reading handshake: %w", err)
		} else {
			readErr <- fmt.Errorf("%s closed stdout before handshake", p.path)
		}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
		_ = cmd.Wait()
		close(p.exited)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-lines:
		hs, err := ParseHandshake(strings.TrimSpace(line))
		if err != nil {
			_ = cmd.Process.Kill()
			return Handshake{}, err
		}
		return hs, nil
	case err := <-readErr:
		_ = cmd.Process.Kill()
		return Handshake{}, err
	case <-timer.C:
		_ = cmd.Process.Kill()
		return Handshake{}, fmt.Errorf("handshake timeout after %s for %s", timeout, p.path)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return Handshake{}, ctx.Err()
	}
}

// Stop interrupts the child and kills it if it has not exited after grace.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		return cmd.Process.Kill()
	}
}

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Launch starts a tool server binary and returns a client connected to the
// socket it announced.
func Launch(ctx context.Context, command []string, timeout time.Duration) (*Client, *Process, error) {
	if len(command) == 0 {
		return nil, nil, fmt.Errorf("launch: empty command")
	}
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	p := NewProcess(command[0], command[1:]...)
	hs, err := p.Start(ctx, timeout)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(hs.Network, hs.Address), p, nil
}
