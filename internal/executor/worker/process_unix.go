//go:build unix

package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessLauncher runs workers as child processes of this server. Each worker
// gets its own process group so signals reach anything the interpreter forks.
type ProcessLauncher struct {
	Dir string
	Env []string // base environment, defaults to os.Environ()
}

func (l ProcessLauncher) Launch(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// exec.Command, not CommandContext: the worker outlives the launch ctx.
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = l.Dir
	base := l.Env
	if base == nil {
		base = os.Environ()
	}
	c.Env = append(append([]string{}, base...), cmd.Env...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("worker: starting %s: %w", cmd.Path, err)
	}

	return &osProcess{cmd: c, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *osProcess) ID() string            { return strconv.Itoa(p.cmd.Process.Pid) }
func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }

// Signal delivers sig to the worker's whole process group.
func (p *osProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	if err := unix.Kill(-p.cmd.Process.Pid, s); err != nil {
		return fmt.Errorf("worker: signalling group %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *osProcess) Kill() error {
	return p.Signal(unix.SIGKILL)
}

func (p *osProcess) Wait() error {
	return p.cmd.Wait()
}
