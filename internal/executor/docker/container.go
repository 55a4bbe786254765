package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/coderunner/internal/executor/worker"
)

// Launcher starts each worker in a fresh container.
type Launcher struct {
	cli    *client.Client
	image  string
	config Config
	logger *slog.Logger
}

// Launch creates, attaches and starts one container running cmd.
//
// WHY ATTACH BEFORE START?
// The worker prints its ready line as soon as the interpreter is up. If we
// attached after starting, that line could be gone before anyone listened.
func (l *Launcher) Launch(ctx context.Context, cmd worker.Command) (worker.Process, error) {
	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   l.config.MemoryLimit,
			NanoCPUs: int64(l.config.CPULimit * 1e9),
		},
		AutoRemove: false,
		// Read-only except /tmp
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,size=" + l.config.TmpfsSize},
	}

	resp, err := l.cli.ContainerCreate(createCtx, &container.Config{
		Image:        l.image,
		Cmd:          append([]string{cmd.Path}, cmd.Args...),
		Env:          cmd.Env,
		Tty:          false,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		User:         l.config.User,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("ContainerCreate failed: %w", err)
	}

	hijack, err := l.cli.ContainerAttach(createCtx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("ContainerAttach failed: %w", err)
	}

	// Register for the exit before starting so a fast crash is not missed.
	waitCtx, stopWait := context.WithCancel(context.Background())
	statusCh, errCh := l.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNextExit)

	if err := l.cli.ContainerStart(createCtx, resp.ID, container.StartOptions{}); err != nil {
		stopWait()
		hijack.Close()
		l.removeContainer(resp.ID) // Cleanup
		return nil, fmt.Errorf("ContainerStart failed: %w", err)
	}

	p := newContainerProcess(l, resp.ID, hijack)
	go p.demux()
	go p.wait(statusCh, errCh, stopWait)
	return p, nil
}

// removeContainer force removes a container by ID.
func (l *Launcher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force: true,
	})
	if err != nil {
		l.logger.Error("failed to remove container", slog.String("id", shortID(id)), slog.String("error", err.Error()))
	}
}

// containerProcess adapts an attached container to worker.Process.
type containerProcess struct {
	launcher *Launcher
	id       string
	hijack   types.HijackedResponse

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	exited  chan struct{}
	waitErr error
	demuxed chan struct{}
	once    sync.Once
}

func newContainerProcess(l *Launcher, id string, hijack types.HijackedResponse) *containerProcess {
	p := &containerProcess{
		launcher: l,
		id:       id,
		hijack:   hijack,
		exited:   make(chan struct{}),
		demuxed:  make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *containerProcess) ID() string            { return shortID(p.id) }
func (p *containerProcess) Stdin() io.WriteCloser { return stdinConn{p} }
func (p *containerProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *containerProcess) Stderr() io.Reader     { return p.stderrR }

// Signal forwards sig to the container's main process.
func (p *containerProcess) Signal(sig os.Signal) error {
	name := "SIGTERM"
	if s, ok := sig.(syscall.Signal); ok {
		name = strconv.Itoa(int(s))
	}
	return p.kill(name)
}

func (p *containerProcess) Kill() error {
	return p.kill("SIGKILL")
}

func (p *containerProcess) kill(signal string) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.launcher.cli.ContainerKill(ctx, p.id, signal); err != nil {
		return fmt.Errorf("ContainerKill %s failed: %w", signal, err)
	}
	return nil
}

func (p *containerProcess) Wait() error {
	<-p.exited
	return p.waitErr
}

// demux splits the multiplexed attach stream into stdout and stderr.
func (p *containerProcess) demux() {
	defer close(p.demuxed)
	_, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, p.hijack.Reader)
	p.stdoutW.CloseWithError(err)
	p.stderrW.CloseWithError(err)
}

func (p *containerProcess) wait(statusCh <-chan container.WaitResponse, errCh <-chan error, stop context.CancelFunc) {
	defer stop()

	select {
	case st := <-statusCh:
		switch {
		case st.Error != nil:
			p.waitErr = fmt.Errorf("container %s: %s", shortID(p.id), st.Error.Message)
		case st.StatusCode != 0:
			p.waitErr = fmt.Errorf("container %s exited with status %d", shortID(p.id), st.StatusCode)
		}
	case err := <-errCh:
		p.waitErr = fmt.Errorf("waiting for container %s: %w", shortID(p.id), err)
	}

	// Closing the attach connection ends demux, which closes the pipes and
	// lets the worker see EOF.
	p.hijack.Close()
	<-p.demuxed
	close(p.exited)
	p.launcher.removeContainer(p.id)
}

// stdinConn closes only the write half so the container sees EOF on stdin
// while its output keeps flowing.
type stdinConn struct{ p *containerProcess }

func (s stdinConn) Write(b []byte) (int, error) {
	return s.p.hijack.Conn.Write(b)
}

func (s stdinConn) Close() error {
	var err error
	s.p.once.Do(func() { err = s.p.hijack.CloseWrite() })
	return err
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
