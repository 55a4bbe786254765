// Package workertest provides an in-process worker that speaks the real IPC
// protocol over pipes, for testing pools without spawning interpreters.
//
// The fake interprets each program as a tiny command language:
//
//	sleep 50ms      reply "slept" after the delay
//	echo hello      reply "hello"
//	fail boom       reply success=false with error "boom"
//	block gate-1    wait until Launcher.Release("gate-1")
//	hang            never reply
//	crash           exit the process without replying
//	garbage         write a non-JSON line, then reply "ok"
//	stale           reply for an unknown request id, then "ok" for the real one
//
// Anything else is echoed back verbatim.
package workertest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sakif/coderunner/internal/executor/worker"
)

var ErrKilled = errors.New("workertest: killed")

// Launcher starts fake workers. The zero value is ready to use.
type Launcher struct {
	// LaunchErr, when set, fails every launch.
	LaunchErr error
	// NoReady makes workers skip the ready handshake.
	NoReady bool
	// ReadyDelay postpones the handshake.
	ReadyDelay time.Duration
	// IgnoreTerm makes workers survive SIGTERM until killed.
	IgnoreTerm bool

	mu       sync.Mutex
	procs    []*Process
	gates    map[string]chan struct{}
	executed []string
}

func (l *Launcher) Launch(ctx context.Context, cmd worker.Command) (worker.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	l.mu.Lock()
	p := newProcess(l, len(l.procs)+1)
	l.procs = append(l.procs, p)
	noReady, delay := l.NoReady, l.ReadyDelay
	l.mu.Unlock()

	go p.run(noReady, delay)
	return p, nil
}

// Launched returns how many processes have been started.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// Processes returns every process started so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.procs...)
}

// Alive returns the processes that have not exited.
func (l *Launcher) Alive() []*Process {
	var out []*Process
	for _, p := range l.Processes() {
		if !p.Exited() {
			out = append(out, p)
		}
	}
	return out
}

// Executed lists program texts in the order workers started them.
func (l *Launcher) Executed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.executed...)
}

// Release opens a gate used by "block <name>" programs.
func (l *Launcher) Release(name string) {
	close(l.gate(name))
}

func (l *Launcher) gate(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gates == nil {
		l.gates = make(map[string]chan struct{})
	}
	g, ok := l.gates[name]
	if !ok {
		g = make(chan struct{})
		l.gates[name] = g
	}
	return g
}

func (l *Launcher) recordExecuted(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executed = append(l.executed, code)
}

// Process is one fake worker.
type Process struct {
	id       int
	launcher *Launcher

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu sync.Mutex
	quit    chan struct{}
	exited  chan struct{}
	once    sync.Once
	err     error
}

func newProcess(l *Launcher, id int) *Process {
	p := &Process{
		id:       id,
		launcher: l,
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) ID() string            { return fmt.Sprintf("fake-%d", p.id) }
func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.Reader     { return p.stdoutR }
func (p *Process) Stderr() io.Reader     { return p.stderrR }

func (p *Process) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM && p.launcher.IgnoreTerm {
		return nil
	}
	p.exit(nil)
	return nil
}

func (p *Process) Kill() error {
	p.exit(ErrKilled)
	return nil
}

// Crash simulates the process dying on its own, e.g. an external kill -9.
func (p *Process) Crash() {
	p.exit(errors.New("signal: killed"))
}

func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *Process) Wait() error {
	<-p.exited
	return p.err
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.quit)
		p.stdinR.Close()
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.exited)
	})
}

type executeMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
	Options   struct {
		Timeout     int64 `json:"timeout"`
		MemoryLimit int   `json:"memoryLimit"`
	} `json:"options"`
}

type resultMsg struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId"`
	Success       bool   `json:"success"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exitCode"`
	ExecutionTime int64  `json:"executionTime"`
}

func (p *Process) run(noReady bool, delay time.Duration) {
	fmt.Fprintf(p.stderrW, "fake worker %d starting\n", p.id)

	if !noReady {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-p.quit:
				return
			}
		}
		p.writeLine([]byte(`{"type":"ready","message":"fake worker ready"}`))
	}

	sc := bufio.NewScanner(p.stdinR)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var msg executeMsg
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil || msg.Type != "execute" {
			fmt.Fprintf(p.stderrW, "ignoring input line\n")
			continue
		}
		if !p.execute(msg) {
			return
		}
	}
}

// execute handles one request; false means the process is gone.
func (p *Process) execute(msg executeMsg) bool {
	p.launcher.recordExecuted(msg.Code)
	start := time.Now()
	res := resultMsg{Type: "result", RequestID: msg.RequestID, Success: true}

	verb, arg, _ := strings.Cut(strings.TrimSpace(msg.Code), " ")
	switch verb {
	case "sleep":
		d, err := time.ParseDuration(arg)
		if err != nil {
			res.Success, res.Error, res.ExitCode = false, err.Error(), 1
			break
		}
		select {
		case <-time.After(d):
		case <-p.quit:
			return false
		}
		res.Output = "slept"
	case "echo":
		res.Output = arg
	case "fail":
		res.Success, res.Error, res.ExitCode = false, arg, 1
	case "block":
		select {
		case <-p.launcher.gate(arg):
		case <-p.quit:
			return false
		}
		res.Output = "released " + arg
	case "hang":
		<-p.quit
		return false
	case "crash":
		p.exit(errors.New("exit status 1"))
		return false
	case "garbage":
		p.writeLine([]byte("this is not json"))
		res.Output = "ok"
	case "stale":
		stale := resultMsg{Type: "result", RequestID: "no-such-request", Success: true, Output: "late"}
		b, _ := json.Marshal(stale)
		p.writeLine(b)
		res.Output = "ok"
	default:
		res.Output = msg.Code
	}

	res.ExecutionTime = time.Since(start).Milliseconds()
	b, _ := json.Marshal(res)
	p.writeLine(b)
	return true
}

func (p *Process) writeLine(b []byte) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, _ = p.stdoutW.Write(append(b, '\n'))
}
