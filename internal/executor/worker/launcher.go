package worker

import (
	"context"
	"io"
	"os"
)

// Command describes how to start one worker process.
type Command struct {
	Path string
	Args []string
	Env  []string // KEY=VALUE pairs added to the launcher's base environment
}

// Process is a running worker as seen by the pool: three stdio streams and
// a way to stop it. Implementations exist for plain OS processes and for
// Docker containers.
type Process interface {
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process has exited. It is called once, after
	// stdout has been read to EOF.
	Wait() error
}

// Launcher starts worker processes. The context bounds the launch itself,
// not the lifetime of the process.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}
