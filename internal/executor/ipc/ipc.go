// Package ipc implements the line-delimited JSON protocol spoken between a
// pool and its worker processes.
//
// One JSON object per line. The pool writes execute messages to the worker's
// stdin; the worker writes exactly one ready message at startup and one
// result message per execute to its stdout. Stderr is diagnostic only.
//
//	worker → pool  {"type":"ready"}
//	pool → worker  {"type":"execute","requestId":"...","code":"...","options":{"timeout":5000,"memoryLimit":128}}
//	worker → pool  {"type":"result","requestId":"...","success":true,"output":"...","exitCode":0,"executionTime":12}
//
// Decode turns a line into one of a closed set of message kinds so the
// dispatcher never threads optional fields around.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	TypeReady   = "ready"
	TypeExecute = "execute"
	TypeResult  = "result"
)

// MaxLineSize bounds a single protocol line. A longer line means the stream
// can no longer be framed and the worker must be discarded.
const MaxLineSize = 16 << 20

var (
	ErrMalformed      = errors.New("ipc: malformed message")
	ErrUnknownMessage = errors.New("ipc: unknown message type")
)

// Message is a decoded worker → pool message: *Ready or *Result.
type Message interface {
	kind() string
}

// Ready is the one-time startup handshake.
type Ready struct {
	Info string
}

func (*Ready) kind() string { return TypeReady }

// Result answers exactly one Execute.
type Result struct {
	RequestID     string
	Success       bool
	Output        string
	Error         string
	ExitCode      int
	ExecutionTime time.Duration
}

func (*Result) kind() string { return TypeResult }

// Options travel in milliseconds and megabytes on the wire.
type Options struct {
	TimeoutMS     int64 `json:"timeout"`
	MemoryLimitMB int   `json:"memoryLimit"`
}

// Execute is the only pool → worker message.
type Execute struct {
	RequestID string
	Code      string
	Options   Options
}

type executeWire struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	Code      string  `json:"code"`
	Options   Options `json:"options"`
}

// inboundWire is the union of every field a worker may send.
type inboundWire struct {
	Type          string  `json:"type"`
	Message       string  `json:"message,omitempty"`
	RequestID     string  `json:"requestId,omitempty"`
	Success       *bool   `json:"success,omitempty"`
	Output        string  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExitCode      *int    `json:"exitCode,omitempty"`
	ExecutionTime float64 `json:"executionTime,omitempty"`
}

// EncodeExecute renders an execute message as one newline-terminated line.
func EncodeExecute(msg Execute) ([]byte, error) {
	b, err := json.Marshal(executeWire{
		Type:      TypeExecute,
		RequestID: msg.RequestID,
		Code:      msg.Code,
		Options:   msg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: encoding execute: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode parses one line from a worker.
func Decode(line []byte) (Message, error) {
	var in inboundWire
	if err := json.Unmarshal(line, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch in.Type {
	case TypeReady:
		return &Ready{Info: in.Message}, nil
	case TypeResult:
		if in.RequestID == "" {
			return nil, fmt.Errorf("%w: result without requestId", ErrMalformed)
		}
		res := &Result{
			RequestID:     in.RequestID,
			Success:       in.Success != nil && *in.Success,
			Output:        in.Output,
			Error:         in.Error,
			ExecutionTime: time.Duration(in.ExecutionTime * float64(time.Millisecond)),
		}
		// Some workers send a short kind in "error" and the detail in "message".
		if !res.Success && in.Message != "" {
			if res.Error == "" {
				res.Error = in.Message
			} else {
				res.Error = fmt.Sprintf("%s: %s", res.Error, in.Message)
			}
		}
		if in.ExitCode != nil {
			res.ExitCode = *in.ExitCode
		} else if !res.Success {
			res.ExitCode = 1
		}
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, in.Type)
	}
}

// NewScanner frames a worker's stdout into lines. Partial trailing data is
// kept until the rest of the line arrives.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return sc
}
