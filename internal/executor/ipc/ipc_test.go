package ipc

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeExecute(t *testing.T) {
	line, err := EncodeExecute(Execute{
		RequestID: "python-abc",
		Code:      "print(\"hi\")\nprint(2)",
		Options:   Options{TimeoutMS: 5000, MemoryLimitMB: 128},
	})
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), line[len(line)-1], "line must be newline-terminated")
	assert.Equal(t, 1, countNewlines(line), "embedded newlines in code must be escaped")

	var got map[string]any
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, "execute", got["type"])
	assert.Equal(t, "python-abc", got["requestId"])
	assert.Equal(t, "print(\"hi\")\nprint(2)", got["code"])
	opts := got["options"].(map[string]any)
	assert.Equal(t, float64(5000), opts["timeout"])
	assert.Equal(t, float64(128), opts["memoryLimit"])
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Message
		wantErr error
	}{
		{
			name: "ready",
			line: `{"type":"ready","message":"python worker ready"}`,
			want: &Ready{Info: "python worker ready"},
		},
		{
			name: "successful result",
			line: `{"type":"result","requestId":"r1","success":true,"output":"hi","exitCode":0,"executionTime":12}`,
			want: &Result{RequestID: "r1", Success: true, Output: "hi", ExecutionTime: 12 * time.Millisecond},
		},
		{
			name: "failed result keeps exit code",
			line: `{"type":"result","requestId":"r2","success":false,"error":"ZeroDivisionError: division by zero","exitCode":1}`,
			want: &Result{RequestID: "r2", Error: "ZeroDivisionError: division by zero", ExitCode: 1},
		},
		{
			name: "failed result without exit code defaults to 1",
			line: `{"type":"result","requestId":"r3","success":false,"error":"boom"}`,
			want: &Result{RequestID: "r3", Error: "boom", ExitCode: 1},
		},
		{
			name: "error kind plus message",
			line: `{"type":"result","requestId":"r4","success":false,"error":"timeout","message":"execution timed out","exitCode":124}`,
			want: &Result{RequestID: "r4", Error: "timeout: execution timed out", ExitCode: 124},
		},
		{
			name: "missing success is a failure",
			line: `{"type":"result","requestId":"r5","output":"?"}`,
			want: &Result{RequestID: "r5", Output: "?", ExitCode: 1},
		},
		{
			name:    "not json",
			line:    `Traceback (most recent call last):`,
			wantErr: ErrMalformed,
		},
		{
			name:    "result without request id",
			line:    `{"type":"result","success":true}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown type",
			line:    `{"type":"progress","requestId":"r1"}`,
			wantErr: ErrUnknownMessage,
		},
		{
			name:    "missing type",
			line:    `{"requestId":"r1","success":true}`,
			wantErr: ErrUnknownMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.line))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScannerJoinsPartialLines(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		// A result split across three writes, followed by a ready line
		// delivered in the same chunk as the tail.
		pw.Write([]byte(`{"type":"result","req`))
		pw.Write([]byte(`uestId":"r1","success":tr`))
		pw.Write([]byte("ue}\n{\"type\":\"ready\"}\n"))
		pw.Close()
	}()

	sc := NewScanner(pr)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)

	msg, err := Decode([]byte(lines[0]))
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.(*Result).RequestID)

	msg, err = Decode([]byte(lines[1]))
	require.NoError(t, err)
	assert.IsType(t, &Ready{}, msg)
}

func countNewlines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
