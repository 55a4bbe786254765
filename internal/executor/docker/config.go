package docker

import (
	"time"
)

// Config holds the limits applied to every worker container.
type Config struct {
	// MemoryLimit is the maximum amount of memory a worker container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a worker container can use.
	CPULimit float64
	// User the worker runs as inside the container.
	User string
	// TmpfsSize bounds the only writable path, /tmp.
	TmpfsSize string
	// PullTimeout bounds each image pull in New.
	PullTimeout time.Duration
}

// DefaultConfig provides sensible defaults for an interpreter sandbox.
func DefaultConfig() Config {
	return Config{
		// 128 MB memory limit
		MemoryLimit: 128 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit:    0.5,
		User:        "nobody",
		TmpfsSize:   "16m",
		PullTimeout: 2 * time.Minute,
	}
}
