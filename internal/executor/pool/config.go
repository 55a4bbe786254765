package pool

import (
	"errors"
	"time"
)

// Config is fixed for the lifetime of a Pool.
type Config struct {
	MinWorkers        int           // spawned eagerly by Initialize and kept alive
	MaxWorkers        int           // hard ceiling, reached lazily under load
	MaxQueueSize      int           // requests allowed to wait for a worker
	WorkerIdleTimeout time.Duration // idle workers above MinWorkers are evicted after this

	SweepInterval  time.Duration // how often idle workers are checked
	ReadyTimeout   time.Duration // per-spawn wait for the ready handshake
	TimeoutGrace   time.Duration // added to a request's timeout before the pool gives up on it
	ReplaceBackoff time.Duration // delay before replacing a dead worker
	ShutdownGrace  time.Duration // SIGTERM to SIGKILL escalation

	// Minimum budget a queued request must have left to be dispatched.
	// WarmFloor applies while the pool is below MinWorkers.
	WarmFloor time.Duration
	HotFloor  time.Duration

	// RecycleOnTimeout kills a worker whose request timed out instead of
	// returning it to idle.
	RecycleOnTimeout bool
}

// DefaultConfig returns the settings used for a language that configures
// nothing.
func DefaultConfig() Config {
	return Config{
		MinWorkers:        2,
		MaxWorkers:        8,
		MaxQueueSize:      100,
		WorkerIdleTimeout: 5 * time.Minute,
	}.withDefaults()
}

// withDefaults fills zero timing fields. Sizes are left alone: a zero queue
// is a legitimate choice.
func (c Config) withDefaults() Config {
	set := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	set(&c.WorkerIdleTimeout, 5*time.Minute)
	set(&c.SweepInterval, 10*time.Second)
	set(&c.ReadyTimeout, 30*time.Second)
	set(&c.TimeoutGrace, 2*time.Second)
	set(&c.ReplaceBackoff, time.Second)
	set(&c.ShutdownGrace, 5*time.Second)
	set(&c.WarmFloor, time.Second)
	set(&c.HotFloor, 100*time.Millisecond)
	return c
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxWorkers <= 0 {
		errs = append(errs, errors.New("max workers must be positive"))
	}
	if c.MinWorkers < 0 {
		errs = append(errs, errors.New("min workers must not be negative"))
	}
	if c.MinWorkers > c.MaxWorkers {
		errs = append(errs, errors.New("min workers must not exceed max workers"))
	}
	if c.MaxQueueSize < 0 {
		errs = append(errs, errors.New("max queue size must not be negative"))
	}
	return errors.Join(errs...)
}
