package server

import (
	"time"

	"github.com/moontrade/netcore/config"
	"github.com/moontrade/netcore/pkg/pmath"
)

// DispatchPolicy selects how the accept loop picks a worker for each
// accepted connection.
type DispatchPolicy uint8

const (
	// DispatchRoundRobin walks workers in index order from the last used
	// slot, skipping saturated ones.
	DispatchRoundRobin DispatchPolicy = iota

	// DispatchLeastLoaded picks the eligible worker with the fewest
	// in-flight connections; equal load goes to the lowest index.
	DispatchLeastLoaded
)

// ListenerConfig describes one socket to bind at startup.
type ListenerConfig struct {
	Network string // "tcp", "tcp4", "tcp6" or "unix"
	Address string // host:port or socket path
	Backlog int    // 0 uses config.Backlog

	// ReusePort binds through SO_REUSEPORT (tcp only) so multiple
	// processes can share the port. On this path the socket comes from
	// the net package, which always listens with the kernel default
	// backlog; Backlog is ignored.
	ReusePort bool
}

// Config for a Server. Zero values fall back to the defaults in the config
// package.
type Config struct {
	Listeners         []ListenerConfig
	NumWorkers        int
	MaxConnsPerWorker int
	WorkerQueueSize   int
	AcceptBatch       int
	DispatchTimeout   time.Duration
	DispatchPolicy    DispatchPolicy
	TransientBurst    int
	TransientWindow   time.Duration
	ShutdownTimeout   time.Duration // deadline used by signal-initiated stops
	EventQueueSize    int
	DisableSignals    bool
}

func (c *Config) withDefaults() {
	if c.NumWorkers <= 0 {
		c.NumWorkers = config.NumWorkers
	}
	if c.MaxConnsPerWorker <= 0 {
		c.MaxConnsPerWorker = config.MaxConnsPerWorker
	}
	if c.WorkerQueueSize <= 0 {
		c.WorkerQueueSize = config.WorkerQueueSize
	}
	c.WorkerQueueSize = pmath.CeilToPowerOf2(c.WorkerQueueSize)
	if c.AcceptBatch <= 0 {
		c.AcceptBatch = config.AcceptBatch
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = config.DispatchTimeout
	}
	if c.TransientBurst <= 0 {
		c.TransientBurst = config.TransientBurst
	}
	if c.TransientWindow <= 0 {
		c.TransientWindow = config.TransientWindow
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = config.ShutdownTimeout
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = config.EventQueueSize
	}
	c.EventQueueSize = pmath.CeilToPowerOf2(c.EventQueueSize)
}
