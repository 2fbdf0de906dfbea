package config

import (
	"runtime"
	"time"
)

var (
	// NumWorkers is the default worker count: one per logical CPU.
	NumWorkers = runtime.GOMAXPROCS(0)

	// Backlog is the default listen(2) backlog.
	Backlog = 2048

	// MaxConnsPerWorker caps concurrent connections owned by one worker.
	// All listeners pause when every worker is at this limit.
	MaxConnsPerWorker = 25600

	// WorkerQueueSize is the capacity of each worker's inbound connection
	// channel.
	WorkerQueueSize = 64

	// AcceptBatch bounds how many connections a single readiness event may
	// drain so one hot listener cannot starve the others.
	AcceptBatch = 256

	// DispatchTimeout is how long the accept loop blocks on a worker's
	// inbound channel before treating that worker as saturated.
	DispatchTimeout = time.Millisecond * 10

	// TransientBurst and TransientWindow: more than TransientBurst
	// transient accept errors inside TransientWindow removes the listener.
	TransientBurst  = 8
	TransientWindow = time.Second

	// ShutdownTimeout is the default graceful drain deadline.
	ShutdownTimeout = time.Second * 30

	// EventQueueSize is the capacity of the server event channel. Events
	// beyond capacity are counted and dropped, never block the core.
	EventQueueSize = 1024

	// CommandQueueSize is the capacity of the accept loop command channel.
	CommandQueueSize = 64

	// BlockingWorkers sizes the shared blocking task pool.
	BlockingWorkers = blockingWorkers()
)

func blockingWorkers() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 1 {
		n = 1
	}
	return n
}
