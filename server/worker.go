package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	logger "github.com/moontrade/log"

	"github.com/moontrade/netcore/pkg/counter"
	"github.com/moontrade/netcore/pkg/timex"
	"github.com/moontrade/netcore/pkg/util"
)

// WorkerState is a worker's availability state.
type WorkerState int32

const (
	// WorkerRunning accepts new connections from its inbound channel.
	WorkerRunning WorkerState = iota

	// WorkerDraining services queued and in-flight connections but takes
	// no new dispatches.
	WorkerDraining

	// WorkerStopped has no queued work and nothing in flight, or was
	// forced at the shutdown deadline.
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "running"
	case WorkerDraining:
		return "draining"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker owns a subset of accepted connections. Connections arrive on a
// bounded inbound channel and are serviced concurrently on the worker's
// goroutine pool. The in-flight count is published through an atomic
// counter the accept loop reads for dispatch decisions; the accept loop
// never reaches into worker internals.
type Worker struct {
	idx       int
	srv       *Server
	service   Service
	inbound   chan *Conn
	inflight  counter.Counter
	threshold int64
	avail     int32 // 1 once announced available to the accept loop
	state     int32
	pool      gopool.Pool
	ctx       context.Context
	cancel    context.CancelFunc
	drainCh   chan struct{}
	drainOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	live      map[*Conn]struct{}
	wg        sync.WaitGroup
}

func newWorker(srv *Server, idx int, service Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		idx:       idx,
		srv:       srv,
		service:   service,
		inbound:   make(chan *Conn, srv.cfg.WorkerQueueSize),
		threshold: int64(srv.cfg.MaxConnsPerWorker),
		avail:     1,
		pool: gopool.NewPool(
			fmt.Sprintf("netcore-worker-%d", idx),
			int32(srv.cfg.MaxConnsPerWorker),
			gopool.NewConfig(),
		),
		ctx:     ctx,
		cancel:  cancel,
		drainCh: make(chan struct{}),
		done:    make(chan struct{}),
		live:    make(map[*Conn]struct{}),
	}
}

// Index returns the worker's stable index in [0, NumWorkers).
func (w *Worker) Index() int { return w.idx }

// InFlight returns the number of connections currently owned by this
// worker, including dispatched-but-not-yet-serviced ones.
func (w *Worker) InFlight() int64 { return w.inflight.Load() }

// State returns the worker's availability state.
func (w *Worker) State() WorkerState {
	return WorkerState(atomic.LoadInt32(&w.state))
}

func (w *Worker) start() {
	go w.run()
}

// reserve claims one in-flight slot on behalf of a dispatch. The increment
// half of the dispatch/completion pair happens here so queued connections
// count toward saturation.
func (w *Worker) reserve() bool {
	if w.inflight.Incr() > w.threshold {
		w.inflight.Decr()
		atomic.StoreInt32(&w.avail, 0)
		return false
	}
	return true
}

// release undoes reserve when the dispatch could not be delivered.
func (w *Worker) release() {
	w.inflight.Decr()
}

// markUnavailable arms the below-threshold edge wake.
func (w *Worker) markUnavailable() {
	atomic.StoreInt32(&w.avail, 0)
}

// enqueue delivers a reserved connection, blocking up to timeout. False
// means the inbound queue stayed full: the worker is saturated and the
// caller retries the connection elsewhere.
func (w *Worker) enqueue(c *Conn, timeout time.Duration) bool {
	select {
	case w.inbound <- c:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case w.inbound <- c:
		return true
	case <-t.C:
		return false
	}
}

func (w *Worker) run() {
	defer func() {
		if e := recover(); e != nil {
			err := util.PanicToError(e)
			logger.Error(err, "worker loop panic")
			w.srv.workerFaulted(w)
		}
	}()
	for {
		select {
		case c := <-w.inbound:
			w.handle(c)
		case <-w.drainCh:
			w.drainLoop()
			return
		}
	}
}

// drainLoop services whatever the accept loop queued before the drain
// signal, then waits out the in-flight set. The accept loop has already
// stopped dispatching by the time drain is signaled, so an empty inbound
// channel is final.
func (w *Worker) drainLoop() {
	for {
		select {
		case c := <-w.inbound:
			// force flips the state before it drains the queue; a
			// connection pulled after the flip missed the deadline and
			// must not slip into normal service.
			if w.State() == WorkerStopped {
				w.abort(c)
				continue
			}
			w.handle(c)
		default:
			w.wg.Wait()
			atomic.StoreInt32(&w.state, int32(WorkerStopped))
			close(w.done)
			return
		}
	}
}

// abort discards a queued connection past the shutdown deadline.
func (w *Worker) abort(c *Conn) {
	c.markAborted()
	_ = c.Close()
	w.inflight.Decr()
	w.srv.stats.forced.Incr()
	w.srv.publish(Event{Kind: EventForcedAbort, Listener: c.token, Worker: w.idx})
}

func (w *Worker) handle(c *Conn) {
	c.worker = w.idx
	w.mu.Lock()
	w.live[c] = struct{}{}
	w.mu.Unlock()
	w.wg.Add(1)
	w.pool.Go(func() {
		defer w.finish(c)
		w.serve(c)
	})
}

// serve drives the service over one connection. A panic is isolated to
// this connection and reported as a service fault; the worker and its
// other connections are unaffected.
func (w *Worker) serve(c *Conn) {
	defer func() {
		if e := recover(); e != nil {
			err := util.PanicToError(e)
			if !c.isAborted() {
				w.srv.stats.faults.Incr()
				w.srv.publish(Event{Kind: EventServiceFault, Listener: c.token, Worker: w.idx, Err: err})
			}
		}
	}()
	began := timex.NanoTime()
	err := w.service.Serve(w.ctx, c)
	w.srv.stats.servedDur.Add(timex.Since(began))
	if c.isAborted() {
		// already reported as a forced abort
		return
	}
	if err != nil {
		w.srv.stats.faults.Incr()
		w.srv.publish(Event{Kind: EventServiceFault, Listener: c.token, Worker: w.idx, Err: err})
		return
	}
	w.srv.stats.completed.Incr()
	w.srv.publish(Event{Kind: EventCompleted, Listener: c.token, Worker: w.idx})
}

// finish is the decrement half of the dispatch/completion pair. Crossing
// back below the threshold wakes the accept loop once per edge.
func (w *Worker) finish(c *Conn) {
	w.mu.Lock()
	delete(w.live, c)
	w.mu.Unlock()
	_ = c.Close()
	n := w.inflight.Decr()
	w.wg.Done()
	if n < w.threshold && atomic.CompareAndSwapInt32(&w.avail, 0, 1) {
		w.srv.workerAvailable(w.idx)
	}
}

// drain moves the worker to Draining. Idempotent.
func (w *Worker) drain() {
	w.drainOnce.Do(func() {
		atomic.StoreInt32(&w.state, int32(WorkerDraining))
		close(w.drainCh)
	})
}

// force abandons every connection the worker still owns at the shutdown
// deadline. Each is closed and reported as a forced abort; none are
// silently dropped. Returns the abandoned count.
func (w *Worker) force() int64 {
	atomic.StoreInt32(&w.state, int32(WorkerStopped))
	w.cancel()

	w.mu.Lock()
	live := make([]*Conn, 0, len(w.live))
	for c := range w.live {
		live = append(live, c)
	}
	w.mu.Unlock()

	aborted := int64(0)
	for _, c := range live {
		c.markAborted()
		_ = c.Close()
		aborted++
		w.srv.stats.forced.Incr()
		w.srv.publish(Event{Kind: EventForcedAbort, Listener: c.token, Worker: w.idx})
	}

	// connections dispatched but never pulled from the queue
	for {
		select {
		case c := <-w.inbound:
			w.abort(c)
			aborted++
		default:
			return aborted
		}
	}
}
