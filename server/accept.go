package server

import (
	"time"

	logger "github.com/moontrade/log"
	"golang.org/x/sys/unix"

	"github.com/moontrade/netcore/config"
	"github.com/moontrade/netcore/netpoll"
	"github.com/moontrade/netcore/pkg/timex"
	"github.com/moontrade/netcore/pkg/util"
)

type cmdKind uint8

const (
	cmdPauseAll cmdKind = iota
	cmdResumeAll
	cmdWorkerAvailable
	cmdWorkerReplace
	cmdStop
)

type command struct {
	kind cmdKind
	idx  int
	w    *Worker
	ack  chan struct{}
}

// acceptLoop is the single goroutine that owns the poller, every listener
// and all dispatch decisions. Control arrives on the command channel; a
// poller wake forces a blocked wait to observe commands within one poll
// cycle. Workers are reached only through their inbound channels and
// published atomic counters.
type acceptLoop struct {
	srv       *Server
	poller    *netpoll.Poller
	listeners map[int]*Listener
	workers   []*Worker
	cmds      chan command
	events    []netpoll.Event
	done      chan struct{}

	next    int   // round-robin cursor
	bp      bool  // backpressure engaged
	pending *Conn // accepted but undispatched under backpressure
	stopped bool

	policy          DispatchPolicy
	dispatchTimeout time.Duration
	batch           int
}

func newAcceptLoop(srv *Server, poller *netpoll.Poller, listeners []*Listener, workers []*Worker) *acceptLoop {
	a := &acceptLoop{
		srv:             srv,
		poller:          poller,
		listeners:       make(map[int]*Listener, len(listeners)),
		workers:         append([]*Worker(nil), workers...),
		cmds:            make(chan command, config.CommandQueueSize),
		events:          make([]netpoll.Event, len(listeners)+1),
		done:            make(chan struct{}),
		policy:          srv.cfg.DispatchPolicy,
		dispatchTimeout: srv.cfg.DispatchTimeout,
		batch:           srv.cfg.AcceptBatch,
	}
	for _, l := range listeners {
		a.listeners[l.token] = l
	}
	return a
}

// registerAll registers every listener with the poller. Called once before
// the loop goroutine starts.
func (a *acceptLoop) registerAll() error {
	for _, l := range a.listeners {
		if err := a.register(l); err != nil {
			return err
		}
	}
	return nil
}

// send delivers a command and wakes the poller. Returns false once the
// loop has exited.
func (a *acceptLoop) send(cmd command) bool {
	select {
	case a.cmds <- cmd:
		_ = a.poller.Wake()
		return true
	case <-a.done:
		return false
	}
}

// sendWait delivers a command and blocks until the loop acknowledges it.
func (a *acceptLoop) sendWait(cmd command) {
	if cmd.ack == nil {
		cmd.ack = make(chan struct{})
	}
	if !a.send(cmd) {
		return
	}
	select {
	case <-cmd.ack:
	case <-a.done:
	}
}

func (a *acceptLoop) run() {
	defer func() {
		if e := recover(); e != nil {
			logger.Error(util.PanicToError(e), "accept loop panic")
		}
		close(a.done)
		_ = a.poller.Close()
	}()
	for {
		n, err := a.poller.Wait(a.events, -1)
		if err != nil {
			if a.stopped {
				return
			}
			logger.Error(err, "poller wait failed")
			return
		}
		a.drainCommands()
		if a.stopped {
			return
		}
		for i := 0; i < n; i++ {
			l := a.listeners[a.events[i].Token]
			if l == nil || l.paused || a.bp {
				continue
			}
			a.acceptBatch(l)
			if a.stopped {
				return
			}
		}
	}
}

func (a *acceptLoop) drainCommands() {
	for {
		select {
		case cmd := <-a.cmds:
			a.handleCommand(cmd)
		default:
			return
		}
	}
}

func (a *acceptLoop) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdPauseAll:
		for _, l := range a.listeners {
			l.paused = true
			a.deregister(l)
		}
	case cmdResumeAll:
		for _, l := range a.listeners {
			l.paused = false
			if !a.bp {
				if err := a.register(l); err != nil {
					a.removeListener(l, err)
				}
			}
		}
	case cmdWorkerAvailable:
		if a.bp {
			a.retryPending()
		}
	case cmdWorkerReplace:
		if cmd.idx >= 0 && cmd.idx < len(a.workers) {
			a.workers[cmd.idx] = cmd.w
		}
	case cmdStop:
		a.shutdown()
	}
	if cmd.ack != nil {
		close(cmd.ack)
	}
}

// shutdown stops intake immediately: every listener is deregistered and
// closed, and a pending undispatched connection is aborted, not dropped.
func (a *acceptLoop) shutdown() {
	for token, l := range a.listeners {
		a.deregister(l)
		_ = l.Close()
		delete(a.listeners, token)
	}
	if a.pending != nil {
		c := a.pending
		a.pending = nil
		c.markAborted()
		_ = c.Close()
		a.srv.stats.forced.Incr()
		a.srv.publish(Event{Kind: EventForcedAbort, Listener: c.token, Worker: -1})
	}
	a.stopped = true
}

// acceptBatch drains up to batch ready connections from one listener so a
// hot listener cannot starve the others.
func (a *acceptLoop) acceptBatch(l *Listener) {
	for i := 0; i < a.batch; i++ {
		c, err := l.acceptOne()
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return // drained
			}
			if transientAccept(err) {
				a.srv.stats.transients.Incr()
				logger.Warn(&AcceptError{Token: l.token, Err: err})
				if l.recordTransient(timex.NanoTime()) {
					a.removeListener(l, err)
					return
				}
				continue
			}
			a.removeListener(l, err)
			return
		}
		a.srv.stats.accepted.Incr()
		if !a.dispatch(c) {
			a.engageBackpressure(c)
			return
		}
	}
}

// dispatch hands c to the next eligible worker. The double pass closes the
// race where a worker completes between a failed reservation and the
// availability check; the second failure hands off to the edge wake.
func (a *acceptLoop) dispatch(c *Conn) bool {
	for attempt := 0; attempt < 2; attempt++ {
		if a.tryDispatch(c) {
			return true
		}
		if !a.anyBelowThreshold() {
			return false
		}
	}
	return false
}

func (a *acceptLoop) tryDispatch(c *Conn) bool {
	if a.policy == DispatchLeastLoaded {
		return a.tryDispatchLeastLoaded(c)
	}
	n := len(a.workers)
	for i := 0; i < n; i++ {
		idx := (a.next + i) % n
		if a.deliver(a.workers[idx], c) {
			a.next = (idx + 1) % n
			return true
		}
	}
	return false
}

func (a *acceptLoop) tryDispatchLeastLoaded(c *Conn) bool {
	tried := make([]bool, len(a.workers))
	for {
		best := -1
		bestLoad := int64(-1)
		for idx, w := range a.workers {
			if tried[idx] {
				continue
			}
			load := w.InFlight()
			if load >= w.threshold {
				continue
			}
			// strict < keeps the lowest index on equal load
			if best < 0 || load < bestLoad {
				best = idx
				bestLoad = load
			}
		}
		if best < 0 {
			return false
		}
		if a.deliver(a.workers[best], c) {
			return true
		}
		tried[best] = true
	}
}

// deliver reserves a slot on w and hands c over. A full inbound queue after
// DispatchTimeout counts as saturation: the reservation is released and the
// caller retries the connection against another worker.
func (a *acceptLoop) deliver(w *Worker, c *Conn) bool {
	if !w.reserve() {
		return false
	}
	if w.enqueue(c, a.dispatchTimeout) {
		a.srv.stats.dispatched.Incr()
		return true
	}
	w.release()
	w.markUnavailable()
	return false
}

func (a *acceptLoop) anyBelowThreshold() bool {
	for _, w := range a.workers {
		if w.InFlight() < w.threshold {
			return true
		}
	}
	return false
}

// engageBackpressure pauses every listener until some worker drops back
// below its threshold. The undispatched connection is retained and retried
// first on resume.
func (a *acceptLoop) engageBackpressure(c *Conn) {
	a.pending = c
	if a.bp {
		return
	}
	a.bp = true
	a.srv.stats.backpressure.Incr()
	logger.Warn("all %d workers saturated, pausing %d listeners", len(a.workers), len(a.listeners))
	for _, l := range a.listeners {
		a.deregister(l)
	}
}

// retryPending runs on a worker-available wake while backpressure is
// engaged.
func (a *acceptLoop) retryPending() {
	if a.pending != nil {
		if !a.dispatch(a.pending) {
			return // still saturated; wait for the next wake
		}
		a.pending = nil
	}
	a.releaseBackpressure()
}

func (a *acceptLoop) releaseBackpressure() {
	if !a.bp {
		return
	}
	a.bp = false
	logger.Info("worker capacity recovered, resuming %d listeners", len(a.listeners))
	for _, l := range a.listeners {
		if !l.paused {
			if err := a.register(l); err != nil {
				a.removeListener(l, err)
			}
		}
	}
}

func (a *acceptLoop) register(l *Listener) error {
	if l.registered {
		return nil
	}
	if err := a.poller.Add(l.fd, l.token); err != nil {
		return err
	}
	l.registered = true
	return nil
}

func (a *acceptLoop) deregister(l *Listener) {
	if !l.registered {
		return
	}
	_ = a.poller.Delete(l.fd)
	l.registered = false
}

// removeListener handles a fatal accept error: the listener is torn down
// and reported; other listeners continue unaffected.
func (a *acceptLoop) removeListener(l *Listener, err error) {
	a.deregister(l)
	delete(a.listeners, l.token)
	_ = l.Close()
	ae := &AcceptError{Token: l.token, Err: err, Fatal: true}
	logger.Error(ae, "listener removed")
	a.srv.publish(Event{Kind: EventListenerFault, Listener: l.token, Worker: -1, Err: ae})
}
