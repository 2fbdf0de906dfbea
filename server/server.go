// Package server is a connection-accepting server core: it binds TCP and
// unix domain listeners, drives a readiness-based accept loop, dispatches
// accepted connections across a fixed pool of workers with backpressure,
// and drains in-flight connections under a deadline on shutdown. It is
// infrastructure for higher-level protocol frameworks; it never looks at
// the bytes on a connection.
package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logger "github.com/moontrade/log"

	"github.com/moontrade/netcore/netpoll"
	"github.com/moontrade/netcore/pkg/counter"
	"github.com/moontrade/netcore/pkg/timex"
)

// State is the process-wide control state. Transitions are monotonic
// except the pause cycle; Stopping is reachable from every non-terminal
// state and irreversible.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StatePausing
	StatePaused
	StateResuming
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateResuming:
		return "resuming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopResult reports how a shutdown went. Shutdown always completes;
// workers that failed to drain before the deadline are listed, never
// hidden.
type StopResult struct {
	Forced  []int // indexes of workers forced at the deadline
	Aborted int64 // connections abandoned and reported as forced aborts
	Elapsed time.Duration
}

// Clean reports whether every worker drained before the deadline.
func (r StopResult) Clean() bool { return len(r.Forced) == 0 }

type serverStats struct {
	accepted      counter.Counter
	dispatched    counter.Counter
	completed     counter.Counter
	faults        counter.Counter
	forced        counter.Counter
	transients    counter.Counter
	backpressure  counter.Counter
	droppedEvents counter.Counter
	servedDur     counter.TimeCounter
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	Accepted            int64
	Dispatched          int64
	Completed           int64
	ServiceFaults       int64
	ForcedAborts        int64
	TransientErrors     int64
	BackpressureEngaged int64
	DroppedEvents       int64
	ServiceTime         time.Duration // cumulative time spent in Service.Serve
	InFlight            []int64       // per worker, by index
}

// Server is the lifecycle controller: it owns the listeners and workers,
// issues start/pause/resume/stop, and runs the graceful shutdown protocol.
type Server struct {
	cfg     Config
	state   int32
	started int32
	factory Factory

	mu        sync.Mutex
	listeners []*Listener
	workers   []*Worker

	loop   *acceptLoop
	events chan Event
	stats  serverStats

	stopOnce sync.Once
	stopRes  StopResult
	done     chan struct{}
}

// New builds a Server from cfg. Zero config fields fall back to package
// defaults.
func New(cfg Config) *Server {
	cfg.withDefaults()
	return &Server{
		cfg:    cfg,
		events: make(chan Event, cfg.EventQueueSize),
		done:   make(chan struct{}),
	}
}

// State returns the current control state.
func (s *Server) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Server) casState(old, new State) bool {
	return atomic.CompareAndSwapInt32(&s.state, int32(old), int32(new))
}

// Events returns the channel carrying connection completions, service
// faults, forced aborts and listener faults. The channel is never closed;
// when nobody drains it, events are counted as dropped rather than
// blocking the core.
func (s *Server) Events() <-chan Event { return s.events }

// Start binds every configured listener, spawns the workers and the accept
// loop, and moves the server to Running. Startup is atomic: if any
// listener fails to bind or the factory fails, nothing is left bound.
func (s *Server) Start(factory Factory) error {
	if factory == nil {
		return errors.New("nil service factory")
	}
	if len(s.cfg.Listeners) == 0 {
		return ErrNoListeners
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return ErrAlreadyStarted
	}

	bound := make([]*Listener, 0, len(s.cfg.Listeners))
	closeBound := func() {
		for _, l := range bound {
			_ = l.Close()
		}
	}
	for i, lc := range s.cfg.Listeners {
		l, err := bindListener(i, lc, &s.cfg)
		if err != nil {
			closeBound()
			atomic.StoreInt32(&s.started, 0)
			return err
		}
		bound = append(bound, l)
	}

	services := make([]Service, s.cfg.NumWorkers)
	for i := range services {
		svc, err := factory.NewService()
		if err != nil {
			closeBound()
			atomic.StoreInt32(&s.started, 0)
			return fmt.Errorf("service factory: %w", err)
		}
		services[i] = svc
	}

	poller, err := netpoll.OpenPoller()
	if err != nil {
		closeBound()
		atomic.StoreInt32(&s.started, 0)
		return err
	}

	s.factory = factory
	workers := make([]*Worker, s.cfg.NumWorkers)
	for i := range workers {
		workers[i] = newWorker(s, i, services[i])
	}

	loop := newAcceptLoop(s, poller, bound, workers)
	if err = loop.registerAll(); err != nil {
		closeBound()
		_ = poller.Close()
		atomic.StoreInt32(&s.started, 0)
		return err
	}

	s.mu.Lock()
	s.listeners = bound
	s.workers = workers
	s.mu.Unlock()
	s.loop = loop

	for _, w := range workers {
		w.start()
	}
	go loop.run()

	atomic.StoreInt32(&s.state, int32(StateRunning))
	logger.Info("server running: %d listeners, %d workers", len(bound), len(workers))
	for _, l := range bound {
		logger.Info("listening on %s://%s", l.network, l.addr)
	}
	if !s.cfg.DisableSignals {
		s.watchSignals()
	}
	return nil
}

// Addrs returns the bound local addresses in listener token order. Useful
// with ":0" binds.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := append([]*Listener(nil), s.listeners...)
	sort.Slice(ls, func(i, j int) bool { return ls[i].token < ls[j].token })
	addrs := make([]net.Addr, len(ls))
	for i, l := range ls {
		addrs[i] = l.addr
	}
	return addrs
}

// PauseAll stops acting on readiness events for every listener. The OS
// backlog keeps queueing up to its capacity. Administrative pause composes
// with backpressure pausing; it is idempotent.
func (s *Server) PauseAll() error {
	for {
		switch s.State() {
		case StatePaused, StatePausing:
			return nil
		case StateRunning:
			if !s.casState(StateRunning, StatePausing) {
				continue
			}
			s.loop.sendWait(command{kind: cmdPauseAll})
			s.casState(StatePausing, StatePaused)
			return nil
		default:
			return ErrInvalidState
		}
	}
}

// ResumeAll re-enables accepting on every listener. Idempotent.
func (s *Server) ResumeAll() error {
	for {
		switch s.State() {
		case StateRunning, StateResuming:
			return nil
		case StatePaused:
			if !s.casState(StatePaused, StateResuming) {
				continue
			}
			s.loop.sendWait(command{kind: cmdResumeAll})
			s.casState(StateResuming, StateRunning)
			return nil
		default:
			return ErrInvalidState
		}
	}
}

// Stop moves the server to Stopping from any non-terminal state, stops
// accepting immediately, signals every worker to drain, and waits up to
// timeout. It always returns by the deadline plus scheduling slack and
// reports which workers, if any, were forced. Subsequent calls return the
// first result.
func (s *Server) Stop(timeout time.Duration) StopResult {
	s.stopOnce.Do(func() {
		s.stopRes = s.doStop(timeout)
		close(s.done)
	})
	<-s.done
	return s.stopRes
}

func (s *Server) doStop(timeout time.Duration) StopResult {
	if timeout < 0 {
		timeout = 0
	}
	began := timex.NanoTime()
	atomic.StoreInt32(&s.state, int32(StateStopping))

	res := StopResult{}
	if atomic.LoadInt32(&s.started) == 0 || s.loop == nil {
		atomic.StoreInt32(&s.state, int32(StateStopped))
		return res
	}

	// 1) stop intake; ack means listeners are closed and any pending
	// connection was aborted, so no dispatch races the drain below.
	s.loop.sendWait(command{kind: cmdStop})

	// 2) drain workers under the deadline
	s.mu.Lock()
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()
	for _, w := range workers {
		w.drain()
	}

	drained := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.done
		}
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		for _, w := range workers {
			select {
			case <-w.done:
			default:
				res.Forced = append(res.Forced, w.idx)
				res.Aborted += w.force()
			}
		}
	}

	res.Elapsed = timex.SinceDur(began)
	atomic.StoreInt32(&s.state, int32(StateStopped))
	if res.Clean() {
		logger.Info("shutdown complete in %s, all workers drained", res.Elapsed)
	} else {
		logger.Warn("shutdown forced %d workers, %d connections aborted", len(res.Forced), res.Aborted)
	}
	return res
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Accepted:            s.stats.accepted.Load(),
		Dispatched:          s.stats.dispatched.Load(),
		Completed:           s.stats.completed.Load(),
		ServiceFaults:       s.stats.faults.Load(),
		ForcedAborts:        s.stats.forced.Load(),
		TransientErrors:     s.stats.transients.Load(),
		BackpressureEngaged: s.stats.backpressure.Load(),
		DroppedEvents:       s.stats.droppedEvents.Load(),
		ServiceTime:         s.stats.servedDur.Duration(),
	}
	s.mu.Lock()
	for _, w := range s.workers {
		st.InFlight = append(st.InFlight, w.InFlight())
	}
	s.mu.Unlock()
	return st
}

// publish never blocks the core; overflow is counted instead.
func (s *Server) publish(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.stats.droppedEvents.Incr()
	}
}

// workerAvailable forwards a below-threshold edge to the accept loop.
func (s *Server) workerAvailable(idx int) {
	if loop := s.loop; loop != nil {
		loop.send(command{kind: cmdWorkerAvailable, idx: idx})
	}
}

// workerFaulted replaces a worker whose run loop died. Connections stuck
// in the dead worker's queue are aborted and reported, then a fresh worker
// takes over the index.
func (s *Server) workerFaulted(old *Worker) {
Drain:
	for {
		select {
		case c := <-old.inbound:
			old.abort(c)
		default:
			break Drain
		}
	}
	old.cancel()
	if s.State() >= StateStopping {
		close(old.done)
		return
	}
	logger.Warn("worker %d faulted, restarting", old.idx)
	svc, err := s.factory.NewService()
	if err != nil {
		logger.Error(err, "worker restart failed")
		close(old.done)
		return
	}
	w := newWorker(s, old.idx, svc)
	// re-check under the lock doStop snapshots workers with, so a
	// replacement either lands in the snapshot or is never started
	s.mu.Lock()
	if s.State() >= StateStopping {
		s.mu.Unlock()
		close(old.done)
		return
	}
	s.workers[old.idx] = w
	s.mu.Unlock()
	w.start()
	s.loop.sendWait(command{kind: cmdWorkerReplace, idx: old.idx, w: w})
	close(old.done)
}
