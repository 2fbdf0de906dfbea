package server

import (
	"net"
	"testing"

	"github.com/moontrade/netcore/netpoll"
)

// testLoop builds an acceptLoop over unstarted workers so dispatched
// connections sit in the inbound queues and the reservations stay visible.
func testLoop(t *testing.T, cfg Config, workers int) *acceptLoop {
	t.Helper()
	srv := New(cfg)
	ws := make([]*Worker, workers)
	for i := range ws {
		ws[i] = newWorker(srv, i, closeService())
	}
	p, err := netpoll.OpenPoller()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	return newAcceptLoop(srv, p, nil, ws)
}

func queuedConn(t *testing.T) *Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return &Conn{Conn: a, token: 0, worker: -1}
}

func TestDispatchRoundRobin(t *testing.T) {
	a := testLoop(t, Config{DisableSignals: true}, 3)
	for i := 0; i < 6; i++ {
		if !a.dispatch(queuedConn(t)) {
			t.Fatalf("dispatch %d failed", i)
		}
	}
	for i, w := range a.workers {
		if n := w.InFlight(); n != 2 {
			t.Fatalf("worker %d in-flight = %d, want 2", i, n)
		}
	}
}

func TestDispatchRoundRobinSkipsSaturated(t *testing.T) {
	a := testLoop(t, Config{MaxConnsPerWorker: 1, DisableSignals: true}, 2)
	if !a.deliver(a.workers[0], queuedConn(t)) {
		t.Fatal("preload failed")
	}
	// Cursor points at the saturated worker; dispatch must skip to the
	// next one.
	a.next = 0
	if !a.dispatch(queuedConn(t)) {
		t.Fatal("dispatch failed with capacity available")
	}
	if n := a.workers[1].InFlight(); n != 1 {
		t.Fatalf("worker 1 in-flight = %d, want 1", n)
	}
}

func TestDispatchFailsWhenSaturated(t *testing.T) {
	a := testLoop(t, Config{MaxConnsPerWorker: 1, DisableSignals: true}, 2)
	for i := 0; i < 2; i++ {
		if !a.dispatch(queuedConn(t)) {
			t.Fatalf("dispatch %d failed", i)
		}
	}
	if a.dispatch(queuedConn(t)) {
		t.Fatal("dispatch succeeded beyond every threshold")
	}
}

func TestDispatchLeastLoaded(t *testing.T) {
	a := testLoop(t, Config{DispatchPolicy: DispatchLeastLoaded, DisableSignals: true}, 3)
	// Preload: worker 0 carries 2, worker 1 carries 1, worker 2 empty.
	for i := 0; i < 2; i++ {
		if !a.deliver(a.workers[0], queuedConn(t)) {
			t.Fatal("preload failed")
		}
	}
	if !a.deliver(a.workers[1], queuedConn(t)) {
		t.Fatal("preload failed")
	}

	if !a.dispatch(queuedConn(t)) {
		t.Fatal("dispatch failed")
	}
	if n := a.workers[2].InFlight(); n != 1 {
		t.Fatalf("least-loaded skipped the empty worker: %v",
			[]int64{a.workers[0].InFlight(), a.workers[1].InFlight(), a.workers[2].InFlight()})
	}
}

func TestDispatchLeastLoadedTieLowestIndex(t *testing.T) {
	a := testLoop(t, Config{DispatchPolicy: DispatchLeastLoaded, DisableSignals: true}, 3)
	if !a.dispatch(queuedConn(t)) {
		t.Fatal("dispatch failed")
	}
	if n := a.workers[0].InFlight(); n != 1 {
		t.Fatal("tie did not resolve to the lowest index")
	}
}
