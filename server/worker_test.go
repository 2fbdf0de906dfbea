package server

import (
	"context"
	"net"
	"testing"
	"time"
)

func pipeConn(t *testing.T, token int) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return &Conn{Conn: a, token: token, worker: -1}, b
}

// push reserves capacity and enqueues the way the accept loop does.
func push(t *testing.T, w *Worker, c *Conn) {
	t.Helper()
	if !w.reserve() {
		t.Fatal("worker at threshold")
	}
	if !w.enqueue(c, time.Second) {
		t.Fatal("enqueue timed out")
	}
}

func TestWorkerServesAndDrains(t *testing.T) {
	srv := New(testConfig(ListenerConfig{Network: "tcp", Address: "127.0.0.1:0"}))
	w := newWorker(srv, 0, closeService())
	w.start()

	for i := 0; i < 3; i++ {
		c, peer := pipeConn(t, 0)
		defer peer.Close()
		push(t, w, c)
	}
	collectEvents(t, srv, EventCompleted, 3, 5*time.Second)

	w.drain()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
	if w.State() != WorkerStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
	if n := w.InFlight(); n != 0 {
		t.Fatalf("in-flight = %d after drain", n)
	}
}

func TestWorkerPanicIsolated(t *testing.T) {
	srv := New(testConfig(ListenerConfig{Network: "tcp", Address: "127.0.0.1:0"}))
	calls := 0
	svc := ServiceFunc(func(ctx context.Context, conn *Conn) error {
		calls++
		defer conn.Close()
		if calls == 1 {
			panic("first connection blows up")
		}
		return nil
	})
	w := newWorker(srv, 0, svc)
	w.start()
	defer func() {
		w.drain()
		<-w.done
	}()

	c1, p1 := pipeConn(t, 0)
	defer p1.Close()
	push(t, w, c1)
	collectEvents(t, srv, EventServiceFault, 1, 5*time.Second)

	// The worker is still alive and serving.
	c2, p2 := pipeConn(t, 0)
	defer p2.Close()
	push(t, w, c2)
	collectEvents(t, srv, EventCompleted, 1, 5*time.Second)

	if n := srv.Stats().ServiceFaults; n != 1 {
		t.Fatalf("faults = %d, want 1", n)
	}
}

func TestWorkerReserveThreshold(t *testing.T) {
	srv := New(Config{
		Listeners:         []ListenerConfig{{Network: "tcp", Address: "127.0.0.1:0"}},
		MaxConnsPerWorker: 2,
		DisableSignals:    true,
	})
	w := newWorker(srv, 0, closeService())
	if !w.reserve() || !w.reserve() {
		t.Fatal("reserve rejected below threshold")
	}
	if w.reserve() {
		t.Fatal("reserve accepted beyond threshold")
	}
	w.release()
	if !w.reserve() {
		t.Fatal("reserve rejected after release")
	}
}

func TestWorkerForceAbortsLive(t *testing.T) {
	srv := New(testConfig(ListenerConfig{Network: "tcp", Address: "127.0.0.1:0"}))
	started := make(chan struct{})
	svc := ServiceFunc(func(ctx context.Context, conn *Conn) error {
		defer conn.Close()
		close(started)
		<-ctx.Done()
		return nil
	})
	w := newWorker(srv, 0, svc)
	w.start()

	c, peer := pipeConn(t, 0)
	defer peer.Close()
	push(t, w, c)

	// Wait for the connection to reach the service.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never serviced")
	}

	aborted := w.force()
	if aborted != 1 {
		t.Fatalf("force aborted %d, want 1", aborted)
	}
	if w.State() != WorkerStopped {
		t.Fatalf("state = %s, want stopped", w.State())
	}
	collectEvents(t, srv, EventForcedAbort, 1, 5*time.Second)

	// The service unblocks via ctx cancellation; no completion event may
	// follow for the aborted connection.
	select {
	case ev := <-srv.Events():
		t.Fatalf("unexpected event after forced abort: %s", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

// A connection that lands in the queue around the shutdown deadline must
// be aborted by the drain loop, never slipped into normal service.
func TestDrainAbortsQueuedAfterForce(t *testing.T) {
	srv := New(testConfig(ListenerConfig{Network: "tcp", Address: "127.0.0.1:0"}))
	w := newWorker(srv, 0, closeService())
	if n := w.force(); n != 0 {
		t.Fatalf("force aborted %d, nothing was owned", n)
	}

	c, peer := pipeConn(t, 0)
	defer peer.Close()
	if !w.reserve() {
		t.Fatal("reserve failed")
	}
	w.inbound <- c

	go w.drainLoop()
	evs := collectEvents(t, srv, EventForcedAbort, 1, 5*time.Second)
	if evs[0].Worker != 0 {
		t.Fatalf("abort reported worker %d, want 0", evs[0].Worker)
	}
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not finish")
	}
	if n := w.InFlight(); n != 0 {
		t.Fatalf("in-flight = %d after drain", n)
	}
	if srv.Stats().Completed != 0 {
		t.Fatal("aborted connection reported as completed")
	}
}

func TestWorkerStateString(t *testing.T) {
	if WorkerRunning.String() != "running" ||
		WorkerDraining.String() != "draining" ||
		WorkerStopped.String() != "stopped" {
		t.Fatal("worker state strings wrong")
	}
}
