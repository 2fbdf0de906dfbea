package server

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moontrade/netcore/netpoll"
)

// A listener that errors fatally is removed and reported; the other
// listeners keep accepting.
func TestFatalAcceptRemovesListener(t *testing.T) {
	srv := New(Config{DisableSignals: true})
	w := newWorker(srv, 0, closeService())
	w.start()
	defer func() {
		w.drain()
		<-w.done
	}()

	l0, err := bindListener(0, ListenerConfig{Network: "tcp", Address: "127.0.0.1:0"}, &srv.cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l0.Close()
	l1, err := bindListener(1, ListenerConfig{Network: "tcp", Address: "127.0.0.1:0"}, &srv.cfg)
	if err != nil {
		t.Fatal(err)
	}

	p, err := netpoll.OpenPoller()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })
	a := newAcceptLoop(srv, p, []*Listener{l0, l1}, []*Worker{w})
	if err = a.registerAll(); err != nil {
		t.Fatal(err)
	}

	// Kill the socket under the listener: the next accept fails EBADF,
	// which is fatal.
	_ = unix.Close(l1.fd)
	a.acceptBatch(l1)

	if _, ok := a.listeners[1]; ok {
		t.Fatal("fatal listener still eligible for events")
	}
	evs := collectEvents(t, srv, EventListenerFault, 1, time.Second)
	if evs[0].Listener != 1 {
		t.Fatalf("fault reported for listener %d, want 1", evs[0].Listener)
	}
	ae, ok := evs[0].Err.(*AcceptError)
	if !ok || !ae.Fatal {
		t.Fatalf("fault err = %v, want fatal *AcceptError", evs[0].Err)
	}

	// The healthy listener is unaffected.
	if _, ok = a.listeners[0]; !ok {
		t.Fatal("healthy listener removed")
	}
	c, err := net.Dial("tcp", l0.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.stats.accepted.Load() == 0 {
		a.acceptBatch(l0)
		if time.Now().After(deadline) {
			t.Fatal("healthy listener stopped accepting")
		}
		time.Sleep(time.Millisecond)
	}
	collectEvents(t, srv, EventCompleted, 1, 5*time.Second)
}
