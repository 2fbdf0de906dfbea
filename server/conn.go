package server

import (
	"net"
	"sync/atomic"
)

// Conn is one accepted connection. It is owned by exactly one worker from
// dispatch until completion; ownership never transfers after dispatch.
type Conn struct {
	net.Conn
	token   int // owning listener token
	worker  int // assigned worker index, -1 before dispatch
	aborted int32
}

// ListenerToken returns the token of the listener that accepted this
// connection.
func (c *Conn) ListenerToken() int { return c.token }

// WorkerIndex returns the index of the worker servicing this connection.
func (c *Conn) WorkerIndex() int { return c.worker }

func (c *Conn) markAborted() {
	atomic.StoreInt32(&c.aborted, 1)
}

func (c *Conn) isAborted() bool {
	return atomic.LoadInt32(&c.aborted) == 1
}
