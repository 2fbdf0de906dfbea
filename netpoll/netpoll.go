// Package netpoll provides the readiness notification primitive behind the
// accept loop: an epoll (linux) or kqueue (bsd/darwin) instance that watches
// listening sockets for acceptability, plus a waker so control commands can
// interrupt a blocked wait within one poll cycle.
//
// Only listening sockets are ever registered here. Accepted connections are
// handed to the Go runtime's own netpoller via net.FileConn.
package netpoll

// Event is one readiness notification: the token of a listener whose socket
// became acceptable.
type Event struct {
	Token int
}
