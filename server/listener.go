package server

import (
	"fmt"
	"net"
	"os"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/moontrade/netcore/config"
)

// Listener owns one bound socket. The bound address is immutable after
// creation; only the paused flag changes post-bind. All fields except the
// fd and addr are owned by the accept loop goroutine.
type Listener struct {
	token   int
	network string // "tcp" or "unix"
	address string
	addr    net.Addr
	backlog int
	fd      int
	f       *os.File     // reuseport path: keeps the dup fd alive
	ln      net.Listener // reuseport path

	paused     bool // administrative pause
	registered bool

	// transient accept error burst tracking
	transient   int
	windowStart int64
	burst       int
	window      time.Duration
}

// Token returns the listener's process-unique token.
func (l *Listener) Token() int { return l.token }

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.addr }

// Network returns "tcp" or "unix".
func (l *Listener) Network() string { return l.network }

// bindListener binds one socket per its config. token is assigned by the
// lifecycle controller and stable for the listener's lifetime.
func bindListener(token int, lc ListenerConfig, cfg *Config) (*Listener, error) {
	backlog := lc.Backlog
	if backlog <= 0 {
		backlog = config.Backlog
	}
	l := &Listener{
		token:   token,
		address: lc.Address,
		backlog: backlog,
		burst:   cfg.TransientBurst,
		window:  cfg.TransientWindow,
	}
	switch lc.Network {
	case "tcp", "tcp4", "tcp6":
		l.network = "tcp"
		if lc.ReusePort {
			if err := l.bindReusePort(lc.Network, lc.Address); err != nil {
				return nil, &BindError{Network: lc.Network, Address: lc.Address, Err: err}
			}
		} else {
			if err := l.bindTCP(lc.Network, lc.Address); err != nil {
				return nil, &BindError{Network: lc.Network, Address: lc.Address, Err: err}
			}
		}
	case "unix":
		l.network = "unix"
		if err := l.bindUnix(lc.Address); err != nil {
			return nil, &BindError{Network: lc.Network, Address: lc.Address, Err: err}
		}
	default:
		return nil, &BindError{
			Network: lc.Network,
			Address: lc.Address,
			Err:     fmt.Errorf("unsupported network %q", lc.Network),
		}
	}
	return l, nil
}

// bindTCP creates the socket directly so the configured backlog is honored:
// socket, SO_REUSEADDR, bind, listen.
func (l *Listener) bindTCP(network, address string) error {
	taddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return err
	}
	sa, family, err := tcpSockaddr(taddr)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err = unix.Listen(fd, l.backlog); err != nil {
		_ = unix.Close(fd)
		return err
	}
	l.fd = fd
	l.addr = boundTCPAddr(fd, taddr)
	return nil
}

// bindReusePort goes through kavu/go_reuseport and detaches the fd the way
// the net package allows: File() returns a dup which is then made
// non-blocking. The net package offers no hook to change the listen(2)
// backlog, so the kernel default applies here; see ListenerConfig.ReusePort.
func (l *Listener) bindReusePort(network, address string) error {
	ln, err := reuseport.Listen(network, address)
	if err != nil {
		return err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("reuseport returned %T, want *net.TCPListener", ln)
	}
	f, err := tl.File()
	if err != nil {
		_ = ln.Close()
		return err
	}
	if err = unix.SetNonblock(int(f.Fd()), true); err != nil {
		_ = f.Close()
		_ = ln.Close()
		return err
	}
	l.ln = ln
	l.f = f
	l.fd = int(f.Fd())
	l.addr = ln.Addr()
	return nil
}

func (l *Listener) bindUnix(path string) error {
	// The path must not exist when we bind. Remove a stale socket file
	// from a previous run; anything but NotFound is a bind error.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err = unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return err
	}
	if err = unix.Listen(fd, l.backlog); err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return err
	}
	l.fd = fd
	l.addr = &net.UnixAddr{Name: path, Net: "unix"}
	return nil
}

// acceptOne accepts a single pending connection and wraps it into a
// net.Conn multiplexed by the Go runtime. Raw accept errors are returned
// unclassified; the accept loop decides transient vs fatal.
func (l *Listener) acceptOne() (*Conn, error) {
	nfd, err := sysAccept(l.fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(nfd), "conn")
	nc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		// treat like a reset mid-accept
		return nil, unix.ECONNABORTED
	}
	return &Conn{Conn: nc, token: l.token, worker: -1}, nil
}

// recordTransient counts a transient accept error and reports whether the
// burst threshold was exceeded inside the window.
func (l *Listener) recordTransient(now int64) bool {
	if now-l.windowStart > int64(l.window) {
		l.windowStart = now
		l.transient = 0
	}
	l.transient++
	return l.transient > l.burst
}

func (l *Listener) Close() error {
	var err error
	if l.ln != nil {
		err = l.ln.Close()
		if l.f != nil {
			_ = l.f.Close()
		}
	} else if l.fd != 0 {
		err = unix.Close(l.fd)
	}
	if l.network == "unix" {
		_ = os.Remove(l.address)
	}
	return err
}

// transientAccept reports whether an accept error should not stop the
// loop: the connection died before acceptance completed, the call was
// interrupted, or the process is briefly out of descriptors or buffers.
func transientAccept(err error) bool {
	switch err {
	case unix.EINTR, unix.ECONNABORTED, unix.ECONNRESET,
		unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}

func tcpSockaddr(a *net.TCPAddr) (unix.Sockaddr, int, error) {
	ip := a.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return nil, 0, fmt.Errorf("invalid address %s", a)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], ip16)
	return sa, unix.AF_INET6, nil
}

// boundTCPAddr reads the address back from the socket so ":0" binds report
// the kernel-assigned port.
func boundTCPAddr(fd int, fallback *net.TCPAddr) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fallback
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return fallback
}
