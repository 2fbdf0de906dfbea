//go:build linux

package netpoll

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Poller wraps an epoll instance with an eventfd waker. Listening sockets
// are registered level-triggered for read readiness.
type Poller struct {
	fd     int // epoll fd
	wfd    int // eventfd waker
	wake   int32
	mu     sync.Mutex
	tokens map[int]int // listener fd -> token
	events []unix.EpollEvent
}

func OpenPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	p := &Poller{
		fd:     fd,
		wfd:    wfd,
		tokens: make(map[int]int),
		events: make([]unix.EpollEvent, 128),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, &ev); err != nil {
		_ = unix.Close(wfd)
		_ = unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *Poller) Close() error {
	if err := unix.Close(p.wfd); err != nil {
		return err
	}
	return unix.Close(p.fd)
}

// Add registers fd for read readiness under token.
func (p *Poller) Add(fd, token int) error {
	p.mu.Lock()
	p.tokens[fd] = token
	p.mu.Unlock()
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLPRI, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.tokens, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Delete deregisters fd. No events for it are delivered after Delete
// returns.
func (p *Poller) Delete(fd int) error {
	p.mu.Lock()
	delete(p.tokens, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wake interrupts a blocked Wait. Coalesces: one pending wake at a time.
func (p *Poller) Wake() error {
	if atomic.CompareAndSwapInt32(&p.wake, 0, 1) {
		var b [8]byte
		b[0] = 1
		_, err := unix.Write(p.wfd, b[:])
		return err
	}
	return nil
}

// Wait blocks up to msec milliseconds (-1 blocks indefinitely) and fills
// events with tokens of listeners that became acceptable. A return of 0, nil
// means the wait was interrupted by Wake or a timeout.
func (p *Poller) Wait(events []Event, msec int) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.EpollEvent, len(events))
	}
	for {
		n, err := unix.EpollWait(p.fd, p.events[:len(events)], msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		out := 0
		for i := 0; i < n; i++ {
			fd := int(p.events[i].Fd)
			if fd == p.wfd {
				var b [8]byte
				_, _ = unix.Read(p.wfd, b[:])
				atomic.StoreInt32(&p.wake, 0)
				continue
			}
			p.mu.Lock()
			token, ok := p.tokens[fd]
			p.mu.Unlock()
			if ok {
				events[out] = Event{Token: token}
				out++
			}
		}
		return out, nil
	}
}
