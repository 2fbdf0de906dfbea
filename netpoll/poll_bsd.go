//go:build darwin || dragonfly || freebsd

package netpoll

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Poller wraps a kqueue instance. The waker is an EVFILT_USER event.
type Poller struct {
	fd     int
	wake   int32
	mu     sync.Mutex
	tokens map[int]int // listener fd -> token
	events []unix.Kevent_t
}

func OpenPoller() (*Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	p := &Poller{
		fd:     fd,
		tokens: make(map[int]int),
		events: make([]unix.Kevent_t, 128),
	}
	_, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// Add registers fd for read readiness under token.
func (p *Poller) Add(fd, token int) error {
	p.mu.Lock()
	p.tokens[fd] = token
	p.mu.Unlock()
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}}, nil, nil)
	if err != nil {
		p.mu.Lock()
		delete(p.tokens, fd)
		p.mu.Unlock()
	}
	return err
}

// Delete deregisters fd.
func (p *Poller) Delete(fd int) error {
	p.mu.Lock()
	delete(p.tokens, fd)
	p.mu.Unlock()
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}}, nil, nil)
	return err
}

// Wake interrupts a blocked Wait. Coalesces: one pending wake at a time.
func (p *Poller) Wake() error {
	if atomic.CompareAndSwapInt32(&p.wake, 0, 1) {
		_, err := unix.Kevent(p.fd, []unix.Kevent_t{{
			Ident:  0,
			Filter: unix.EVFILT_USER,
			Fflags: unix.NOTE_TRIGGER,
		}}, nil, nil)
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
		p.events = make([]unix.Kevent_t, len(events))
	}
	var ts *unix.Timespec
	if msec >= 0 {
		t := unix.NsecToTimespec(int64(msec) * 1e6)
		ts = &t
	}
	for {
		n, err := unix.Kevent(p.fd, nil, p.events[:len(events)], ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		out := 0
		for i := 0; i < n; i++ {
			ev := &p.events[i]
			if ev.Filter == unix.EVFILT_USER {
				atomic.StoreInt32(&p.wake, 0)
				continue
			}
			p.mu.Lock()
			token, ok := p.tokens[int(ev.Ident)]
			p.mu.Unlock()
			if ok {
				events[out] = Event{Token: token}
				out++
			}
		}
		return out, nil
	}
}
