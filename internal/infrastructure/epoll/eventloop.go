package epoll

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll loop. Run must be called from a
// single goroutine; Stop may be called from any goroutine.
type LinuxEventLoop struct {
	epollFD  int
	wakeFD   int
	interval time.Duration
	stopped  atomic.Bool
}

// New creates an event loop whose Run calls Tick at least every interval.
func New(interval time.Duration) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	evt := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wfd, evt); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, fmt.Errorf("register eventfd: %w", err)
	}
	return &LinuxEventLoop{epollFD: fd, wakeFD: wfd, interval: interval}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run dispatches readiness to handler until Stop is called. Hangups and
// socket errors are reported as both read and write readiness so the next
// I/O call on the fd surfaces the condition.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	events := make([]unix.EpollEvent, maxEvents)
	timeout := int(l.interval / time.Millisecond)
	if timeout <= 0 {
		timeout = -1
	}
	lastTick := time.Now()

	for !l.stopped.Load() {
		n, err := unix.EpollWait(l.epollFD, events, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				continue
			}

			evMask := events[i].Events
			var domainEv domain.EventType
			if evMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventWrite
			}

			// Per-fd failures are the handler's to contain; they never stop
			// the loop.
			_ = handler.HandleEvent(fd, domainEv)
		}
		if n > 0 {
			handler.EndBatch()
		}

		if now := time.Now(); l.interval > 0 && now.Sub(lastTick) >= l.interval {
			lastTick = now
			handler.Tick(now)
			handler.EndBatch()
		}
	}
	return nil
}

// Stop makes Run return after the current iteration.
func (l *LinuxEventLoop) Stop() {
	l.stopped.Store(true)
	var one [8]byte
	one[0] = 1 // eventfd counters are host-endian; any nonzero value wakes
	_, _ = unix.Write(l.wakeFD, one[:])
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

// Close releases the epoll and eventfd descriptors.
func (l *LinuxEventLoop) Close() error {
	return errors.Join(unix.Close(l.wakeFD), unix.Close(l.epollFD))
}
