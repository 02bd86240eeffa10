package domain

import "time"

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

// EventHandler receives readiness notifications from an EventLoop. All
// methods are called from the loop's goroutine.
type EventHandler interface {
	HandleEvent(fd int, event EventType) error
	// Tick is called at least once per wakeup interval.
	Tick(now time.Time)
	// EndBatch is called after every event in one wait has been handled.
	EndBatch()
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Authenticator checks RFC 1929 credentials. Implementations must be safe
// for concurrent use.
type Authenticator interface {
	Authenticate(username, password []byte) bool
}
