package channels

import "time"

// EventType is a bitmask of readiness conditions reported for a descriptor.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventHup
	EventErr
)

// Event is one readiness notification for a registered descriptor.
type Event struct {
	FD    int
	Types EventType
}

// Poller abstracts the OS readiness primitive. The primitive must report
// hang-up and error conditions separately from input-available; on platforms
// without one, newPoller returns an error.
type Poller interface {
	// Wait blocks until at least one registered descriptor has a pending
	// event or the timeout elapses. A negative timeout waits indefinitely,
	// zero returns immediately. An interrupted wait surfaces the raw EINTR
	// error; retry policy belongs to the caller.
	Wait(timeout time.Duration) ([]Event, error)

	// AddRead registers fd for input-available notification.
	AddRead(fd int) error

	// Delete removes fd from the registration set. Removing an unknown fd
	// is a no-op.
	Delete(fd int) error

	Close() error
}
