package channels

import (
	"errors"
	"syscall"
	"time"
)

// WaitFunc is a blocking readiness wait. Timeout semantics: negative waits
// indefinitely, zero returns immediately, positive bounds the wait.
type WaitFunc func(timeout time.Duration) ([]Event, error)

// WaitNoIntr invokes wait until it returns normally or fails with an error
// other than EINTR. After an interruption the remaining budget is recomputed
// from the original deadline, so repeated signals cannot stretch the total
// wait past the requested timeout. A negative timeout is retried unchanged.
func WaitNoIntr(wait WaitFunc, timeout time.Duration) ([]Event, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		events, err := wait(timeout)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return events, err
		}

		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout < 0 {
				timeout = 0
			}
		}
	}
}
