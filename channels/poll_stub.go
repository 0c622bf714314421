//go:build !linux
// +build !linux

package channels

import "errors"

// newPoller fails on platforms without an epoll-style readiness primitive.
func newPoller() (Poller, error) {
	return nil, errors.New("channels: this platform is not supported")
}
