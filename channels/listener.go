package channels

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/fzft/go-vmchannels/log"
)

// How many consecutive failed connect attempts move a channel into cooldown.
const cooldownReconnectThreshold = 5

// waitBudget bounds each readiness wait so timeouts and reconnects are
// re-evaluated periodically even when no I/O event arrives.
const waitBudget = time.Second

// CreateFunc (re)allocates the OS resource behind a channel and returns its
// descriptor. It runs on the registering goroutine the first time and on the
// loop goroutine on every reconnect.
type CreateFunc func(opaque any) (int, error)

// ConnectFunc attempts to complete a connection without blocking. A false
// return is the expected steady-state signal driving the cooldown machinery,
// not an error.
type ConnectFunc func(opaque any) bool

// ReadFunc consumes pending input; returning false reports the channel
// unhealthy and triggers a reconnect.
type ReadFunc func(opaque any) bool

// TimeoutFunc is invoked when no successful read happened within the
// configured window.
type TimeoutFunc func(opaque any)

// Callbacks bundles the four per-channel operations. All of them receive the
// opaque value given to Register, never inspected by the listener. None of
// them may block for unbounded time: they all run serially on the single loop
// goroutine.
type Callbacks struct {
	Create  CreateFunc
	Connect ConnectFunc
	Read    ReadFunc
	Timeout TimeoutFunc
}

// channel is the per-descriptor record. After promotion out of the pending
// map it is owned exclusively by the loop goroutine.
type channel struct {
	fd           int
	cbs          Callbacks
	opaque       any
	readTime     time.Time
	timeoutSeen  bool
	reconnects   int
	cooldown     bool
	cooldownTime time.Time
	recreate     bool // descriptor must be recreated before the next connect attempt
}

// Listener multiplexes a dynamic set of byte-stream channels, one per
// monitored virtual machine, and drives their lifecycle callbacks from a
// single loop goroutine.
//
// Register, Unregister and SetTimeout may be called from any goroutine; they
// hand off through a mutex-guarded mailbox drained once per iteration, so the
// connected/unconnected sets never need locking on the hot path.
type Listener struct {
	poller Poller

	// Owned exclusively by the loop goroutine.
	connected   map[int]*channel
	unconnected map[int]*channel

	// Mailbox for cross-goroutine registry changes.
	mu         sync.Mutex
	pendingAdd map[int]*channel
	pendingDel *queue.Queue

	// Shared read-timeout window, nanoseconds. Also bounds cooldown.
	timeout atomic.Int64

	quit    atomic.Bool
	started atomic.Bool
	done    chan struct{}

	now func() time.Time
}

// NewListener builds a listener on the platform readiness primitive.
func NewListener() (*Listener, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return newListener(p), nil
}

func newListener(p Poller) *Listener {
	return &Listener{
		poller:      p,
		connected:   make(map[int]*channel),
		unconnected: make(map[int]*channel),
		pendingAdd:  make(map[int]*channel),
		pendingDel:  queue.New(),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// Register runs cbs.Create on the calling goroutine to obtain the initial
// descriptor, then queues the channel for the loop to promote on its next
// iteration. The returned descriptor is the handle for Unregister.
func (l *Listener) Register(cbs Callbacks, opaque any) (int, error) {
	fd, err := cbs.Create(opaque)
	if err != nil {
		return 0, err
	}
	log.Logger.Debug("adding fd to listener channels", zap.Int("fd", fd))
	l.mu.Lock()
	l.pendingAdd[fd] = &channel{fd: fd, cbs: cbs, opaque: opaque}
	l.mu.Unlock()
	return fd, nil
}

// Unregister removes fd from the listener. Removal is deferred to the loop
// goroutine; a stale readiness event may still be dispatched (and dropped)
// before it takes effect.
func (l *Listener) Unregister(fd int) {
	log.Logger.Debug("deleting fd from listener", zap.Int("fd", fd))
	l.mu.Lock()
	l.pendingDel.Add(fd)
	l.mu.Unlock()
}

// SetTimeout sets the read-timeout window shared by every channel; it also
// controls how long a cooldown lasts. Takes effect on the next sweep.
func (l *Listener) SetTimeout(d time.Duration) {
	log.Logger.Info("setting channels timeout", zap.Duration("timeout", d))
	l.timeout.Store(int64(d))
}

func (l *Listener) timeoutValue() time.Duration {
	return time.Duration(l.timeout.Load())
}

// Start launches the loop goroutine. Subsequent calls are no-ops.
func (l *Listener) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.run()
}

func (l *Listener) run() {
	log.Logger.Info("starting vm channels listener")
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("unhandled panic in vm channels listener", zap.Any("panic", r))
		}
		log.Logger.Info("vm channels listener has ended")
	}()

	for !l.quit.Load() {
		if err := l.waitForEvents(); err != nil {
			log.Logger.Error("readiness wait failed", zap.Error(err))
			return
		}
	}
}

// Stop requests cooperative termination; the iteration in flight finishes
// first and no callback is interrupted.
func (l *Listener) Stop() {
	log.Logger.Info("vm channels listener was stopped")
	l.quit.Store(true)
}

// Done is closed once the loop goroutine has exited.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Close releases the readiness poller. Call it after the loop has ended.
func (l *Listener) Close() error {
	return l.poller.Close()
}

// waitForEvents performs one loop iteration: readiness wait, event dispatch,
// pending mutations, timeout sweep, unconnected sweep.
func (l *Listener) waitForEvents() error {
	events, err := WaitNoIntr(l.poller.Wait, waitBudget)
	if err != nil {
		return err
	}
	for _, ev := range events {
		l.handleEvent(ev)
	}
	l.updateChannels()
	if timeout := l.timeoutValue(); timeout > 0 {
		l.handleTimeouts(timeout)
	}
	l.handleUnconnected()
	return nil
}

// handleEvent classifies one readiness notification. Events for descriptors
// that are no longer tracked are expected after an unregister or reconnect in
// the same iteration window.
func (l *Listener) handleEvent(ev Event) {
	reconnect := false
	switch {
	case ev.Types&(EventHup|EventErr) != 0:
		if _, ok := l.connected[ev.FD]; ok {
			log.Logger.Info("hangup or error on fd",
				zap.Int("fd", ev.FD), zap.Uint32("events", uint32(ev.Types)))
			reconnect = true
		} else {
			log.Logger.Debug("hangup event for fd no longer tracked", zap.Int("fd", ev.FD))
		}
	case ev.Types&EventRead != 0:
		ch, ok := l.connected[ev.FD]
		if !ok {
			log.Logger.Debug("readable event for fd no longer tracked", zap.Int("fd", ev.FD))
			break
		}
		ch.timeoutSeen = false
		ch.reconnects = 0
		healthy, err := invokeRead(ch)
		if err != nil {
			log.Logger.Error("read callback failed", zap.Int("fd", ev.FD), zap.Error(err))
			reconnect = true
		} else if healthy {
			ch.readTime = l.now()
		} else {
			reconnect = true
		}
	}
	if reconnect {
		l.prepareReconnect(ev.FD)
	}
}

// prepareReconnect moves a connected channel back to the unconnected set with
// a freshly created descriptor. When creation fails the record is kept under
// its old key with the recreate flag set and retried from the unconnected
// sweep, so a failing create callback cannot silently drop the channel.
func (l *Listener) prepareReconnect(fd int) {
	ch, ok := l.connected[fd]
	if !ok {
		return
	}
	delete(l.connected, fd)
	if err := l.poller.Delete(fd); err != nil {
		log.Logger.Debug("failed to drop fd from poller", zap.Int("fd", fd), zap.Error(err))
	}
	ch.timeoutSeen = false

	newFd, err := invokeCreate(ch)
	if err != nil {
		log.Logger.Error("create callback failed, will retry",
			zap.Int("fd", fd), zap.Error(err))
		ch.recreate = true
		l.unconnected[fd] = ch
		return
	}
	ch.fd = newFd
	l.unconnected[newFd] = ch
}

// updateChannels drains the mailbox: pending adds first, then pending
// deletes, so a register immediately followed by an unregister leaves no
// trace.
func (l *Listener) updateChannels() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for fd, ch := range l.pendingAdd {
		log.Logger.Debug("fd was added to unconnected channels", zap.Int("fd", fd))
		l.unconnected[fd] = ch
		delete(l.pendingAdd, fd)
	}

	for l.pendingDel.Length() > 0 {
		fd := l.pendingDel.Remove().(int)
		delete(l.unconnected, fd)
		if _, ok := l.connected[fd]; ok {
			delete(l.connected, fd)
			if err := l.poller.Delete(fd); err != nil {
				log.Logger.Debug("failed to drop fd from poller",
					zap.Int("fd", fd), zap.Error(err))
			}
		}
		log.Logger.Debug("fd was removed from listener", zap.Int("fd", fd))
	}
}

// handleTimeouts notifies every connected channel whose last successful read
// is older than the window. timeoutSeen only dedups the transition log line;
// the callback itself fires on every sweep past the threshold.
func (l *Listener) handleTimeouts(timeout time.Duration) {
	now := l.now()
	for fd, ch := range l.connected {
		if now.Sub(ch.readTime) < timeout {
			continue
		}
		if !ch.timeoutSeen {
			log.Logger.Debug("timeout on fd", zap.Int("fd", fd))
			ch.timeoutSeen = true
		}
		if err := invokeTimeout(ch); err != nil {
			log.Logger.Error("timeout callback failed", zap.Int("fd", fd), zap.Error(err))
		}
		// Refreshed even on failure so a broken callback fires once per
		// window, not once per sweep.
		ch.readTime = now
	}
}

// handleUnconnected gives every unconnected channel not in cooldown a chance
// to (re)create its descriptor and connect.
func (l *Listener) handleUnconnected() {
	now := l.now()
	timeout := l.timeoutValue()

	// Snapshot the keys: promotion and recreation rekey the map mid-sweep.
	fds := make([]int, 0, len(l.unconnected))
	for fd := range l.unconnected {
		fds = append(fds, fd)
	}

	for _, fd := range fds {
		ch, ok := l.unconnected[fd]
		if !ok {
			continue
		}

		if ch.cooldown {
			if now.Sub(ch.cooldownTime) < timeout {
				continue
			}
			ch.cooldown = false
			log.Logger.Info("reconnect attempt for fd", zap.Int("fd", fd))
		}

		if ch.recreate {
			newFd, err := invokeCreate(ch)
			if err != nil {
				log.Logger.Error("create callback failed, will retry",
					zap.Int("fd", fd), zap.Error(err))
				l.connectFailed(ch, fd)
				continue
			}
			delete(l.unconnected, fd)
			ch.fd = newFd
			ch.recreate = false
			l.unconnected[newFd] = ch
			fd = newFd
		}

		success, err := invokeConnect(ch)
		if err != nil {
			log.Logger.Error("connect callback failed", zap.Int("fd", fd), zap.Error(err))
			continue
		}
		if !success {
			l.connectFailed(ch, fd)
			continue
		}

		log.Logger.Debug("connecting to fd succeeded", zap.Int("fd", fd))
		delete(l.unconnected, fd)
		l.connected[fd] = ch
		ch.reconnects = 0
		ch.readTime = l.now()
		if err := l.poller.AddRead(fd); err != nil {
			// The descriptor cannot be watched; recycle it instead of
			// leaving a deaf channel in the connected set.
			log.Logger.Error("failed to register fd with poller",
				zap.Int("fd", fd), zap.Error(err))
			delete(l.connected, fd)
			ch.recreate = true
			l.unconnected[fd] = ch
		}
	}
}

func (l *Listener) connectFailed(ch *channel, fd int) {
	ch.reconnects++
	if ch.reconnects >= cooldownReconnectThreshold && !ch.cooldown {
		ch.cooldown = true
		ch.cooldownTime = l.now()
		log.Logger.Info("fd was moved into cooldown", zap.Int("fd", fd))
	}
}

func invokeCreate(ch *channel) (fd int, err error) {
	defer recoverTo(&err, "create callback")
	return ch.cbs.Create(ch.opaque)
}

func invokeConnect(ch *channel) (ok bool, err error) {
	defer recoverTo(&err, "connect callback")
	return ch.cbs.Connect(ch.opaque), nil
}

func invokeRead(ch *channel) (healthy bool, err error) {
	defer recoverTo(&err, "read callback")
	return ch.cbs.Read(ch.opaque), nil
}

func invokeTimeout(ch *channel) (err error) {
	defer recoverTo(&err, "timeout callback")
	ch.cbs.Timeout(ch.opaque)
	return nil
}

// recoverTo converts a callback panic into an error so a misbehaving callback
// can never take the loop down.
func recoverTo(errp *error, what string) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("%s panicked: %v", what, r)
	}
}
