package connchan

import (
	"sync"
	"time"

	"github.com/oriys/servcore/internal/driver"
	"github.com/oriys/servcore/internal/logging"
)

// EventLoop is the single-goroutine socket-event-loop collaborator
// spec.md §6 describes as external to the registry: "the registry itself
// never owns the socket-event thread; it only enqueues commands to it."
// Grounded on the teacher's command-channel worker
// (oriys-nova/internal/asyncqueue/worker.go)'s stopCh/taskCh shape.
//
// Every callback invocation is funneled through enqueueSync so that, exactly
// like the source's single socket-event thread, no two callbacks for
// different channels ever run concurrently with each other.
type EventLoop struct {
	cmdCh    chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watchers sync.Map // channel name -> chan struct{} (watcher's stop signal)
}

// NewEventLoop constructs a loop that is not yet running; call Start.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		cmdCh:  make(chan func(), 256),
		stopCh: make(chan struct{}),
	}
}

// Start launches the loop's single dispatcher goroutine.
func (l *EventLoop) Start() {
	l.wg.Add(1)
	go l.run()
}

func (l *EventLoop) run() {
	defer l.wg.Done()
	for {
		select {
		case cmd := <-l.cmdCh:
			cmd()
		case <-l.stopCh:
			for {
				select {
				case cmd := <-l.cmdCh:
					cmd()
				default:
					return
				}
			}
		}
	}
}

// Stop drains in-flight commands and halts the dispatcher goroutine.
func (l *EventLoop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// enqueue posts fn to run serially on the dispatcher goroutine. Silently
// drops fn if the loop has already stopped.
func (l *EventLoop) enqueue(fn func()) {
	select {
	case l.cmdCh <- fn:
	case <-l.stopCh:
	}
}

// enqueueSync posts fn and blocks until it has run, returning its result.
// Used where the caller (a watcher goroutine) needs to learn the
// CallbackResult to decide whether to keep polling, while still ensuring
// the callback body itself executes only on the loop's single goroutine.
func (l *EventLoop) enqueueSync(fn func() CallbackResult) CallbackResult {
	resultCh := make(chan CallbackResult, 1)
	l.enqueue(func() { resultCh <- fn() })
	select {
	case r := <-resultCh:
		return r
	case <-l.stopCh:
		return CallbackClose
	}
}

// Register starts a watcher goroutine that polls ch for cb's registered
// conditions and, on each firing, dispatches through the event loop.
// Asynchronous: Register returns immediately, matching spec.md §6's
// register()/cancel() contract ("both are asynchronous, command-queue").
func (l *EventLoop) Register(ch *Channel, cb *Callback, registry *Registry) {
	stop := make(chan struct{})
	l.watchers.Store(ch.Name, stop)
	go l.watch(ch, cb, registry, stop)
}

// Cancel tears down ch's watcher goroutine and, once it has stopped,
// enqueues onDone (if any) on the loop's goroutine — mirroring the
// source's CancelCallback completing asynchronously on the socket thread
// before the Callback record is actually freed.
func (l *EventLoop) Cancel(ch *Channel, onDone func()) {
	if v, ok := l.watchers.LoadAndDelete(ch.Name); ok {
		close(v.(chan struct{}))
	}
	if onDone != nil {
		l.enqueue(onDone)
	}
}

// defaultPollInterval bounds how often a watcher re-checks socket
// readiness/writability when the callback did not configure its own
// PollTimeout.
const defaultPollInterval = 200 * time.Millisecond

func (l *EventLoop) watch(ch *Channel, cb *Callback, registry *Registry, stop chan struct{}) {
	interval := cb.PollTimeout
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		condition, err := ch.pollOnce(cb.When, interval)
		if err != nil {
			l.enqueueSync(func() CallbackResult {
				return registry.dispatch(ch, cb, 'e')
			})
			return
		}
		if condition == 0 {
			continue // poll interval elapsed with nothing ready; re-poll
		}

		result := l.enqueueSync(func() CallbackResult {
			return registry.dispatch(ch, cb, condition)
		})
		switch result {
		case CallbackClose:
			logging.Op().Debug("connchan callback closed channel", "channel", ch.Name)
			return
		case CallbackSuspend:
			logging.Op().Debug("connchan callback suspended", "channel", ch.Name)
			return
		case CallbackContinue:
			continue
		}
	}
}

// pollOnce waits up to interval for ch to become ready per when, returning
// the fired condition byte (0 if the interval elapsed with nothing ready).
// Readability is detected by reading into the channel's pending-read
// buffer (see waitReadable), so a subsequent registry.Read still observes
// the data.
func (c *Channel) pollOnce(when When, interval time.Duration) (byte, error) {
	if when&WhenReadable != 0 {
		ready, err := c.waitReadable(interval)
		if err != nil {
			return 0, err
		}
		if ready {
			return 'r', nil
		}
		return 0, nil
	}
	if when&WhenWritable != 0 {
		// The registry's sends are synchronous (writeVector), so a writable
		// channel is simply reported ready every poll tick — there is no
		// portable non-blocking "can I write" probe over net.Conn.
		time.Sleep(interval)
		return 'w', nil
	}
	time.Sleep(interval)
	return 0, nil
}

// waitReadable blocks up to timeout trying to read off the channel's
// socket. Any bytes read are stashed on the channel's pending-read buffer
// so the registry's next Read returns them rather than losing them — the
// Go-idiomatic substitute for a non-consuming "peek" poll over a plain
// net.Conn. Returns (true, nil) if data became available, (false, nil)
// on a plain timeout, or a non-nil error for EOF or any other failure
// (treated as the 'e' exception condition).
func (c *Channel) waitReadable(timeout time.Duration) (bool, error) {
	if c.Sock == nil || c.Sock.Conn == nil {
		return false, driver.ErrUnsupported
	}
	if c.hasPendingRead() {
		return true, nil
	}
	scratch := make([]byte, recvBufferSize)
	deadline := time.Now().Add(timeout)
	n, err := c.Driver.Recv(c.Sock, scratch, deadline)
	if err == driver.ErrTimeout || err == driver.ErrWouldBlock {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n > 0 {
		c.stashPendingRead(scratch[:n])
	}
	return n > 0, nil
}
