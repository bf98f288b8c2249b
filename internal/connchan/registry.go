package connchan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/servcore/internal/driver"
	"github.com/oriys/servcore/internal/logging"
	"github.com/oriys/servcore/internal/metrics"
)

// ErrTimeout is returned by Read/Write when their configured deadline
// elapses without completing.
var ErrTimeout = driver.ErrTimeout

// Registry is a per-server table of detached channels (spec.md §4.3). It
// uses a reader/writer lock: Find/List/Exists take the read lock;
// structural operations (Detach, and through it Open and AcceptInto;
// Close; Callback) take the write lock. Listen only builds a Listener
// value and takes no lock. The registry never owns the socket-event thread itself —
// it only enqueues commands to the EventLoop, per spec.md §4.3's
// concurrency note.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	counter  uint64

	loop *EventLoop
}

// NewRegistry creates an empty registry backed by its own running event
// loop.
func NewRegistry() *Registry {
	loop := NewEventLoop()
	loop.Start()
	return &Registry{
		channels: make(map[string]*Channel),
		loop:     loop,
	}
}

// Shutdown stops the registry's event loop. Does not close any remaining
// channel sockets — callers should Close each channel explicitly during
// shutdown.
func (r *Registry) Shutdown() {
	r.loop.Stop()
}

func (r *Registry) nextName() string {
	id := atomic.AddUint64(&r.counter, 1)
	return fmt.Sprintf("conn%d", id)
}

// Detach transfers sock into a freshly allocated Channel and registers it
// under a process-monotonic name ("conn<n>"). Must be called while the
// connection is still active; the caller is responsible for marking its
// own Conn closed afterward so higher layers observe "not connected".
func (r *Registry) Detach(sock *driver.Sock, drv driver.Driver, clientData string) *Channel {
	ch := &Channel{
		Sock:        sock,
		Driver:      drv,
		Peer:        sock.PeerAddr,
		StartTime:   time.Now(),
		ClientData:  clientData,
		Binary:      true,
	}

	r.mu.Lock()
	ch.Name = r.nextName()
	r.channels[ch.Name] = ch
	r.mu.Unlock()

	metrics.ObserveChannelOpened()
	return ch
}

// Open dials a new client socket via drv, optionally performing a TLS
// client-init handshake (https-protocol drivers), and registers it as a
// new channel, per spec.md §4.3's open() verb. The request header is
// written with the vector-send path before returning.
func (r *Registry) Open(drv driver.Driver, header []byte, https bool, tlsCtx any, sniHostname string, sock *driver.Sock, connectTimeout time.Duration) (*Channel, error) {
	if https {
		if err := drv.ClientInit(sock, tlsCtx, sniHostname); err != nil && err != driver.ErrUnsupported {
			return nil, err
		}
	}
	ch := r.Detach(sock, drv, uuid.New().String())
	if len(header) > 0 {
		if _, err := r.writeVector(ch, [][]byte{header}, connectTimeout); err != nil {
			r.Close(ch.Name)
			return nil, err
		}
	}
	return ch, nil
}

// ListenOptions configures Listen.
type ListenOptions struct {
	Address string
	Port    int
	Driver  driver.Driver
	Script  func(channelName string) bool // false result closes the new channel
}

// Listener is returned by Listen; callers use it to accept connections
// using whatever platform-listen mechanism owns Address:Port (the actual
// bind/accept loop lives outside this package per spec.md §1 — this
// models only the per-accepted-socket wiring).
type Listener struct {
	Options ListenOptions
}

// Listen installs a listen-callback entry that, given an already-accepted
// socket, wraps it as a channel and invokes script with the channel name
// appended.
func (r *Registry) Listen(opts ListenOptions) *Listener {
	return &Listener{Options: opts}
}

// AcceptInto is called by the listen-socket accept layer (external
// collaborator, spec.md §1) for each newly accepted connection under a
// Listener: wrap it as a channel, then run the listener's script.
func (r *Registry) AcceptInto(l *Listener, sock *driver.Sock) *Channel {
	ch := r.Detach(sock, l.Options.Driver, "")
	if l.Options.Script != nil && !l.Options.Script(ch.Name) {
		r.Close(ch.Name)
		return nil
	}
	return ch
}

// Find looks a channel up by name under the read lock.
func (r *Registry) Find(name string) (*Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return ch, nil
}

// Exists reports whether name is currently registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// List returns every registered channel name.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// recvBufferSize is the fixed-size receive buffer used by Read,
// spec.md §4.3's "16 KiB is appropriate" default.
const recvBufferSize = 16 * 1024

// Read issues one driver-level receive on the named channel, retrying
// while the driver reports "would block", and bounded by the channel's
// configured recv timeout (or, if zero, no deadline).
func (r *Registry) Read(name string) ([]byte, error) {
	ch, err := r.Find(name)
	if err != nil {
		return nil, err
	}
	if !ch.Binary {
		// Non-binary (text) channels are not first-class; spec.md §4.3
		// only requires they log a warning, not that reads fail.
		logging.Op().Warn("connchan read on non-binary channel", "channel", name)
	}

	if pending := ch.takePendingRead(); pending != nil {
		ch.addRBytes(len(pending))
		return pending, nil
	}

	var deadline time.Time
	if ch.RecvTimeout > 0 {
		deadline = time.Now().Add(ch.RecvTimeout)
	}
	buf := make([]byte, recvBufferSize)
	for {
		n, err := ch.Driver.Recv(ch.Sock, buf, deadline)
		if err == driver.ErrWouldBlock {
			continue
		}
		if err == driver.ErrTimeout {
			return nil, ErrTimeout
		}
		if err != nil {
			return nil, err
		}
		ch.addRBytes(n)
		return buf[:n], nil
	}
}

// Write issues a vector-send of data on the named channel.
func (r *Registry) Write(name string, data []byte) (int, error) {
	ch, err := r.Find(name)
	if err != nil {
		return 0, err
	}
	n, err := r.writeVector(ch, [][]byte{data}, ch.SendTimeout)
	if err != nil {
		return n, err
	}
	return n, nil
}

// writeVector implements spec.md §4.3's send path: call the driver's
// send; would-block with no timeout returns bytes sent so far; a
// configured timeout bounds the whole call (the driver itself honors the
// deadline across its internal retry/partial-write loop).
func (r *Registry) writeVector(ch *Channel, bufs [][]byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	total := 0
	for _, buf := range bufs {
		n, err := ch.Driver.Send(ch.Sock, [][]byte{buf}, deadline)
		total += n
		if err != nil {
			if err == driver.ErrWouldBlock && timeout <= 0 {
				ch.addWBytes(total)
				return total, nil
			}
			if err == driver.ErrTimeout {
				ch.addWBytes(total)
				return total, ErrTimeout
			}
			ch.addWBytes(total)
			return total, err
		}
	}
	ch.addWBytes(total)
	return total, nil
}

// Callback registers or replaces a callback on the named channel
// (spec.md §4.3's callback verb). Replacing an existing callback first
// cancels its socket-callback registration on the event loop, per the
// race-handling sequence the Callback type's doc describes.
func (r *Registry) Callback(name string, whenString string, script CallbackFunc, pollTimeout, recvTimeout, sendTimeout time.Duration) error {
	when, err := ParseWhen(whenString)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadWhen, err)
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	cb := &Callback{
		ThreadName:  "connchan-loop",
		When:        when,
		Script:      script,
		PollTimeout: pollTimeout,
		RecvTimeout: recvTimeout,
		SendTimeout: sendTimeout,
	}
	cb.connChanPtr.Store(ch)

	existing := ch.callback
	ch.callback = cb
	if recvTimeout > 0 {
		ch.RecvTimeout = recvTimeout
	}
	if sendTimeout > 0 {
		ch.SendTimeout = sendTimeout
	}
	r.mu.Unlock()

	if existing != nil {
		r.loop.Cancel(ch, nil)
	}
	r.loop.Register(ch, cb, r)
	return nil
}

// dispatch is invoked on the event loop's single goroutine for each fired
// condition. It re-checks the callback's weak back-pointer before
// touching channel state (spec.md §4.3 step 3): the script may have
// already deleted the channel, racing with this very dispatch.
func (r *Registry) dispatch(ch *Channel, cb *Callback, condition byte) CallbackResult {
	if cb.channel() == nil {
		return CallbackClose
	}
	result := cb.Script(ch.Name, condition)
	switch result {
	case CallbackClose:
		if cb.channel() != nil {
			r.closeLocked(ch, cb)
		}
	case CallbackSuspend:
		// Leave the channel alive; the caller-side watcher stops polling
		// but the registry entry and Callback record remain.
	}
	return result
}

// Close removes a channel from the registry, canceling any registered
// callback first (asynchronously — the cancel's completion is what
// finally releases the Callback record, per spec.md §4.3 step 5) and
// closing its socket.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cb := ch.callback
	delete(r.channels, name)
	r.mu.Unlock()

	r.finishClose(ch, cb)
	return nil
}

// closeLocked removes an already-looked-up channel (ch must still be
// registered under its own name) and finishes closing it. Used by
// dispatch's CallbackClose path, where the channel hasn't been removed
// from the map yet.
func (r *Registry) closeLocked(ch *Channel, cb *Callback) {
	r.mu.Lock()
	if r.channels[ch.Name] != ch {
		r.mu.Unlock()
		return
	}
	delete(r.channels, ch.Name)
	r.mu.Unlock()

	r.finishClose(ch, cb)
}

// finishClose nulls cb's weak back-pointer and queues the socket-close on
// the event loop. ch must already be removed from r.channels — finishClose
// never re-derives it from the map, so it runs exactly once regardless of
// which caller (Close or closeLocked) already did the removal.
func (r *Registry) finishClose(ch *Channel, cb *Callback) {
	if cb != nil {
		// Null the weak back-pointer before queuing the cancel so any
		// dispatch still in flight observes either a valid channel or a
		// nulled pointer, never a dangling one.
		cb.connChanPtr.Store(nil)
	}
	if ch == nil {
		return
	}
	r.loop.Cancel(ch, func() {
		if ch.Sock != nil && ch.Sock.Conn != nil {
			_ = ch.Sock.Conn.Close()
		}
		metrics.ObserveChannelClosed()
	})
}
