// Package connchan implements the connection-channel registry: detached
// sockets owned by name outside the connection lifecycle, optionally
// driven by an event-loop-dispatched script callback (spec.md §4.3).
//
// Grounded on original_source/nsd/connchan.c's NsConnChan/Callback
// structures and dispatch function (NsTclConnChanProc), and on the
// teacher's single-goroutine command-channel worker loop
// (oriys-nova/internal/asyncqueue/worker.go) for the socket-event-loop
// collaborator in eventloop.go.
package connchan

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/servcore/internal/driver"
	"github.com/oriys/servcore/internal/metrics"
)

// When is a bitset over the callback conditions a channel can register
// for: readable, writable, exception, exit. Timeout is not registrable,
// and EventLoop does not report a timeout condition to the script.
type When uint8

const (
	WhenReadable When = 1 << iota
	WhenWritable
	WhenException
	WhenExit
)

// ParseWhen validates and converts a whenString (spec.md §4.3's
// callback's non-empty subset of {'r','w','e','x'}, up to 4 chars).
func ParseWhen(s string) (When, error) {
	if s == "" {
		return 0, fmt.Errorf("connchan: empty when string")
	}
	if len(s) > 4 {
		return 0, fmt.Errorf("connchan: when string %q longer than 4 characters", s)
	}
	var w When
	for _, ch := range s {
		switch ch {
		case 'r':
			w |= WhenReadable
		case 'w':
			w |= WhenWritable
		case 'e':
			w |= WhenException
		case 'x':
			w |= WhenExit
		default:
			return 0, fmt.Errorf("connchan: invalid when character %q", ch)
		}
	}
	return w, nil
}

func (w When) String() string {
	var b []byte
	if w&WhenReadable != 0 {
		b = append(b, 'r')
	}
	if w&WhenWritable != 0 {
		b = append(b, 'w')
	}
	if w&WhenException != 0 {
		b = append(b, 'e')
	}
	if w&WhenExit != 0 {
		b = append(b, 'x')
	}
	return string(b)
}

// Callback is a registered script/closure and the when-mask it fires on.
// connChanPtr is a weak back-pointer to the owning channel: it is nulled
// out when the channel is freed while a dispatch may still be in flight
// (spec.md §4.3's "Callback lifecycle and race handling"), modeling the
// source's null-out-on-free pattern as an atomic.Pointer rather than a
// raw C pointer plus discipline.
type Callback struct {
	connChanPtr atomic.Pointer[Channel]

	ThreadName string
	When       When
	Script     CallbackFunc

	PollTimeout time.Duration
	RecvTimeout time.Duration
	SendTimeout time.Duration
}

// CallbackFunc is invoked by the event loop with the condition tag that
// fired. EventLoop delivers 'r' (readable), 'w' (writable) and 'e'
// (exception, on a receive error); it never delivers 'x' (exit) or 't'
// (timeout). Its return value is
// interpreted per spec.md §4.3 step 4: Continue keeps the callback
// registered, Close tears the channel down, Suspend cancels the
// socket-callback registration but keeps the channel alive.
type CallbackFunc func(channelName string, condition byte) CallbackResult

// CallbackResult is the three outcomes a callback script can request.
type CallbackResult int

const (
	CallbackContinue CallbackResult = iota
	CallbackClose
	CallbackSuspend
)

func (c *Callback) channel() *Channel { return c.connChanPtr.Load() }

// Channel is one detached, registry-owned socket (spec.md §3's
// ConnChannel).
type Channel struct {
	Name string

	Sock   *driver.Sock
	Driver driver.Driver

	Peer string

	RecvTimeout time.Duration
	SendTimeout time.Duration

	StartTime time.Time

	ClientData string
	Binary     bool

	mu          sync.Mutex
	rBytes      uint64
	wBytes      uint64
	callback    *Callback
	pendingRead []byte
}

// hasPendingRead reports whether a prior readiness poll already pulled
// bytes off the wire that a Read has not yet claimed.
func (c *Channel) hasPendingRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingRead) > 0
}

// stashPendingRead appends data (read during a readiness poll) to the
// channel's pending-read buffer for the next Read to drain.
func (c *Channel) stashPendingRead(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRead = append(c.pendingRead, data...)
}

// takePendingRead removes and returns the entire pending-read buffer, if
// any.
func (c *Channel) takePendingRead() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingRead) == 0 {
		return nil
	}
	data := c.pendingRead
	c.pendingRead = nil
	return data
}

// RBytes/WBytes return the channel's read/write byte counters.
func (c *Channel) RBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rBytes
}

func (c *Channel) WBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wBytes
}

func (c *Channel) addRBytes(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.rBytes += uint64(n)
	c.mu.Unlock()
	metrics.ObserveChannelBytes(c.Name, "read", n)
}

func (c *Channel) addWBytes(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.wBytes += uint64(n)
	c.mu.Unlock()
	metrics.ObserveChannelBytes(c.Name, "write", n)
}

// Callback returns the channel's currently registered callback, if any.
func (c *Channel) Callback() *Callback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback
}

// Errors returned by registry operations; every message names the
// offending channel per spec.md §7's error taxonomy.
var (
	ErrNotFound    = errors.New("connchan: no such channel")
	ErrBadWhen     = errors.New("connchan: malformed when string")
	ErrNotDetached = errors.New("connchan: connection is not active")
)
