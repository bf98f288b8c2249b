// Package driver defines the pluggable transport contract the scheduler
// and connection-channel registry depend on. A driver accepts sockets,
// performs the raw send/recv I/O, and optionally initializes TLS on a
// socket or runs a driver-private request callback; it never runs the
// filter chain or request proc itself.
package driver

import (
	"errors"
	"net"
	"time"
)

// Sock is the minimal view of an accepted connection that the scheduler
// and connection-channel registry need: enough to read/write and to know
// where it came from. Drivers hand these to the scheduler via QueueConn
// and to the registry via Detach/Open/Listen.
type Sock struct {
	Conn net.Conn

	// DriverName identifies which registered Driver owns this socket.
	DriverName string

	// PeerAddr is the remote address, cached at accept time so it
	// survives after the socket is detached and Conn may be replaced.
	PeerAddr string

	// Pre-parse flags carried from request-line/header parsing, a subset
	// of which is transferred onto the Conn at admission time.
	EntityTooLarge bool
	URITooLong     bool
	LineTooLong    bool

	// ParsedRequest holds the method/URL/headers the driver's request-line
	// parser produced before handing the socket to the scheduler. The
	// parser itself is out of scope (spec.md §1); only this contract is.
	Request ParsedRequest
}

// ParsedRequest is the external request-line/header parser's contract.
type ParsedRequest struct {
	Method        string
	URL           string
	Version       string
	Headers       map[string][]string
	ContentLength int64
}

// ErrWouldBlock is returned by Send/Recv when the underlying descriptor
// is not currently ready and no timeout was configured, mirroring the
// driver ABI's "try again" result (spec.md §4.3's send path, §6's recvProc).
var ErrWouldBlock = errors.New("driver: would block")

// ErrTimeout is returned when a send or recv deadline elapses.
var ErrTimeout = errors.New("driver: timeout")

// Driver is the ABI-compatible transport collaborator described in
// spec.md §6. Capabilities beyond Send/Recv are optional; a driver that
// does not support them returns ErrUnsupported from ClientInit/RequestProc.
type Driver interface {
	// Name is the registered driver name, e.g. "nssock" or "nsssl".
	Name() string

	// Send writes iov to sock, honoring the given deadline (zero value
	// means no deadline — block according to the socket's own settings).
	// Returns the number of bytes written and ErrWouldBlock/ErrTimeout on
	// the conditions their names describe.
	Send(sock *Sock, iov [][]byte, deadline time.Time) (int, error)

	// Recv reads into buf, honoring the given deadline the same way Send
	// does. Returns 0, ErrWouldBlock when the driver reports "try again".
	Recv(sock *Sock, buf []byte, deadline time.Time) (int, error)

	// ClientInit optionally performs a TLS client handshake using an
	// opaque context (e.g. *tls.Config) supplied by the caller. Drivers
	// that are not TLS-capable return ErrUnsupported.
	ClientInit(sock *Sock, tlsCtx any, sniHostname string) error

	// RequestProc optionally intercepts a request before the filter
	// chain runs. Drivers without a private request callback return
	// (0, ErrUnsupported) and the scheduler proceeds normally.
	RequestProc(conn any) (status int, err error)
}

// ErrUnsupported is returned by optional Driver capabilities that a given
// implementation does not provide.
var ErrUnsupported = errors.New("driver: capability not supported")

// Registry is a process-wide, name-keyed directory of registered drivers,
// replacing the source's global driver table (spec.md §9 "global mutable
// state" — a single runtime object created at startup and passed by
// reference rather than a package-level map).
type Registry struct {
	byName map[string]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Driver)}
}

// Register adds a driver under its own Name(). Re-registration under the
// same name replaces the previous entry.
func (r *Registry) Register(d Driver) {
	r.byName[d.Name()] = d
}

// Get looks a driver up by name.
func (r *Registry) Get(name string) (Driver, bool) {
	d, ok := r.byName[name]
	return d, ok
}
