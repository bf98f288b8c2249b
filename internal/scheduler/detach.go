package scheduler

import "errors"

// ErrAlreadyClosed is returned by Detach when the connection has already
// been closed (by ConnRun's cleanup or a prior Detach).
var ErrAlreadyClosed = errors.New("scheduler: connection already closed")

// Detach implements spec.md §4.3's detach() integration point from the
// scheduler side: it must be called while conn is still active (i.e. from
// within a Handler/FilterChain callback during ConnRun), and transfers
// conn's Sock into the server's connection-channel registry under a new
// name. The Conn is marked Closed so ConnRun's own close-and-trace
// sequence — and any introspection via GetConn — observes "not
// connected", exactly as if the driver's free callback had already run.
func (c *Conn) Detach(clientData string) (string, error) {
	if c.Closed {
		return "", ErrAlreadyClosed
	}
	ch := c.Server.Channels.Detach(c.Sock, c.Driver, clientData)
	c.Sock = nil
	c.Closed = true
	return ch.Name, nil
}
