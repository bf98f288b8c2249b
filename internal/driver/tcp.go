package driver

import (
	"errors"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TCPDriver is the default, non-TLS Driver implementation: a thin wrapper
// over net.Conn's deadline-based I/O. It distinguishes EAGAIN/EWOULDBLOCK
// ("try again") from a hard failure the way the source's nssock driver
// does, matching the errno with golang.org/x/sys/unix; deadline expiry is
// classified separately through net.Error.Timeout().
type TCPDriver struct {
	name string
}

// NewTCPDriver constructs a TCPDriver registered under name.
func NewTCPDriver(name string) *TCPDriver {
	if name == "" {
		name = "nssock"
	}
	return &TCPDriver{name: name}
}

func (d *TCPDriver) Name() string { return d.name }

func (d *TCPDriver) Send(sock *Sock, iov [][]byte, deadline time.Time) (int, error) {
	if sock == nil || sock.Conn == nil {
		return 0, errors.New("driver: nil socket")
	}
	if err := sock.Conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	total := 0
	for _, buf := range iov {
		for len(buf) > 0 {
			n, err := sock.Conn.Write(buf)
			total += n
			buf = buf[n:]
			if err != nil {
				if isWouldBlock(err) {
					return total, ErrWouldBlock
				}
				if isTimeout(err) {
					return total, ErrTimeout
				}
				return total, err
			}
		}
	}
	return total, nil
}

func (d *TCPDriver) Recv(sock *Sock, buf []byte, deadline time.Time) (int, error) {
	if sock == nil || sock.Conn == nil {
		return 0, errors.New("driver: nil socket")
	}
	if err := sock.Conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := sock.Conn.Read(buf)
	if err != nil {
		if isWouldBlock(err) {
			return n, ErrWouldBlock
		}
		if isTimeout(err) {
			return n, ErrTimeout
		}
		return n, err
	}
	return n, nil
}

func (d *TCPDriver) ClientInit(sock *Sock, tlsCtx any, sniHostname string) error {
	return ErrUnsupported
}

func (d *TCPDriver) RequestProc(conn any) (int, error) {
	return 0, ErrUnsupported
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isWouldBlock reports whether err ultimately wraps EAGAIN/EWOULDBLOCK,
// the condition the source's drivers treat as "try again" rather than a
// broken connection.
func isWouldBlock(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == unix.EAGAIN || errno == unix.EWOULDBLOCK
	}
	return false
}
