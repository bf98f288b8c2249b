package main

import (
	"context"
	"time"

	"github.com/oriys/servcore/internal/cache"
	"github.com/oriys/servcore/internal/connchan"
	"github.com/oriys/servcore/internal/logging"
	"github.com/oriys/servcore/internal/scheduler"
)

// defaultIO is the ConnIO collaborator for the built-in handler: it writes
// a minimal HTTP/1.1 response over the conn's own driver, the same path
// writeVector uses for connchan's write(), rather than reaching into
// net.Conn directly.
type defaultIO struct{}

func (defaultIO) write(conn *scheduler.Conn, status int, statusText string, body []byte) error {
	header := "HTTP/1.1 " + itoa(status) + " " + statusText + "\r\n" +
		"Content-Length: " + itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n"
	deadline := time.Now().Add(5 * time.Second)
	if _, err := conn.Driver.Send(conn.Sock, [][]byte{[]byte(header), body}, deadline); err != nil {
		return err
	}
	conn.Status = status
	conn.ResponseLength = int64(len(body))
	conn.BytesSent = int64(len(header) + len(body))
	return nil
}

func (d defaultIO) WriteChars(conn *scheduler.Conn, buf []byte, stream bool) error {
	return d.write(conn, 200, "OK", buf)
}

func (d defaultIO) ReturnNotFound(conn *scheduler.Conn) {
	d.write(conn, 404, "Not Found", []byte("not found"))
}

func (d defaultIO) ReturnUnavailable(conn *scheduler.Conn) {
	d.write(conn, 503, "Service Unavailable", []byte("service unavailable"))
}

func (d defaultIO) ReturnForbidden(conn *scheduler.Conn) {
	d.write(conn, 403, "Forbidden", []byte("forbidden"))
}

func (d defaultIO) ReturnUnauthorized(conn *scheduler.Conn) {
	d.write(conn, 401, "Unauthorized", []byte("unauthorized"))
}

func (d defaultIO) ReturnInternalError(conn *scheduler.Conn) {
	d.write(conn, 500, "Internal Server Error", []byte("internal error"))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// cachingHandler serves GET requests out of a named response cache,
// falling through to a canned body and populating the cache on miss — a
// stand-in request proc exercising internal/cache's GetOrCompute/single-flight
// path from real traffic, grounded on the teacher's handler-per-route
// dispatch (oriys-nova/internal/gateway).
type cachingHandler struct {
	pages *cache.Cache
}

func (h *cachingHandler) ServeConn(ctx context.Context, conn *scheduler.Conn) (int, error) {
	if h.pages == nil || conn.Method != "GET" {
		return 200, defaultIO{}.WriteChars(conn, []byte("ok\n"), false)
	}
	body, err := h.pages.GetOrCompute(conn.URL, time.Now().Add(2*time.Second), func() ([]byte, time.Duration, time.Duration, error) {
		return []byte("generated:" + conn.URL + "\n"), h.pages.DefaultTTL(), 0, nil
	})
	if err != nil {
		return 500, err
	}
	return 200, defaultIO{}.WriteChars(conn, body, false)
}

// passthroughFilters is a no-op FilterChain: every phase simply proceeds,
// which is a legitimate FilterChain per spec.md §6 ("no scripting
// collaborator installed").
type passthroughFilters struct{}

func (passthroughFilters) PreAuth(ctx context.Context, conn *scheduler.Conn) scheduler.FilterResult {
	return scheduler.FilterOK
}
func (passthroughFilters) PostAuth(ctx context.Context, conn *scheduler.Conn) scheduler.FilterResult {
	return scheduler.FilterOK
}
func (passthroughFilters) Trace(ctx context.Context, conn *scheduler.Conn) {
	logging.Op().Debug("trace", "conn_id", conn.ID, "url", conn.URL, "status", conn.Status)
}
func (passthroughFilters) VoidTrace(ctx context.Context, conn *scheduler.Conn) {}

// channelDetachHandler wraps another Handler and detaches long-poll
// requests (an "Upgrade: connchan" header) into the connection-channel
// registry instead of letting ConnRun close the socket, exercising
// detach() from the serving path per spec.md §4.3.
type channelDetachHandler struct {
	next     scheduler.Handler
	channels *connchan.Registry
}

func (h *channelDetachHandler) ServeConn(ctx context.Context, conn *scheduler.Conn) (int, error) {
	if up := conn.Headers["Upgrade"]; len(up) > 0 && up[0] == "connchan" {
		name, err := conn.Detach("")
		if err != nil {
			return 500, err
		}
		logging.Op().Info("connection detached to channel registry", "channel", name)
		return 101, nil
	}
	return h.next.ServeConn(ctx, conn)
}
