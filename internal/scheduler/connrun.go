package scheduler

import (
	"context"
	"time"

	"github.com/oriys/servcore/internal/logging"
	"github.com/oriys/servcore/internal/observability"
)

// FilterResult is the three-valued result of a filter-chain phase
// (spec.md §9's "exception-for-control-flow" note: represented as a
// distinguishable sentinel rather than panics/exceptions).
type FilterResult int

const (
	FilterOK FilterResult = iota
	FilterReturn
	FilterError
)

// AuthResult is the outcome of authorizing a request.
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthForbidden
	AuthUnauthorized
	AuthError
)

// FilterChain runs the scripting/filter-chain collaborator's four phases
// (spec.md §6).
type FilterChain interface {
	PreAuth(ctx context.Context, conn *Conn) FilterResult
	PostAuth(ctx context.Context, conn *Conn) FilterResult
	Trace(ctx context.Context, conn *Conn)
	VoidTrace(ctx context.Context, conn *Conn)
}

// Authorizer decides whether a request is allowed to proceed.
type Authorizer interface {
	Authorize(ctx context.Context, conn *Conn) AuthResult
}

// Handler runs the request proper once filters and auth have passed
// (spec.md §6's runRequest).
type Handler interface {
	ServeConn(ctx context.Context, conn *Conn) (status int, err error)
}

// ConnIO is the connection I/O collaborator: writing response bytes and
// the canned status-page responders (spec.md §6).
type ConnIO interface {
	WriteChars(conn *Conn, buf []byte, stream bool) error
	ReturnNotFound(conn *Conn)
	ReturnUnavailable(conn *Conn)
	ReturnForbidden(conn *Conn)
	ReturnUnauthorized(conn *Conn)
	ReturnInternalError(conn *Conn)
}

// ConnRun services one admitted connection end to end (spec.md §4.2's
// "ConnRun"): driver-private callback, pre-auth filters, authorization,
// post-auth filters or request proc, trace filters, then fixed-order
// cleanup. It always closes the connection before running trace filters,
// matching the source's ordering so the driver's free callback runs
// before scripting-side deallocators that may need request data.
func ConnRun(ctx context.Context, conn *Conn) {
	ctx, span := observability.StartServerSpan(ctx, "scheduler.ConnRun",
		observability.AttrPoolName.String(conn.Pool.name),
		observability.AttrConnID.Int64(int64(conn.ID)),
	)
	defer span.End()

	start := time.Now()
	s := conn.Server

	if conn.Driver != nil {
		if status, err := conn.Driver.RequestProc(conn); err == nil {
			conn.Status = status
			closeAndTrace(ctx, conn)
			logDispatch(conn, start, "driver-request-proc")
			return
		}
	}

	if s.Filters != nil {
		switch s.Filters.PreAuth(ctx, conn) {
		case FilterError:
			conn.Status = 500
			if s.ConnIO != nil {
				s.ConnIO.ReturnInternalError(conn)
			}
			closeAndTrace(ctx, conn)
			logDispatch(conn, start, "pre-auth-error")
			return
		case FilterReturn:
			closeAndTrace(ctx, conn)
			logDispatch(conn, start, "pre-auth-filter-return")
			return
		}
	}

	authResult := AuthOK
	if s.Authorizer != nil {
		authResult = s.Authorizer.Authorize(ctx, conn)
	}

	switch authResult {
	case AuthForbidden:
		conn.Status = 403
		if s.ConnIO != nil {
			s.ConnIO.ReturnForbidden(conn)
		}
	case AuthUnauthorized:
		conn.Status = 401
		if s.ConnIO != nil {
			s.ConnIO.ReturnUnauthorized(conn)
		}
	case AuthError:
		conn.Status = 500
		if s.ConnIO != nil {
			s.ConnIO.ReturnInternalError(conn)
		}
	case AuthOK:
		runPostAuth(ctx, conn)
	}

	closeAndTrace(ctx, conn)
	logDispatch(conn, start, "served")
}

func runPostAuth(ctx context.Context, conn *Conn) {
	s := conn.Server
	if s.Filters != nil {
		if s.Filters.PostAuth(ctx, conn) == FilterReturn {
			return
		}
	}
	if s.Handler != nil {
		status, err := s.Handler.ServeConn(ctx, conn)
		if err != nil {
			conn.Status = 500
			if s.ConnIO != nil {
				s.ConnIO.ReturnInternalError(conn)
			}
			return
		}
		conn.Status = status
	}
}

func closeAndTrace(ctx context.Context, conn *Conn) {
	if !conn.Closed && conn.Sock != nil && conn.Sock.Conn != nil {
		_ = conn.Sock.Conn.Close()
	}
	conn.Closed = true
	s := conn.Server
	if s.Filters != nil {
		s.Filters.Trace(ctx, conn)
		s.Filters.VoidTrace(ctx, conn)
	}
}

func logDispatch(conn *Conn, start time.Time, outcome string) {
	elapsed := time.Since(start)
	logging.Op().Info("conn dispatched",
		"pool", conn.Pool.name,
		"conn_id", conn.ID,
		"method", conn.Method,
		"url", conn.URL,
		"status", conn.Status,
		"duration_ms", elapsed.Milliseconds(),
		"outcome", outcome,
	)
	logging.Default().Log(&logging.RequestLog{
		Server:     conn.Server.Name,
		Pool:       conn.Pool.name,
		ConnID:     conn.ID,
		Method:     conn.Method,
		URL:        conn.URL,
		Status:     conn.Status,
		DurationMs: elapsed.Milliseconds(),
		Success:    conn.Status < 500,
	})
}
