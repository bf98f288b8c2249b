package connchan

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/oriys/servcore/internal/driver"
)

// waitClosed polls conn until a write on it fails, proving the peer end
// was closed, or fails the test once deadline elapses.
func waitClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		_, err := conn.Write([]byte("x"))
		if err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the underlying conn to be closed, still accepting writes after 1s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// pipeDriver is a minimal driver.Driver over net.Pipe for tests: no
// TLS/request-proc support, blocking Send/Recv honoring deadlines.
type pipeDriver struct{}

func (pipeDriver) Name() string { return "pipe" }

func (pipeDriver) Send(sock *driver.Sock, iov [][]byte, deadline time.Time) (int, error) {
	if !deadline.IsZero() {
		_ = sock.Conn.SetWriteDeadline(deadline)
		defer sock.Conn.SetWriteDeadline(time.Time{})
	}
	total := 0
	for _, b := range iov {
		n, err := sock.Conn.Write(b)
		total += n
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return total, driver.ErrTimeout
			}
			return total, err
		}
	}
	return total, nil
}

func (pipeDriver) Recv(sock *driver.Sock, buf []byte, deadline time.Time) (int, error) {
	if !deadline.IsZero() {
		_ = sock.Conn.SetReadDeadline(deadline)
		defer sock.Conn.SetReadDeadline(time.Time{})
	}
	n, err := sock.Conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, driver.ErrTimeout
		}
		return n, err
	}
	return n, nil
}

func (pipeDriver) ClientInit(sock *driver.Sock, tlsCtx any, sniHostname string) error {
	return driver.ErrUnsupported
}

func (pipeDriver) RequestProc(conn any) (int, error) { return 0, driver.ErrUnsupported }

func newPipeChannel(t *testing.T, r *Registry) (*Channel, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	sock := &driver.Sock{Conn: server, DriverName: "pipe", PeerAddr: "pipe"}
	ch := r.Detach(sock, pipeDriver{}, "")
	return ch, client
}

func TestRegistry_DetachAssignsMonotonicNames(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	ch1, _ := newPipeChannel(t, r)
	ch2, _ := newPipeChannel(t, r)
	if ch1.Name == ch2.Name {
		t.Fatalf("expected distinct channel names, got %q twice", ch1.Name)
	}
	if !r.Exists(ch1.Name) || !r.Exists(ch2.Name) {
		t.Fatalf("expected both channels registered")
	}
}

func TestRegistry_WriteThenRead(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()
	ch, client := newPipeChannel(t, r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		_, _ = client.Read(buf)
	}()

	n, err := r.Write(ch.Name, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}
	<-done
	if ch.WBytes() != 5 {
		t.Fatalf("expected WBytes()==5, got %d", ch.WBytes())
	}
}

func TestRegistry_Read(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()
	ch, client := newPipeChannel(t, r)

	go func() { _, _ = client.Write([]byte("payload")) }()

	data, err := r.Read(ch.Name)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", data)
	}
	if ch.RBytes() != uint64(len("payload")) {
		t.Fatalf("expected RBytes()==%d, got %d", len("payload"), ch.RBytes())
	}
}

func TestRegistry_CloseRemovesChannel(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()
	ch, client := newPipeChannel(t, r)

	if err := r.Close(ch.Name); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Exists(ch.Name) {
		t.Fatalf("expected channel to be gone after Close")
	}
	if _, err := r.Read(ch.Name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound reading a closed channel, got %v", err)
	}

	// The socket close itself is queued onto the event loop goroutine
	// (EventLoop.Cancel's onDone), so it can land slightly after Close
	// returns — poll the peer side of the pipe rather than asserting it
	// immediately.
	waitClosed(t, client)
}

// TestCallback_SelfClose directly mirrors spec.md §8 scenario 5: a
// when="r" callback that returns CallbackClose on its first fire must
// leave the channel absent from the registry afterward.
func TestCallback_SelfClose(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()
	ch, client := newPipeChannel(t, r)

	fired := make(chan struct{}, 1)
	err := r.Callback(ch.Name, "r", func(channelName string, condition byte) CallbackResult {
		fired <- struct{}{}
		return CallbackClose
	}, 50*time.Millisecond, 0, 0)
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	go func() { _, _ = client.Write([]byte("x")) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never fired")
	}

	deadline := time.Now().Add(time.Second)
	for r.Exists(ch.Name) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Exists(ch.Name) {
		t.Fatalf("expected channel removed after a close-returning callback")
	}
	if _, err := r.Read(ch.Name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pending read on a closed channel to fail with ErrNotFound, got %v", err)
	}
}

// TestCallback_BadWhen covers the client-error path of spec.md §4.3's
// callback() operation.
func TestCallback_BadWhen(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()
	ch, _ := newPipeChannel(t, r)

	err := r.Callback(ch.Name, "z", func(string, byte) CallbackResult { return CallbackContinue }, 0, 0, 0)
	if err == nil {
		t.Fatalf("expected an error for an invalid when string")
	}
}

// TestDetach_SurvivesHandlerReturn mirrors spec.md §8 scenario 6: once a
// socket is detached into the registry, it must remain reachable by name
// (and usable) independent of whatever "handler" created it having
// already returned.
func TestDetach_SurvivesHandlerReturn(t *testing.T) {
	r := NewRegistry()
	defer r.Shutdown()

	handler := func() string {
		ch, _ := newPipeChannel(t, r)
		return ch.Name
	}
	name := handler() // the "connection" is long gone by the time this returns

	if !r.Exists(name) {
		t.Fatalf("expected detached channel to survive handler return")
	}
	if err := r.Close(name); err != nil {
		t.Fatalf("Close on a post-handler channel: %v", err)
	}
}

func TestParseWhen(t *testing.T) {
	w, err := ParseWhen("rw")
	if err != nil {
		t.Fatalf("ParseWhen(rw): %v", err)
	}
	if w&WhenReadable == 0 || w&WhenWritable == 0 {
		t.Fatalf("expected both readable and writable bits set, got %v", w)
	}
	if _, err := ParseWhen(""); err == nil {
		t.Fatalf("expected an error for an empty when string")
	}
	if _, err := ParseWhen("q"); err == nil {
		t.Fatalf("expected an error for an invalid when character")
	}
}
