//go:build windows

package ipc

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// NewSocketPath builds a named pipe path for one job. Windows named pipes
// live in their own namespace (\\.\pipe\...) so there is no work-directory
// length concern, unlike the Unix domain socket case (spec §4.3 step 2).
func NewSocketPath(_ string, jobId string) string {
	return `\\.\pipe\runner-` + jobId
}

// Listener wraps a go-winio named pipe listener.
type Listener struct {
	ln net.Listener
}

// Listen creates a named pipe listener at path.
func Listen(path string) (*Listener, error) {
	ln, err := winio.ListenPipe(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on pipe %s: %w", path, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until the worker connects, honoring ctx cancellation.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// Close closes the pipe listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to a named pipe, used by the worker side.
func Dial(path string) (net.Conn, error) {
	return winio.DialPipeContext(context.Background(), path)
}
