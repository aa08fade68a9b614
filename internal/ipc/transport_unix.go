//go:build !windows

package ipc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// maxUnixSocketPathLen is the platform socket name length limit (sun_path on
// Linux is 108 bytes including the trailing NUL; leave headroom).
const maxUnixSocketPathLen = 100

// NewSocketPath picks a Unix domain socket path for one job under workDir,
// falling back to the system temp directory when workDir's path would
// exceed the platform limit (spec §4.3 step 2).
func NewSocketPath(workDir, jobId string) string {
	name := fmt.Sprintf(".runner-%s.sock", jobId)
	path := filepath.Join(workDir, name)
	if len(path) <= maxUnixSocketPathLen {
		return path
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("runner-%s.sock", uuid.NewString()))
}

// Listener wraps a net.Listener bound to a Unix domain socket, removing the
// socket file on Close.
type Listener struct {
	path string
	ln   net.Listener
}

// Listen binds a Unix domain socket at path, removing any stale file left
// behind by a prior crashed run.
func Listen(path string) (*Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	return &Listener{path: path, ln: ln}, nil
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

// Close closes the listener and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	os.Remove(l.path)
	return err
}

// Dial connects to a Unix domain socket, used by the worker side.
func Dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
