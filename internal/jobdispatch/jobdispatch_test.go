package jobdispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreactions/runner/internal/ipc"
	"github.com/coreactions/runner/internal/protocol"
)

// writeFakeWorkerScript writes a `sh` script that exits 0 at once and
// returns its path, for use as the Dispatcher's worker binary path. The
// tests below never reach the spawn step, so the script does not connect to
// the socket or read a frame.
func writeFakeWorkerScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakeworker.sh")
	script := "#!/bin/sh\nexit 0\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDispatchRefusesDuplicateJobId(t *testing.T) {
	d := New(writeFakeWorkerScript(t), t.TempDir(), nil)
	d.mu.Lock()
	d.running["job-1"] = &workerRun{jobId: "job-1", done: make(chan struct{})}
	d.mu.Unlock()

	err := d.Dispatch(context.Background(), protocol.JobRequest{JobId: "job-1"})
	if err != nil {
		t.Fatalf("expected duplicate dispatch to be a silent no-op, got %v", err)
	}
}

func TestIsBusyReflectsRunningSet(t *testing.T) {
	d := New(writeFakeWorkerScript(t), t.TempDir(), nil)
	if d.IsBusy() {
		t.Fatal("expected IsBusy() == false with no jobs running")
	}
	d.mu.Lock()
	d.running["job-1"] = &workerRun{jobId: "job-1", done: make(chan struct{})}
	d.mu.Unlock()
	if !d.IsBusy() {
		t.Fatal("expected IsBusy() == true with a job running")
	}
}

func TestCancelUnknownJobIsNoop(t *testing.T) {
	d := New(writeFakeWorkerScript(t), t.TempDir(), nil)
	if err := d.Cancel(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("Cancel on unknown job = %v, want nil", err)
	}
}

// TestSocketPathFallsBackWhenTooLong exercises ipc.NewSocketPath indirectly,
// grounding that Dispatch would use the temp-dir fallback for a very long
// work directory (spec §4.3 step 2).
func TestSocketPathFallsBackWhenTooLong(t *testing.T) {
	longDir := "/tmp/" + string(make([]byte, 200))
	for i := range longDir {
		if longDir[i] == 0 {
			break
		}
	}
	workDir := "/a/very/long/path/that/would/exceed/the/platform/socket/name/length/limit/for/sure/definitely"
	path := ipc.NewSocketPath(workDir, "job-123")
	if len(path) == 0 {
		t.Fatal("expected a non-empty socket path")
	}
	if strings.HasPrefix(path, workDir) {
		t.Fatalf("socket path %q is still under the over-long work directory", path)
	}
}

func TestDispatchTimingConstantsMatchSpec(t *testing.T) {
	if sigintWait != 7500*time.Millisecond {
		t.Fatalf("sigintWait = %v, want 7.5s", sigintWait)
	}
	if sigtermWait != 2500*time.Millisecond {
		t.Fatalf("sigtermWait = %v, want 2.5s", sigtermWait)
	}
}
