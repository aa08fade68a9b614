// Package jobdispatch spawns and supervises worker child processes (spec
// §4.3): one worker per job, connected back to the listener over the framed
// IPC channel in internal/ipc, with staged signal escalation on
// cancellation. Process-lifecycle idiom (CommandContext, StdoutPipe/Start/
// Wait, kill-on-cancel) is grounded on
// agent/internal/restic/wrapper.go's buildCmd/runWithProgress.
package jobdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/errkind"
	"github.com/coreactions/runner/internal/ipc"
	"github.com/coreactions/runner/internal/protocol"
)

const (
	// sigintWait and sigtermWait are the cancellation escalation delays
	// (spec §4.3, §5 Timeouts).
	sigintWait  = 7500 * time.Millisecond
	sigtermWait = 2500 * time.Millisecond
)

// workerRun tracks one in-flight worker process.
type workerRun struct {
	jobId  string
	cmd    *exec.Cmd
	conn   net.Conn
	done   chan struct{}
	exitCh chan error
	result int

	// escalateOnce guards against running the cancel-frame-then-signal
	// escalation twice when both the job's context is cancelled and an
	// explicit JobCancel message arrive for the same job.
	escalateOnce sync.Once
}

// Dispatcher spawns and tracks worker processes by job id.
type Dispatcher struct {
	workerBinPath string
	workDir       string
	logger        *zap.Logger

	mu      sync.Mutex
	running map[string]*workerRun
}

// New constructs a Dispatcher. workerBinPath is the path to the worker
// executable; workDir is the base directory used to site IPC socket files.
func New(workerBinPath, workDir string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workerBinPath: workerBinPath,
		workDir:       workDir,
		logger:        logger.Named("jobdispatch"),
		running:       make(map[string]*workerRun),
	}
}

// IsBusy reports whether any worker is currently in flight.
func (d *Dispatcher) IsBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running) > 0
}

// Dispatch refuses a duplicate job id already in flight (spec §4.3 step 1),
// otherwise spawns a worker, hands it the job over IPC, and waits for exit
// or cancellation in a supervisory goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, job protocol.JobRequest) error {
	d.mu.Lock()
	if _, exists := d.running[job.JobId]; exists {
		d.mu.Unlock()
		d.logger.Warn("ignoring duplicate job dispatch", zap.String("jobId", job.JobId))
		return nil
	}
	d.mu.Unlock()

	socketPath := ipc.NewSocketPath(d.workDir, job.JobId)
	ln, err := ipc.Listen(socketPath)
	if err != nil {
		return errkind.Wrap(errkind.Permanent, err)
	}

	cmd := exec.Command(d.workerBinPath, socketPath, job.JobId)
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		ln.Close()
		return errkind.Wrap(errkind.Permanent, fmt.Errorf("starting worker: %w", err))
	}
	d.logger.Info("worker spawned", zap.String("jobId", job.JobId), zap.Int("pid", cmd.Process.Pid))

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 30*time.Second)
	conn, err := ln.Accept(acceptCtx)
	acceptCancel()
	if err != nil {
		ln.Close()
		cmd.Process.Kill()
		return errkind.Wrap(errkind.Transient, fmt.Errorf("accepting worker connection: %w", err))
	}

	body, err := json.Marshal(job)
	if err != nil {
		conn.Close()
		ln.Close()
		cmd.Process.Kill()
		return errkind.Wrap(errkind.Permanent, err)
	}
	if err := ipc.WriteFrame(conn, ipc.Frame{Type: ipc.NewJobRequest, Body: body}); err != nil {
		conn.Close()
		ln.Close()
		cmd.Process.Kill()
		return errkind.Wrap(errkind.Transient, fmt.Errorf("sending job to worker: %w", err))
	}

	run := &workerRun{jobId: job.JobId, cmd: cmd, done: make(chan struct{})}
	d.mu.Lock()
	d.running[job.JobId] = run
	d.mu.Unlock()

	go d.supervise(ctx, run, conn, ln)

	return nil
}

// supervise waits for the worker to exit or for ctx to be cancelled, in
// which case it sends a cancel frame and escalates signals per spec §4.3.
func (d *Dispatcher) supervise(ctx context.Context, run *workerRun, conn net.Conn, ln *ipc.Listener) {
	defer func() {
		conn.Close()
		ln.Close()
		d.mu.Lock()
		delete(d.running, run.jobId)
		d.mu.Unlock()
		close(run.done)
	}()

	exitCh := make(chan error, 1)
	go func() { exitCh <- run.cmd.Wait() }()
	run.conn = conn
	run.exitCh = exitCh

	select {
	case err := <-exitCh:
		d.recordExit(run, err)
	case <-ctx.Done():
		d.escalate(run)
	}
}

// escalate sends the IPC CancelRequest frame and then escalates through
// SIGINT -> SIGTERM -> SIGKILL (spec §4.3, §5 Timeouts). It runs at most
// once per workerRun, whether triggered by the job's context being
// cancelled or by an explicit JobCancel message.
func (d *Dispatcher) escalate(run *workerRun) {
	run.escalateOnce.Do(func() { d.doEscalate(run) })
}

func (d *Dispatcher) doEscalate(run *workerRun) {
	ipc.WriteFrame(run.conn, ipc.Frame{Type: ipc.CancelRequest})

	select {
	case err := <-run.exitCh:
		d.recordExit(run, err)
		return
	case <-time.After(sigintWait):
	}

	sendInterrupt(run.cmd.Process)
	d.logger.Info("sent SIGINT to worker", zap.String("jobId", run.jobId))

	select {
	case err := <-run.exitCh:
		d.recordExit(run, err)
		return
	case <-time.After(sigtermWait):
	}

	sendTerminate(run.cmd.Process)
	d.logger.Info("sent SIGTERM to worker", zap.String("jobId", run.jobId))

	select {
	case err := <-run.exitCh:
		d.recordExit(run, err)
		return
	case <-time.After(sigtermWait):
	}

	sendKill(run.cmd.Process)
	d.logger.Warn("sent SIGKILL to worker", zap.String("jobId", run.jobId))
	err := <-run.exitCh
	d.recordExit(run, err)
}

func (d *Dispatcher) recordExit(run *workerRun, err error) {
	code := exitCodeFromError(err)
	run.result = code
	d.logger.Info("worker exited", zap.String("jobId", run.jobId), zap.Int("exitCode", code))
}

// Cancel targets one job without affecting siblings — used by the
// message-loop-driven JobCancel path, as distinct from the job-level cancel
// token Dispatch's ctx composes (spec §5), which cancels via ctx instead.
// It drives the same CancelRequest-frame-then-escalate sequence as
// context cancellation (spec §4.3): a bare signal is not enough, since the
// worker needs the IPC frame to attempt a graceful stop before any signal
// lands.
func (d *Dispatcher) Cancel(ctx context.Context, jobId string) error {
	d.mu.Lock()
	run, ok := d.running[jobId]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("cancel requested for unknown job", zap.String("jobId", jobId))
		return nil
	}
	select {
	case <-run.done:
		return nil
	default:
	}
	go d.escalate(run)
	return nil
}

// Shutdown escalates every in-flight job toward exit and waits for each to
// finish or for ctx to expire (spec §5 "shutdown cancels all job cancel
// tokens transitively"). It returns the combined errors for jobs that did
// not exit before ctx's deadline, so a caller tearing down several
// resources (session deletion, worker teardown) at once can report every
// failure instead of just the first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	runs := make([]*workerRun, 0, len(d.running))
	for _, run := range d.running {
		runs = append(runs, run)
	}
	d.mu.Unlock()

	for _, run := range runs {
		go d.escalate(run)
	}

	var errs error
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("job %s did not exit before shutdown deadline", run.jobId))
		}
	}
	return errs
}
