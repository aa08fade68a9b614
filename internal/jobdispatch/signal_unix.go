//go:build !windows

package jobdispatch

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func sendInterrupt(p *os.Process) error {
	return p.Signal(unix.SIGINT)
}

func sendTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func sendKill(p *os.Process) error {
	return p.Kill()
}

// exitCodeForSignal maps a killed-by-signal exit to 128+signo, matching
// spec §4.3's "Returns the worker exit code (128+signo on signal)".
func exitCodeForSignal(sig syscall.Signal) int {
	return 128 + int(sig)
}

// exitCodeFromError extracts the worker's exit code from its Wait error,
// mapping a signal-terminated exit to 128+signo (spec §4.3).
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode()
	}
	if status.Signaled() {
		return exitCodeForSignal(status.Signal())
	}
	return status.ExitStatus()
}
