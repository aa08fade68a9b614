//go:build windows

package jobdispatch

import (
	"os"
	"os/exec"
)

// Windows has no SIGINT/SIGTERM equivalent a child process can catch the
// same way; Kill is the only available escalation step there, so all three
// stages collapse to process termination.
func sendInterrupt(p *os.Process) error { return p.Kill() }
func sendTerminate(p *os.Process) error { return p.Kill() }
func sendKill(p *os.Process) error      { return p.Kill() }

// exitCodeFromError extracts the worker's exit code from its Wait error.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
