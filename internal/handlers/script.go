// Package handlers implements the four step handler kinds of spec §4.5:
// inline script, Node action, composite action, and container action.
// script.go is grounded on restic.Wrapper's buildCmd/runWithProgress
// (env-overlay construction, shell subprocess wiring) and hooks.Runner's
// shell-wrapped subprocess idiom.
package handlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/secretmask"
	"github.com/coreactions/runner/internal/stepresult"
)

// shellSpec describes how to invoke one named shell (spec §4.5 table).
type shellSpec struct {
	command string
	prepend []string
	ext     string
}

var shellTable = map[string]shellSpec{
	"bash": {command: "bash", prepend: []string{"--noprofile", "--norc", "-e", "-o", "pipefail"}, ext: "sh"},
	"sh":   {command: "sh", prepend: []string{"-e"}, ext: "sh"},
	"pwsh": {command: "pwsh", prepend: []string{"-command", ". "}, ext: "ps1"},
	"powershell": {command: "powershell", prepend: []string{"-command", ". "}, ext: "ps1"},
	"python": {command: "python3", ext: "py"},
	"cmd":    {command: "cmd", prepend: []string{"/D", "/E:ON", "/V:OFF", "/S", "/C", "call"}, ext: "cmd"},
}

// defaultShell returns the platform's default POSIX/Windows shell name
// (spec §4.5 table: bash default POSIX, pwsh default Windows).
func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "pwsh"
	}
	return "bash"
}

// ScriptHandler runs an inline script step.
type ScriptHandler struct {
	Shell            string
	Script           string
	WorkingDirectory string
	Env              map[string]string
	Logger           *zap.Logger
	// Masker, when set, receives secrets registered mid-job via the
	// ::add-mask::/::set-env isSecret=true:: action commands (spec §4.6,
	// §8 universal secret-masking invariant).
	Masker *secretmask.Masker
}

// Run writes the script body to a UUID-named temp file and invokes the
// resolved shell against it (spec §4.5 "Inline script handler").
func (h *ScriptHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	shellName := h.Shell
	if shellName == "" {
		shellName = defaultShell()
	}

	spec, known := shellTable[shellName]
	var command string
	var prepend []string
	var ext string
	if known {
		command, prepend, ext = spec.command, spec.prepend, spec.ext
	} else {
		// Other: first word is the command, remaining words are prepended
		// arguments, extension falls back to "sh" (spec §4.5 table "Other" row).
		fields := strings.Fields(shellName)
		if len(fields) == 0 {
			return fmt.Errorf("handlers: empty shell name")
		}
		command = fields[0]
		prepend = fields[1:]
		ext = "sh"
	}

	scriptPath := filepath.Join(stepCtx.Global.TempDir(), fmt.Sprintf("%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(scriptPath, []byte(h.Script), 0o755); err != nil {
		return fmt.Errorf("handlers: write script file: %w", err)
	}
	defer os.Remove(scriptPath)

	for k, v := range h.Env {
		stepCtx.SetEnv(k, v)
	}

	args := append(append([]string{}, prepend...), scriptPath)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = stepCtx.EnvForShell(os.Getenv("PATH"))

	workDir := h.WorkingDirectory
	if workDir == "" {
		workDir = stepCtx.Global.Workspace()
	}
	cmd.Dir = workDir

	out, err := cmd.CombinedOutput()
	processOutputLines(stepCtx, h.Masker, string(out))

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			stepCtx.Complete(stepresult.Failed, fmt.Sprintf("Exit code %d", exitErr.ExitCode()))
			return nil
		}
		return fmt.Errorf("handlers: run script: %w", err)
	}

	stepCtx.Complete(stepresult.Succeeded, "")
	return nil
}
