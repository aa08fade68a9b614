package handlers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/secretmask"
	"github.com/coreactions/runner/internal/stepresult"
)

// NodeRuntime names a resolved Node binary (spec §4.5 "Node action handler").
type NodeRuntime string

const (
	Node20 NodeRuntime = "node20"
	Node24 NodeRuntime = "node24"
)

// NodeMigrationFlags carries the three-phase migration signal a job or
// action manifest may set (spec §4.5).
type NodeMigrationFlags struct {
	RequireNode24       bool
	UseNode24ByDefault  bool
	AllowOlderNodeEnv   bool
}

// ResolveNodeRuntime implements the node20/node24 decision table (spec
// §4.5): require wins outright; otherwise use-by-default picks node24
// unless the allow-older flag opts out; otherwise node20. When both force
// and allow-older are set from the same source, the source's own default
// wins and a warning is emitted. node24 on Linux ARM32 always falls back to
// node20 with a warning.
func ResolveNodeRuntime(flags NodeMigrationFlags, goos, goarch string, logger *zap.Logger) NodeRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}

	var resolved NodeRuntime
	switch {
	case flags.RequireNode24 && flags.AllowOlderNodeEnv:
		logger.Warn("require_node24 and allow-older both set from the same source; using node24")
		resolved = Node24
	case flags.RequireNode24:
		resolved = Node24
	case flags.UseNode24ByDefault && flags.AllowOlderNodeEnv:
		resolved = Node20
	case flags.UseNode24ByDefault:
		resolved = Node24
	default:
		resolved = Node20
	}

	if resolved == Node24 && goos == "linux" && goarch == "arm" {
		logger.Warn("node24 unsupported on linux/arm, falling back to node20")
		resolved = Node20
	}
	return resolved
}

// NodeActionHandler runs a JavaScript action entry point.
type NodeActionHandler struct {
	ActionDir string
	Entry     string // main, pre, or post
	With      map[string]string
	Flags     NodeMigrationFlags
	Endpoint  protocol.Endpoint
	Logger    *zap.Logger
	Masker    *secretmask.Masker
}

func (h *NodeActionHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runtimeName := ResolveNodeRuntime(h.Flags, runtime.GOOS, runtime.GOARCH, logger)
	binary := string(runtimeName)

	for k, v := range h.With {
		stepCtx.SetEnv(fmt.Sprintf("INPUT_%s", envUpper(k)), v)
	}
	if auth := h.Endpoint.Authorization.Parameters["AccessToken"]; auth != "" {
		stepCtx.SetEnv("ACTIONS_RUNTIME_TOKEN", auth)
	}
	if h.Endpoint.URL != "" {
		stepCtx.SetEnv("ACTIONS_RUNTIME_URL", h.Endpoint.URL)
	}
	for k, v := range h.Endpoint.Data {
		// Cache service and OIDC token endpoints, when present, ride along
		// as additional endpoint data (spec §4.5 "plus cache and OIDC token
		// endpoints from matching named endpoints when present").
		stepCtx.SetEnv(k, v)
	}

	cmd := exec.CommandContext(ctx, binary, h.Entry)
	cmd.Dir = h.ActionDir
	cmd.Env = stepCtx.EnvForShell(os.Getenv("PATH"))

	out, err := cmd.CombinedOutput()
	processOutputLines(stepCtx, h.Masker, string(out))
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			stepCtx.Complete(stepresult.Failed, fmt.Sprintf("Exit code %d", exitErr.ExitCode()))
			return nil
		}
		return fmt.Errorf("handlers: run node action: %w", err)
	}

	stepCtx.Complete(stepresult.Succeeded, "")
	return nil
}

func envUpper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		} else if c == '-' || c == ' ' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if line := s[start:i]; line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
