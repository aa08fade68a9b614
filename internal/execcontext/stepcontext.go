package execcontext

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreactions/runner/internal/stepresult"
)

// maxCompositeDepth bounds composite step nesting (spec §4.4).
const maxCompositeDepth = 9

// FileCommandPaths names the per-step temp files used for file-command
// ingestion (spec §3 ExecutionContext, §4.4 step 3).
type FileCommandPaths struct {
	Env         string
	State       string
	Output      string
	Path        string
	StepSummary string
}

// StepContext is the mutable per-step state (spec §3 ExecutionContext).
// It exclusively owns its outputs, log buffer, and completion state; it
// shares a single Global with every other context of the same job (spec §9
// "Cyclic ownership" — contexts never outlive their parent, so Global is
// always reachable without a back-reference).
type StepContext struct {
	Global *Global

	StepId      string
	DisplayName string

	outputs    map[string]string
	envOverlay map[string]string
	logLines   []string

	completed  bool
	result     stepresult.Result
	resultMsg  string

	depth       int
	filePaths   FileCommandPaths
}

// NewStepContext creates a root-depth step context sharing global.
func NewStepContext(global *Global, stepId, displayName string) *StepContext {
	return &StepContext{
		Global:      global,
		StepId:      stepId,
		DisplayName: displayName,
		outputs:     make(map[string]string),
		envOverlay:  make(map[string]string),
		depth:       0,
	}
}

// Child creates a nested execution context for a composite step, copying
// the parent's env overlay and incrementing depth. Returns an error if the
// nesting would exceed maxCompositeDepth (spec §4.4 "Composite steps").
func (c *StepContext) Child(stepId, displayName string) (*StepContext, error) {
	if c.depth+1 > maxCompositeDepth {
		return nil, fmt.Errorf("execcontext: composite step nesting exceeds max depth %d", maxCompositeDepth)
	}
	overlay := make(map[string]string, len(c.envOverlay))
	for k, v := range c.envOverlay {
		overlay[k] = v
	}
	return &StepContext{
		Global:      c.Global,
		StepId:      stepId,
		DisplayName: displayName,
		outputs:     make(map[string]string),
		envOverlay:  overlay,
		depth:       c.depth + 1,
	}, nil
}

// Depth returns the composite nesting depth (0 for a top-level step).
func (c *StepContext) Depth() int { return c.depth }

// SetEnv sets a step-local environment overlay entry.
func (c *StepContext) SetEnv(key, value string) {
	c.envOverlay[key] = value
}

// Env returns the effective environment for the step: Global env ⊕ step
// overlay (spec §4.5 "Environment passed to the shell").
func (c *StepContext) Env() map[string]string {
	out := c.Global.Env()
	for k, v := range c.envOverlay {
		out[k] = v
	}
	return out
}

// SetOutput records a step output.
func (c *StepContext) SetOutput(name, value string) {
	c.outputs[name] = value
}

// Outputs returns the step's outputs map.
func (c *StepContext) Outputs() map[string]string { return c.outputs }

// AppendLog appends a line to the step's accumulated log buffer.
func (c *StepContext) AppendLog(line string) {
	c.logLines = append(c.logLines, line)
}

// LogLines returns the accumulated log buffer.
func (c *StepContext) LogLines() []string { return c.logLines }

// Complete records the step's raw outcome. Calling Complete more than once
// is a no-op after the first call — a step's outcome is fixed once set.
func (c *StepContext) Complete(result stepresult.Result, message string) {
	if c.completed {
		return
	}
	c.completed = true
	c.result = result
	c.resultMsg = message
}

// Completed reports whether Complete has been called.
func (c *StepContext) Completed() bool { return c.completed }

// Result returns the step's raw outcome and message.
func (c *StepContext) Result() (stepresult.Result, string) { return c.result, c.resultMsg }

// FilePaths returns the step's file-command temp file paths.
func (c *StepContext) FilePaths() FileCommandPaths { return c.filePaths }

// SetFilePaths records the step's file-command temp file paths, typically
// set once per step before the handler runs (spec §4.4 step 3).
func (c *StepContext) SetFilePaths(p FileCommandPaths) { c.filePaths = p }

// EnvForShell renders the effective environment as "KEY=VALUE" entries
// suitable for exec.Cmd.Env, with the job's prepend-PATH list joined onto
// the inherited PATH entry (spec §4.5).
func (c *StepContext) EnvForShell(inheritedPath string) []string {
	env := c.Env()
	prepends := c.Global.PrependPath()
	if len(prepends) > 0 {
		sep := string(os.PathListSeparator)
		env["PATH"] = strings.Join(prepends, sep) + sep + inheritedPath
	} else if _, ok := env["PATH"]; !ok {
		env["PATH"] = inheritedPath
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
