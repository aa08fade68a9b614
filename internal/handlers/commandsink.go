package handlers

import (
	"github.com/coreactions/runner/internal/actioncmd"
	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/secretmask"
)

// commandSink applies a parsed action command's effect to the step's
// execution context, mirroring the GITHUB_ENV/STATE/OUTPUT/PATH mapping
// internal/filecommand applies to the file-based protocol (spec §4.4 step 5,
// §4.6).
type commandSink struct {
	stepCtx *execcontext.StepContext
}

func (s *commandSink) Handle(cmd actioncmd.Command) {
	switch cmd.Name {
	case "set-output":
		if name := cmd.Properties["name"]; name != "" {
			s.stepCtx.SetOutput(name, cmd.Data)
		}
	case "set-env":
		if name := cmd.Properties["name"]; name != "" {
			s.stepCtx.Global.SetEnv(name, cmd.Data)
		}
	case "save-state":
		if name := cmd.Properties["name"]; name != "" {
			s.stepCtx.SetEnv("STATE_"+name, cmd.Data)
		}
	case "add-path":
		s.stepCtx.Global.AddPrependPath(cmd.Data)
	case "add-matcher":
		s.stepCtx.Global.AddMatcher(matcherOwner(cmd), cmd.Data)
	case "remove-matcher":
		s.stepCtx.Global.RemoveMatcher(matcherOwner(cmd))
	}
	// warning/error/notice/debug/group/endgroup/echo/save-state's sibling
	// stop-commands carry no execution-context effect beyond what Processor
	// already handles (pause state); they are annotation-only (spec §4.6).
}

// matcherOwner resolves the owner key add-matcher/remove-matcher registers
// under. The spec's original_source/ doesn't name the property; this repo
// follows the GitHub Actions runner convention of an "owner" property,
// falling back to the command data itself when absent.
func matcherOwner(cmd actioncmd.Command) string {
	if owner := cmd.Properties["owner"]; owner != "" {
		return owner
	}
	return cmd.Data
}

// maskerOrNil adapts a possibly-nil *secretmask.Masker to the
// actioncmd.Masker interface. Passing a nil *secretmask.Masker straight
// through as an actioncmd.Masker would produce a non-nil interface wrapping
// a nil pointer, and Processor's `p.masker != nil` guard would then call Add
// on a nil receiver.
func maskerOrNil(m *secretmask.Masker) actioncmd.Masker {
	if m == nil {
		return nil
	}
	return m
}

// processOutputLines feeds a step's combined command output through an
// actioncmd.Processor line by line, applying recognized commands to stepCtx
// and the shared masker, and appending everything else to the step log
// (spec §4.6). masker may be nil.
func processOutputLines(stepCtx *execcontext.StepContext, masker *secretmask.Masker, output string) {
	proc := actioncmd.NewProcessor(maskerOrNil(masker), &commandSink{stepCtx: stepCtx})
	for _, line := range splitLines(output) {
		if !proc.Line(line) {
			stepCtx.AppendLog(line)
		}
	}
}
