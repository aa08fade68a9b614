package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/stepresult"
)

// CompositeStep is one nested step declared in a composite action manifest.
type CompositeStep struct {
	Id              string
	DisplayName     string
	Condition       string
	ContinueOnError bool
	Handler         interface {
		Run(ctx context.Context, stepCtx *execcontext.StepContext) error
	}
}

// CompositeManifest is the subset of a composite action's action.yml this
// handler needs: its declared inputs (for INPUT_* injection), its nested
// steps, and which of the nested steps' outputs are re-exported.
type CompositeManifest struct {
	Inputs          map[string]string // name -> default value
	Steps           []CompositeStep
	DeclaredOutputs map[string]string // output name -> "steps.<id>.outputs.<name>" reference, stepId.outputName encoded as "stepId/outputName"
}

// CompositeActionHandler expands a composite action into a child execution
// context (spec §4.4 "Composite steps", §4.5 "Composite action handler").
type CompositeActionHandler struct {
	Manifest CompositeManifest
	With     map[string]string
	Logger   *zap.Logger
	// RunNested evaluates and runs the nested steps in order, returning
	// each step's outputs keyed by step id and the merged child result.
	// Injected so the engine's condition/severity-merge logic is reused
	// rather than duplicated here.
	RunNested func(ctx context.Context, child *execcontext.StepContext, steps []CompositeStep) (map[string]map[string]string, stepresult.Result, error)
}

func (h *CompositeActionHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	child, err := stepCtx.Child(stepCtx.StepId+":composite", stepCtx.DisplayName)
	if err != nil {
		stepCtx.Complete(stepresult.Failed, err.Error())
		return nil
	}

	for name, def := range h.Manifest.Inputs {
		value, ok := h.With[name]
		if !ok {
			value = def
		}
		child.SetEnv(fmt.Sprintf("INPUT_%s", envUpper(name)), value)
	}

	if h.RunNested == nil {
		return fmt.Errorf("handlers: composite handler missing RunNested callback")
	}

	stepOutputs, childResult, err := h.RunNested(ctx, child, h.Manifest.Steps)
	if err != nil {
		return fmt.Errorf("handlers: run composite steps: %w", err)
	}

	// Only declared outputs propagate to the parent (spec §4.4).
	for outName, ref := range h.Manifest.DeclaredOutputs {
		stepId, fieldName, ok := splitOutputRef(ref)
		if !ok {
			continue
		}
		if outs, ok := stepOutputs[stepId]; ok {
			if v, ok := outs[fieldName]; ok {
				stepCtx.SetOutput(outName, v)
			}
		}
	}

	// The child's merged result propagates unconditionally (spec §4.4).
	stepCtx.Complete(childResult, "")
	return nil
}

func splitOutputRef(ref string) (stepId, field string, ok bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}
