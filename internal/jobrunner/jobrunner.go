// Package jobrunner builds an internal/steps.Engine from a protocol.JobRequest
// and resolves each step's handler (script, Node action, composite action,
// container action) per spec §4.5. It is the wiring layer between the wire
// shapes in internal/protocol and the generic execution machinery in
// internal/steps and internal/handlers, kept separate from both so neither
// package needs to import the action-manifest/resolution machinery.
package jobrunner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/actionmanifest"
	"github.com/coreactions/runner/internal/actions"
	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/expr"
	"github.com/coreactions/runner/internal/handlers"
	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/secretmask"
	"github.com/coreactions/runner/internal/stepresult"
	"github.com/coreactions/runner/internal/steps"
)

// blockedEnvNames are environment variable keys a GITHUB_ENV/GITHUB_STATE
// write must never override (spec §4.4 step 5).
var blockedEnvNames = []string{
	"GITHUB_ENV", "GITHUB_STATE", "GITHUB_OUTPUT", "GITHUB_PATH",
	"GITHUB_STEP_SUMMARY", "ACTIONS_RUNTIME_TOKEN", "ACTIONS_RUNTIME_URL",
	"NODE_OPTIONS",
}

// Builder resolves action references and constructs step Handlers.
type Builder struct {
	Resolver       *actions.Resolver
	Logger         *zap.Logger
	NodeFlags      handlers.NodeMigrationFlags
	ContainerProbe bool
	RunContainer   func(ctx context.Context, stepCtx *execcontext.StepContext, image string, args []string) (int, error)
	// Masker is the job's shared secret masker, threaded into every
	// script/Node handler so mid-job ::add-mask:: commands take effect
	// immediately (spec §4.6, §8).
	Masker *secretmask.Masker
}

// BuildEngine constructs an Engine with every job step enqueued in order.
func (b *Builder) BuildEngine(global *execcontext.Global, job protocol.JobRequest) (*steps.Engine, error) {
	engine := steps.NewEngine(global, b.Logger, blockedEnvNames)

	endpoint, _ := job.SystemVssConnection()
	bearer := endpoint.Authorization.Parameters["AccessToken"]

	for _, spec := range job.Steps {
		handler, err := b.buildHandler(spec, endpoint, bearer)
		if err != nil {
			return nil, fmt.Errorf("jobrunner: building step %s: %w", spec.Id, err)
		}
		engine.Enqueue(steps.Step{
			Id:              spec.Id,
			DisplayName:     spec.DisplayName,
			Condition:       spec.Condition,
			TimeoutMinutes:  spec.TimeoutMinutes,
			ContinueOnError: spec.ContinueOnError,
			Handler:         handler,
		})
	}
	return engine, nil
}

func (b *Builder) buildHandler(spec protocol.StepSpec, endpoint protocol.Endpoint, bearer string) (steps.Handler, error) {
	switch spec.Type {
	case protocol.StepScript:
		return &handlers.ScriptHandler{
			Shell:            spec.Shell,
			Script:           spec.Script,
			WorkingDirectory: spec.WorkingDirectory,
			Env:              spec.Env,
			Logger:           b.Logger,
			Masker:           b.Masker,
		}, nil

	case protocol.StepAction:
		return b.buildActionHandler(spec, endpoint, bearer)

	default:
		return nil, fmt.Errorf("unknown step type %q", spec.Type)
	}
}

func (b *Builder) buildActionHandler(spec protocol.StepSpec, endpoint protocol.Endpoint, bearer string) (steps.Handler, error) {
	ref, err := actions.ParseRef(spec.Uses)
	if err != nil {
		return nil, err
	}
	dir, err := b.Resolver.Resolve(ref, bearer)
	if err != nil {
		return nil, err
	}
	manifest, err := actionmanifest.Load(dir)
	if err != nil {
		return nil, err
	}

	switch actionmanifest.Using(manifest.Runs.Using) {
	case actionmanifest.UsingNode20, actionmanifest.UsingNode24:
		flags := b.NodeFlags
		if manifest.Runs.Using == string(actionmanifest.UsingNode24) {
			flags.UseNode24ByDefault = true
		}
		return &handlers.NodeActionHandler{
			ActionDir: dir,
			Entry:     manifest.Runs.Main,
			With:      spec.With,
			Flags:     flags,
			Endpoint:  endpoint,
			Logger:    b.Logger,
			Masker:    b.Masker,
		}, nil

	case actionmanifest.UsingComposite:
		return b.buildCompositeHandler(manifest, spec.With)

	case actionmanifest.UsingDocker:
		return &handlers.ContainerActionHandler{
			Image:     manifest.Runs.Image,
			Args:      manifest.Runs.Args,
			Supported: b.ContainerProbe,
			Logger:    b.Logger,
			Run_:      b.RunContainer,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported runs.using %q", manifest.Runs.Using)
	}
}

func (b *Builder) buildCompositeHandler(manifest actionmanifest.Manifest, with map[string]string) (steps.Handler, error) {
	inputs := make(map[string]string, len(manifest.Inputs))
	for name, in := range manifest.Inputs {
		inputs[name] = in.Default
	}

	nestedSteps := make([]handlers.CompositeStep, 0, len(manifest.Runs.Steps))
	for i, ns := range manifest.Runs.Steps {
		stepId := ns.Id
		if stepId == "" {
			stepId = fmt.Sprintf("step-%d", i)
		}

		var h steps.Handler
		var err error
		if ns.Uses != "" {
			ref, perr := actions.ParseRef(ns.Uses)
			if perr != nil {
				return nil, perr
			}
			dir, rerr := b.Resolver.Resolve(ref, "")
			if rerr != nil {
				return nil, rerr
			}
			nestedManifest, merr := actionmanifest.Load(dir)
			if merr != nil {
				return nil, merr
			}
			h, err = b.buildActionHandlerFromManifest(nestedManifest, ns.With)
		} else {
			h = &handlers.ScriptHandler{
				Shell:            ns.Shell,
				Script:           ns.Run,
				WorkingDirectory: ns.WorkingDirectory,
				Env:              ns.Env,
				Logger:           b.Logger,
				Masker:           b.Masker,
			}
		}
		if err != nil {
			return nil, err
		}

		nestedSteps = append(nestedSteps, handlers.CompositeStep{
			Id:              stepId,
			DisplayName:     ns.Name,
			Condition:       ns.If,
			ContinueOnError: ns.ContinueOnError,
			Handler:         h,
		})
	}

	declaredOutputs := make(map[string]string, len(manifest.Outputs))
	for name, out := range manifest.Outputs {
		if stepId, field, ok := parseStepsOutputExpr(out.Value); ok {
			declaredOutputs[name] = stepId + "/" + field
		}
	}

	return &handlers.CompositeActionHandler{
		Manifest: handlers.CompositeManifest{
			Inputs:          inputs,
			Steps:           nestedSteps,
			DeclaredOutputs: declaredOutputs,
		},
		With:      with,
		Logger:    b.Logger,
		RunNested: runNestedSteps,
	}, nil
}

// buildActionHandlerFromManifest resolves a nested `uses:` action within a
// composite step, without re-parsing the enclosing step's Endpoint/bearer —
// nested action-within-composite steps do not carry the job's
// SystemVssConnection bearer token forward (spec is silent here; scoped
// narrowly to keep nested resolution anonymous-only).
func (b *Builder) buildActionHandlerFromManifest(manifest actionmanifest.Manifest, with map[string]string) (steps.Handler, error) {
	switch actionmanifest.Using(manifest.Runs.Using) {
	case actionmanifest.UsingNode20, actionmanifest.UsingNode24:
		flags := b.NodeFlags
		if manifest.Runs.Using == string(actionmanifest.UsingNode24) {
			flags.UseNode24ByDefault = true
		}
		return &handlers.NodeActionHandler{
			Entry:  manifest.Runs.Main,
			With:   with,
			Flags:  flags,
			Logger: b.Logger,
			Masker: b.Masker,
		}, nil
	case actionmanifest.UsingComposite:
		return b.buildCompositeHandler(manifest, with)
	case actionmanifest.UsingDocker:
		return &handlers.ContainerActionHandler{
			Image:     manifest.Runs.Image,
			Args:      manifest.Runs.Args,
			Supported: b.ContainerProbe,
			Logger:    b.Logger,
			Run_:      b.RunContainer,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported nested runs.using %q", manifest.Runs.Using)
	}
}

// parseStepsOutputExpr extracts stepId/field from a
// "${{ steps.<id>.outputs.<field> }}" output value expression.
func parseStepsOutputExpr(value string) (stepId, field string, ok bool) {
	trimmed := value
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '$' || trimmed[0] == '{') {
		trimmed = trimmed[1:]
	}
	for len(trimmed) > 0 && (trimmed[len(trimmed)-1] == ' ' || trimmed[len(trimmed)-1] == '}') {
		trimmed = trimmed[:len(trimmed)-1]
	}
	const prefix = "steps."
	if len(trimmed) < len(prefix) || trimmed[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := trimmed[len(prefix):]
	dotOutputs := ".outputs."
	idx := indexOf(rest, dotOutputs)
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(dotOutputs):], true
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// runNestedSteps runs a composite action's nested steps in order against a
// shared child execution context, merging their conclusions with the same
// severity rule the top-level engine uses, but locally — the composite
// step's own conclusion is what propagates to the parent, not each nested
// step individually (spec §4.4 "Composite steps").
//
// Every nested step context is created via child.Child(), one level below
// the composite's own child context, so sibling steps share one depth and
// the number of nested steps does not count against the depth budget. Each
// composite level uses two depth levels: one for the composite's child
// context and one for its nested steps' contexts.
func runNestedSteps(ctx context.Context, child *execcontext.StepContext, nested []handlers.CompositeStep) (map[string]map[string]string, stepresult.Result, error) {
	localResult := stepresult.Succeeded
	outcomes := make(map[string]StepOutcome, len(nested))
	allOutputs := make(map[string]map[string]string, len(nested))

	for _, ns := range nested {
		if child.Global.Cancelled() {
			outcomes[ns.Id] = StepOutcome{Outcome: stepresult.Canceled}
			localResult = stepresult.Merge(localResult, stepresult.Canceled)
			continue
		}

		condCtx := buildNestedConditionContext(localResult, child, outcomes)
		ok, err := expr.Eval(ns.Condition, condCtx)
		if err != nil {
			ok = false
		}
		if !ok {
			outcomes[ns.Id] = StepOutcome{Outcome: stepresult.Skipped}
			continue
		}

		stepCtx, err := child.Child(ns.Id, ns.DisplayName)
		if err != nil {
			return allOutputs, stepresult.Failed, err
		}

		if runErr := ns.Handler.Run(ctx, stepCtx); runErr != nil {
			if !stepCtx.Completed() {
				stepCtx.Complete(stepresult.Failed, runErr.Error())
			}
		}

		outcome, _ := stepCtx.Result()
		if !stepCtx.Completed() {
			outcome = stepresult.Succeeded
		}
		conclusion := outcome
		if ns.ContinueOnError && outcome == stepresult.Failed {
			conclusion = stepresult.Succeeded
		}

		outcomes[ns.Id] = StepOutcome{Outcome: outcome, Conclusion: conclusion, Outputs: stepCtx.Outputs()}
		allOutputs[ns.Id] = stepCtx.Outputs()
		localResult = stepresult.Merge(localResult, conclusion)
	}

	return allOutputs, localResult, nil
}

// StepOutcome mirrors internal/steps.StepOutcome for the nested-step
// namespace that runNestedSteps builds for a composite action's condition
// context; it is a separate type with the same fields.
type StepOutcome struct {
	Outcome    stepresult.Result
	Conclusion stepresult.Result
	Outputs    map[string]string
}

func buildNestedConditionContext(localResult stepresult.Result, child *execcontext.StepContext, outcomes map[string]StepOutcome) expr.Context {
	stepsNs := make(map[string]any, len(outcomes))
	for id, o := range outcomes {
		outputs := make(map[string]any, len(o.Outputs))
		for k, v := range o.Outputs {
			outputs[k] = v
		}
		stepsNs[id] = map[string]any{
			"outcome":    o.Outcome.String(),
			"conclusion": o.Conclusion.String(),
			"outputs":    outputs,
		}
	}
	envNs := make(map[string]any)
	for k, v := range child.Env() {
		envNs[k] = v
	}
	return expr.Context{
		JobResult:  localResult,
		Cancelled:  child.Global.Cancelled(),
		Namespaces: map[string]any{"steps": stepsNs, "env": envNs},
	}
}
