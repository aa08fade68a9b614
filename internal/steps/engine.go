// Package steps drives the main step-execution loop (spec §4.4): a FIFO
// queue of main steps followed by a LIFO stack of post-steps, condition
// evaluation, per-step timeout/cancellation racing, and file-command
// ingestion after each step. The suspend-on-select-with-cancel-token shape
// is grounded on agent/internal/restic/wrapper.go's runWithProgress, which
// races a blocking read against a callback-driven cancellation signal.
package steps

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/expr"
	"github.com/coreactions/runner/internal/filecommand"
	"github.com/coreactions/runner/internal/stepresult"
)

const (
	// defaultStepTimeout is applied when a step declares timeoutMinutes=0
	// (spec §4.4 step 4, §5 Timeouts).
	defaultStepTimeout = 6 * time.Hour
	// maxStepTimeout bounds any declared timeout (spec §5).
	maxStepTimeout = 6 * time.Hour
	// postStepDefaultTimeout applies to post-steps registered by action
	// handlers that do not declare their own (spec §5 Timeouts).
	postStepDefaultTimeout = 5 * time.Minute
)

// Handler executes one step's payload against an execution context. A
// returned error means the handler itself failed (infrastructure failure),
// distinct from the step's payload exiting non-zero, which the handler
// records via ctx.Complete (spec §4.4 "Step interface").
type Handler interface {
	Run(ctx context.Context, stepCtx *execcontext.StepContext) error
}

// Step is one queued unit of work.
type Step struct {
	Id              string
	DisplayName     string
	Condition       string
	TimeoutMinutes  int
	ContinueOnError bool
	Handler         Handler
	// IsPost marks a step pushed onto the LIFO post-step stack via PushPost.
	IsPost bool
}

// StepOutcome is recorded in the steps context for downstream steps.<id>.*
// references (spec §4.4 step 6).
type StepOutcome struct {
	Outcome    stepresult.Result
	Conclusion stepresult.Result
	Outputs    map[string]string
}

// Engine runs the main/post queues for one job.
type Engine struct {
	global     *execcontext.Global
	logger     *zap.Logger
	blockedEnv map[string]bool

	mainQueue []Step
	postStack []Step

	outcomes map[string]StepOutcome

	// LogSink, when set, receives each step's accumulated log lines once the
	// step has finished (spec §4.7 "Log upload"). Left nil it is a no-op, so
	// callers that don't report logs upstream (tests, dry runs) pay nothing.
	LogSink func(stepId string, lines []string)
}

// NewEngine constructs an Engine for one job's Global state. blockedEnvNames
// names environment variable keys GITHUB_ENV/GITHUB_STATE updates must
// reject (spec §4.4 step 5's "small blocked set").
func NewEngine(global *execcontext.Global, logger *zap.Logger, blockedEnvNames []string) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	blocked := make(map[string]bool, len(blockedEnvNames))
	for _, n := range blockedEnvNames {
		blocked[n] = true
	}
	return &Engine{
		global:     global,
		logger:     logger.Named("steps"),
		blockedEnv: blocked,
		outcomes:   make(map[string]StepOutcome),
	}
}

// Enqueue appends a step to the FIFO main queue.
func (e *Engine) Enqueue(s Step) {
	e.mainQueue = append(e.mainQueue, s)
}

// PushPost pushes a step onto the LIFO post-step stack, which Run drains
// after the main queue. None of the handlers in internal/handlers call it:
// an action's post entrypoint is not registered as a post-step, so the
// stack holds only steps pushed by the Engine's owner.
func (e *Engine) PushPost(s Step) {
	s.IsPost = true
	e.postStack = append(e.postStack, s)
}

// Outcomes returns the steps-context map of recorded outcomes.
func (e *Engine) Outcomes() map[string]StepOutcome { return e.outcomes }

// Run drains the main queue (FIFO) then the post stack (LIFO), per spec
// §4.4's two-phase main loop.
func (e *Engine) Run(ctx context.Context) stepresult.Result {
	for len(e.mainQueue) > 0 {
		s := e.mainQueue[0]
		e.mainQueue = e.mainQueue[1:]
		e.runOne(ctx, s, defaultStepTimeout)
	}
	for len(e.postStack) > 0 {
		s := e.postStack[len(e.postStack)-1]
		e.postStack = e.postStack[:len(e.postStack)-1]
		e.runOne(ctx, s, postStepDefaultTimeout)
	}
	return e.global.Result()
}

// runOne implements the five numbered steps of spec §4.4's per-step
// sequence.
func (e *Engine) runOne(ctx context.Context, s Step, defaultTimeout time.Duration) {
	// Step 1: cancellation short-circuit.
	if e.global.Cancelled() {
		e.logger.Info("step skipped due to cancellation", zap.String("stepId", s.Id))
		e.record(s.Id, stepresult.Canceled, s.ContinueOnError)
		return
	}

	// Step 2: condition evaluation.
	condCtx := e.conditionContext(s)
	ok, err := expr.Eval(s.Condition, condCtx)
	if err != nil {
		e.logger.Warn("condition evaluation failed, treating as false", zap.String("stepId", s.Id), zap.Error(err))
		ok = false
	}
	if !ok {
		e.record(s.Id, stepresult.Skipped, s.ContinueOnError)
		return
	}

	// Step 3: fresh child execution context with file-command paths.
	stepCtx := execcontext.NewStepContext(e.global, s.Id, s.DisplayName)
	paths, err := filecommand.NewPaths(e.global.TempDir(), s.Id)
	if err != nil {
		e.logger.Error("failed to create file-command temp files", zap.String("stepId", s.Id), zap.Error(err))
		stepCtx.Complete(stepresult.Failed, fmt.Sprintf("failed to prepare step: %v", err))
		e.finish(s, stepCtx)
		return
	}
	stepCtx.SetFilePaths(paths)
	stepCtx.SetEnv("GITHUB_ENV", paths.Env)
	stepCtx.SetEnv("GITHUB_STATE", paths.State)
	stepCtx.SetEnv("GITHUB_OUTPUT", paths.Output)
	stepCtx.SetEnv("GITHUB_PATH", paths.Path)
	stepCtx.SetEnv("GITHUB_STEP_SUMMARY", paths.StepSummary)

	// Step 4: race execution against timeout and cancellation.
	timeout := stepTimeout(s.TimeoutMinutes, defaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Handler.Run(runCtx, stepCtx) }()

	select {
	case err := <-done:
		if err != nil {
			e.logger.Error("step handler failed", zap.String("stepId", s.Id), zap.Error(err))
			if !stepCtx.Completed() {
				stepCtx.Complete(stepresult.Failed, err.Error())
			}
		}
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			stepCtx.Complete(stepresult.Failed, "step timed out")
		} else {
			stepCtx.Complete(stepresult.Canceled, "step cancelled")
		}
	}

	// Step 5: file-command ingestion.
	if err := filecommand.Ingest(stepCtx, e.blockedEnv); err != nil {
		e.logger.Warn("file-command ingestion failed", zap.String("stepId", s.Id), zap.Error(err))
	}
	filecommand.Cleanup(paths)

	e.finish(s, stepCtx)
}

// finish computes outcome/conclusion (step 6) and merges into the job
// result.
func (e *Engine) finish(s Step, stepCtx *execcontext.StepContext) {
	outcome, _ := stepCtx.Result()
	if !stepCtx.Completed() {
		outcome = stepresult.Succeeded
	}
	conclusion := outcome
	if s.ContinueOnError && outcome == stepresult.Failed {
		conclusion = stepresult.Succeeded
	}

	e.outcomes[s.Id] = StepOutcome{Outcome: outcome, Conclusion: conclusion, Outputs: stepCtx.Outputs()}
	e.global.MergeResult(conclusion)

	if e.LogSink != nil {
		if lines := stepCtx.LogLines(); len(lines) > 0 {
			e.LogSink(s.Id, lines)
		}
	}
}

// record is used for the skip/cancel-short-circuit paths where no step
// context is created.
func (e *Engine) record(stepId string, result stepresult.Result, continueOnError bool) {
	conclusion := result
	if continueOnError && result == stepresult.Failed {
		conclusion = stepresult.Succeeded
	}
	e.outcomes[stepId] = StepOutcome{Outcome: result, Conclusion: conclusion, Outputs: map[string]string{}}
	e.global.MergeResult(conclusion)
}

// conditionContext builds the expr.Context for a step's condition,
// exposing the steps-context map built so far for steps.<id>.* references.
func (e *Engine) conditionContext(s Step) expr.Context {
	stepsNs := make(map[string]any, len(e.outcomes))
	for id, o := range e.outcomes {
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
	for k, v := range e.global.Env() {
		envNs[k] = v
	}
	return expr.Context{
		JobResult: e.global.Result(),
		Cancelled: e.global.Cancelled(),
		Namespaces: map[string]any{
			"steps": stepsNs,
			"env":   envNs,
		},
	}
}

// stepTimeout clamps a declared timeout (minutes, 0 = default) to
// maxStepTimeout (spec §4.4 step 4).
func stepTimeout(minutes int, fallback time.Duration) time.Duration {
	if minutes <= 0 {
		return fallback
	}
	d := time.Duration(minutes) * time.Minute
	if d > maxStepTimeout {
		return maxStepTimeout
	}
	return d
}
