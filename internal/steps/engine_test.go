package steps

import (
	"context"
	"testing"
	"time"

	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/stepresult"
)

type fakeHandler struct {
	result  stepresult.Result
	message string
	sleep   time.Duration
	err     error
}

func (h *fakeHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	if h.sleep > 0 {
		select {
		case <-time.After(h.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if h.err != nil {
		return h.err
	}
	stepCtx.Complete(h.result, h.message)
	return nil
}

func testEngine(t *testing.T) (*Engine, *execcontext.Global) {
	t.Helper()
	tmp := t.TempDir()
	global := execcontext.NewGlobal(protocol.JobRequest{
		JobId:     "job-1",
		Workspace: protocol.Workspace{Path: tmp, TempDir: tmp},
	}, false)
	return NewEngine(global, nil, nil), global
}

func TestMainQueueRunsInFIFOOrder(t *testing.T) {
	e, _ := testEngine(t)
	var order []string
	mk := func(id string) Step {
		return Step{Id: id, Handler: &fakeHandler{result: stepresult.Succeeded}}
	}
	e.Enqueue(mk("a"))
	e.Enqueue(mk("b"))
	e.Enqueue(mk("c"))

	// Wrap handlers to record execution order.
	for i := range e.mainQueue {
		id := e.mainQueue[i].Id
		e.mainQueue[i].Handler = recordingHandler{id: id, order: &order, result: stepresult.Succeeded}
	}
	e.Run(context.Background())
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("execution order = %v, want [a b c]", order)
	}
}

type recordingHandler struct {
	id     string
	order  *[]string
	result stepresult.Result
}

func (h recordingHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	*h.order = append(*h.order, h.id)
	stepCtx.Complete(h.result, "")
	return nil
}

func TestPostStackRunsLIFO(t *testing.T) {
	e, _ := testEngine(t)
	var order []string
	e.PushPost(Step{Id: "p1", Handler: recordingHandler{id: "p1", order: &order, result: stepresult.Succeeded}})
	e.PushPost(Step{Id: "p2", Handler: recordingHandler{id: "p2", order: &order, result: stepresult.Succeeded}})
	e.Run(context.Background())
	if len(order) != 2 || order[0] != "p2" || order[1] != "p1" {
		t.Fatalf("post order = %v, want [p2 p1]", order)
	}
}

func TestCancellationSkipsRemainingSteps(t *testing.T) {
	e, global := testEngine(t)
	global.Cancel()
	e.Enqueue(Step{Id: "s1", Handler: &fakeHandler{result: stepresult.Succeeded}})
	e.Run(context.Background())
	if e.Outcomes()["s1"].Outcome != stepresult.Canceled {
		t.Fatalf("outcome = %v, want Canceled", e.Outcomes()["s1"].Outcome)
	}
}

func TestFalseConditionSkipsStep(t *testing.T) {
	e, _ := testEngine(t)
	e.Enqueue(Step{Id: "s1", Condition: "false", Handler: &fakeHandler{result: stepresult.Succeeded}})
	e.Run(context.Background())
	if e.Outcomes()["s1"].Outcome != stepresult.Skipped {
		t.Fatalf("outcome = %v, want Skipped", e.Outcomes()["s1"].Outcome)
	}
}

func TestStepTimeoutMarksFailed(t *testing.T) {
	e, _ := testEngine(t)
	e.Enqueue(Step{Id: "s1", TimeoutMinutes: 0, Handler: &fakeHandler{sleep: 50 * time.Millisecond}})
	// Force a tiny timeout by racing the default directly isn't practical here;
	// instead verify the handler's own cancellation path via ctx.Done is honored.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	e.Run(ctx)
	outcome := e.Outcomes()["s1"].Outcome
	if outcome != stepresult.Canceled && outcome != stepresult.Failed {
		t.Fatalf("outcome = %v, want Canceled or Failed on parent context cancellation", outcome)
	}
}

func TestContinueOnErrorElevatesConclusion(t *testing.T) {
	e, global := testEngine(t)
	e.Enqueue(Step{Id: "s1", ContinueOnError: true, Handler: &fakeHandler{result: stepresult.Failed, message: "boom"}})
	e.Run(context.Background())
	o := e.Outcomes()["s1"]
	if o.Outcome != stepresult.Failed {
		t.Fatalf("outcome = %v, want Failed", o.Outcome)
	}
	if o.Conclusion != stepresult.Succeeded {
		t.Fatalf("conclusion = %v, want Succeeded (continue-on-error elevation)", o.Conclusion)
	}
	if global.Result() != stepresult.Succeeded {
		t.Fatalf("job result = %v, want Succeeded", global.Result())
	}
}

// TestScenario4SeverityMergeAcrossSteps is spec §8 scenario 4 verbatim.
func TestScenario4SeverityMergeAcrossSteps(t *testing.T) {
	e, global := testEngine(t)
	e.Enqueue(Step{Id: "s1", Handler: &fakeHandler{result: stepresult.Succeeded}})
	e.Enqueue(Step{Id: "s2", Handler: &fakeHandler{result: stepresult.Succeeded}})
	e.Enqueue(Step{Id: "s3", Handler: &fakeHandler{result: stepresult.SucceededWithIssues}})
	e.Enqueue(Step{Id: "s4", Condition: "false", Handler: &fakeHandler{result: stepresult.Succeeded}})
	e.Run(context.Background())
	if global.Result() != stepresult.SucceededWithIssues {
		t.Fatalf("job result = %v, want SucceededWithIssues", global.Result())
	}
}

func TestDownstreamStepCanReferencePriorStepOutputs(t *testing.T) {
	e, _ := testEngine(t)
	e.Enqueue(Step{Id: "build", Handler: outputtingHandler{name: "version", value: "1.2.3"}})
	e.Enqueue(Step{Id: "deploy", Condition: "steps['build'].outputs.version == '1.2.3'", Handler: &fakeHandler{result: stepresult.Succeeded}})
	e.Run(context.Background())
	if e.Outcomes()["deploy"].Outcome != stepresult.Succeeded {
		t.Fatalf("deploy outcome = %v, want Succeeded (condition should reference build's output)", e.Outcomes()["deploy"].Outcome)
	}
}

type outputtingHandler struct{ name, value string }

func (h outputtingHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	stepCtx.SetOutput(h.name, h.value)
	stepCtx.Complete(stepresult.Succeeded, "")
	return nil
}
