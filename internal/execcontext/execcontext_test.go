package execcontext

import (
	"strings"
	"testing"

	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/stepresult"
)

func testGlobal() *Global {
	return NewGlobal(protocol.JobRequest{
		JobId:     "job-1",
		Workspace: protocol.Workspace{Path: "/work", TempDir: "/tmp/job-1"},
	}, false)
}

func TestGlobalCancelIdempotent(t *testing.T) {
	g := testGlobal()
	if g.Cancelled() {
		t.Fatal("expected not cancelled initially")
	}
	g.Cancel()
	g.Cancel()
	if !g.Cancelled() {
		t.Fatal("expected cancelled after Cancel()")
	}
}

func TestGlobalEnvCopyIsolated(t *testing.T) {
	g := testGlobal()
	g.SetEnv("A", "1")
	env := g.Env()
	env["A"] = "mutated"
	if g.Env()["A"] != "1" {
		t.Fatal("Env() must return an independent copy")
	}
}

func TestGlobalMergeResultUsesSeverity(t *testing.T) {
	g := testGlobal()
	g.MergeResult(stepresult.SucceededWithIssues)
	g.MergeResult(stepresult.Skipped)
	if g.Result() != stepresult.SucceededWithIssues {
		t.Fatalf("Result() = %v, want SucceededWithIssues (skipped must not downgrade)", g.Result())
	}
	g.MergeResult(stepresult.Failed)
	if g.Result() != stepresult.Failed {
		t.Fatalf("Result() = %v, want Failed", g.Result())
	}
}

func TestStepContextChildRespectsMaxDepth(t *testing.T) {
	g := testGlobal()
	ctx := NewStepContext(g, "root", "Root")
	cur := ctx
	var err error
	for i := 0; i < maxCompositeDepth; i++ {
		cur, err = cur.Child("nested", "Nested")
		if err != nil {
			t.Fatalf("unexpected error at depth %d: %v", i+1, err)
		}
	}
	if _, err := cur.Child("too-deep", "TooDeep"); err == nil {
		t.Fatal("expected an error exceeding max composite depth")
	}
}

func TestStepContextCompleteIsOneShot(t *testing.T) {
	g := testGlobal()
	ctx := NewStepContext(g, "s1", "Step 1")
	ctx.Complete(stepresult.Failed, "boom")
	ctx.Complete(stepresult.Succeeded, "should not apply")

	result, msg := ctx.Result()
	if result != stepresult.Failed || msg != "boom" {
		t.Fatalf("Result() = %v,%q, want Failed,boom (first Complete wins)", result, msg)
	}
}

func TestStepContextEnvOverlayOverridesGlobal(t *testing.T) {
	g := testGlobal()
	g.SetEnv("NAME", "global")
	ctx := NewStepContext(g, "s1", "Step 1")
	ctx.SetEnv("NAME", "step")
	if ctx.Env()["NAME"] != "step" {
		t.Fatalf("Env()[NAME] = %q, want step overlay to win", ctx.Env()["NAME"])
	}
}

func TestEnvForShellPrependsPath(t *testing.T) {
	g := testGlobal()
	g.AddPrependPath("/custom/bin")
	ctx := NewStepContext(g, "s1", "Step 1")
	env := ctx.EnvForShell("/usr/bin")

	var pathLine string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			pathLine = kv
		}
	}
	if !strings.Contains(pathLine, "/custom/bin") || !strings.Contains(pathLine, "/usr/bin") {
		t.Fatalf("PATH entry = %q, want both prepend and inherited path", pathLine)
	}
}
