package handlers

import (
	"context"
	"runtime"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/stepresult"
)

func testStepCtx(t *testing.T) *execcontext.StepContext {
	t.Helper()
	tmp := t.TempDir()
	global := execcontext.NewGlobal(protocol.JobRequest{
		JobId:     "job-1",
		Workspace: protocol.Workspace{Path: tmp, TempDir: tmp},
	}, false)
	return execcontext.NewStepContext(global, "s1", "Step 1")
}

func TestScriptHandlerSucceeds(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only shell table exercised here")
	}
	stepCtx := testStepCtx(t)
	h := &ScriptHandler{Shell: "sh", Script: "echo hello\n"}
	if err := h.Run(context.Background(), stepCtx); err != nil {
		t.Fatal(err)
	}
	result, _ := stepCtx.Result()
	if result != stepresult.Succeeded {
		t.Fatalf("result = %v, want Succeeded", result)
	}
	found := false
	for _, l := range stepCtx.LogLines() {
		if strings.Contains(l, "hello") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected captured stdout to contain 'hello'")
	}
}

func TestScriptHandlerNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix-only shell table exercised here")
	}
	stepCtx := testStepCtx(t)
	h := &ScriptHandler{Shell: "sh", Script: "exit 3\n"}
	if err := h.Run(context.Background(), stepCtx); err != nil {
		t.Fatal(err)
	}
	result, msg := stepCtx.Result()
	if result != stepresult.Failed || msg != "Exit code 3" {
		t.Fatalf("result,msg = %v,%q, want Failed,\"Exit code 3\"", result, msg)
	}
}

func TestResolveNodeRuntimeRequireWins(t *testing.T) {
	got := ResolveNodeRuntime(NodeMigrationFlags{RequireNode24: true}, "linux", "amd64", zap.NewNop())
	if got != Node24 {
		t.Fatalf("got %v, want node24", got)
	}
}

func TestResolveNodeRuntimeUseByDefaultRespectsAllowOlder(t *testing.T) {
	got := ResolveNodeRuntime(NodeMigrationFlags{UseNode24ByDefault: true, AllowOlderNodeEnv: true}, "linux", "amd64", zap.NewNop())
	if got != Node20 {
		t.Fatalf("got %v, want node20 when allow-older opts out", got)
	}
}

func TestResolveNodeRuntimeDefaultsToNode20(t *testing.T) {
	got := ResolveNodeRuntime(NodeMigrationFlags{}, "linux", "amd64", zap.NewNop())
	if got != Node20 {
		t.Fatalf("got %v, want node20", got)
	}
}

func TestResolveNodeRuntimeArm32FallsBackToNode20(t *testing.T) {
	got := ResolveNodeRuntime(NodeMigrationFlags{RequireNode24: true}, "linux", "arm", zap.NewNop())
	if got != Node20 {
		t.Fatalf("got %v, want node20 fallback on linux/arm", got)
	}
}

func TestContainerHandlerUnsupportedDegradesToNoop(t *testing.T) {
	stepCtx := testStepCtx(t)
	h := &ContainerActionHandler{Image: "alpine", Supported: false}
	if err := h.Run(context.Background(), stepCtx); err != nil {
		t.Fatal(err)
	}
	result, _ := stepCtx.Result()
	if result != stepresult.Succeeded {
		t.Fatalf("result = %v, want Succeeded (no-op)", result)
	}
}

func TestCompositeHandlerPropagatesOnlyDeclaredOutputs(t *testing.T) {
	stepCtx := testStepCtx(t)
	h := &CompositeActionHandler{
		Manifest: CompositeManifest{
			DeclaredOutputs: map[string]string{"version": "build/version"},
		},
		RunNested: func(ctx context.Context, child *execcontext.StepContext, steps []CompositeStep) (map[string]map[string]string, stepresult.Result, error) {
			return map[string]map[string]string{
				"build": {"version": "1.2.3", "internal": "secret"},
			}, stepresult.Succeeded, nil
		},
	}
	if err := h.Run(context.Background(), stepCtx); err != nil {
		t.Fatal(err)
	}
	if stepCtx.Outputs()["version"] != "1.2.3" {
		t.Fatalf("outputs[version] = %q, want 1.2.3", stepCtx.Outputs()["version"])
	}
	if _, ok := stepCtx.Outputs()["internal"]; ok {
		t.Fatal("undeclared output must not propagate")
	}
}

func TestCompositeHandlerRespectsMaxDepth(t *testing.T) {
	tmp := t.TempDir()
	global := execcontext.NewGlobal(protocol.JobRequest{JobId: "j", Workspace: protocol.Workspace{Path: tmp, TempDir: tmp}}, false)
	ctx := execcontext.NewStepContext(global, "root", "Root")
	var err error
	for i := 0; i < 9; i++ {
		ctx, err = ctx.Child("nested", "Nested")
		if err != nil {
			t.Fatalf("unexpected error at depth %d: %v", i, err)
		}
	}
	h := &CompositeActionHandler{RunNested: func(context.Context, *execcontext.StepContext, []CompositeStep) (map[string]map[string]string, stepresult.Result, error) {
		t.Fatal("should not reach RunNested past max depth")
		return nil, stepresult.Succeeded, nil
	}}
	if err := h.Run(context.Background(), ctx); err != nil {
		t.Fatal(err)
	}
	result, _ := ctx.Result()
	if result != stepresult.Failed {
		t.Fatalf("result = %v, want Failed when nesting exceeds max depth", result)
	}
}
