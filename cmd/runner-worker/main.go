// Package main is the entry point for the runner-worker binary: a
// short-lived process spawned once per job by runner-listener. It dials the
// IPC socket named on argv, receives the job's NewJobRequest frame, drives
// the step engine to completion, reports status/logs to the results
// service, and exits with a code reflecting the job's final result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/actions"
	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/handlers"
	"github.com/coreactions/runner/internal/httpconfig"
	"github.com/coreactions/runner/internal/ipc"
	"github.com/coreactions/runner/internal/jobrunner"
	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/proxy"
	"github.com/coreactions/runner/internal/results"
	"github.com/coreactions/runner/internal/secretmask"
	"github.com/coreactions/runner/internal/stepresult"
	"github.com/coreactions/runner/internal/steps"
)

func main() {
	os.Exit(int(run()))
}

// exit codes the spawning listener's escalation/backoff logic distinguishes
// (spec §4.3, §7).
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitCancelled = 2
)

func run() int {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: runner-worker <socket-path> <job-id>")
		return exitFailed
	}
	socketPath := os.Args[1]
	jobId := os.Args[2]

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitFailed
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("worker").With(zap.String("jobId", jobId))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, err := dialWithRetry(socketPath)
	if err != nil {
		logger.Error("failed to connect to listener", zap.Error(err))
		return exitFailed
	}
	defer conn.Close()

	frame, err := ipc.ReadFrame(conn)
	if err != nil || frame.Type != ipc.NewJobRequest {
		logger.Error("failed to read job request frame", zap.Error(err))
		return exitFailed
	}

	var job protocol.JobRequest
	if err := json.Unmarshal(frame.Body, &job); err != nil {
		logger.Error("failed to decode job request", zap.Error(err))
		return exitFailed
	}

	go watchForCancelFrame(conn, cancel, logger)

	masker := secretmask.New()
	for _, v := range job.Variables {
		if v.IsSecret {
			masker.Add(v.Value)
		}
	}

	global := execcontext.NewGlobal(job, stepDebugEnabled())
	go func() {
		<-ctx.Done()
		global.Cancel()
	}()

	proxyCfg := proxy.FromEnvironment()
	httpClient := httpconfig.Client(proxyCfg.Transport(nil))

	endpoint, _ := job.SystemVssConnection()
	resultsClient := resultsClientFor(endpoint, job, httpClient)

	resolver := actions.New(
		job.Workspace.Path+"/_actions",
		job.Workspace.TempDir+"/_actions_cache",
		httpClient,
		logger,
	)

	builder := &jobrunner.Builder{
		Resolver:       resolver,
		Logger:         logger,
		Masker:         masker,
		ContainerProbe: handlers.DockerProbe(ctx, logger),
		RunContainer:   nil, // container execution is out of scope for the core engine; degrades to no-op
	}

	engine, err := builder.BuildEngine(global, job)
	if err != nil {
		logger.Error("failed to build step engine", zap.Error(err))
		reportJobFailure(ctx, resultsClient, logger)
		return exitFailed
	}

	if resultsClient != nil {
		pagerDir := job.Workspace.TempDir + "/_logs"
		engine.LogSink = func(stepId string, lines []string) {
			uploadStepLogs(ctx, resultsClient, masker, pagerDir, stepId, lines, logger)
		}
	}

	result := engine.Run(ctx)
	logger.Info("job finished", zap.String("result", result.String()))

	if resultsClient != nil {
		reportFinalOutcome(ctx, resultsClient, engine, logger)
	}

	if err := ipc.WriteFrame(conn, jobResultFrame(jobId, result)); err != nil {
		logger.Warn("failed to send job result frame", zap.Error(err))
	}

	return exitCodeFor(result)
}

// stepDebugEnabled reports whether step debug logging was requested via
// either of the two environment variables GitHub Actions runners honor
// (spec §6): ACTIONS_STEP_DEBUG controls per-step ::debug:: visibility,
// ACTIONS_RUNNER_DEBUG is the broader runner-wide switch.
func stepDebugEnabled() bool {
	return truthy(os.Getenv("ACTIONS_STEP_DEBUG")) || truthy(os.Getenv("ACTIONS_RUNNER_DEBUG"))
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func dialWithRetry(socketPath string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		conn, err := ipc.Dial(socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	return nil, fmt.Errorf("dialing %s: %w", socketPath, lastErr)
}

func watchForCancelFrame(conn net.Conn, cancel context.CancelFunc, logger *zap.Logger) {
	for {
		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			return
		}
		switch frame.Type {
		case ipc.CancelRequest, ipc.RunnerShutdown, ipc.OperatingSystemShutdown:
			logger.Info("received cancellation frame from listener", zap.Int("type", int(frame.Type)))
			cancel()
			return
		}
	}
}

func jobResultFrame(jobId string, result stepresult.Result) ipc.Frame {
	body, _ := json.Marshal(struct {
		JobId  string `json:"jobId"`
		Result string `json:"result"`
	}{JobId: jobId, Result: result.String()})
	return ipc.Frame{Type: ipc.JobResult, Body: body}
}

func exitCodeFor(result stepresult.Result) int {
	switch result {
	case stepresult.Succeeded, stepresult.SucceededWithIssues, stepresult.Skipped:
		return exitSucceeded
	case stepresult.Canceled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func resultsClientFor(endpoint protocol.Endpoint, job protocol.JobRequest, httpClient *http.Client) *results.Client {
	baseURL := endpoint.Data["ResultsServiceUrl"]
	if baseURL == "" {
		return nil
	}
	bearer := endpoint.Authorization.Parameters["AccessToken"]
	return results.New(baseURL, job.PlanId, job.JobId, bearer, httpClient)
}

// uploadStepLogs pages a finished step's accumulated log lines through the
// same page/block rollover machinery internal/results uses for live
// streaming (spec §4.7), scrubbing every line against the job's registered
// secrets before each block leaves the process.
func uploadStepLogs(ctx context.Context, client *results.Client, masker *secretmask.Masker, pagerDir, stepId string, lines []string, logger *zap.Logger) {
	pager := results.NewPager(pagerDir, stepId, nil, func(path string) {
		uploadLogBlock(ctx, client, masker, path, stepId, logger)
	})
	for _, line := range lines {
		if err := pager.Write(line); err != nil {
			logger.Warn("failed to page step log line", zap.String("stepId", stepId), zap.Error(err))
		}
	}
	if err := pager.Close(); err != nil {
		logger.Warn("failed to close step log pager", zap.String("stepId", stepId), zap.Error(err))
	}
}

// uploadLogBlock is the rollover callback for uploadStepLogs's pager: it
// reads back the rolled block file, scrubs and uploads its lines, and
// removes the file regardless of upload outcome.
func uploadLogBlock(ctx context.Context, client *results.Client, masker *secretmask.Masker, path, stepId string, logger *zap.Logger) {
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read rolled log block", zap.String("path", path), zap.Error(err))
		return
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l == "" {
			continue
		}
		lines = append(lines, masker.Scrub(l))
	}
	if len(lines) == 0 {
		return
	}
	if err := client.UploadLogs(ctx, stepId, lines); err != nil {
		logger.Warn("failed to upload step log block", zap.String("stepId", stepId), zap.Error(err))
	}
}

func reportFinalOutcome(ctx context.Context, client *results.Client, engine *steps.Engine, logger *zap.Logger) {
	updates := make([]results.StepUpdate, 0, len(engine.Outcomes()))
	for id, o := range engine.Outcomes() {
		updates = append(updates, results.StepUpdate{
			ExternalId: id,
			Status:     results.StatusCompleted,
			Conclusion: conclusionFor(o.Conclusion),
		})
	}
	if err := client.UpdateSteps(ctx, updates); err != nil {
		logger.Warn("failed to report final step status", zap.Error(err))
	}
}

func reportJobFailure(ctx context.Context, client *results.Client, logger *zap.Logger) {
	if client == nil {
		return
	}
	if err := client.UpdateSteps(ctx, nil); err != nil {
		logger.Warn("failed to report job failure", zap.Error(err))
	}
}

func conclusionFor(r stepresult.Result) results.Conclusion {
	switch r {
	case stepresult.Succeeded, stepresult.SucceededWithIssues:
		return results.ConclusionSuccess
	case stepresult.Skipped:
		return results.ConclusionSkipped
	case stepresult.Canceled:
		return results.ConclusionCancelled
	default:
		return results.ConclusionFailure
	}
}
