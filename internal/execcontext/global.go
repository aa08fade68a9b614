// Package execcontext models the execution context tree (spec §3, §9): one
// Global shared by every step of a job, and one ExecutionContext per step
// holding its own outputs, log buffer, and completion state. Locking
// granularity (RWMutex on the shared record, unsynchronized per-step state)
// is grounded on connection.Manager's `mu sync.RWMutex` guarding its
// logStreams map, applied here to the job-wide environment/endpoint state
// instead of a map of gRPC streams.
package execcontext

import (
	"sync"

	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/stepresult"
)

// ContainerInfo describes the job container, when one is configured.
type ContainerInfo struct {
	Image   string
	Id      string
	Network string
}

// Global is the job-wide shared state (spec §3 ExecutionContext.Global).
// Mutations take the write lock; reads take the read lock. It is shared by
// every step context of one job and never outlives the job (spec §9 "Cyclic
// ownership").
type Global struct {
	mu sync.RWMutex

	variables   map[string]protocol.Variable
	endpoints   []protocol.Endpoint
	env         map[string]string
	prependPath []string
	workspace   string
	tempDir     string
	container   *ContainerInfo
	debug       bool
	matchers    map[string]string

	// cancel is the job cancel token; closed when the job is cancelled by
	// the dispatcher, SIGTERM/SIGINT, or HostedRunnerShutdown (spec §5).
	cancel chan struct{}
	once   sync.Once

	// result is the job's running merged StepResult, updated after each
	// step's conclusion is computed (spec §4.4 step 6).
	result stepresult.Result
}

// NewGlobal constructs a Global for one job.
func NewGlobal(job protocol.JobRequest, debug bool) *Global {
	return &Global{
		variables: job.Variables,
		endpoints: job.Resources.Endpoints,
		env:       make(map[string]string),
		workspace: job.Workspace.Path,
		tempDir:   job.Workspace.TempDir,
		debug:     debug,
		matchers:  make(map[string]string),
		cancel:    make(chan struct{}),
		result:    stepresult.Succeeded,
	}
}

// Cancel fires the job cancel token. Safe to call more than once.
func (g *Global) Cancel() {
	g.once.Do(func() { close(g.cancel) })
}

// Cancelled reports whether the job cancel token has fired.
func (g *Global) Cancelled() bool {
	select {
	case <-g.cancel:
		return true
	default:
		return false
	}
}

// CancelChan exposes the cancel token for select statements (step timeout
// racing, spec §4.4 step 4).
func (g *Global) CancelChan() <-chan struct{} { return g.cancel }

// Env returns a copy of the job-wide environment map.
func (g *Global) Env() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.env))
	for k, v := range g.env {
		out[k] = v
	}
	return out
}

// SetEnv sets a job-wide environment variable.
func (g *Global) SetEnv(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.env[key] = value
}

// PrependPath returns a copy of the job-wide PATH-prepend list, in the
// order entries were added (spec §4.4 step 5, GITHUB_PATH ingestion).
func (g *Global) PrependPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.prependPath))
	copy(out, g.prependPath)
	return out
}

// AddPrependPath appends an entry to the PATH-prepend list.
func (g *Global) AddPrependPath(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prependPath = append(g.prependPath, path)
}

// Workspace returns the job's workspace directory.
func (g *Global) Workspace() string { return g.workspace }

// TempDir returns the job's temp directory.
func (g *Global) TempDir() string { return g.tempDir }

// Debug reports whether step-debug logging is enabled.
func (g *Global) Debug() bool { return g.debug }

// Container returns the job container info, or nil if none is configured.
func (g *Global) Container() *ContainerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.container
}

// SetContainer records the job container info.
func (g *Global) SetContainer(c *ContainerInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.container = c
}

// Endpoint looks up a named endpoint (e.g. "SystemVssConnection").
func (g *Global) Endpoint(name string) (protocol.Endpoint, bool) {
	for _, e := range g.endpoints {
		if e.Name == name {
			return e, true
		}
	}
	return protocol.Endpoint{}, false
}

// AddMatcher registers (or replaces) a problem-matcher definition owned by
// owner (spec_full §C.1, `add-matcher` action command). The definition body
// itself is opaque here — this repo stores the owner-keyed raw config a
// matcher command carries, it does not parse or apply matcher patterns.
func (g *Global) AddMatcher(owner, config string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.matchers[owner] = config
}

// RemoveMatcher unregisters a previously added matcher by owner.
func (g *Global) RemoveMatcher(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.matchers, owner)
}

// Matchers returns a copy of the owner-keyed matcher registry.
func (g *Global) Matchers() map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string, len(g.matchers))
	for k, v := range g.matchers {
		out[k] = v
	}
	return out
}

// Variables returns the job's variables map.
func (g *Global) Variables() map[string]protocol.Variable { return g.variables }

// Result returns the job's current merged result.
func (g *Global) Result() stepresult.Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.result
}

// MergeResult folds conclusion into the job's running result using the
// severity merge rule (spec §4.4 step 6, §8 scenario 4).
func (g *Global) MergeResult(conclusion stepresult.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = stepresult.Merge(g.result, conclusion)
}
