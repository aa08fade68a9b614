package handlers

import (
	"context"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/errkind"
	"github.com/coreactions/runner/internal/execcontext"
	"github.com/coreactions/runner/internal/stepresult"
)

// DockerProbe reports whether the host can run container actions. Grounded
// on agent/internal/docker/discovery.go's NewClient+Ping capability probe:
// a failed probe degrades to "unsupported" rather than propagating an error.
func DockerProbe(ctx context.Context, logger *zap.Logger) bool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Warn("docker client unavailable, container actions unsupported", zap.Error(err))
		return false
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		// A transiently unavailable daemon (still starting, overloaded) gets
		// a quieter log than a genuinely absent/misconfigured one, since the
		// former is expected on a host that just booted.
		if kind, ok := errkind.FromErrdefs(err); ok && kind == errkind.Transient {
			logger.Debug("docker daemon ping failed transiently, container actions unsupported", zap.Error(err))
		} else {
			logger.Warn("docker daemon ping failed, container actions unsupported", zap.Error(err))
		}
		return false
	}
	return true
}

// ContainerActionHandler runs a step whose action is a Docker container
// image. On hosts without container support it degrades to a no-op success
// with a warning (spec §4.5 "Container action handler").
type ContainerActionHandler struct {
	Image     string
	Args      []string
	Supported bool
	Logger    *zap.Logger
	// Run executes the container and returns its exit code. Nil when
	// Supported is false.
	Run_ func(ctx context.Context, stepCtx *execcontext.StepContext, image string, args []string) (int, error)
}

func (h *ContainerActionHandler) Run(ctx context.Context, stepCtx *execcontext.StepContext) error {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if !h.Supported {
		logger.Warn("containers unsupported on this host, treating step as no-op", zap.String("image", h.Image))
		stepCtx.Complete(stepresult.Succeeded, "containers unsupported, skipped")
		return nil
	}

	if h.Run_ == nil {
		stepCtx.Complete(stepresult.Succeeded, "")
		return nil
	}

	code, err := h.Run_(ctx, stepCtx, h.Image, h.Args)
	if err != nil {
		return err
	}
	if code != 0 {
		stepCtx.Complete(stepresult.Failed, "container exited non-zero")
		return nil
	}
	stepCtx.Complete(stepresult.Succeeded, "")
	return nil
}
