// Package dispatcher implements the Message Dispatcher loop (spec §4.2): it
// pulls messages from the session manager, routes them by type, and handles
// the v2 broker acknowledge/acquire flow, self-update, and config refresh.
// The outer retry/backoff shape is grounded on
// agent/internal/connection/manager.go's Run/connect loop, generalized from
// "reconnect a gRPC stream" to "long-poll, decode, and route one message".
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/errkind"
	"github.com/coreactions/runner/internal/protocol"
	"github.com/coreactions/runner/internal/session"
	"github.com/coreactions/runner/internal/settings"
)

// JobDispatcher is the subset of internal/jobdispatch.Dispatcher the message
// loop needs. Declared here (rather than importing jobdispatch directly) so
// this package stays testable with a fake and free of a dependency on the
// IPC/process-spawn machinery.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job protocol.JobRequest) error
	Cancel(ctx context.Context, jobId string) error
}

// Updater performs a self-update: verify hash, stage package. Declared here
// to avoid importing internal/selfupdate's process-replacement machinery
// into this package's tests.
type Updater interface {
	Update(ctx context.Context, body json.RawMessage) error
}

// Loop drives the Message Dispatcher. It is unified across the v1 legacy
// and v2 broker codepaths (SPEC_FULL.md §E open-question decision): one
// type-switch over Message.MessageType handles both, rather than two
// parallel loops.
type Loop struct {
	sessionMgr *session.Manager
	jobs       JobDispatcher
	updater    Updater
	httpClient *http.Client
	logger     *zap.Logger

	settingsDir string

	throttler *ErrorThrottler
}

// Config parameterizes a new Loop.
type Config struct {
	SessionMgr  *session.Manager
	Jobs        JobDispatcher
	Updater     Updater
	HTTPClient  *http.Client
	Logger      *zap.Logger
	SettingsDir string
}

// New builds a dispatcher Loop.
func New(cfg Config) *Loop {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		sessionMgr:  cfg.SessionMgr,
		jobs:        cfg.Jobs,
		updater:     cfg.Updater,
		httpClient:  httpClient,
		logger:      logger.Named("dispatcher"),
		settingsDir: cfg.SettingsDir,
		throttler:   NewErrorThrottler(),
	}
}

// Run pulls and routes messages until ctx is cancelled or a terminal
// message (self-update, config refresh, shutdown) requests an exit. It
// returns the exit code the caller's main function should use.
func (l *Loop) Run(ctx context.Context) ExitCode {
	for {
		if ctx.Err() != nil {
			return ExitNormal
		}

		res, err := l.sessionMgr.GetNextMessage(ctx)
		if err != nil {
			l.logger.Warn("get-next-message failed", zap.Error(err))
			delay := l.throttler.Next()
			if !sleepOrDone(ctx, delay) {
				return ExitNormal
			}
			continue
		}

		l.throttler.Reset()

		if !res.HasMessage {
			continue
		}

		exit, handled := l.route(ctx, *res.Message)
		if handled {
			l.sessionMgr.AdvanceLastMessageId(res.Message.MessageId)
		}
		if exit != nil {
			return *exit
		}
	}
}

// route dispatches one message by type. The returned bool reports whether
// the caller should advance lastMessageId. Handoff is synchronous, so every
// branch returns true once it completes, except a successful self-update,
// which advances lastMessageId itself before deleting the session and
// returns false (spec §3's invariant that delivery advances after
// handoff-or-ignore, never before).
func (l *Loop) route(ctx context.Context, msg protocol.Message) (*ExitCode, bool) {
	switch msg.MessageType {
	case protocol.TypeJobRequest:
		var job protocol.JobRequest
		if err := json.Unmarshal(msg.Body, &job); err != nil {
			l.logger.Error("failed to decode JobRequest, dropping", zap.Error(err))
			return nil, true
		}
		if err := l.jobs.Dispatch(ctx, job); err != nil {
			l.logger.Error("job dispatch failed", zap.String("jobId", job.JobId), zap.Error(err))
		}
		return nil, true

	case protocol.TypeRunnerJobRequest:
		job, err := l.acquireV2Job(ctx, msg.Body)
		if err != nil {
			l.logger.Error("v2 job acquire failed", zap.Error(err))
			return nil, true
		}
		if err := l.jobs.Dispatch(ctx, job); err != nil {
			l.logger.Error("job dispatch failed", zap.String("jobId", job.JobId), zap.Error(err))
		}
		return nil, true

	case protocol.TypeJobCancel:
		var body struct {
			JobId string `json:"jobId"`
		}
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			l.logger.Error("failed to decode JobCancel, dropping", zap.Error(err))
			return nil, true
		}
		if err := l.jobs.Cancel(ctx, body.JobId); err != nil {
			l.logger.Warn("job cancel failed", zap.String("jobId", body.JobId), zap.Error(err))
		}
		return nil, true

	case protocol.TypeAgentRefresh, protocol.TypeRunnerRefresh:
		if l.updater == nil {
			l.logger.Warn("update message received but no updater configured, ignoring")
			return nil, true
		}
		if err := l.updater.Update(ctx, msg.Body); err != nil {
			l.logger.Error("self-update failed, continuing message loop", zap.Error(err))
			return nil, true
		}
		l.sessionMgr.AdvanceLastMessageId(msg.MessageId)
		if err := l.sessionMgr.DeleteSession(ctx); err != nil {
			l.logger.Warn("delete session before self-update failed", zap.Error(err))
		}
		exit := ExitRunnerUpdating
		return &exit, false

	case protocol.TypeRunnerRefreshConfig:
		if err := l.refreshConfig(msg.Body); err != nil {
			l.logger.Error("config refresh failed", zap.Error(err))
			return nil, true
		}
		exit := ExitConfigurationRefreshed
		return &exit, true

	case protocol.TypeForceTokenRefresh:
		// Handled implicitly: the session manager re-mints on the next 401;
		// here we just acknowledge and move on since nothing in this message
		// body carries state of its own.
		return nil, true

	case protocol.TypeHostedRunnerShutdown:
		l.logger.Info("hosted runner shutdown requested")
		exit := ExitNormal
		return &exit, true

	default:
		l.logger.Debug("ignoring unrecognised message type", zap.String("type", string(msg.MessageType)))
		return nil, true
	}
}

// acquireV2Job implements spec §4.2's "special v2 flow": optionally
// acknowledge, then POST /acquirejob on the run-service URL to obtain the
// full job body.
func (l *Loop) acquireV2Job(ctx context.Context, body json.RawMessage) (protocol.JobRequest, error) {
	var ref protocol.RunnerJobRequest
	if err := json.Unmarshal(body, &ref); err != nil {
		return protocol.JobRequest{}, errkind.Wrap(errkind.Permanent, err)
	}

	if ref.ShouldAcknowledge {
		if err := l.postJSON(ctx, ref.RunServiceURL+"/acknowledge", ref); err != nil {
			l.logger.Warn("v2 acknowledge failed, continuing to acquire", zap.Error(err))
		}
	}

	acquireReq := protocol.AcquireJobRequest{
		JobMessageId:   ref.RunnerRequestId,
		RunnerOS:       currentOS(),
		BillingOwnerId: ref.BillingOwnerId,
	}

	respBody, err := l.postJSONForResponse(ctx, ref.RunServiceURL+"/acquirejob", acquireReq)
	if err != nil {
		return protocol.JobRequest{}, err
	}

	var job protocol.JobRequest
	if err := json.Unmarshal(respBody, &job); err != nil {
		return protocol.JobRequest{}, errkind.Wrap(errkind.Permanent, fmt.Errorf("decoding acquired job: %w", err))
	}
	return job, nil
}

func (l *Loop) postJSON(ctx context.Context, url string, payload any) error {
	_, err := l.postJSONForResponse(ctx, url, payload)
	return err
}

func (l *Loop) postJSONForResponse(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.Permanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Permanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return nil, errkind.Wrap(kind, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, respBody))
	}
	return respBody, nil
}

// refreshConfig rewrites the settings file atomically and lets the caller
// return ExitConfigurationRefreshed so the supervisor reloads.
func (l *Loop) refreshConfig(body json.RawMessage) error {
	var s settings.RunnerSettings
	if err := json.Unmarshal(body, &s); err != nil {
		return errkind.Wrap(errkind.Permanent, err)
	}
	return settings.Save(l.settingsDir, &s)
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
