// Package session implements the Session & Auth Manager (spec §4.1): session
// creation with retry/409-handling, clock-skew capture, long-poll message
// retrieval, and best-effort deletion. The reconnect-with-backoff shape is
// grounded on agent/internal/connection/manager.go's Run loop, re-pointed
// from a persistent gRPC stream to the spec's HTTP long-poll protocol.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/coreactions/runner/internal/auth"
	"github.com/coreactions/runner/internal/errkind"
	"github.com/coreactions/runner/internal/protocol"
)

const (
	// sessionConflictBackoff is the sleep on HTTP 409 during create; it does
	// not consume the retry budget (spec §4.1, §7).
	sessionConflictBackoff = 5 * time.Second
	// createBackoff is the sleep between generic create failures.
	createBackoff = 30 * time.Second
	// maxCreateFailures gives up session creation after this many
	// consecutive non-409 failures.
	maxCreateFailures = 30

	// longPollMinWait and longPollMaxWait bound the server-side wait
	// requested on get-next-message.
	longPollMinWait = 30 * time.Second
	longPollMaxWait = 50 * time.Second

	// clockSkewWarnThreshold is the |server-local| delta that produces a
	// warning without failing the flow (spec §4.1).
	clockSkewWarnThreshold = 300 * time.Second
)

// Session is the server-bound opaque identifier returned by session create.
type Session struct {
	SessionId     string
	EncryptionKey string
	LastMessageId uint64
	// ClockSkew is |server - local| captured from the create response's Date
	// header (spec §3 Session, a structured field rather than a log line).
	ClockSkew time.Duration
}

// PollResult is the outcome of one GetNextMessage call.
type PollResult struct {
	// Message is non-nil only when HasMessage is true.
	Message     *protocol.Message
	HasMessage  bool
}

// Manager owns the HTTP client, token provider, and current session for one
// listener run.
type Manager struct {
	baseURL    string
	poolId     int32
	agentId    uint64
	agentName  string

	httpClient *http.Client
	tokenProv  auth.Provider
	logger     *zap.Logger

	session Session
}

// Config parameterizes a new Manager.
type Config struct {
	BaseURL    string
	PoolId     int32
	AgentId    uint64
	AgentName  string
	HTTPClient *http.Client
	TokenProv  auth.Provider
	Logger     *zap.Logger
}

// New constructs a session Manager. Call CreateSession before any other
// method.
func New(cfg Config) *Manager {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		baseURL:    cfg.BaseURL,
		poolId:     cfg.PoolId,
		agentId:    cfg.AgentId,
		agentName:  cfg.AgentName,
		httpClient: httpClient,
		tokenProv:  cfg.TokenProv,
		logger:     logger.Named("session"),
	}
}

type createSessionRequest struct {
	Owner struct {
		Id   uint64 `json:"id"`
		Name string `json:"name"`
	} `json:"owner"`
}

type createSessionResponse struct {
	SessionId     string `json:"sessionId"`
	EncryptionKey string `json:"encryptionKey"`
}

// CreateSession enters the retry loop of spec §4.1: mint a bearer token,
// POST the session-create document, and cache the result. A 409 sleeps 5s
// and retries without counting toward the failure budget; any other failure
// backs off 30s and gives up after 30 consecutive failures.
func (m *Manager) CreateSession(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sess, err := m.tryCreateSession(ctx)
		if err == nil {
			m.session = sess
			return nil
		}

		if errkind.Is(err, errkind.Conflict) {
			m.logger.Info("session conflict, another instance may be alive", zap.Error(err))
			if !sleepOrDone(ctx, sessionConflictBackoff) {
				return ctx.Err()
			}
			continue
		}

		failures++
		m.logger.Warn("session create failed", zap.Error(err), zap.Int("failures", failures))
		if failures >= maxCreateFailures {
			return errkind.Wrap(errkind.Gone, fmt.Errorf("session: giving up after %d consecutive failures: %w", failures, err))
		}
		if !sleepOrDone(ctx, createBackoff) {
			return ctx.Err()
		}
	}
}

func (m *Manager) tryCreateSession(ctx context.Context) (Session, error) {
	token, err := m.tokenProv.Token(ctx)
	if err != nil {
		return Session{}, err
	}

	reqBody := createSessionRequest{}
	reqBody.Owner.Id = m.agentId
	reqBody.Owner.Name = m.agentName
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Session{}, errkind.Wrap(errkind.Permanent, err)
	}

	url := fmt.Sprintf("%s/_apis/distributedtask/pools/%d/sessions", m.baseURL, m.poolId)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Session{}, errkind.Wrap(errkind.Permanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Session{}, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	skew := captureClockSkew(resp.Header.Get("Date"), time.Now())
	if skew > clockSkewWarnThreshold || skew < -clockSkewWarnThreshold {
		m.logger.Warn("clock skew exceeds threshold", zap.Duration("skew", skew))
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusConflict {
		return Session{}, errkind.Conflictf("session create returned 409")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		m.tokenProv.Invalidate()
		return Session{}, errkind.Authf("session create returned %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return Session{}, errkind.Wrap(kind, fmt.Errorf("session create returned %d: %s", resp.StatusCode, respBody))
	}

	var out createSessionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Session{}, errkind.Wrap(errkind.Permanent, fmt.Errorf("decoding session create response: %w", err))
	}

	if skew < 0 {
		skew = -skew
	}
	return Session{
		SessionId:     out.SessionId,
		EncryptionKey: out.EncryptionKey,
		ClockSkew:     skew,
	}, nil
}

// captureClockSkew parses an HTTP Date header and returns server-local.
// An unparseable or empty header yields zero skew rather than an error —
// skew is observability-only (spec §4.1, §9 open question).
func captureClockSkew(dateHeader string, local time.Time) time.Duration {
	if dateHeader == "" {
		return 0
	}
	serverTime, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0
	}
	return serverTime.Sub(local)
}

// GetNextMessage long-polls the message endpoint. 202/204 yields
// HasMessage=false with no error. 401/403 invalidates the bearer and also
// yields HasMessage=false with no error, so the caller re-mints on its next
// call instead of treating auth churn as fatal.
func (m *Manager) GetNextMessage(ctx context.Context) (PollResult, error) {
	token, err := m.tokenProv.Token(ctx)
	if err != nil {
		return PollResult{}, err
	}

	wait := longPollWait()
	url := fmt.Sprintf("%s/_apis/distributedtask/pools/%d/messages?sessionId=%s&lastMessageId=%d&waitRequest=%d",
		m.baseURL, m.poolId, m.session.SessionId, m.session.LastMessageId, int(wait.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, errkind.Wrap(errkind.Permanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return PollResult{}, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return PollResult{}, errkind.Wrap(errkind.Transient, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return PollResult{}, errkind.Wrap(errkind.Permanent, fmt.Errorf("decoding message: %w", err))
		}
		return PollResult{Message: &msg, HasMessage: true}, nil

	case http.StatusAccepted, http.StatusNoContent:
		return PollResult{}, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		m.tokenProv.Invalidate()
		return PollResult{}, nil

	default:
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return PollResult{}, errkind.Wrap(kind, fmt.Errorf("get-next-message returned %d", resp.StatusCode))
	}
}

// AdvanceLastMessageId records that message id as delivered. Callers must
// only call this after the message has been handed off or classified as
// ignore-and-delete (spec §3 invariant).
func (m *Manager) AdvanceLastMessageId(id uint64) {
	if id > m.session.LastMessageId {
		m.session.LastMessageId = id
	}
}

// DeleteMessage best-effort deletes a consumed message. Errors are logged,
// never propagated (spec §4.1).
func (m *Manager) DeleteMessage(ctx context.Context, messageId uint64) {
	token, err := m.tokenProv.Token(ctx)
	if err != nil {
		m.logger.Warn("delete message: token mint failed", zap.Error(err))
		return
	}
	url := fmt.Sprintf("%s/_apis/distributedtask/pools/%d/messages/%d?sessionId=%s",
		m.baseURL, m.poolId, messageId, m.session.SessionId)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		m.logger.Warn("delete message: building request", zap.Error(err))
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("delete message failed", zap.Error(err), zap.Uint64("messageId", messageId))
		return
	}
	resp.Body.Close()
}

// DeleteSession deletes the current session on graceful shutdown (spec §3
// Session lifecycle). It is advisory from the server's point of view — the
// caller logs and moves on regardless — but returns its error so a caller
// tearing down several resources at once can aggregate them.
func (m *Manager) DeleteSession(ctx context.Context) error {
	token, err := m.tokenProv.Token(ctx)
	if err != nil {
		m.logger.Warn("delete session: token mint failed", zap.Error(err))
		return err
	}
	url := fmt.Sprintf("%s/_apis/distributedtask/pools/%d/sessions/%s", m.baseURL, m.poolId, m.session.SessionId)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		m.logger.Warn("delete session: building request", zap.Error(err))
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Warn("delete session failed", zap.Error(err))
		return err
	}
	resp.Body.Close()
	return nil
}

// Current returns the cached session, for callers that need the id/skew.
func (m *Manager) Current() Session { return m.session }

// longPollWait picks a random server-side wait within [longPollMinWait,
// longPollMaxWait]; GetNextMessage sends it as the waitRequest parameter.
func longPollWait() time.Duration {
	span := longPollMaxWait - longPollMinWait
	return longPollMinWait + time.Duration(rand.Int63n(int64(span)))
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
