// Package httpconfig builds the shared *http.Client the listener and
// worker processes use for every outbound call, and reads the environment
// variables spec §6 lists for tuning it (retry count, timeout, TLS
// verification). Grounded on
// original_source/rust/crates/runner-sdk/src/vss_util.rs's VssUtil, which
// reads the same three variables to the same defaults/clamps.
package httpconfig

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// HTTPRetryEnv names the environment variable controlling retry count.
	HTTPRetryEnv = "GITHUB_ACTIONS_RUNNER_HTTP_RETRY"
	// HTTPTimeoutEnv names the environment variable controlling the client
	// timeout, in seconds.
	HTTPTimeoutEnv = "GITHUB_ACTIONS_RUNNER_HTTP_TIMEOUT"
	// TLSNoVerifyEnv names the environment variable disabling TLS
	// certificate verification.
	TLSNoVerifyEnv = "GITHUB_ACTIONS_RUNNER_TLS_NO_VERIFY"

	defaultRetry   = 3
	maxRetry       = 10
	defaultTimeout = 100 * time.Second
	maxTimeout     = 1200 * time.Second
	connectTimeout = 30 * time.Second
)

// RetryCount reads HTTPRetryEnv, clamped to [defaultRetry, maxRetry].
// Unset or unparseable values fall back to defaultRetry.
func RetryCount() int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(HTTPRetryEnv)))
	if err != nil {
		return defaultRetry
	}
	return clampInt(n, defaultRetry, maxRetry)
}

// Timeout reads HTTPTimeoutEnv (seconds), clamped to [defaultTimeout,
// maxTimeout] (spec §5 "HTTP client timeout is configurable via
// environment, clamped to [100 s, 1200 s]"). Unset or unparseable values
// fall back to defaultTimeout.
func Timeout() time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(os.Getenv(HTTPTimeoutEnv)))
	if err != nil {
		return defaultTimeout
	}
	d := time.Duration(secs) * time.Second
	if d < defaultTimeout {
		return defaultTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}

// TLSNoVerify reports whether TLSNoVerifyEnv is set to a recognized truthy
// value ("1", "true", "yes", case-insensitive).
func TLSNoVerify() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(TLSNoVerifyEnv))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// Client builds an *http.Client with the env-configured timeout and TLS
// verification, layered over transport (a proxy-aware transport the caller
// already built; nil uses http.DefaultTransport's clone).
func Client(transport *http.Transport) *http.Client {
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	} else {
		transport = transport.Clone()
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport.DialContext = dialer.DialContext
	if TLSNoVerify() {
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
	return &http.Client{Timeout: Timeout(), Transport: transport}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ConnectTimeout is the fixed connect-phase timeout (spec §5); it is not
// environment-configurable.
const ConnectTimeout = connectTimeout
