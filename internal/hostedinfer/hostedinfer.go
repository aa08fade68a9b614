// Package hostedinfer implements the hosted-server inference rules of
// spec §4.1: when RunnerSettings leaves IsHostedServer unset, the precedence
// chain below decides it deterministically from env overrides and URLs.
package hostedinfer

import (
	"net/url"
	"strings"
)

// Inputs bundles everything the precedence chain reads. Pass the process
// environment and settings verbatim — determinism (§8) depends on this
// being a pure function of its inputs.
type Inputs struct {
	// ForceEnterprise corresponds to an override env var asserting
	// "force enterprise" (rule 1).
	ForceEnterprise bool
	// ForceHostedNoGitHubURL corresponds to an override env var asserting
	// "force hosted when no GitHub URL" (rule 2).
	ForceHostedNoGitHubURL bool
	GitHubURL              string
	ServerURL              string
	ServerURLV2            string
}

var secondaryHostedSuffixes = []string{
	".actions.githubusercontent.com",
	".githubapp.com",
	".ghe.com",
	".actions.localhost",
	".ghe.localhost",
}

// Infer applies the six precedence rules of spec §4.1, first match wins.
// Deterministic and idempotent: calling twice with the same Inputs always
// returns the same value (§8).
func Infer(in Inputs) bool {
	// Rule 1: forced enterprise.
	if in.ForceEnterprise {
		return false
	}
	// Rule 2: forced hosted when no GitHub URL is configured.
	if in.ForceHostedNoGitHubURL {
		return true
	}
	// Rule 3: GitHub URL host match.
	if host := hostOf(in.GitHubURL); host != "" {
		if host == "github.com" || host == "github.localhost" ||
			strings.HasSuffix(host, ".ghe.com") || strings.HasSuffix(host, ".ghe.localhost") {
			return true
		}
	}
	// Rule 4: primary server URL host match.
	if host := hostOf(in.ServerURL); host != "" {
		if strings.HasSuffix(host, ".actions.githubusercontent.com") || strings.HasSuffix(host, ".codedev.ms") {
			return true
		}
	}
	// Rule 5: secondary server URL host match against the fixed suffix set.
	if host := hostOf(in.ServerURLV2); host != "" {
		for _, suffix := range secondaryHostedSuffixes {
			if strings.HasSuffix(host, suffix) {
				return true
			}
		}
	}
	// Rule 6: default.
	return true
}

// hostOf returns the lowercased host of rawURL, or "" if rawURL is empty or
// does not parse.
func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
