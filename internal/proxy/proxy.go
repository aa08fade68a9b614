// Package proxy resolves the case-insensitive http_proxy/https_proxy/no_proxy
// environment variables (spec §6) into an http.Transport, shared by the
// session manager and results client HTTP clients — both need proxy-aware
// transports independently (original_source/rust/crates/runner-sdk/src/web_proxy.rs),
// so this package gives them one implementation instead of two.
package proxy

import (
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Config holds the resolved proxy settings.
type Config struct {
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// FromEnvironment reads the proxy variables case-insensitively, preferring
// the uppercase form when both cases are set (matching the precedence most
// HTTP clients use).
func FromEnvironment() Config {
	return Config{
		HTTPProxy:  firstNonEmpty(os.Getenv("HTTP_PROXY"), os.Getenv("http_proxy")),
		HTTPSProxy: firstNonEmpty(os.Getenv("HTTPS_PROXY"), os.Getenv("https_proxy")),
		NoProxy:    firstNonEmpty(os.Getenv("NO_PROXY"), os.Getenv("no_proxy")),
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Transport builds an *http.Transport whose Proxy func honors cfg, including
// the NoProxy bypass list (comma-separated hostnames/suffixes).
func (cfg Config) Transport(base *http.Transport) *http.Transport {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	} else {
		base = base.Clone()
	}
	base.Proxy = cfg.proxyFunc()
	return base
}

func (cfg Config) proxyFunc() func(*http.Request) (*url.URL, error) {
	noProxy := splitNoProxy(cfg.NoProxy)
	return func(req *http.Request) (*url.URL, error) {
		host := req.URL.Hostname()
		for _, skip := range noProxy {
			if matchesNoProxy(host, skip) {
				return nil, nil
			}
		}

		var raw string
		if req.URL.Scheme == "https" {
			raw = cfg.HTTPSProxy
		} else {
			raw = cfg.HTTPProxy
		}
		if raw == "" {
			return nil, nil
		}
		return url.Parse(raw)
	}
}

func splitNoProxy(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matchesNoProxy reports whether host matches a no_proxy entry: an exact
// match, or a suffix match when the entry starts with a dot (".example.com"
// matches "api.example.com") or is itself a bare domain used as a suffix.
func matchesNoProxy(host, entry string) bool {
	if entry == "*" {
		return true
	}
	host = strings.ToLower(host)
	entry = strings.ToLower(strings.TrimPrefix(entry, "."))
	if host == entry {
		return true
	}
	return strings.HasSuffix(host, "."+entry)
}
