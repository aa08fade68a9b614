// Package auth mints the bearer token the session manager attaches to every
// request. Two schemes exist: a static token handed to the runner at
// configure time, and an OAuth JWT-bearer grant where the runner signs a
// short-lived assertion with its RSA key and exchanges it for a bearer token
// at an authorization endpoint. Signing idiom (RS256, PKCS#1/PKCS#8 PEM,
// golang-jwt/v5) is grounded on server/internal/auth/jwt.go's newJWTManagerFromPEM,
// generalized from server-side issuance to client-side assertion signing.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coreactions/runner/internal/errkind"
)

// assertionLifetime bounds how long the signed JWT assertion is valid for;
// it is presented once to mint a bearer token and then discarded.
const assertionLifetime = 5 * time.Minute

// assertionClockSkew backdates the assertion's nbf claim so minor clock
// skew between runner and auth server doesn't reject an assertion signed
// moments before it is presented (RFC 7523 §3).
const assertionClockSkew = 5 * time.Minute

// Provider mints bearer tokens for outbound requests.
type Provider interface {
	// Token returns a bearer token, minting or refreshing it if necessary.
	Token(ctx context.Context) (string, error)
	// Invalidate discards any cached token, forcing the next Token call to
	// re-mint. Called by the session manager on a 401/403 response.
	Invalidate()
}

// StaticProvider returns a fixed token handed to the runner at configure
// time. It never expires and Invalidate is a no-op.
type StaticProvider struct {
	token string
}

// NewStaticProvider wraps a pre-issued token.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) Token(_ context.Context) (string, error) { return p.token, nil }
func (p *StaticProvider) Invalidate()                             {}

// JWTBearerProvider implements the OAuth JWT-bearer grant (RFC 7523): it
// signs an RS256 assertion with the runner's private key and POSTs it to
// authURL, caching the returned bearer token until it expires or is
// explicitly invalidated.
type JWTBearerProvider struct {
	authURL    string
	runnerID   string
	privateKey *rsa.PrivateKey
	httpClient *http.Client

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewJWTBearerProvider constructs a provider that exchanges signed
// assertions for bearer tokens at authURL using httpClient.
func NewJWTBearerProvider(authURL, runnerID string, key *rsa.PrivateKey, httpClient *http.Client) *JWTBearerProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &JWTBearerProvider{
		authURL:    authURL,
		runnerID:   runnerID,
		privateKey: key,
		httpClient: httpClient,
	}
}

// Token returns the cached bearer token if it has more than a 30s margin
// before expiry, otherwise mints a new one.
func (p *JWTBearerProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cached != "" && time.Until(p.expiresAt) > 30*time.Second {
		tok := p.cached
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()

	assertion, err := p.signAssertion()
	if err != nil {
		return "", errkind.Wrap(errkind.Permanent, fmt.Errorf("auth: signing assertion: %w", err))
	}

	tok, expiresIn, err := p.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.cached = tok
	p.expiresAt = time.Now().Add(expiresIn)
	p.mu.Unlock()

	return tok, nil
}

// Invalidate clears the cached bearer token.
func (p *JWTBearerProvider) Invalidate() {
	p.mu.Lock()
	p.cached = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()
}

func (p *JWTBearerProvider) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.runnerID,
		Subject:   p.runnerID,
		Audience:  jwt.ClaimStrings{p.authURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-assertionClockSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(p.privateKey)
}

// jwtBearerGrantType is the RFC 7523 grant_type value identifying a JWT
// bearer assertion.
const jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchange presents the signed assertion at the token endpoint as a
// form-encoded JWT-bearer grant (RFC 7523 §2.1): a JSON body is not a
// registered content type for this grant and real OAuth token endpoints
// reject it.
func (p *JWTBearerProvider) exchange(ctx context.Context, assertion string) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, errkind.Wrap(errkind.Transient, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		kind, _ := errkind.FromHTTPStatus(resp.StatusCode)
		return "", 0, errkind.Wrap(kind, fmt.Errorf("auth: token exchange returned %d: %s", resp.StatusCode, respBody))
	}

	var out exchangeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", 0, errkind.Wrap(errkind.Permanent, fmt.Errorf("auth: decoding token response: %w", err))
	}
	if out.AccessToken == "" {
		return "", 0, errkind.Wrap(errkind.Permanent, fmt.Errorf("auth: token response missing access_token"))
	}

	expiresIn := time.Duration(out.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 10 * time.Minute
	}
	return out.AccessToken, expiresIn, nil
}
