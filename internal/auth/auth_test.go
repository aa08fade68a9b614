package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStaticProviderReturnsFixedToken(t *testing.T) {
	p := NewStaticProvider("abc123")
	tok, err := p.Token(context.Background())
	if err != nil || tok != "abc123" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}
	p.Invalidate()
	tok, err = p.Token(context.Background())
	if err != nil || tok != "abc123" {
		t.Fatalf("Token() after Invalidate = %q, %v; static provider must be unaffected", tok, err)
	}
}

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestJWTBearerProviderExchangesAndCaches(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Fatalf("Content-Type = %q, want application/x-www-form-urlencoded", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("grant_type"); got != jwtBearerGrantType {
			t.Fatalf("grant_type = %q, want %q", got, jwtBearerGrantType)
		}
		if r.PostForm.Get("assertion") == "" {
			t.Fatal("expected a signed assertion")
		}
		json.NewEncoder(w).Encode(exchangeResponse{AccessToken: "bearer-xyz", ExpiresIn: 600})
	}))
	defer srv.Close()

	p := NewJWTBearerProvider(srv.URL, "runner-1", testKey(t), srv.Client())

	tok, err := p.Token(context.Background())
	if err != nil || tok != "bearer-xyz" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}

	tok2, err := p.Token(context.Background())
	if err != nil || tok2 != "bearer-xyz" {
		t.Fatalf("second Token() = %q, %v", tok2, err)
	}
	if calls != 1 {
		t.Fatalf("expected the cached token to avoid a second exchange, got %d calls", calls)
	}
}

func TestJWTBearerProviderInvalidateForcesReExchange(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(exchangeResponse{AccessToken: "tok", ExpiresIn: 600})
	}))
	defer srv.Close()

	p := NewJWTBearerProvider(srv.URL, "runner-1", testKey(t), srv.Client())
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Invalidate()
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected Invalidate to force a re-exchange, got %d calls", calls)
	}
}

func TestJWTBearerProviderAuthErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	p := NewJWTBearerProvider(srv.URL, "runner-1", testKey(t), srv.Client())
	_, err := p.Token(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestAssertionExpiryWithinLifetime(t *testing.T) {
	if assertionLifetime > 10*time.Minute {
		t.Fatalf("assertionLifetime = %v, expected a short-lived assertion", assertionLifetime)
	}
}

func TestSignAssertionBackdatesNotBefore(t *testing.T) {
	p := NewJWTBearerProvider("https://example.invalid/token", "runner-1", testKey(t), nil)
	before := time.Now()
	raw, err := p.signAssertion()
	if err != nil {
		t.Fatal(err)
	}
	claims, _, err := new(jwt.Parser).ParseUnverified(raw, &jwt.RegisteredClaims{})
	if err != nil {
		t.Fatal(err)
	}
	rc := claims.(*jwt.RegisteredClaims)
	if rc.NotBefore == nil {
		t.Fatal("expected a nbf claim")
	}
	if delta := before.Sub(rc.NotBefore.Time); delta < assertionClockSkew-time.Second {
		t.Fatalf("nbf = %v, want roughly %v before signing time", rc.NotBefore.Time, assertionClockSkew)
	}
}
