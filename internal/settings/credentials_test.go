package settings

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func writeCredentials(t *testing.T, dir string, cf credentialsFile) {
	t.Helper()
	data, err := json.Marshal(cf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(credentialsPath(dir), data, 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCredentialsStaticToken(t *testing.T) {
	dir := t.TempDir()
	writeCredentials(t, dir, credentialsFile{
		Scheme: "OAuth",
		Data:   map[string]string{"accessToken": "abc123"},
	})

	cred, key, err := LoadCredentials(dir)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if key != nil {
		t.Fatal("expected no RSA key to be required for static token")
	}
	tok, ok := cred.StaticToken()
	if !ok || tok != "abc123" {
		t.Fatalf("StaticToken() = %q, %v", tok, ok)
	}
}

func TestLoadCredentialsRequiresRSAKeyWhenNoStaticToken(t *testing.T) {
	dir := t.TempDir()
	writeCredentials(t, dir, credentialsFile{
		Scheme: "OAuth",
		Data:   map[string]string{"clientId": "the-client"},
	})

	if _, _, err := LoadCredentials(dir); err == nil {
		t.Fatal("expected CredentialsUnavailable when RSA key file is missing")
	}

	// Now write a valid PKCS#8 key and retry.
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(rsaParamsPath(dir), pemBytes, 0600); err != nil {
		t.Fatal(err)
	}

	cred, key, err := LoadCredentials(dir)
	if err != nil {
		t.Fatalf("LoadCredentials after writing key: %v", err)
	}
	if key == nil {
		t.Fatal("expected RSA key to be loaded")
	}
	if _, ok := cred.StaticToken(); ok {
		t.Fatal("expected no static token")
	}
}

func TestLoadRSAKeyPKCS1(t *testing.T) {
	dir := t.TempDir()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
	path := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		t.Fatal(err)
	}

	key, err := loadRSAKey(path)
	if err != nil {
		t.Fatalf("loadRSAKey: %v", err)
	}
	if key.N.Cmp(priv.N) != 0 {
		t.Fatal("parsed key does not match generated key")
	}
}
