package settings

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCredentialsUnavailable is returned when the credentials file (or its
// sibling RSA key, when required) cannot be loaded — spec §3's
// "CredentialsUnavailable" fast-fail.
var ErrCredentialsUnavailable = errors.New("settings: credentials unavailable")

// CredentialData is the opaque authentication material described in spec §3.
type CredentialData struct {
	Scheme string            `json:"scheme"`
	Data   map[string]string `json:"data"`
}

// credentialsFile mirrors the on-disk .credentials JSON shape.
type credentialsFile struct {
	Scheme string            `json:"scheme"`
	Data   map[string]string `json:"data"`
}

func credentialsPath(dir string) string  { return filepath.Join(dir, ".credentials") }
func rsaParamsPath(dir string) string    { return filepath.Join(dir, ".credentials_rsaparams") }

// StaticToken returns the credential bag's static accessToken/token value,
// if present, and true. Token minting (internal/auth) checks this first.
func (c *CredentialData) StaticToken() (string, bool) {
	if v, ok := c.Data["accessToken"]; ok && v != "" {
		return v, true
	}
	if v, ok := c.Data["token"]; ok && v != "" {
		return v, true
	}
	return "", false
}

// LoadCredentials reads <dir>/.credentials. If the scheme is OAuth and no
// static token is present, it also loads the sibling RSA private key and
// returns it; callers that only need the credential bag may ignore the
// second return value.
func LoadCredentials(dir string) (*CredentialData, *rsa.PrivateKey, error) {
	raw, err := os.ReadFile(credentialsPath(dir))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading .credentials: %v", ErrCredentialsUnavailable, err)
	}

	var cf credentialsFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, nil, fmt.Errorf("%w: corrupted .credentials: %v", ErrCredentialsUnavailable, err)
	}

	cred := &CredentialData{Scheme: cf.Scheme, Data: cf.Data}

	if cred.Scheme != "OAuth" {
		return cred, nil, nil
	}
	if _, ok := cred.StaticToken(); ok {
		return cred, nil, nil
	}

	key, err := loadRSAKey(rsaParamsPath(dir))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCredentialsUnavailable, err)
	}
	return cred, key, nil
}

// loadRSAKey parses a PEM-encoded RSA private key, supporting both PKCS#1
// ("RSA PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") block types, the same two
// formats handled by the teacher's server/internal/auth/jwt.go.
func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading RSA key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode RSA key PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#1 RSA key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("PKCS#8 key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported RSA key PEM type: %s", block.Type)
	}
}
