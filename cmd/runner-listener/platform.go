package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// credentialsFile is the PEM-encoded RSA private key minted at configure
// time and used to sign JWT-bearer assertions (spec §4.1, §6).
const credentialsFile = ".credentials_rsaparams"

func loadPrivateKey(rootDir string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Join(rootDir, credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", credentialsFile, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s is not PEM-encoded", credentialsFile)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", credentialsFile, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an RSA private key", credentialsFile)
	}
	return key, nil
}

func workerBinaryName() string {
	if runtime.GOOS == "windows" {
		return "runner-worker.exe"
	}
	return "runner-worker"
}
