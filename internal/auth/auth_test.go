package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCredentials(t *testing.T) *Credentials {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	return &Credentials{
		KeyID:      "test-key-id",
		PrivateKey: privateKey,
		now:        time.Now,
	}
}

func TestCredentials_SignRequest(t *testing.T) {
	creds := testCredentials(t)

	headers, err := creds.SignRequest("GET", WebSocketPath)
	if err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	if headers.KeyID != "test-key-id" {
		t.Errorf("KeyID = %q, want %q", headers.KeyID, "test-key-id")
	}
	if headers.Timestamp == "" {
		t.Error("Timestamp is empty")
	}
	if headers.Signature == "" {
		t.Error("Signature is empty")
	}

	if _, err := base64.StdEncoding.DecodeString(headers.Signature); err != nil {
		t.Errorf("Signature is not valid base64: %v", err)
	}
}

func TestCredentials_SignRequest_Verifies(t *testing.T) {
	creds := testCredentials(t)
	fixed := time.UnixMilli(1705328200123)
	creds.now = func() time.Time { return fixed }

	headers, err := creds.SignRequest("GET", WebSocketPath)
	if err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	message := fmt.Sprintf("%d%s%s", fixed.UnixMilli(), "GET", WebSocketPath)
	hashed := sha256.Sum256([]byte(message))

	sig, err := base64.StdEncoding.DecodeString(headers.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	err = rsa.VerifyPSS(
		&creds.PrivateKey.PublicKey,
		crypto.SHA256,
		hashed[:],
		sig,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestCredentials_SignRequest_Fresh(t *testing.T) {
	// PSS is probabilistic: two signatures over the same payload must differ,
	// so headers are non-replayable even within one timestamp tick.
	creds := testCredentials(t)
	fixed := time.UnixMilli(1705328200123)
	creds.now = func() time.Time { return fixed }

	first, err := creds.SignRequest("GET", WebSocketPath)
	if err != nil {
		t.Fatalf("first SignRequest failed: %v", err)
	}
	second, err := creds.SignRequest("GET", WebSocketPath)
	if err != nil {
		t.Fatalf("second SignRequest failed: %v", err)
	}

	if first.Signature == second.Signature {
		t.Error("expected distinct signatures for consecutive signing operations")
	}
}

func TestCredentials_SignWebSocket(t *testing.T) {
	creds := testCredentials(t)
	creds.KeyID = "ws-key"

	headers, err := creds.SignWebSocket()
	if err != nil {
		t.Fatalf("SignWebSocket failed: %v", err)
	}

	if headers.KeyID != "ws-key" {
		t.Errorf("KeyID = %q, want %q", headers.KeyID, "ws-key")
	}
	if headers.Timestamp == "" {
		t.Error("Timestamp is empty")
	}
	if headers.Signature == "" {
		t.Error("Signature is empty")
	}
}

func TestSignatureHeaders_Apply(t *testing.T) {
	h := SignatureHeaders{KeyID: "k", Timestamp: "123", Signature: "sig"}

	header := http.Header{}
	h.Apply(header)

	if got := header.Get(HeaderKey); got != "k" {
		t.Errorf("%s = %q, want %q", HeaderKey, got, "k")
	}
	if got := header.Get(HeaderTimestamp); got != "123" {
		t.Errorf("%s = %q, want %q", HeaderTimestamp, got, "123")
	}
	if got := header.Get(HeaderSignature); got != "sig" {
		t.Errorf("%s = %q, want %q", HeaderSignature, got, "sig")
	}
}

func TestCredentials_Sign_NoKey(t *testing.T) {
	creds := &Credentials{KeyID: "k"}

	_, err := creds.SignRequest("GET", WebSocketPath)
	if !errors.Is(err, ErrCredential) {
		t.Errorf("err = %v, want ErrCredential", err)
	}
}

func TestLoadPrivateKey_PKCS8(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	pkcs8Bytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		t.Fatalf("failed to marshal PKCS#8: %v", err)
	}

	tmpFile := filepath.Join(t.TempDir(), "test-key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})
	if err := os.WriteFile(tmpFile, pemBytes, 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	loadedKey, err := LoadPrivateKey(tmpFile)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}

	if loadedKey.N.Cmp(privateKey.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_PKCS1(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	pkcs1Bytes := x509.MarshalPKCS1PrivateKey(privateKey)

	tmpFile := filepath.Join(t.TempDir(), "test-key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: pkcs1Bytes})
	if err := os.WriteFile(tmpFile, pemBytes, 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	loadedKey, err := LoadPrivateKey(tmpFile)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}

	if loadedKey.N.Cmp(privateKey.N) != 0 {
		t.Error("loaded key does not match original")
	}
}

func TestLoadPrivateKey_FileNotFound(t *testing.T) {
	_, err := LoadPrivateKey("/nonexistent/path/to/key.pem")
	if !errors.Is(err, ErrCredential) {
		t.Errorf("err = %v, want ErrCredential", err)
	}
}

func TestLoadPrivateKey_InvalidPEM(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "invalid.pem")
	if err := os.WriteFile(tmpFile, []byte("not a pem file"), 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	_, err := LoadPrivateKey(tmpFile)
	if !errors.Is(err, ErrCredential) {
		t.Errorf("err = %v, want ErrCredential", err)
	}
}

func TestLoadCredentials(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	pkcs8Bytes, _ := x509.MarshalPKCS8PrivateKey(privateKey)
	tmpFile := filepath.Join(t.TempDir(), "test-key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8Bytes})
	if err := os.WriteFile(tmpFile, pemBytes, 0600); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	creds, err := LoadCredentials("my-key-id", tmpFile)
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}

	if creds.KeyID != "my-key-id" {
		t.Errorf("KeyID = %q, want %q", creds.KeyID, "my-key-id")
	}
	if creds.PrivateKey == nil {
		t.Error("PrivateKey is nil")
	}
}

func TestLoadCredentials_MissingKeyID(t *testing.T) {
	_, err := LoadCredentials("", "/some/path")
	if !errors.Is(err, ErrCredential) {
		t.Errorf("err = %v, want ErrCredential", err)
	}
}

func TestLoadCredentials_MissingPath(t *testing.T) {
	_, err := LoadCredentials("key-id", "")
	if !errors.Is(err, ErrCredential) {
		t.Errorf("err = %v, want ErrCredential", err)
	}
}
