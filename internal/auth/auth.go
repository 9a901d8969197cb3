// Package auth implements request signing for the exchange API using
// RSA-PSS signatures over SHA-256.
//
// The signed payload is timestamp_ms + method + path, so every signature
// carries a fresh timestamp and must be regenerated per request. Headers
// are attached either to the WebSocket handshake or sent as an auth
// command after dial, depending on configuration.
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
	"time"
)

// Sentinel errors for the two failure classes. ErrCredential is a
// startup-time condition (bad or missing key material, never retried);
// ErrSigning is per-attempt (headers are regenerated on the next reconnect).
var (
	ErrCredential = errors.New("invalid credentials")
	ErrSigning    = errors.New("signing failed")
)

// Header names expected by the exchange.
const (
	HeaderKey       = "KALSHI-ACCESS-KEY"
	HeaderTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	HeaderSignature = "KALSHI-ACCESS-SIGNATURE"
)

// WebSocketPath is the path signed for WebSocket handshakes.
const WebSocketPath = "/trade-api/ws/v2"

// Credentials holds the API key ID and private key for signing requests.
// Key material is loaded once and cached for the process lifetime; it is
// never logged or persisted by any other component.
type Credentials struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey

	// now is swappable for tests.
	now func() time.Time
}

// SignatureHeaders is the header set produced by a signing operation.
type SignatureHeaders struct {
	KeyID     string
	Timestamp string // Unix milliseconds
	Signature string // base64 RSA-PSS signature
}

// Apply sets the signature headers on an http.Header (for handshake auth).
func (h SignatureHeaders) Apply(header http.Header) {
	header.Set(HeaderKey, h.KeyID)
	header.Set(HeaderTimestamp, h.Timestamp)
	header.Set(HeaderSignature, h.Signature)
}

// Map returns the headers as a plain map (for message-based auth).
func (h SignatureHeaders) Map() map[string]string {
	return map[string]string{
		HeaderKey:       h.KeyID,
		HeaderTimestamp: h.Timestamp,
		HeaderSignature: h.Signature,
	}
}

// LoadCredentials loads credentials from a key ID and a PEM private key file.
// Both are required; either missing is an ErrCredential.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: API key ID is required", ErrCredential)
	}
	if privateKeyPath == "" {
		return nil, fmt.Errorf("%w: private key path is required", ErrCredential)
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
		now:        time.Now,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
// Accepts PKCS#8 (newer) and PKCS#1 (older) encodings.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %v", ErrCredential, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrCredential, path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not an RSA private key", ErrCredential)
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrCredential, err)
	}

	return rsaKey, nil
}

// SignRequest generates authentication headers for an API request.
// For WebSocket connections, method is "GET" and path is WebSocketPath.
func (c *Credentials) SignRequest(method, path string) (SignatureHeaders, error) {
	clock := c.now
	if clock == nil {
		clock = time.Now
	}
	timestampMs := clock().UnixMilli()

	signature, err := c.sign(timestampMs, method, path)
	if err != nil {
		return SignatureHeaders{}, err
	}

	return SignatureHeaders{
		KeyID:     c.KeyID,
		Timestamp: fmt.Sprintf("%d", timestampMs),
		Signature: signature,
	}, nil
}

// SignWebSocket generates authentication headers for the WebSocket handshake.
func (c *Credentials) SignWebSocket() (SignatureHeaders, error) {
	return c.SignRequest("GET", WebSocketPath)
}

// sign creates the RSA-PSS signature for timestamp_ms + method + path.
func (c *Credentials) sign(timestampMs int64, method, path string) (string, error) {
	if c.PrivateKey == nil {
		return "", fmt.Errorf("%w: no private key loaded", ErrCredential)
	}

	message := fmt.Sprintf("%d%s%s", timestampMs, method, path)
	hashed := sha256.Sum256([]byte(message))

	signature, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}
