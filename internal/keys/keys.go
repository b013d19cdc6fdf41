// Package keys holds the stateless cryptographic primitives used by the
// activation and request-signing protocol: Ed25519 key pairs encoded as PEM
// (PKCS8 private, SPKI public), base64 signatures over raw payload bytes,
// SHA-256 hashing of activation secrets with constant-time comparison, and
// one-time code generation from crypto/rand.
//
// Nothing here holds state. Key material lives with the caller.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"nodetrust.mini/ntm/internal/apierr"
)

const (
	privateKeyBlock = "PRIVATE KEY"
	publicKeyBlock  = "PUBLIC KEY"

	// otpAlphabet is the 36-symbol alphabet for activation secrets and codes.
	otpAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	SecretLength = 16 // server activation secrets
	CodeLength   = 8  // tablet activation codes
)

// KeyPair is a PEM-encoded Ed25519 key pair.
type KeyPair struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// GenerateKeyPair creates a new Ed25519 key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, fmt.Errorf("encoding private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("encoding public key: %w", err)
	}

	return KeyPair{
		PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: publicKeyBlock, Bytes: pubDER})),
		PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: privateKeyBlock, Bytes: privDER})),
	}, nil
}

// ParsePrivateKey decodes a PKCS8 PEM Ed25519 private key.
func ParsePrivateKey(privatePEM string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block from private key")
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	priv, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}
	return priv, nil
}

// ParsePublicKey decodes an SPKI PEM Ed25519 public key.
func ParsePublicKey(publicPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block from public key")
	}

	genericKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	pub, ok := genericKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 public key")
	}
	return pub, nil
}

// Sign signs the raw payload bytes with a PEM private key and returns the
// signature in standard base64. A malformed key yields a SigningError.
func Sign(payload []byte, privatePEM string) (string, error) {
	priv, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return "", apierr.Wrap(apierr.KindSigningError, "unable to sign request", err)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)), nil
}

// Verify reports whether signature is a valid base64 Ed25519 signature of
// payload under the PEM public key. It never panics or returns an error:
// every parse or verification failure is false.
func Verify(payload []byte, signature, publicPEM string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	pub, err := ParsePublicKey(publicPEM)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// HashSecret returns the hex-encoded SHA-256 digest of secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CompareHash recomputes HashSecret(secret) and compares it to hash in
// constant time. A length mismatch is false.
func CompareHash(secret, hash string) bool {
	computed := HashSecret(secret)
	if len(computed) != len(hash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// GenerateOTP returns a random string of length characters drawn uniformly
// from the uppercase alphanumeric alphabet.
func GenerateOTP(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("otp length must be positive, got %d", length)
	}

	max := big.NewInt(int64(len(otpAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random: %w", err)
		}
		out[i] = otpAlphabet[n.Int64()]
	}
	return string(out), nil
}
