// Package keys generates and validates the base64-encoded Curve25519 key
// pairs WireGuard's UAPI text protocol expects.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const keyLen = 32

// GenerateKeyPair generates a new private/public key pair, returning both
// as base64 strings ready for a PeerConfig or EngineConfig.
func GenerateKeyPair() (privateKey string, publicKey string, err error) {
	priv := make([]byte, keyLen)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("generate random bytes: %w", err)
	}
	clamp(priv)

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(priv), base64.StdEncoding.EncodeToString(pub), nil
}

// clamp applies the Curve25519 private-key clamping WireGuard requires:
// clear the low 3 bits, clear the high bit, set the second-highest bit.
func clamp(key []byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

// ValidatePrivateKey reports whether privateKey decodes to a 32-byte key.
func ValidatePrivateKey(privateKey string) error {
	_, err := decodeKey(privateKey, "invalid base64 encoding")
	return err
}

// ValidatePublicKey reports whether publicKey decodes to a 32-byte key.
func ValidatePublicKey(publicKey string) error {
	_, err := decodeKey(publicKey, "invalid base64 encoding")
	return err
}

// PublicKeyFromPrivate derives the base64 public key for a base64 private
// key, without generating a new key pair.
func PublicKeyFromPrivate(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey, "invalid private key base64")
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// decodeKey base64-decodes key and checks its length, using badBase64Msg
// as the error prefix on a decode failure (callers expect distinct
// messages for a malformed private vs. public key).
func decodeKey(key, badBase64Msg string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", badBase64Msg, err)
	}
	if len(b) != keyLen {
		return nil, fmt.Errorf("key must be exactly %d bytes, got %d", keyLen, len(b))
	}
	return b, nil
}
