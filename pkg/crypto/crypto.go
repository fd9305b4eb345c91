// Package crypto provides the authenticated encryption and encoding
// primitives used by the gateway: AES-256-GCM token envelopes,
// base64url encoding, random byte generation, and constant-time
// comparison.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// nonceSize is the GCM nonce (IV) size in bytes (96 bits).
const nonceSize = 12

// envelopeVersion tags the envelope layout so the format can evolve.
const envelopeVersion byte = 1

// ErrCorruptCiphertext is returned when an envelope cannot be decoded
// or fails authentication. Callers must treat the stored record as
// unusable and delete it.
var ErrCorruptCiphertext = errors.New("corrupt ciphertext")

// DeriveKey returns a 32-byte AES key from the configured secret.
// A secret of exactly 32 bytes is used directly; anything else is
// hashed with SHA-256.
func DeriveKey(secret []byte) []byte {
	if len(secret) == KeySize {
		key := make([]byte, KeySize)
		copy(key, secret)
		return key
	}
	sum := sha256.Sum256(secret)
	return sum[:]
}

// Encrypt seals plaintext with AES-256-GCM under the given 32-byte key
// and returns a self-describing envelope: a single base64url string
// covering version || IV || ciphertext+tag. A fresh random IV is
// generated per message.
func Encrypt(plaintext, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce, err := RandomBytes(nonceSize)
	if err != nil {
		return "", err
	}

	envelope := make([]byte, 0, 1+nonceSize+len(plaintext)+gcm.Overhead())
	envelope = append(envelope, envelopeVersion)
	envelope = append(envelope, nonce...)
	envelope = gcm.Seal(envelope, nonce, plaintext, nil)

	return Base64URLEncode(envelope), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed or
// tampered envelope yields ErrCorruptCiphertext.
func Decrypt(envelope string, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("decryption key must be %d bytes, got %d", KeySize, len(key))
	}

	raw, err := Base64URLDecode(envelope)
	if err != nil {
		return nil, ErrCorruptCiphertext
	}
	if len(raw) < 1+nonceSize || raw[0] != envelopeVersion {
		return nil, ErrCorruptCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := raw[1 : 1+nonceSize]
	ciphertext := raw[1+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCorruptCiphertext
	}
	return plaintext, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return buf, nil
}

// Sha256 returns the SHA-256 digest of data.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Base64URLEncode encodes data as unpadded, URL-safe base64.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes an unpadded, URL-safe base64 string.
func Base64URLDecode(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}

// ConstantTimeEqual compares two strings in constant time.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
