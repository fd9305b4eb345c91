package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte(`{"access_token":"AT","refresh_token":"RT"}`),
		bytes.Repeat([]byte("x"), 4096),
	}

	for _, plaintext := range plaintexts {
		envelope, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		decrypted, err := Decrypt(envelope, key)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(decrypted, plaintext) {
			t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestEncryptUniqueIV(t *testing.T) {
	key := testKey(t)

	first, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if first == second {
		t.Error("two encryptions of the same plaintext produced identical envelopes")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	envelope, err := Encrypt([]byte("secret"), testKey(t))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(envelope, testKey(t)); err != ErrCorruptCiphertext {
		t.Errorf("expected ErrCorruptCiphertext, got %v", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	key := testKey(t)

	envelope, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	cases := []string{
		"",
		"not base64!!!",
		Base64URLEncode([]byte{envelopeVersion, 1, 2, 3}),        // too short
		Base64URLEncode(append([]byte{99}, make([]byte, 40)...)), // bad version
		envelope[:len(envelope)-2] + strings.Repeat("A", 2),      // flipped tail
	}

	for _, corrupted := range cases {
		if _, err := Decrypt(corrupted, key); err != ErrCorruptCiphertext {
			t.Errorf("Decrypt(%q): expected ErrCorruptCiphertext, got %v", corrupted, err)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	exact := bytes.Repeat([]byte("k"), KeySize)
	if !bytes.Equal(DeriveKey(exact), exact) {
		t.Error("32-byte secret should be used directly")
	}

	short := DeriveKey([]byte("short secret"))
	if len(short) != KeySize {
		t.Errorf("derived key length = %d, want %d", len(short), KeySize)
	}
	if !bytes.Equal(short, DeriveKey([]byte("short secret"))) {
		t.Error("derivation should be deterministic")
	}
}

func TestBase64URLRoundTrip(t *testing.T) {
	data := []byte{0x00, 0xff, 0x10, 0x80, 0x7f}
	decoded, err := Base64URLDecode(Base64URLEncode(data))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("round trip mismatch: got %v, want %v", decoded, data)
	}
	if strings.ContainsAny(Base64URLEncode([]byte{0xfb, 0xef, 0xff}), "+/=") {
		t.Error("encoding must be URL-safe and unpadded")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("state-token", "state-token") {
		t.Error("equal strings should compare equal")
	}
	if ConstantTimeEqual("state-token", "state-tokeN") {
		t.Error("different strings should not compare equal")
	}
	if ConstantTimeEqual("short", "longer-value") {
		t.Error("different lengths should not compare equal")
	}
}
