package security

import (
	"strings"
	"testing"
)

func testKey(fill byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	return key
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(1))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("encryptor with key not enabled")
	}

	const plaintext = "refresh-token-value"
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed == plaintext || strings.Contains(sealed, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != plaintext {
		t.Fatalf("round trip = %q, want %q", got, plaintext)
	}

	// Random nonces make repeated encryptions distinct.
	sealed2, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if sealed == sealed2 {
		t.Error("two encryptions of the same value are identical")
	}
}

func TestEncryptorWrongKey(t *testing.T) {
	enc1, _ := NewEncryptor(testKey(1))
	enc2, _ := NewEncryptor(testKey(2))

	sealed, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := enc2.Decrypt(sealed); err == nil {
		t.Fatal("decryption with the wrong key succeeded")
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("nil-key encryptor reports enabled")
	}

	sealed, err := enc.Encrypt("as-is")
	if err != nil || sealed != "as-is" {
		t.Fatalf("disabled Encrypt() = %q, %v", sealed, err)
	}
	got, err := enc.Decrypt("as-is")
	if err != nil || got != "as-is" {
		t.Fatalf("disabled Decrypt() = %q, %v", got, err)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Fatal("nil encryptor reports enabled")
	}
}

func TestEncryptorRejectsBadKeySize(t *testing.T) {
	if _, err := NewEncryptor(make([]byte, 16)); err == nil {
		t.Fatal("16-byte key accepted")
	}
	if _, err := NewEncryptor(make([]byte, 64)); err == nil {
		t.Fatal("64-byte key accepted")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, _ := NewEncryptor(testKey(1))

	if _, err := enc.Decrypt("not-base64!!!"); err == nil {
		t.Error("invalid base64 accepted")
	}
	if _, err := enc.Decrypt("c2hvcnQ="); err == nil {
		t.Error("ciphertext shorter than nonce accepted")
	}
}
