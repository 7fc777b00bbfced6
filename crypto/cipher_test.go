package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	plaintext := []byte("clipboard contents from the laptop")
	ciphertext, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	decrypted, err := Decrypt(key, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected round trip to restore plaintext, got %q", decrypted)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	plaintext := []byte("same payload twice")
	first, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("first Encrypt failed: %v", err)
	}
	second, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("second Encrypt failed: %v", err)
	}

	if bytes.Equal(first, second) {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext")
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	wrongKey, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	ciphertext, err := Encrypt(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(wrongKey, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt with wrong key, got %v", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	ciphertext, err := Encrypt(key, []byte("integrity matters"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0x01

	if _, err := Decrypt(key, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if _, err := Decrypt(key, []byte{0x01, 0x02}); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestEncryptRejectsInvalidKeySize(t *testing.T) {
	if _, err := Encrypt([]byte("short"), []byte("data")); err == nil {
		t.Fatalf("expected error for invalid key size")
	}
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	first := DeriveKey([]byte("shared secret"), []byte("crosscopy-salt"))
	second := DeriveKey([]byte("shared secret"), []byte("crosscopy-salt"))

	if len(first) != KeySize {
		t.Fatalf("expected %d byte key, got %d", KeySize, len(first))
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical keys for identical inputs")
	}

	other := DeriveKey([]byte("shared secret"), []byte("other-salt"))
	if bytes.Equal(first, other) {
		t.Fatalf("expected different salts to produce different keys")
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	payload := []byte("sync payload")
	sum := Checksum(payload)

	if len(sum) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sum))
	}
	if !VerifyChecksum(payload, sum) {
		t.Fatalf("expected checksum to verify")
	}
	if VerifyChecksum([]byte("tampered payload"), sum) {
		t.Fatalf("expected checksum mismatch for altered payload")
	}
}
