package crypto

import (
	"bytes"
	"testing"
)

// TestAESGCMCipher_RoundTrip は暗号化した値が元の平文に復号できることを検証する。
func TestAESGCMCipher_RoundTrip(t *testing.T) {
	c, err := NewAESGCMCipher("test-secret")
	if err != nil {
		t.Fatalf("NewAESGCMCipher returned error: %v", err)
	}

	plaintext := "ya29.a0AfB_secret-access-token"
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}

	if bytes.Contains(ciphertext, []byte(plaintext)) {
		t.Error("ciphertext must not contain the plaintext")
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

// TestAESGCMCipher_NonceVariation は同じ平文でも暗号文が毎回異なることを検証する。
func TestAESGCMCipher_NonceVariation(t *testing.T) {
	c, err := NewAESGCMCipher("test-secret")
	if err != nil {
		t.Fatalf("NewAESGCMCipher returned error: %v", err)
	}

	a, _ := c.Encrypt("same-token")
	b, _ := c.Encrypt("same-token")
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

// TestAESGCMCipher_TamperDetection は改ざんされた暗号文の復号が失敗することを検証する。
func TestAESGCMCipher_TamperDetection(t *testing.T) {
	c, err := NewAESGCMCipher("test-secret")
	if err != nil {
		t.Fatalf("NewAESGCMCipher returned error: %v", err)
	}

	ciphertext, _ := c.Encrypt("token")
	ciphertext[len(ciphertext)-1] ^= 0xff

	if _, err := c.Decrypt(ciphertext); err == nil {
		t.Fatal("expected error for tampered ciphertext, got nil")
	}
}

// TestAESGCMCipher_WrongSecret は異なるシークレットで復号できないことを検証する。
func TestAESGCMCipher_WrongSecret(t *testing.T) {
	c1, _ := NewAESGCMCipher("secret-one")
	c2, _ := NewAESGCMCipher("secret-two")

	ciphertext, _ := c1.Encrypt("token")
	if _, err := c2.Decrypt(ciphertext); err == nil {
		t.Fatal("expected error when decrypting with a different secret, got nil")
	}
}

// TestNewAESGCMCipher_EmptySecret は空シークレットを拒否することを検証する。
func TestNewAESGCMCipher_EmptySecret(t *testing.T) {
	if _, err := NewAESGCMCipher(""); err == nil {
		t.Fatal("expected error for empty secret, got nil")
	}
}
