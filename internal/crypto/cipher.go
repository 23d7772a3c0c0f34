// Package crypto はOAuthトークンの保管用暗号化機能を提供する。
// 鍵管理の詳細を呼び出し元から隠蔽し、暗号化・復号の能力のみを公開する。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cipher はトークンの暗号化・復号インターフェース。
type Cipher interface {
	// Encrypt は平文を暗号化する。
	Encrypt(plaintext string) ([]byte, error)
	// Decrypt は暗号文を復号する。
	Decrypt(ciphertext []byte) (string, error)
}

// hkdfInfo は鍵導出のコンテキスト識別子。用途が変わる場合は別の値を使うこと。
const hkdfInfo = "agendamail/credential-encryption/v1"

// AESGCMCipher はAES-256-GCMによるCipher実装。
// 鍵は設定のシークレット文字列からHKDF-SHA256で導出する。
type AESGCMCipher struct {
	aead cipher.AEAD
}

// NewAESGCMCipher は設定シークレットから鍵を導出してAESGCMCipherを生成する。
func NewAESGCMCipher(secret string) (*AESGCMCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret is required")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMCipher{aead: aead}, nil
}

// Encrypt は平文を暗号化する。出力は nonce || ciphertext の形式。
func (c *AESGCMCipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt は暗号文を復号する。改ざんされている場合はエラーを返す。
func (c *AESGCMCipher) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// compile-time interface check
var _ Cipher = (*AESGCMCipher)(nil)
