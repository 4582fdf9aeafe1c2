// Package security provides the cryptographic primitives used by AlarmVault:
// key derivation, authenticated encryption, record signing and passphrase-encrypted exports.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the size of the salt in bytes.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce in bytes.
	NonceSize = 12
	// TagSize is the size of the GCM authentication tag in bytes.
	TagSize = 16
	// KeySizeAES is the AES-256 key size in bytes.
	KeySizeAES = 32
	// PBKDF2Iterations is the number of PBKDF2 iterations.
	PBKDF2Iterations = 100000
	// EncryptedFileSuffix marks a passphrase-encrypted export file.
	EncryptedFileSuffix = ".enc"
)

// EncryptedData is a passphrase-encrypted envelope. Each envelope carries its own salt.
type EncryptedData struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// GenerateNonce generates a random GCM nonce.
func GenerateNonce() ([]byte, error) {
	return randomBytes(NonceSize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// DeriveKey derives an AES-256 key from a password and salt using PBKDF2.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PBKDF2Iterations, KeySizeAES, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from password.
func Encrypt(plaintext, password []byte) (*EncryptedData, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	return &EncryptedData{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(data *EncryptedData, password []byte) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("encrypted data is nil")
	}
	if len(data.Salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(data.Salt), SaltSize)
	}
	if len(data.Nonce) != NonceSize {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(data.Nonce), NonceSize)
	}

	gcm, err := newGCM(DeriveKey(password, data.Salt))
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data.Nonce, data.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// IsEncryptedFile returns true if the path has the encrypted file suffix.
func IsEncryptedFile(path string) bool {
	return strings.HasSuffix(path, EncryptedFileSuffix)
}

// ReadEncryptedFile reads an export file, decrypting it when it has the .enc suffix.
func ReadEncryptedFile(path string, password []byte) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	if !IsEncryptedFile(path) {
		return content, nil
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("passphrase required for encrypted file")
	}

	var data EncryptedData
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("parse encrypted file: %w", err)
	}
	return Decrypt(&data, password)
}

// WriteEncryptedFile encrypts data and writes it with the .enc suffix and 0600 permissions.
// It returns the path actually written.
func WriteEncryptedFile(path string, plaintext, password []byte) (string, error) {
	if !IsEncryptedFile(path) {
		path += EncryptedFileSuffix
	}
	if len(password) == 0 {
		return "", fmt.Errorf("passphrase required for encryption")
	}

	data, err := Encrypt(plaintext, password)
	if err != nil {
		return "", err
	}

	content, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal encrypted data: %w", err)
	}

	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
