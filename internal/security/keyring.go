package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// MinMasterKeyLength is the shortest accepted master key.
const MinMasterKeyLength = 16

// keyringSalt is fixed so the same master key always yields the same keyring.
var keyringSalt = []byte("alarmvault.keyring.v1")

// ErrOpen is returned when authenticated decryption fails.
var ErrOpen = errors.New("authentication failed")

// Keyring holds the keys derived from the master key.
// Record keys are derived per owner; signing and backup keys are process-wide.
type Keyring struct {
	root    []byte
	signing []byte
	backup  []byte
}

// NewKeyring stretches the master key with PBKDF2 and derives the purpose keys with HKDF-SHA256.
func NewKeyring(masterKey []byte) (*Keyring, error) {
	if len(masterKey) < MinMasterKeyLength {
		return nil, fmt.Errorf("master key must be at least %d bytes", MinMasterKeyLength)
	}

	k := &Keyring{root: DeriveKey(masterKey, keyringSalt)}

	var err error
	if k.signing, err = k.derive("signing"); err != nil {
		return nil, err
	}
	if k.backup, err = k.derive("backup"); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Keyring) derive(info string) ([]byte, error) {
	key := make([]byte, KeySizeAES)
	r := hkdf.New(sha256.New, k.root, nil, []byte("alarmvault/"+info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// RecordKey returns the encryption key for records owned by ownerID.
func (k *Keyring) RecordKey(ownerID string) ([]byte, error) {
	return k.derive("record/" + ownerID)
}

// BackupKey returns the key used to encrypt backup snapshots.
func (k *Keyring) BackupKey() []byte {
	return k.backup
}

// TokenKey returns the key used to sign access tokens when no dedicated
// token secret is configured.
func (k *Keyring) TokenKey() ([]byte, error) {
	return k.derive("tokens")
}

// Signer returns an HMAC signer bound to the signing key.
func (k *Keyring) Signer() *Signer {
	return &Signer{key: k.signing}
}

// Seal encrypts plaintext with AES-256-GCM and returns the nonce, ciphertext and tag separately.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = GenerateNonce()
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - gcm.Overhead()
	return nonce, sealed[:split], sealed[split:], nil
}

// Open reverses Seal. Any modification of nonce, ciphertext, tag or aad yields ErrOpen.
func Open(key, nonce, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(nonce) != NonceSize || len(tag) != TagSize {
		return nil, ErrOpen
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// Checksum returns the hex SHA-256 digest of the concatenated parts.
func Checksum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Signer produces and verifies HMAC-SHA256 signatures over ordered fields.
type Signer struct {
	key []byte
}

// Sign returns the hex signature of fields. Fields are length-prefixed so
// ("ab","c") and ("a","bc") sign differently.
func (s *Signer) Sign(fields ...string) string {
	mac := hmac.New(sha256.New, s.key)
	for _, f := range fields {
		fmt.Fprintf(mac, "%d:%s;", len(f), f)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the expected signature in constant time.
func (s *Signer) Verify(signature string, fields ...string) bool {
	expected := s.Sign(fields...)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
