package services

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the per-blob key derivation. Deliberately
// slow so a leaked blob resists offline brute force.
const (
	vaultSaltLength  = 16
	vaultNonceLength = 12
	vaultKeyLength   = 32
	vaultTimeCost    = 3
	vaultMemoryCost  = 64 * 1024
	vaultParallelism = 2
)

// Vault encrypts and decrypts per-user chat passwords at rest. Each
// blob gets a fresh random salt, so no two blobs share a key even for
// identical plaintext. The master secret lives only in process
// configuration; rotating it invalidates every existing blob.
type Vault struct {
	masterSecret []byte
}

// NewVault creates a Vault from the process-wide master secret.
func NewVault(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is required")
	}
	return &Vault{masterSecret: []byte(masterSecret)}, nil
}

// Encrypt seals plaintext into a transportable base64 blob laid out as
// salt || nonce || ciphertext+tag.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, vaultSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("vault: generate salt: %w", err)
	}

	key := argon2.IDKey(v.masterSecret, salt, vaultTimeCost, vaultMemoryCost, vaultParallelism, vaultKeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, vaultNonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	blob := make([]byte, 0, vaultSaltLength+vaultNonceLength+len(plaintext)+gcm.Overhead())
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = gcm.Seal(blob, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Fails closed with ErrIntegrity on any
// malformed or tampered blob — it never returns partial data.
func (v *Vault) Decrypt(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrIntegrity
	}
	if len(data) < vaultSaltLength+vaultNonceLength {
		return "", ErrIntegrity
	}

	salt := data[:vaultSaltLength]
	nonce := data[vaultSaltLength : vaultSaltLength+vaultNonceLength]
	ciphertext := data[vaultSaltLength+vaultNonceLength:]

	key := argon2.IDKey(v.masterSecret, salt, vaultTimeCost, vaultMemoryCost, vaultParallelism, vaultKeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrIntegrity
	}

	return string(plaintext), nil
}
