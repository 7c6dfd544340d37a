// Package crypto provides at-rest encryption for delegated session keys.
// Keys are sealed with AES-256-GCM under a per-grant subkey derived from
// the service master key via HKDF-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	ivLen        = 12
	gcmTagLen    = 16
	minSealedLen = ivLen + gcmTagLen
)

// ParseMasterKey decodes a 64-hex-char master key from its env var form.
func ParseMasterKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("master key must be 32 bytes (64 hex chars), got %d bytes", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// deriveSubkey derives a per-context AES-256 key from the master key. The
// context string binds the ciphertext to its owning record so a blob copied
// between rows fails to decrypt.
func deriveSubkey(masterKey [32]byte, context string) ([32]byte, error) {
	var sub [32]byte
	r := hkdf.New(sha256.New, masterKey[:], nil, []byte("payguard/session-key/"+context))
	if _, err := io.ReadFull(r, sub[:]); err != nil {
		return sub, fmt.Errorf("derive subkey: %w", err)
	}
	return sub, nil
}

// Seal encrypts plaintext under the master key bound to context.
// Output format: iv(12) || ciphertext+tag
func Seal(masterKey [32]byte, context string, plaintext []byte) ([]byte, error) {
	sub, err := deriveSubkey(masterKey, context)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(sub[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	ct := gcm.Seal(nil, iv, plaintext, nil)

	out := make([]byte, 0, ivLen+len(ct))
	out = append(out, iv...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts data produced by Seal with the same context.
func Open(masterKey [32]byte, context string, sealed []byte) ([]byte, error) {
	if len(sealed) < minSealedLen {
		return nil, errors.New("sealed blob too short")
	}

	sub, err := deriveSubkey(masterKey, context)
	if err != nil {
		return nil, err
	}

	iv := sealed[:ivLen]
	ct := sealed[ivLen:]

	block, err := aes.NewCipher(sub[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
