// Package signing provides the decision signer backends: a local Ed25519
// signer with optional envelope-encrypted key material, and a remote HTTP
// signer that returns a verifiable receipt.
package signing

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const envelopePrefix = "settle.key.v1:"

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyBox seals and opens signing key material with AES-256-GCM under an
// operator-held unlock key. Unlock keys of non-AES length are hashed down to
// 32 bytes.
type KeyBox struct {
	key     []byte
	keyID   string
	version int
}

func NewKeyBox(unlockKey []byte, keyID string) (*KeyBox, error) {
	key := bytes.TrimSpace(unlockKey)
	if len(key) == 0 {
		return nil, fmt.Errorf("signing: unlock key is required")
	}
	id := strings.TrimSpace(keyID)
	if id == "" {
		id = "operator-key"
	}
	return &KeyBox{key: normalizeKey(key), keyID: id, version: 1}, nil
}

func (b *KeyBox) Seal(_ context.Context, plaintext []byte) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("signing: key box is nil")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("signing: plaintext is required")
	}
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("signing: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signing: create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("signing: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	data, err := json.Marshal(envelope{
		KeyID:      b.keyID,
		Version:    b.version,
		Algorithm:  "aes-256-gcm",
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("signing: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func (b *KeyBox) Open(_ context.Context, ciphertext []byte) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("signing: key box is nil")
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("signing: ciphertext is required")
	}

	payload := string(ciphertext)
	if strings.HasPrefix(payload, envelopePrefix) {
		payload = strings.TrimPrefix(payload, envelopePrefix)
	}

	var parsed envelope
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("signing: decode envelope: %w", err)
	}
	if parsed.KeyID != "" && parsed.KeyID != b.keyID {
		return nil, fmt.Errorf("signing: key id mismatch: got %q want %q", parsed.KeyID, b.keyID)
	}

	nonce, err := base64.StdEncoding.DecodeString(parsed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("signing: decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(parsed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("signing: decode ciphertext payload: %w", err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("signing: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("signing: create gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("signing: decrypt key material: %w", err)
	}
	return plaintext, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 16 || len(value) == 24 || len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}
