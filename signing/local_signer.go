package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/settld/go-settle/core"
)

// LocalSigner signs binding hashes with an in-process Ed25519 key.
type LocalSigner struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewLocalSigner builds a signer from raw Ed25519 seed or private key bytes.
func NewLocalSigner(keyID string, keyMaterial []byte) (*LocalSigner, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, fmt.Errorf("signing: key id is required: %w", core.ErrInvalidKeyMaterial)
	}
	var key ed25519.PrivateKey
	switch len(keyMaterial) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(keyMaterial)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(keyMaterial)
	default:
		return nil, fmt.Errorf("signing: key material must be %d or %d bytes, got %d: %w",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(keyMaterial), core.ErrInvalidKeyMaterial)
	}
	return &LocalSigner{keyID: keyID, key: key}, nil
}

// NewLocalSignerFromSealed unlocks envelope-encrypted key material with the
// operator key box, then builds the signer.
func NewLocalSignerFromSealed(ctx context.Context, keyID string, sealed []byte, box *KeyBox) (*LocalSigner, error) {
	if box == nil {
		return nil, fmt.Errorf("signing: key box is required: %w", core.ErrSignerNotConfigured)
	}
	material, err := box.Open(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("signing: unseal key material: %v: %w", err, core.ErrInvalidKeyMaterial)
	}
	return NewLocalSigner(keyID, material)
}

func (s *LocalSigner) SignBinding(_ context.Context, req core.SignRequest) (core.SignResult, error) {
	if s == nil || len(s.key) == 0 {
		return core.SignResult{}, core.ErrSignerNotConfigured
	}
	hash := strings.TrimSpace(req.BindingHash)
	if hash == "" {
		return core.SignResult{}, fmt.Errorf("signing: binding hash is required")
	}
	digest, err := hex.DecodeString(hash)
	if err != nil {
		return core.SignResult{}, fmt.Errorf("signing: binding hash must be hex: %w", err)
	}
	signature := ed25519.Sign(s.key, digest)
	return core.SignResult{
		SignerKeyID: s.keyID,
		Signature:   hex.EncodeToString(signature),
	}, nil
}

// PublicKey exposes the verification key for publication.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	if s == nil || len(s.key) == 0 {
		return nil
	}
	return s.key.Public().(ed25519.PublicKey)
}

func (s *LocalSigner) KeyID() string {
	if s == nil {
		return ""
	}
	return s.keyID
}

var _ core.DecisionSigner = (*LocalSigner)(nil)
