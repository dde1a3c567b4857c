// Package keys provides the gateway's Ed25519 identity and a static
// KeyProvider suitable for two-party deployments where each side knows the
// other's public key ahead of time.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"crosslock/internal/transfer/models"
	id "crosslock/pkg/domain"
)

// Pair is a gateway identity key pair.
type Pair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh ephemeral key pair. Used for development and tests;
// production deployments load a seed instead.
func Generate() (Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Pair{}, fmt.Errorf("generate gateway key pair: %w", err)
	}
	return Pair{Public: pub, Private: priv}, nil
}

// FromSeed derives a key pair from a hex-encoded 32-byte seed.
func FromSeed(seedHex string) (Pair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return Pair{}, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return Pair{}, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Pair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// ParsePublic decodes a hex-encoded Ed25519 public key.
func ParsePublic(pubHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// StaticProvider serves one local key pair and one remote public key per role.
// It satisfies the KeyProvider port for deployments with pre-exchanged keys.
type StaticProvider struct {
	localRole Role
	local     Pair
	remotePub ed25519.PublicKey
}

// Role aliases the transfer role for constructor readability.
type Role = models.Role

// NewStaticProvider builds a provider for the given local role.
func NewStaticProvider(localRole Role, local Pair, remotePub ed25519.PublicKey) *StaticProvider {
	return &StaticProvider{localRole: localRole, local: local, remotePub: remotePub}
}

func (p *StaticProvider) SigningKey(_ context.Context, _ id.SessionID) (ed25519.PrivateKey, error) {
	return p.local.Private, nil
}

func (p *StaticProvider) VerifyingKey(_ context.Context, _ id.SessionID, actor models.Role) (ed25519.PublicKey, error) {
	if actor == p.localRole {
		return p.local.Public, nil
	}
	return p.remotePub, nil
}
