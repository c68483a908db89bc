package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider defines the interface for checkpoint signing operations.
// This allows swapping the in-memory backend for an HSM, Vault, or Cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is an in-memory ed25519 implementation.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Keyring signs checkpoint payloads in canonical JSON form using a Provider.
type Keyring struct {
	provider KeyProvider
}

func NewKeyring(p KeyProvider) (*Keyring, error) {
	if p == nil {
		return nil, errors.New("key provider must not be nil")
	}
	return &Keyring{provider: p}, nil
}

// KeyringFromSecret derives a deterministic signing keyring from a root
// secret using HKDF-SHA256 with the scope as info. The same secret and scope
// always yield the same keypair, so verifiers can pin the public key.
func KeyringFromSecret(secret []byte, scope string) (*Keyring, error) {
	if len(secret) == 0 {
		return nil, errors.New("root secret must not be empty")
	}
	if scope == "" {
		return nil, errors.New("scope must not be empty")
	}

	hkdfReader := hkdf.New(sha256.New, secret, []byte("estop-checkpoint-kdf"), []byte(scope))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return NewKeyring(&MemoryKeyProvider{pub: pub, priv: priv})
}

// Sign canonicalizes the value and signs the resulting bytes.
func (k *Keyring) Sign(data interface{}) ([]byte, error) {
	msg, err := canonicalize(data)
	if err != nil {
		return nil, err
	}
	return k.provider.Sign(msg)
}

func (k *Keyring) PublicKey() ed25519.PublicKey {
	return k.provider.PublicKey()
}
