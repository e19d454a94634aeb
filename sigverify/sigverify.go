// Package sigverify provides the signature verification capability the quorum
// verifier consumes, backed by ed25519 validator keys.
package sigverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownKey   = errors.New("no public key for validator")
	ErrBadSignature = errors.New("signature does not verify")
	ErrBadKey       = errors.New("malformed public key")
)

// Verifier checks that sig is validatorID's signature over digest.
type Verifier interface {
	Verify(validatorID string, digest, sig []byte) error
}

// KeyRing maps validator ids to their ed25519 public keys.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

func (k *KeyRing) Add(validatorID string, pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: validator %s has %d byte key", ErrBadKey, validatorID, len(pub))
	}
	k.mu.Lock()
	k.keys[validatorID] = append(ed25519.PublicKey(nil), pub...)
	k.mu.Unlock()
	return nil
}

func (k *KeyRing) Remove(validatorID string) {
	k.mu.Lock()
	delete(k.keys, validatorID)
	k.mu.Unlock()
}

func (k *KeyRing) PublicKey(validatorID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[validatorID]
	return pub, ok
}

func (k *KeyRing) Verify(validatorID string, digest, sig []byte) error {
	pub, ok := k.PublicKey(validatorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, validatorID)
	}
	if !ed25519.Verify(pub, digest, sig) {
		return ErrBadSignature
	}
	return nil
}

// Signer holds a validator's private key.
type Signer struct {
	ValidatorID string
	key         ed25519.PrivateKey
}

// NewSigner generates a fresh key pair.
func NewSigner(validatorID string) (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{ValidatorID: validatorID, key: priv}, nil
}

// SignerFromSeed derives a key pair from label so fixtures are reproducible.
func SignerFromSeed(validatorID, label string) *Signer {
	seed := sha256.Sum256([]byte(label))
	return &Signer{ValidatorID: validatorID, key: ed25519.NewKeyFromSeed(seed[:])}
}

func (s *Signer) Sign(digest []byte) []byte {
	return ed25519.Sign(s.key, digest)
}

func (s *Signer) Public() []byte {
	return append([]byte(nil), s.key.Public().(ed25519.PublicKey)...)
}
