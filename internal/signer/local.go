package signer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"psilo/internal/nips"
	"psilo/internal/nostr"
	"psilo/internal/types"
)

// LocalSigner signs with a KeyPair held in process memory
type LocalSigner struct {
	keys *KeyPair
}

// NewLocalSigner wraps a key pair
func NewLocalSigner(keys *KeyPair) *LocalSigner {
	return &LocalSigner{keys: keys}
}

// NewThrowawaySigner returns a signer over a freshly generated key pair
func NewThrowawaySigner() (*LocalSigner, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(keys), nil
}

func (s *LocalSigner) sealed() {}

// KeyPair exposes the wrapped key pair
func (s *LocalSigner) KeyPair() *KeyPair { return s.keys }

func (s *LocalSigner) PubKey() string { return s.keys.PubKeyHex() }

func (s *LocalSigner) IsWriteable() bool { return s.keys.HasPrivateKey() }

// HasForegroundSupport is false: local signing never needs a user approval step
func (s *LocalSigner) HasForegroundSupport() bool { return false }

// Sign computes the canonical id and signs it with BIP-340 Schnorr.
// Every signature uses 32 fresh bytes of auxiliary randomness.
func (s *LocalSigner) Sign(ctx context.Context, createdAt int64, kind int, tags [][]string, content string) (*types.Event, error) {
	if !s.keys.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	evt := nostr.NewUnsigned(s.keys.PubKeyHex(), createdAt, kind, tags, content)
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return nil, err
	}

	sig, err := s.signHash(idBytes)
	if err != nil {
		return nil, err
	}
	evt.Sig = sig
	return evt, nil
}

func (s *LocalSigner) signHash(hash []byte) (string, error) {
	var aux [32]byte
	if _, err := rand.Read(aux[:]); err != nil {
		return "", fmt.Errorf("failed to read aux randomness: %w", err)
	}

	privKey, _ := btcec.PrivKeyFromBytes(s.keys.priv)
	sig, err := schnorr.Sign(privKey, hash, schnorr.CustomNonce(aux))
	if err != nil {
		return "", fmt.Errorf("schnorr sign: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func (s *LocalSigner) Nip04Encrypt(_ context.Context, plaintext, counterparty string) (string, error) {
	secret, err := s.sharedSecret(counterparty)
	if err != nil {
		return "", err
	}
	return nips.Nip04Encrypt(plaintext, secret)
}

func (s *LocalSigner) Nip04Decrypt(_ context.Context, ciphertext, counterparty string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	secret, err := s.sharedSecret(counterparty)
	if err != nil {
		return "", err
	}
	return nips.Nip04Decrypt(ciphertext, secret)
}

func (s *LocalSigner) Nip44Encrypt(_ context.Context, plaintext, counterparty string) (string, error) {
	key, err := s.conversationKey(counterparty)
	if err != nil {
		return "", err
	}
	return nips.Nip44Encrypt(plaintext, key)
}

func (s *LocalSigner) Nip44Decrypt(_ context.Context, ciphertext, counterparty string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	key, err := s.conversationKey(counterparty)
	if err != nil {
		return "", err
	}
	return nips.Nip44Decrypt(ciphertext, key)
}

func (s *LocalSigner) sharedSecret(counterparty string) ([]byte, error) {
	if !s.keys.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	pub, err := ParsePublicKey(counterparty)
	if err != nil {
		return nil, err
	}
	return nips.Nip04SharedSecret(s.keys.priv, pub)
}

func (s *LocalSigner) conversationKey(counterparty string) ([]byte, error) {
	if !s.keys.HasPrivateKey() {
		return nil, ErrNoPrivateKey
	}
	pub, err := ParsePublicKey(counterparty)
	if err != nil {
		return nil, err
	}
	return nips.Nip44ConversationKey(s.keys.priv, pub)
}
