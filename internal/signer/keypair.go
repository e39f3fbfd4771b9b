package signer

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"psilo/internal/nips"
)

// ErrKeyMismatch is returned when a supplied public key does not belong to the private key
var ErrKeyMismatch = errors.New("public key does not match private key")

// KeyPair holds an optional 32-byte private key and a mandatory x-only public key.
// A KeyPair without a private key is a read-only identity.
type KeyPair struct {
	priv []byte
	pub  []byte
}

// NewKeyPair builds a key pair from raw bytes.
// With neither key a fresh pair is generated, with only a private key the public
// key is derived, and with only a public key the pair is read-only.
func NewKeyPair(priv, pub []byte) (*KeyPair, error) {
	if len(priv) == 0 && len(pub) == 0 {
		return GenerateKeyPair()
	}

	if len(priv) == 0 {
		if _, err := schnorr.ParsePubKey(pub); err != nil {
			return nil, fmt.Errorf("invalid public key: %w", err)
		}
		return &KeyPair{pub: bytes.Clone(pub)}, nil
	}

	derived, err := derivePubKey(priv)
	if err != nil {
		return nil, err
	}
	if len(pub) > 0 && !bytes.Equal(pub, derived) {
		return nil, ErrKeyMismatch
	}
	return &KeyPair{priv: bytes.Clone(priv), pub: derived}, nil
}

// GenerateKeyPair creates a new key pair from the system CSPRNG
func GenerateKeyPair() (*KeyPair, error) {
	for {
		priv := make([]byte, 32)
		if _, err := rand.Read(priv); err != nil {
			return nil, fmt.Errorf("failed to read random key: %w", err)
		}
		pub, err := derivePubKey(priv)
		if err != nil {
			// out of curve range, astronomically unlikely
			continue
		}
		return &KeyPair{priv: priv, pub: pub}, nil
	}
}

func derivePubKey(priv []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(priv); overflow || scalar.IsZero() {
		return nil, errors.New("private key out of range")
	}
	privKey, pubKey := btcec.PrivKeyFromBytes(priv)
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}
	return schnorr.SerializePubKey(pubKey), nil
}

// PubKey returns a copy of the x-only public key
func (k *KeyPair) PubKey() []byte {
	return bytes.Clone(k.pub)
}

// PubKeyHex returns the public key as lowercase hex
func (k *KeyPair) PubKeyHex() string {
	return hex.EncodeToString(k.pub)
}

// Npub returns the bech32 npub form of the public key
func (k *KeyPair) Npub() string {
	npub, _ := nips.EncodePubkey(k.PubKeyHex())
	return npub
}

// HasPrivateKey reports whether the pair can sign
func (k *KeyPair) HasPrivateKey() bool {
	return len(k.priv) == 32
}

// PrivateKey returns a copy of the private key, or nil for a read-only pair
func (k *KeyPair) PrivateKey() []byte {
	return bytes.Clone(k.priv)
}

// Nsec returns the bech32 nsec form of the private key, or "" for a read-only pair
func (k *KeyPair) Nsec() string {
	if !k.HasPrivateKey() {
		return ""
	}
	nsec, _ := nips.EncodePrivateKey(hex.EncodeToString(k.priv))
	return nsec
}

// ParsePrivateKey accepts a 64-char hex key or an nsec string
func ParsePrivateKey(s string) ([]byte, error) {
	return parseKey("nsec", s)
}

// ParsePublicKey accepts a 64-char hex key or an npub string
func ParsePublicKey(s string) ([]byte, error) {
	return parseKey("npub", s)
}

func parseKey(hrp, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), hrp+"1") {
		decoded, err := nips.DecodeKey(hrp, s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", hrp, err)
		}
		s = decoded
	}
	if len(s) != 64 {
		return nil, fmt.Errorf("key must be 64 hex characters or %s", hrp)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return raw, nil
}
