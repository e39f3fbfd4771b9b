// Package signer produces signatures and performs NIP-04/NIP-44 encryption for a
// single Nostr identity. The key either lives in this process (LocalSigner) or in a
// separate trusted signer application reached over IPC (ExternalSigner).
package signer

import (
	"context"
	"errors"

	"psilo/internal/nips"
	"psilo/internal/types"
)

// Signer failures callers need to tell apart
var (
	ErrNoPrivateKey      = errors.New("no private key available")
	ErrSignerUnavailable = errors.New("external signer unreachable")
	ErrSignerDeclined    = errors.New("external signer declined the request")
	ErrEmptyCiphertext   = errors.New("ciphertext is empty")
	ErrInvalidSignature  = errors.New("signer returned an invalid signature")
)

// Signer is implemented by exactly two types: *LocalSigner and *ExternalSigner.
type Signer interface {
	// PubKey returns the hex public key of the identity
	PubKey() string
	// IsWriteable reports whether this signer can produce valid signatures
	IsWriteable() bool
	// Sign builds the event, computes its id and signs it
	Sign(ctx context.Context, createdAt int64, kind int, tags [][]string, content string) (*types.Event, error)

	Nip04Encrypt(ctx context.Context, plaintext, counterparty string) (string, error)
	Nip04Decrypt(ctx context.Context, ciphertext, counterparty string) (string, error)
	Nip44Encrypt(ctx context.Context, plaintext, counterparty string) (string, error)
	Nip44Decrypt(ctx context.Context, ciphertext, counterparty string) (string, error)

	// HasForegroundSupport reports whether an operation may need a user-facing
	// approval step outside this process
	HasForegroundSupport() bool

	sealed()
}

var (
	_ Signer = (*LocalSigner)(nil)
	_ Signer = (*ExternalSigner)(nil)
)

// Decrypt picks NIP-04 or NIP-44 from the payload shape
func Decrypt(ctx context.Context, s Signer, ciphertext, counterparty string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	if nips.IsNip04Payload(ciphertext) {
		return s.Nip04Decrypt(ctx, ciphertext, counterparty)
	}
	return s.Nip44Decrypt(ctx, ciphertext, counterparty)
}

// Describe names the signer variant for logs
func Describe(s Signer) string {
	switch v := s.(type) {
	case *LocalSigner:
		if v.IsWriteable() {
			return "local"
		}
		return "local-readonly"
	case *ExternalSigner:
		return "external:" + v.packageName
	default:
		return "unknown"
	}
}
