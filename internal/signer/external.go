package signer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

// Command is an operation understood by an external signer application
type Command string

const (
	CmdSignEvent    Command = "sign_event"
	CmdNip04Encrypt Command = "nip04_encrypt"
	CmdNip04Decrypt Command = "nip04_decrypt"
	CmdNip44Encrypt Command = "nip44_encrypt"
	CmdNip44Decrypt Command = "nip44_decrypt"
	CmdGetPublicKey Command = "get_public_key"
)

// Result columns returned by an external signer
const (
	ColumnEvent    = "event"
	ColumnResult   = "result"
	ColumnRejected = "rejected"
)

// Row is one result row, keyed by column name
type Row map[string]string

// Resolver performs a synchronous content-provider style query against a signer process
type Resolver interface {
	Query(ctx context.Context, uri string, args []string) ([]Row, error)
}

// ContentURI builds content://<package>.<command>
func ContentURI(packageName string, cmd Command) string {
	return "content://" + packageName + "." + string(cmd)
}

// ExternalSigner forwards every operation to a separate signer application.
// It holds only the public key; one query is issued per operation.
type ExternalSigner struct {
	pubKey      string
	packageName string
	resolver    Resolver
	log         *slog.Logger
}

// NewExternalSigner accepts the identity's public key as hex or npub
func NewExternalSigner(pubKey, packageName string, resolver Resolver) (*ExternalSigner, error) {
	raw, err := ParsePublicKey(pubKey)
	if err != nil {
		return nil, err
	}
	if packageName == "" {
		return nil, fmt.Errorf("external signer package is required")
	}
	keys, err := NewKeyPair(nil, raw)
	if err != nil {
		return nil, err
	}
	return &ExternalSigner{
		pubKey:      keys.PubKeyHex(),
		packageName: packageName,
		resolver:    resolver,
		log:         slog.Default().With("signer", packageName),
	}, nil
}

func (s *ExternalSigner) sealed() {}

func (s *ExternalSigner) PubKey() string { return s.pubKey }

// PackageName returns the signer application identifier
func (s *ExternalSigner) PackageName() string { return s.packageName }

func (s *ExternalSigner) IsWriteable() bool { return true }

// HasForegroundSupport is true: the signer application may prompt the user
func (s *ExternalSigner) HasForegroundSupport() bool { return true }

// Sign asks the signer application for a signature. Both response shapes are
// accepted: a full signed event in the event column, or a bare signature in result.
func (s *ExternalSigner) Sign(ctx context.Context, createdAt int64, kind int, tags [][]string, content string) (*types.Event, error) {
	unsigned := nostr.NewUnsigned(s.pubKey, createdAt, kind, tags, content)
	payload, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}

	row, err := s.query(ctx, CmdSignEvent, string(payload), "")
	if err != nil {
		return nil, err
	}

	if raw := row[ColumnEvent]; raw != "" {
		signed, err := nostr.ParseEvent([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		if signed.PubKey != s.pubKey {
			return nil, fmt.Errorf("%w: event signed by %s", ErrInvalidSignature, nostr.ShortID(signed.PubKey))
		}
		if signed.ID != unsigned.ID {
			return nil, fmt.Errorf("%w: signer returned event %s, requested %s",
				ErrInvalidSignature, nostr.ShortID(signed.ID), nostr.ShortID(unsigned.ID))
		}
		return signed, nil
	}

	unsigned.Sig = strings.TrimSpace(row[ColumnResult])
	if !nostr.VerifySignature(unsigned) {
		return nil, ErrInvalidSignature
	}
	return unsigned, nil
}

func (s *ExternalSigner) Nip04Encrypt(ctx context.Context, plaintext, counterparty string) (string, error) {
	return s.queryResult(ctx, CmdNip04Encrypt, plaintext, counterparty)
}

func (s *ExternalSigner) Nip04Decrypt(ctx context.Context, ciphertext, counterparty string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	return s.queryResult(ctx, CmdNip04Decrypt, ciphertext, counterparty)
}

func (s *ExternalSigner) Nip44Encrypt(ctx context.Context, plaintext, counterparty string) (string, error) {
	return s.queryResult(ctx, CmdNip44Encrypt, plaintext, counterparty)
}

func (s *ExternalSigner) Nip44Decrypt(ctx context.Context, ciphertext, counterparty string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}
	return s.queryResult(ctx, CmdNip44Decrypt, ciphertext, counterparty)
}

// QueryPublicKey asks the signer which identity it holds
func (s *ExternalSigner) QueryPublicKey(ctx context.Context) (string, error) {
	result, err := s.queryResult(ctx, CmdGetPublicKey, "", "")
	if err != nil {
		return "", err
	}
	raw, err := ParsePublicKey(result)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSignerDeclined, err)
	}
	keys, _ := NewKeyPair(nil, raw)
	return keys.PubKeyHex(), nil
}

func (s *ExternalSigner) queryResult(ctx context.Context, cmd Command, data, counterparty string) (string, error) {
	row, err := s.query(ctx, cmd, data, counterparty)
	if err != nil {
		return "", err
	}
	result, ok := row[ColumnResult]
	if !ok {
		return "", fmt.Errorf("%w: no %s column", ErrSignerDeclined, ColumnResult)
	}
	return result, nil
}

type queryResponse struct {
	rows []Row
	err  error
}

// query runs the blocking resolver call on its own goroutine so the caller can
// give up on ctx without waiting for the signer process.
func (s *ExternalSigner) query(ctx context.Context, cmd Command, data, counterparty string) (Row, error) {
	uri := ContentURI(s.packageName, cmd)
	args := []string{data, counterparty, s.pubKey}

	done := make(chan queryResponse, 1)
	go func() {
		rows, err := s.resolver.Query(ctx, uri, args)
		done <- queryResponse{rows: rows, err: err}
	}()

	var resp queryResponse
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, ctx.Err())
	case resp = <-done:
	}

	if resp.err != nil {
		s.log.Warn("external signer query failed", "command", cmd, "error", resp.err)
		return nil, fmt.Errorf("%w: %w", ErrSignerUnavailable, resp.err)
	}
	if len(resp.rows) == 0 {
		return nil, fmt.Errorf("%w: no rows for %s", ErrSignerUnavailable, cmd)
	}

	row := resp.rows[0]
	if _, rejected := row[ColumnRejected]; rejected {
		return nil, ErrSignerDeclined
	}
	_, hasResult := row[ColumnResult]
	switch {
	case row[ColumnEvent] != "", row[ColumnResult] != "":
	case hasResult && (cmd == CmdNip04Decrypt || cmd == CmdNip44Decrypt):
		// an empty plaintext is a valid decryption
	default:
		return nil, ErrSignerDeclined
	}
	return row, nil
}
