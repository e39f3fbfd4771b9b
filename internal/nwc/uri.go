// Package nwc implements the client side of Nostr Wallet Connect (NIP-47).
package nwc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"psilo/internal/nostr"
	"psilo/internal/signer"
)

const uriScheme = "nostr+walletconnect://"

// Config holds wallet connection parameters extracted from a connection URI
type Config struct {
	WalletPubKey string // hex
	Relay        string // normalized relay URL
	Secret       []byte // app key, 32 bytes
	ClientPubKey string // hex, derived from Secret
	Lud16        string // optional lightning address of the wallet
}

// ParseURI parses nostr+walletconnect://<wallet-pubkey>?relay=<wss://...>&secret=<hex>
func ParseURI(nwcURI string) (*Config, error) {
	nwcURI = strings.TrimSpace(nwcURI)
	if !strings.HasPrefix(nwcURI, uriScheme) {
		return nil, errors.New("invalid NWC URI: must start with nostr+walletconnect://")
	}

	// url.Parse does not accept the custom scheme
	u, err := url.Parse("https://" + strings.TrimPrefix(nwcURI, uriScheme))
	if err != nil {
		return nil, fmt.Errorf("invalid NWC URI: %w", err)
	}

	walletPubKey := strings.ToLower(u.Host)
	if len(walletPubKey) != 64 {
		return nil, errors.New("invalid wallet pubkey: must be 64 hex characters")
	}
	if _, err := hex.DecodeString(walletPubKey); err != nil {
		return nil, errors.New("invalid wallet pubkey: not valid hex")
	}

	query := u.Query()
	relay := query.Get("relay")
	if relay == "" {
		return nil, errors.New("NWC URI must include relay parameter")
	}
	if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
		return nil, errors.New("invalid relay URL: must start with wss:// or ws://")
	}

	secretHex := query.Get("secret")
	if len(secretHex) != 64 {
		return nil, errors.New("invalid secret: must be 64 hex characters")
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, errors.New("invalid secret: not valid hex")
	}

	keys, err := signer.NewKeyPair(secret, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &Config{
		WalletPubKey: walletPubKey,
		Relay:        nostr.NormalizeURL(relay),
		Secret:       secret,
		ClientPubKey: keys.PubKeyHex(),
		Lud16:        query.Get("lud16"),
	}, nil
}

// Signer returns the app-key signer used for wallet requests.
// It is never the user's own identity.
func (c *Config) Signer() (*signer.LocalSigner, error) {
	keys, err := signer.NewKeyPair(c.Secret, nil)
	if err != nil {
		return nil, err
	}
	return signer.NewLocalSigner(keys), nil
}

// URI renders the config back into connection URI form
func (c *Config) URI() string {
	q := url.Values{}
	q.Set("relay", c.Relay)
	q.Set("secret", hex.EncodeToString(c.Secret))
	if c.Lud16 != "" {
		q.Set("lud16", c.Lud16)
	}
	return uriScheme + c.WalletPubKey + "?" + q.Encode()
}
