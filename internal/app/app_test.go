package app

import (
	"encoding/hex"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"psilo/internal/config"
	"psilo/internal/logging"
	"psilo/internal/signer"
)

const testPrivHex = "0000000000000000000000000000000000000000000000000000000000000003"

func testConfig() *config.Config {
	return &config.Config{
		Log:    config.LogConfig{Level: "error"},
		Relays: []string{"wss://relay.damus.io"},
		Relay:  config.RelayConfig{DialTimeout: time.Second},
		Cache:  config.CacheConfig{Backend: "memory"},
		Zap:    config.ZapConfig{Timeout: 5 * time.Second},
		Feed:   config.FeedConfig{MaxNotes: 100, ThreadCache: 10},
	}
}

func TestGraphStartsAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.Signer.PrivateKey = testPrivHex

	var core Core
	app := fxtest.New(t, Options(cfg, logging.Discard()), fx.Populate(&core))
	app.RequireStart()

	if core.Pool == nil || core.Zaps == nil || core.Feed == nil || core.RelayInfo == nil || core.Retriever == nil {
		t.Fatalf("components missing: %+v", core)
	}
	if core.WalletConfig != nil {
		t.Error("wallet config should be nil without nwc.uri")
	}
	if !core.Signer.IsWriteable() {
		t.Error("signer built from a private key must be writeable")
	}

	app.RequireStop()

	if _, err := core.Pool.ConnectToRelay(t.Context(), "wss://relay.damus.io"); err == nil {
		t.Error("pool should be closed after stop")
	}
}

func TestGraphRejectsBadWalletURI(t *testing.T) {
	cfg := testConfig()
	cfg.NWC.URI = "nostr+walletconnect://nothex?relay=wss://relay.example.com&secret=00"

	app := fx.New(Options(cfg, logging.Discard()), fx.Invoke(func(Core) {}))
	if app.Err() == nil {
		t.Fatal("expected a provide error for an invalid wallet URI")
	}
}

func TestProvideSigner(t *testing.T) {
	keys, err := signer.NewKeyPair(mustHex(t, testPrivHex), nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("private key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Signer.PrivateKey = testPrivHex
		s, err := ProvideSigner(cfg, logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		if s.PubKey() != keys.PubKeyHex() || !s.IsWriteable() || s.HasForegroundSupport() {
			t.Errorf("unexpected local signer %s", signer.Describe(s))
		}
	})

	t.Run("read only", func(t *testing.T) {
		cfg := testConfig()
		cfg.Signer.PublicKey = keys.Npub()
		s, err := ProvideSigner(cfg, logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		if s.IsWriteable() || s.PubKey() != keys.PubKeyHex() {
			t.Error("public key only must give a read-only signer")
		}
	})

	t.Run("external", func(t *testing.T) {
		cfg := testConfig()
		cfg.Signer.PublicKey = keys.PubKeyHex()
		cfg.Signer.ExternalPackage = "com.greenart7c3.nostrsigner"
		cfg.Signer.ExternalCommand = "/usr/local/bin/signer"
		s, err := ProvideSigner(cfg, logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*signer.ExternalSigner); !ok || !s.HasForegroundSupport() {
			t.Errorf("expected external signer, got %s", signer.Describe(s))
		}
	})

	t.Run("ephemeral", func(t *testing.T) {
		s, err := ProvideSigner(testConfig(), logging.Discard())
		if err != nil {
			t.Fatal(err)
		}
		if !s.IsWriteable() {
			t.Error("ephemeral signer must be writeable")
		}
	})

	t.Run("bad key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Signer.PrivateKey = "nsec1bogus"
		if _, err := ProvideSigner(cfg, logging.Discard()); err == nil {
			t.Error("invalid nsec accepted")
		}
	})
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAnyWebsocketURL(t *testing.T) {
	for raw, want := range map[string]bool{
		"ws://10.0.0.5:7777":     true,
		"wss://localhost":        true,
		"https://relay.damus.io": false,
		"ws://":                  false,
	} {
		if got := anyWebsocketURL(raw); got != want {
			t.Errorf("anyWebsocketURL(%q) = %v", raw, got)
		}
	}
}
