package cmd

import (
	"bytes"
	"strings"
	"testing"

	"psilo/internal/app"
	"psilo/internal/config"
	"psilo/internal/zap"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("PSILO_LOG_LEVEL", "error")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("psilo %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestKeygen(t *testing.T) {
	out := execute(t, "keygen")
	for _, prefix := range []string{"npub   npub1", "nsec   nsec1", "pubkey "} {
		if !strings.Contains(out, prefix) {
			t.Errorf("keygen output missing %q:\n%s", prefix, out)
		}
	}
}

func TestLoginRequest(t *testing.T) {
	out := execute(t, "login-request")
	if !strings.HasPrefix(strings.TrimSpace(out), "nostrsigner:?") {
		t.Errorf("unexpected intent %q", out)
	}
}

func TestZapRequestDefaults(t *testing.T) {
	zapType, zapRelays, zapAmount = "private", nil, 21
	t.Cleanup(func() { zapType, zapAmount = zap.Public.String(), 0 })

	core := app.Core{Config: &config.Config{Relays: []string{"wss://nos.lol"}}}
	req, err := zapRequest("alice@example.com", core)
	if err != nil {
		t.Fatal(err)
	}
	if req.Type != zap.Private || req.AmountSats != 21 || len(req.Relays) != 1 {
		t.Errorf("unexpected request %+v", req)
	}

	zapType = "loud"
	if _, err := zapRequest("alice@example.com", core); err == nil {
		t.Error("unknown zap type accepted")
	}
}

func TestWriteQR(t *testing.T) {
	var buf bytes.Buffer
	if err := writeQR(&buf, "lnbc1e2einvoice"); err != nil {
		t.Fatal(err)
	}
	if strings.Count(buf.String(), "\n") < 10 {
		t.Errorf("QR output too small:\n%s", buf.String())
	}
}

func TestZapRequestNeedsAddressOrRecipient(t *testing.T) {
	zapType, zapRecipient = zap.Public.String(), ""
	core := app.Core{Config: &config.Config{}}
	if _, err := zapRequest("", core); err == nil {
		t.Error("request without address or recipient accepted")
	}
	if got := addressArg(nil); got != "" {
		t.Errorf("addressArg(nil) = %q", got)
	}
}
