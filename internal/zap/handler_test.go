package zap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"psilo/internal/nostr"
	"psilo/internal/nwc"
	"psilo/internal/nwc/nwctest"
	"psilo/internal/relay"
	"psilo/internal/relay/relaytest"
	"psilo/internal/services"
	"psilo/internal/signer"
	"psilo/internal/types"
	"psilo/internal/util"
)

const recipient = "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec"

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeLNURL struct {
	info        services.LNURLPayInfo
	resolveErr  error
	invoiceErr  error
	resolves    atomic.Int32
	invoices    atomic.Int32
	mu          sync.Mutex
	lastZapJSON string
	resolved    []string
}

func newFakeLNURL() *fakeLNURL {
	return &fakeLNURL{info: services.LNURLPayInfo{
		Callback:    "https://pay.example.com/cb",
		MinSendable: 1000,
		MaxSendable: 100000000,
		AllowsNostr: true,
		NostrPubkey: recipient,
		LNURL:       "lnurl1dp68gurn8ghj7",
	}}
}

func (f *fakeLNURL) ResolveLud16(ctx context.Context, lud16 string) (*services.LNURLPayInfo, error) {
	return f.resolve(lud16)
}

func (f *fakeLNURL) ResolveLud06(ctx context.Context, lud06 string) (*services.LNURLPayInfo, error) {
	return f.resolve(lud06)
}

func (f *fakeLNURL) resolve(address string) (*services.LNURLPayInfo, error) {
	f.resolves.Add(1)
	f.mu.Lock()
	f.resolved = append(f.resolved, address)
	f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	info := f.info
	return &info, nil
}

type profileMap map[string]*types.Profile

func (m profileMap) Profile(pubkey string) (*types.Profile, bool) {
	p, ok := m[pubkey]
	return p, ok
}

func (f *fakeLNURL) RequestInvoice(ctx context.Context, info *services.LNURLPayInfo, amountMsats int64, zapJSON, comment string) (string, error) {
	f.invoices.Add(1)
	f.mu.Lock()
	f.lastZapJSON = zapJSON
	f.mu.Unlock()
	if f.invoiceErr != nil {
		return "", f.invoiceErr
	}
	return "lnbc210n1fake", nil
}

func (f *fakeLNURL) zapRequest(t *testing.T) *types.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastZapJSON == "" {
		return nil
	}
	evt, err := nostr.ParseEvent([]byte(f.lastZapJSON))
	if err != nil {
		t.Fatalf("zap request is not a valid signed event: %v", err)
	}
	return evt
}

type fakeWallet struct {
	preimage string
	err      error
	calls    atomic.Int32
}

func (w *fakeWallet) PayInvoice(ctx context.Context, cfg *nwc.Config, invoice string) (*nwc.PayResult, error) {
	w.calls.Add(1)
	if w.err != nil {
		return nil, w.err
	}
	return &nwc.PayResult{Preimage: w.preimage}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) observe(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *recorder) stages() []Stage {
	var out []Stage
	for _, p := range r.events {
		if !p.Terminal() {
			out = append(out, p.Stage)
		}
	}
	return out
}

func (r *recorder) terminal(t *testing.T) Progress {
	t.Helper()
	n := 0
	for _, p := range r.events {
		if p.Terminal() {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d terminal notifications, want 1", n)
	}
	last := r.events[len(r.events)-1]
	if !last.Terminal() {
		t.Fatal("last notification is not terminal")
	}
	return last
}

func newTestHandler(t *testing.T, ln LNURL, w Wallet) (*Handler, *signer.LocalSigner) {
	t.Helper()
	identity, err := signer.NewThrowawaySigner()
	if err != nil {
		t.Fatal(err)
	}
	cfg := &nwc.Config{WalletPubKey: recipient, Relay: "wss://relay.example.com"}
	return NewHandler(ln, w, identity, cfg, WithLogger(quiet())), identity
}

func baseRequest(typ Type) Request {
	return Request{
		Lud16:           "alice@pay.example.com",
		AmountSats:      21,
		Comment:         "great post",
		EventID:         strings.Repeat("e", 64),
		EventKind:       1,
		RecipientPubKey: recipient,
		Type:            typ,
		Relays:          []string{"relay.damus.io/", "wss://relay.damus.io", "nos.lol"},
	}
}

func TestPayProgressSequence(t *testing.T) {
	ln := newFakeLNURL()
	w := &fakeWallet{preimage: "abc123"}
	h, _ := newTestHandler(t, ln, w)

	rec := &recorder{}
	res, err := h.Pay(context.Background(), baseRequest(Public), rec.observe)
	if err != nil {
		t.Fatal(err)
	}
	if res.Preimage != "abc123" || res.Invoice != "lnbc210n1fake" || res.AmountMsats != 21000 {
		t.Errorf("result = %+v", res)
	}

	want := []Stage{LookingUp, Signing, FetchingInvoice, Paying}
	got := rec.stages()
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d = %v, want %v", i, got[i], want[i])
		}
	}
	final := rec.terminal(t)
	if !final.Done || final.Preimage != "abc123" {
		t.Errorf("terminal = %+v", final)
	}
}

func TestPublicZapRequestTags(t *testing.T) {
	ln := newFakeLNURL()
	h, identity := newTestHandler(t, ln, &fakeWallet{preimage: "p"})

	if _, err := h.Pay(context.Background(), baseRequest(Public), nil); err != nil {
		t.Fatal(err)
	}
	evt := ln.zapRequest(t)
	if evt == nil {
		t.Fatal("no zap request sent")
	}
	if evt.Kind != types.KindZapRequest || evt.PubKey != identity.PubKey() || evt.Content != "great post" {
		t.Errorf("zap request = %+v", evt)
	}
	if got := util.GetTagValue(evt.Tags, "amount"); got != "21000" {
		t.Errorf("amount tag = %s", got)
	}
	if got := util.GetTagValue(evt.Tags, "p"); got != recipient {
		t.Errorf("p tag = %s", got)
	}
	if got := util.GetTagValue(evt.Tags, "e"); got != strings.Repeat("e", 64) {
		t.Errorf("e tag = %s", got)
	}
	if got := util.GetTagValue(evt.Tags, "k"); got != "1" {
		t.Errorf("k tag = %s", got)
	}
	if got := util.GetTagValue(evt.Tags, "lnurl"); got != ln.info.LNURL {
		t.Errorf("lnurl tag = %s", got)
	}
	if util.HasTag(evt.Tags, "anon") {
		t.Error("public zap carries anon tag")
	}
	for _, tag := range evt.Tags {
		if tag[0] == "relays" {
			if len(tag) != 3 || tag[1] != "wss://relay.damus.io" || tag[2] != "wss://nos.lol" {
				t.Errorf("relays tag = %v", tag)
			}
		}
	}
}

func TestAnonymousZapUsesThrowawayKey(t *testing.T) {
	ln := newFakeLNURL()
	h, identity := newTestHandler(t, ln, &fakeWallet{preimage: "p"})

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		if _, err := h.Pay(context.Background(), baseRequest(Anonymous), nil); err != nil {
			t.Fatal(err)
		}
		evt := ln.zapRequest(t)
		if evt.PubKey == identity.PubKey() {
			t.Fatal("anonymous zap signed with the real identity")
		}
		if seen[evt.PubKey] {
			t.Error("throwaway key reused across zaps")
		}
		seen[evt.PubKey] = true

		var anon []string
		for _, tag := range evt.Tags {
			if tag[0] == "anon" {
				anon = tag
			}
		}
		if len(anon) != 1 {
			t.Errorf("anon tag = %v", anon)
		}
	}
}

func TestPrivateZapAddsEmptyAnonTag(t *testing.T) {
	ln := newFakeLNURL()
	h, identity := newTestHandler(t, ln, &fakeWallet{preimage: "p"})

	if _, err := h.Pay(context.Background(), baseRequest(Private), nil); err != nil {
		t.Fatal(err)
	}
	evt := ln.zapRequest(t)
	if evt.PubKey != identity.PubKey() {
		t.Error("private zap not signed by identity")
	}
	found := false
	for _, tag := range evt.Tags {
		if len(tag) == 2 && tag[0] == "anon" && tag[1] == "" {
			found = true
		}
	}
	if !found {
		t.Errorf("tags = %v", evt.Tags)
	}
}

func TestNonZapSkipsSigning(t *testing.T) {
	ln := newFakeLNURL()
	h, _ := newTestHandler(t, ln, &fakeWallet{preimage: "p"})

	rec := &recorder{}
	res, err := h.Pay(context.Background(), baseRequest(NonZap), rec.observe)
	if err != nil {
		t.Fatal(err)
	}
	if res.ZapRequest != "" || ln.zapRequest(t) != nil {
		t.Error("non-zap payment sent a zap request")
	}
	for _, s := range rec.stages() {
		if s == Signing {
			t.Error("non-zap payment reported a signing stage")
		}
	}
}

func TestEndpointWithoutNostrSupport(t *testing.T) {
	ln := newFakeLNURL()
	ln.info.AllowsNostr = false
	h, _ := newTestHandler(t, ln, &fakeWallet{preimage: "p"})

	res, err := h.Pay(context.Background(), baseRequest(Public), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ZapRequest != "" {
		t.Error("zap request sent to an endpoint without nostr support")
	}
}

func TestBuildZapRequestRejectsNonZap(t *testing.T) {
	ln := newFakeLNURL()
	h, _ := newTestHandler(t, ln, &fakeWallet{})

	_, zerr := h.buildZapRequest(context.Background(), baseRequest(NonZap), &ln.info, 21000)
	if zerr == nil || zerr.Code != ZapRequestBuild {
		t.Errorf("err = %v", zerr)
	}
}

func TestZapRequestNeedsWritableSigner(t *testing.T) {
	ln := newFakeLNURL()
	keys, _ := signer.GenerateKeyPair()
	readOnly, _ := signer.NewKeyPair(nil, keys.PubKey())
	h := NewHandler(ln, &fakeWallet{}, signer.NewLocalSigner(readOnly), &nwc.Config{}, WithLogger(quiet()))

	_, err := h.Pay(context.Background(), baseRequest(Public), nil)
	if !errors.Is(err, &Error{Code: ZapRequestBuild}) {
		t.Fatalf("err = %v", err)
	}
	if ln.invoices.Load() != 0 {
		t.Error("invoice requested after signing failed")
	}

	// anonymous zaps do not need the identity key
	if _, err := h.Pay(context.Background(), baseRequest(Anonymous), nil); err != nil {
		t.Errorf("anonymous zap with read-only identity: %v", err)
	}
}

func TestFailures(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(*fakeLNURL, *fakeWallet, *Request)
		want    ErrorCode
		invoice bool
	}{
		{"address", func(_ *fakeLNURL, _ *fakeWallet, r *Request) { r.Lud16 = "not-an-address" }, AddressFormat, false},
		{"unreachable", func(l *fakeLNURL, _ *fakeWallet, _ *Request) { l.resolveErr = errors.New("dial tcp: refused") }, EndpointUnreachable, false},
		{"zero amount", func(_ *fakeLNURL, _ *fakeWallet, r *Request) { r.AmountSats = 0 }, AmountOutOfBounds, false},
		{"too much", func(_ *fakeLNURL, _ *fakeWallet, r *Request) { r.AmountSats = 200000 }, AmountOutOfBounds, false},
		{"no recipient", func(_ *fakeLNURL, _ *fakeWallet, r *Request) { r.RecipientPubKey = "" }, ZapRequestBuild, false},
		{"invoice", func(l *fakeLNURL, _ *fakeWallet, _ *Request) { l.invoiceErr = errors.New("status 500") }, InvoiceFetch, true},
		{"timeout", func(_ *fakeLNURL, w *fakeWallet, _ *Request) { w.err = nwc.ErrTimeout }, PaymentTimeout, true},
		{"wallet", func(_ *fakeLNURL, w *fakeWallet, _ *Request) {
			w.err = &nwc.WalletError{Code: "INSUFFICIENT_BALANCE", Message: "empty"}
		}, WalletPayment, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ln := newFakeLNURL()
			w := &fakeWallet{preimage: "p"}
			req := baseRequest(Public)
			tc.setup(ln, w, &req)
			h, _ := newTestHandler(t, ln, w)

			rec := &recorder{}
			res, err := h.Pay(context.Background(), req, rec.observe)
			if res != nil {
				t.Errorf("result = %+v", res)
			}
			var zerr *Error
			if !errors.As(err, &zerr) || zerr.Code != tc.want {
				t.Fatalf("err = %v, want code %v", err, tc.want)
			}
			if zerr.Message == "" {
				t.Error("empty user message")
			}
			final := rec.terminal(t)
			if final.Failed == nil || final.Failed.Code != tc.want {
				t.Errorf("terminal = %+v", final)
			}
			if got := ln.invoices.Load() > 0; got != tc.invoice {
				t.Errorf("invoice requested = %v, want %v", got, tc.invoice)
			}
		})
	}
}

func TestWalletNotConfigured(t *testing.T) {
	ln := newFakeLNURL()
	identity, _ := signer.NewThrowawaySigner()
	h := NewHandler(ln, &fakeWallet{}, identity, nil, WithLogger(quiet()))

	_, err := h.Pay(context.Background(), baseRequest(Public), nil)
	if !errors.Is(err, &Error{Code: WalletNotConfigured}) {
		t.Fatalf("err = %v", err)
	}
	if ln.resolves.Load() != 0 {
		t.Error("endpoint resolved without a wallet")
	}

	// invoices can still be fetched for paying elsewhere
	rec := &recorder{}
	res, err := h.FetchInvoice(context.Background(), baseRequest(Public), rec.observe)
	if err != nil {
		t.Fatal(err)
	}
	if res.Invoice == "" || res.Preimage != "" {
		t.Errorf("result = %+v", res)
	}
	for _, s := range rec.stages() {
		if s == Paying {
			t.Error("FetchInvoice reported a paying stage")
		}
	}
	if final := rec.terminal(t); !final.Done || final.Invoice != res.Invoice {
		t.Errorf("terminal = %+v", final)
	}
}

func TestPaymentDeadline(t *testing.T) {
	ln := newFakeLNURL()
	identity, _ := signer.NewThrowawaySigner()
	blocking := walletFunc(func(ctx context.Context) (*nwc.PayResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := NewHandler(ln, blocking, identity, &nwc.Config{}, WithLogger(quiet()), WithPaymentTimeout(50*time.Millisecond))

	_, err := h.Pay(context.Background(), baseRequest(Public), nil)
	if !errors.Is(err, &Error{Code: PaymentTimeout}) {
		t.Fatalf("err = %v", err)
	}
}

type walletFunc func(ctx context.Context) (*nwc.PayResult, error)

func (f walletFunc) PayInvoice(ctx context.Context, _ *nwc.Config, _ string) (*nwc.PayResult, error) {
	return f(ctx)
}

// lnurlServer is a TLS LNURL-pay endpoint that counts callback hits
type lnurlServer struct {
	*httptest.Server
	callbacks atomic.Int32
	minMsats  int64
}

func newLNURLServer(t *testing.T, minMsats int64) *lnurlServer {
	t.Helper()
	s := &lnurlServer{minMsats: minMsats}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lnurlp/alice", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"tag":         "payRequest",
			"callback":    s.URL + "/callback",
			"minSendable": s.minMsats,
			"maxSendable": 100000000,
			"allowsNostr": true,
			"nostrPubkey": recipient,
		})
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		s.callbacks.Add(1)
		if _, err := nostr.ParseEvent([]byte(r.URL.Query().Get("nostr"))); err != nil {
			json.NewEncoder(w).Encode(map[string]string{"status": "ERROR", "reason": "bad zap request"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"pr": "lnbc1e2einvoice"})
	})
	s.Server = httptest.NewTLSServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *lnurlServer) client() *services.LNURLClient {
	c := services.NewLNURLClient()
	c.HTTP = s.Client()
	c.AllowPrivateHosts = true
	return c
}

func (s *lnurlServer) address() string {
	return "alice@" + s.Listener.Addr().String()
}

func TestBoundsCheckedBeforeCallback(t *testing.T) {
	srv := newLNURLServer(t, 1000000)
	w := &fakeWallet{preimage: "p"}
	h, _ := newTestHandler(t, srv.client(), w)

	req := baseRequest(Public)
	req.Lud16 = srv.address()
	req.AmountSats = 500

	rec := &recorder{}
	_, err := h.Pay(context.Background(), req, rec.observe)
	if !errors.Is(err, &Error{Code: AmountOutOfBounds}) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.(*Error).Message, "1000") {
		t.Errorf("message = %q", err.(*Error).Message)
	}
	if n := srv.callbacks.Load(); n != 0 {
		t.Errorf("callback hit %d times", n)
	}
	if w.calls.Load() != 0 {
		t.Error("wallet called")
	}
	if final := rec.terminal(t); final.Failed == nil {
		t.Errorf("terminal = %+v", final)
	}
}

func TestOverflowingAmountRejected(t *testing.T) {
	srv := newLNURLServer(t, 1000)
	h, _ := newTestHandler(t, srv.client(), &fakeWallet{preimage: "p"})

	// 18446744073709553 sats wraps to 1384 msats when multiplied naively
	for _, sats := range []int64{18446744073709553, math.MaxInt64/1000 + 1, math.MaxInt64} {
		req := baseRequest(Public)
		req.Lud16 = srv.address()
		req.AmountSats = sats

		res, err := h.FetchInvoice(context.Background(), req, (&recorder{}).observe)
		if !errors.Is(err, &Error{Code: AmountOutOfBounds}) {
			t.Errorf("%d sats: res = %+v, err = %v", sats, res, err)
		}
	}
	if n := srv.callbacks.Load(); n != 0 {
		t.Errorf("callback hit %d times", n)
	}
}

func TestPayEndToEnd(t *testing.T) {
	srv := newLNURLServer(t, 1000)

	stub := relaytest.New()
	defer stub.Close()
	wallet, err := nwctest.New(stub)
	if err != nil {
		t.Fatal(err)
	}
	uri, err := wallet.URI()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := nwc.ParseURI(uri)
	if err != nil {
		t.Fatal(err)
	}

	pool := relay.NewPool(relay.WithLogger(quiet()))
	defer pool.Close()
	identity, _ := signer.NewThrowawaySigner()
	h := NewHandler(srv.client(), nwc.NewClient(pool, quiet(), nil), identity, cfg,
		WithLogger(quiet()), WithPaymentTimeout(10*time.Second))

	req := baseRequest(Anonymous)
	req.Lud16 = srv.address()

	rec := &recorder{}
	start := time.Now()
	res, err := h.Pay(context.Background(), req, rec.observe)
	if err != nil {
		t.Fatal(err)
	}
	if res.Preimage == "" {
		t.Error("no preimage")
	}
	if res.Invoice != "lnbc1e2einvoice" {
		t.Errorf("invoice = %s", res.Invoice)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("payment exceeded the timeout")
	}
	if final := rec.terminal(t); !final.Done || final.Preimage != res.Preimage {
		t.Errorf("terminal = %+v", final)
	}

	reqs := wallet.Requests()
	if len(reqs) != 1 || reqs[0].Method != "pay_invoice" {
		t.Errorf("wallet requests = %+v", reqs)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(stub.Received("CLOSE")) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(stub.Received("CLOSE")) == 0 {
		t.Error("wallet subscription left open")
	}
}

func TestAddressFromRecipientProfile(t *testing.T) {
	lud06, err := services.EncodeLNURL("https://pay.example.com/lnurlp/bob")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		profile *types.Profile
		want    string
	}{
		{"lud16 preferred", &types.Profile{Lud16: "bob@pay.example.com", Lud06: lud06}, "bob@pay.example.com"},
		{"lud06 fallback", &types.Profile{Lud06: lud06}, lud06},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ln := newFakeLNURL()
			identity, _ := signer.NewThrowawaySigner()
			h := NewHandler(ln, &fakeWallet{preimage: "p"}, identity, nil,
				WithLogger(quiet()), WithProfiles(profileMap{recipient: tt.profile}))

			req := baseRequest(Public)
			req.Lud16 = ""
			if _, err := h.FetchInvoice(context.Background(), req, nil); err != nil {
				t.Fatal(err)
			}
			if len(ln.resolved) != 1 || ln.resolved[0] != tt.want {
				t.Errorf("resolved %v, want %s", ln.resolved, tt.want)
			}
		})
	}
}

func TestNoAddressForRecipient(t *testing.T) {
	ln := newFakeLNURL()
	identity, _ := signer.NewThrowawaySigner()
	h := NewHandler(ln, &fakeWallet{}, identity, nil,
		WithLogger(quiet()), WithProfiles(profileMap{recipient: {Name: "no wallet"}}))

	req := baseRequest(Public)
	req.Lud16 = ""
	_, err := h.FetchInvoice(context.Background(), req, nil)
	if !errors.Is(err, &Error{Code: AddressFormat}) {
		t.Errorf("err = %v", err)
	}

	req.Lud16 = "lnurl1notbech32"
	if _, err := h.FetchInvoice(context.Background(), req, nil); !errors.Is(err, &Error{Code: AddressFormat}) {
		t.Errorf("bad lnurl err = %v", err)
	}
	if n := ln.resolves.Load(); n != 0 {
		t.Errorf("resolved %d times", n)
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{Public, Private, Anonymous, NonZap} {
		got, ok := ParseType(typ.String())
		if !ok || got != typ {
			t.Errorf("ParseType(%q) = %v, %v", typ.String(), got, ok)
		}
	}
	if _, ok := ParseType("loud"); ok {
		t.Error("unknown type accepted")
	}
}
