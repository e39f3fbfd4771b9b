// Package nwctest provides a scripted wallet service for wallet connect tests.
package nwctest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"psilo/internal/nwc"
	"psilo/internal/relay/relaytest"
	"psilo/internal/signer"
	"psilo/internal/types"
	"psilo/internal/util"
)

// Wallet answers kind 23194 requests published to a stub relay
type Wallet struct {
	Signer *signer.LocalSigner
	Relay  *relaytest.Relay

	// Respond builds the response for a request; nil means no reply
	Respond func(req nwc.Request) *nwc.Response

	mu       sync.Mutex
	requests []nwc.Request
}

// New attaches a wallet service to the relay
func New(r *relaytest.Relay) (*Wallet, error) {
	s, err := signer.NewThrowawaySigner()
	if err != nil {
		return nil, err
	}
	w := &Wallet{Signer: s, Relay: r}
	w.Respond = PayWithPreimage("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	r.OnEvent = w.handle
	return w, nil
}

// PayWithPreimage answers every pay_invoice with a successful payment
func PayWithPreimage(preimage string) func(nwc.Request) *nwc.Response {
	return func(req nwc.Request) *nwc.Response {
		result, _ := json.Marshal(nwc.PayResult{Preimage: preimage})
		return &nwc.Response{ResultType: req.Method, Result: result}
	}
}

// Fail answers every request with a wallet error
func Fail(code, message string) func(nwc.Request) *nwc.Response {
	return func(req nwc.Request) *nwc.Response {
		return &nwc.Response{ResultType: req.Method, Error: &nwc.WalletError{Code: code, Message: message}}
	}
}

// Silent never answers
func Silent(nwc.Request) *nwc.Response { return nil }

// URI returns a connection string for a fresh app key on this wallet
func (w *Wallet) URI() (string, error) {
	app, err := signer.GenerateKeyPair()
	if err != nil {
		return "", err
	}
	cfg := nwc.Config{
		WalletPubKey: w.Signer.PubKey(),
		Relay:        w.Relay.URL(),
		Secret:       app.PrivateKey(),
	}
	return cfg.URI(), nil
}

// Requests returns every decrypted request seen so far
func (w *Wallet) Requests() []nwc.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]nwc.Request(nil), w.requests...)
}

func (w *Wallet) handle(evt types.Event) []types.Event {
	if evt.Kind != types.KindNWCRequest || util.GetTagValue(evt.Tags, "p") != w.Signer.PubKey() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	plaintext, err := signer.Decrypt(ctx, w.Signer, evt.Content, evt.PubKey)
	if err != nil {
		return nil
	}
	var req nwc.Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil
	}
	w.mu.Lock()
	w.requests = append(w.requests, req)
	respond := w.Respond
	w.mu.Unlock()

	resp := respond(req)
	if resp == nil {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	encrypted, err := w.Signer.Nip04Encrypt(ctx, string(payload), evt.PubKey)
	if err != nil {
		return nil
	}

	// an unrelated response first, which the client must ignore
	decoy, err := w.Signer.Sign(ctx, time.Now().Unix(), types.KindNWCResponse, [][]string{
		{"p", evt.PubKey},
		{"e", hex.EncodeToString(make([]byte, 32))},
	}, encrypted)
	if err != nil {
		return nil
	}
	reply, err := w.Signer.Sign(ctx, time.Now().Unix(), types.KindNWCResponse, [][]string{
		{"p", evt.PubKey},
		{"e", evt.ID},
	}, encrypted)
	if err != nil {
		return nil
	}
	return []types.Event{*decoy, *reply}
}
