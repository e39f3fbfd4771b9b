package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"psilo/internal/metrics"
	"psilo/internal/nostr"
	"psilo/internal/relay"
	"psilo/internal/signer"
	"psilo/internal/types"
	"psilo/internal/util"
)

const (
	// DefaultTimeout bounds the wait for a wallet response
	DefaultTimeout = 60 * time.Second

	// responses may be stamped slightly before our request
	sinceSkew = 60 * time.Second

	methodPayInvoice = "pay_invoice"
	methodGetBalance = "get_balance"
)

// ErrTimeout is returned when the wallet does not answer in time
var ErrTimeout = errors.New("wallet did not respond in time")

// WalletError is an error reported by the wallet service
type WalletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WalletError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Request is a JSON-RPC request to the wallet
type Request struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Response is a JSON-RPC response from the wallet
type Response struct {
	ResultType string          `json:"result_type"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WalletError    `json:"error,omitempty"`
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
}

// PayResult is the result of a successful pay_invoice
type PayResult struct {
	Preimage string `json:"preimage"`
	FeesPaid int64  `json:"fees_paid,omitempty"` // millisatoshis
}

// BalanceResult is the result of get_balance
type BalanceResult struct {
	Balance int64 `json:"balance"` // millisatoshis
}

// Relays is the part of the relay pool a wallet exchange needs
type Relays interface {
	ConnectToRelay(ctx context.Context, relayURL string) (bool, error)
	SendMessage(relayURL string, msg interface{}) (bool, error)
	RequestTemporarySubscription(relayURLs []string, filter types.Filter, onEvent func(types.InboundEvent)) *relay.Subscription
}

// Client performs NIP-47 request/response exchanges over a relay pool
type Client struct {
	relays  Relays
	log     *slog.Logger
	metrics *metrics.Metrics

	// Timeout bounds each exchange; zero means DefaultTimeout
	Timeout time.Duration
}

// NewClient creates a wallet connect client on top of the given relays
func NewClient(relays Relays, log *slog.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{relays: relays, log: log, metrics: m}
}

// PayInvoice asks the wallet to pay a bolt11 invoice
func (c *Client) PayInvoice(ctx context.Context, cfg *Config, invoice string) (*PayResult, error) {
	var result PayResult
	if err := c.call(ctx, cfg, methodPayInvoice, payInvoiceParams{Invoice: invoice}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBalance asks the wallet for its spendable balance
func (c *Client) GetBalance(ctx context.Context, cfg *Config) (*BalanceResult, error) {
	var result BalanceResult
	if err := c.call(ctx, cfg, methodGetBalance, struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call publishes one encrypted request and waits for the response that references it
func (c *Client) call(ctx context.Context, cfg *Config, method string, params, result interface{}) (err error) {
	defer func() { c.metrics.IncWalletRequest(method, outcome(err)) }()

	if cfg == nil {
		return errors.New("wallet connect is not configured")
	}
	app, err := cfg.Signer()
	if err != nil {
		return fmt.Errorf("wallet app key: %w", err)
	}

	payload, err := json.Marshal(Request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	// NIP-04 for wallets that do not speak NIP-44 yet
	encrypted, err := app.Nip04Encrypt(ctx, string(payload), cfg.WalletPubKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt request: %w", err)
	}

	now := time.Now()
	req, err := app.Sign(ctx, now.Unix(), types.KindNWCRequest, [][]string{{"p", cfg.WalletPubKey}}, encrypted)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	if _, err := c.relays.ConnectToRelay(ctx, cfg.Relay); err != nil {
		return fmt.Errorf("wallet relay %s: %w", cfg.Relay, err)
	}

	since := now.Add(-sinceSkew).Unix()
	filter := types.Filter{
		Kinds:   []int{types.KindNWCResponse},
		Authors: []string{cfg.WalletPubKey},
		Tags:    map[string][]string{"p": {cfg.ClientPubKey}},
		Since:   &since,
	}

	responses := make(chan types.Event, 1)
	sub := c.relays.RequestTemporarySubscription([]string{cfg.Relay}, filter, func(in types.InboundEvent) {
		if util.GetTagValue(in.Event.Tags, "e") != req.ID {
			return
		}
		select {
		case responses <- in.Event:
		default:
		}
	})
	defer sub.Close()

	if _, err := c.relays.SendMessage(cfg.Relay, []interface{}{"EVENT", req}); err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	c.log.Debug("sent wallet request", "method", method, "event_id", nostr.ShortID(req.ID), "relay", cfg.Relay)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.log.Warn("wallet request timed out", "method", method, "event_id", nostr.ShortID(req.ID))
		return ErrTimeout
	case evt := <-responses:
		return c.decode(ctx, app, cfg, method, evt, result)
	}
}

func (c *Client) decode(ctx context.Context, app signer.Signer, cfg *Config, method string, evt types.Event, result interface{}) error {
	plaintext, err := signer.Decrypt(ctx, app, evt.Content, cfg.WalletPubKey)
	if err != nil {
		return fmt.Errorf("failed to decrypt wallet response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return fmt.Errorf("failed to parse wallet response: %w", err)
	}
	if resp.Error != nil && resp.Error.Code != "" {
		c.log.Info("wallet reported error", "method", method, "code", resp.Error.Code, "message", resp.Error.Message)
		return resp.Error
	}
	if resp.ResultType != method {
		return fmt.Errorf("unexpected result type: %s", resp.ResultType)
	}
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}

func outcome(err error) string {
	var walletErr *WalletError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &walletErr):
		return "wallet_error"
	default:
		return "error"
	}
}
