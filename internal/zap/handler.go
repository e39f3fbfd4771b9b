package zap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"psilo/internal/metrics"
	"psilo/internal/nostr"
	"psilo/internal/nwc"
	"psilo/internal/services"
	"psilo/internal/signer"
	"psilo/internal/types"
	"psilo/internal/util"
)

// LNURL resolves pay endpoints and fetches invoices
type LNURL interface {
	ResolveLud16(ctx context.Context, lud16 string) (*services.LNURLPayInfo, error)
	ResolveLud06(ctx context.Context, lud06 string) (*services.LNURLPayInfo, error)
	RequestInvoice(ctx context.Context, info *services.LNURLPayInfo, amountMsats int64, zapRequestJSON, comment string) (string, error)
}

// Wallet settles invoices
type Wallet interface {
	PayInvoice(ctx context.Context, cfg *nwc.Config, invoice string) (*nwc.PayResult, error)
}

// Profiles looks up the metadata of a recipient
type Profiles interface {
	Profile(pubkey string) (*types.Profile, bool)
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics records terminal outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithProfiles lets requests without an address pay the recipient's profile address
func WithProfiles(p Profiles) Option {
	return func(h *Handler) { h.profiles = p }
}

// WithPaymentTimeout bounds the wallet round trip
func WithPaymentTimeout(d time.Duration) Option {
	return func(h *Handler) { h.paymentTimeout = d }
}

// Handler executes zaps. It holds no per-zap state and is safe for concurrent use.
type Handler struct {
	lnurl          LNURL
	wallet         Wallet
	signer         signer.Signer
	walletConfig   *nwc.Config
	profiles       Profiles
	log            *slog.Logger
	metrics        *metrics.Metrics
	paymentTimeout time.Duration
}

// NewHandler wires the pipeline. identity signs public and private zaps;
// walletConfig may be nil, in which case Pay fails with WalletNotConfigured.
func NewHandler(lnurl LNURL, wallet Wallet, identity signer.Signer, walletConfig *nwc.Config, opts ...Option) *Handler {
	h := &Handler{
		lnurl:          lnurl,
		wallet:         wallet,
		signer:         identity,
		walletConfig:   walletConfig,
		log:            slog.Default(),
		paymentTimeout: nwc.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Pay runs the whole pipeline and settles the invoice through the configured wallet
func (h *Handler) Pay(ctx context.Context, req Request, observe Observer) (*Result, error) {
	return h.run(ctx, req, observe, true)
}

// FetchInvoice runs the pipeline up to and including the invoice fetch, for paying elsewhere
func (h *Handler) FetchInvoice(ctx context.Context, req Request, observe Observer) (*Result, error) {
	return h.run(ctx, req, observe, false)
}

func (h *Handler) run(ctx context.Context, req Request, observe Observer, settle bool) (*Result, error) {
	if observe == nil {
		observe = func(Progress) {}
	}
	log := h.log.With("lud16", req.Lud16, "amount_sats", req.AmountSats, "type", req.Type.String())

	res, zerr := h.pipeline(ctx, req, observe, settle, log)
	if zerr != nil {
		log.Warn("zap failed", "code", zerr.Code.String(), "error", zerr)
		h.metrics.IncZapOutcome(zerr.Code.String())
		observe(Progress{Failed: zerr})
		return nil, zerr
	}

	log.Info("zap completed", "settled", settle, "has_preimage", res.Preimage != "")
	h.metrics.IncZapOutcome("success")
	observe(Progress{Done: true, Invoice: res.Invoice, Preimage: res.Preimage})
	return res, nil
}

func (h *Handler) pipeline(ctx context.Context, req Request, observe Observer, settle bool, log *slog.Logger) (*Result, *Error) {
	if settle && h.walletConfig == nil {
		return nil, newError(WalletNotConfigured, nil, "connect a wallet to send zaps")
	}

	observe(Progress{Stage: LookingUp})
	address, zerr := h.payAddress(req)
	if zerr != nil {
		return nil, zerr
	}
	info, zerr := h.resolve(ctx, address)
	if zerr != nil {
		return nil, zerr
	}

	amountMsats, convErr := services.SatsToMsats(req.AmountSats)
	if convErr != nil || req.AmountSats <= 0 || !info.InBounds(amountMsats) {
		return nil, newError(AmountOutOfBounds, convErr, "amount %d sats is outside %d-%d sats",
			req.AmountSats, services.MsatsToSats(info.MinSendable), services.MsatsToSats(info.MaxSendable))
	}

	res := &Result{AmountMsats: amountMsats}
	switch {
	case req.Type == NonZap:
	case !info.AllowsNostr:
		log.Info("endpoint does not accept zap requests, paying without one")
	default:
		observe(Progress{Stage: Signing})
		zapReq, zerr := h.buildZapRequest(ctx, req, info, amountMsats)
		if zerr != nil {
			return nil, zerr
		}
		encoded, err := json.Marshal(zapReq)
		if err != nil {
			return nil, newError(ZapRequestBuild, err, "could not encode zap request")
		}
		res.ZapRequest = string(encoded)
		log.Debug("signed zap request", "event_id", nostr.ShortID(zapReq.ID), "pubkey", nostr.ShortID(zapReq.PubKey))
	}

	observe(Progress{Stage: FetchingInvoice})
	invoice, err := h.lnurl.RequestInvoice(ctx, info, amountMsats, res.ZapRequest, req.Comment)
	if err != nil {
		return nil, newError(InvoiceFetch, err, "could not get an invoice from %s", address)
	}
	res.Invoice = invoice
	if !settle {
		return res, nil
	}

	observe(Progress{Stage: Paying})
	payCtx, cancel := context.WithTimeout(ctx, h.paymentTimeout)
	defer cancel()
	paid, err := h.wallet.PayInvoice(payCtx, h.walletConfig, invoice)
	if err != nil {
		var walletErr *nwc.WalletError
		switch {
		case errors.Is(err, nwc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return nil, newError(PaymentTimeout, err, "the wallet did not answer in time")
		case errors.As(err, &walletErr):
			return nil, newError(WalletPayment, err, "wallet refused the payment: %s", walletErr.Error())
		default:
			return nil, newError(WalletPayment, err, "payment failed")
		}
	}
	res.Preimage = paid.Preimage
	return res, nil
}

// payAddress picks the request's address, falling back to the recipient's profile
func (h *Handler) payAddress(req Request) (string, *Error) {
	if req.Lud16 != "" {
		return req.Lud16, nil
	}
	if h.profiles != nil && req.RecipientPubKey != "" {
		if p, ok := h.profiles.Profile(req.RecipientPubKey); ok && p.PayAddress() != "" {
			return p.PayAddress(), nil
		}
	}
	return "", newError(AddressFormat, nil, "no lightning address for recipient %s", nostr.ShortID(req.RecipientPubKey))
}

// resolve fetches the pay endpoint of a lightning address or a bech32 lnurl
func (h *Handler) resolve(ctx context.Context, address string) (*services.LNURLPayInfo, *Error) {
	if strings.HasPrefix(strings.ToLower(address), "lnurl1") {
		if _, err := services.DecodeLNURL(address); err != nil {
			return nil, newError(AddressFormat, err, "%q is not a valid lnurl", address)
		}
		info, err := h.lnurl.ResolveLud06(ctx, address)
		if err != nil {
			return nil, newError(EndpointUnreachable, err, "could not resolve %s", address)
		}
		return info, nil
	}

	if _, _, err := services.SplitLightningAddress(address); err != nil {
		return nil, newError(AddressFormat, err, "%q is not a lightning address", address)
	}
	info, err := h.lnurl.ResolveLud16(ctx, address)
	if err != nil {
		return nil, newError(EndpointUnreachable, err, "could not resolve %s", address)
	}
	return info, nil
}

// buildZapRequest signs the kind 9734 event. Anonymous zaps are signed by a key
// generated for this request only.
func (h *Handler) buildZapRequest(ctx context.Context, req Request, info *services.LNURLPayInfo, amountMsats int64) (*types.Event, *Error) {
	if req.Type == NonZap {
		return nil, newError(ZapRequestBuild, nil, "a non-zap payment has no zap request")
	}
	if len(req.RecipientPubKey) != 64 {
		return nil, newError(ZapRequestBuild, nil, "recipient public key is missing")
	}

	relays := append([]string{"relays"}, util.Dedupe(normalizeAll(req.Relays))...)
	tags := [][]string{
		relays,
		{"amount", strconv.FormatInt(amountMsats, 10)},
		{"p", req.RecipientPubKey},
	}
	if info.LNURL != "" {
		tags = append(tags, []string{"lnurl", info.LNURL})
	}
	if req.EventID != "" {
		tags = append(tags, []string{"e", req.EventID})
		if req.EventKind > 0 {
			tags = append(tags, []string{"k", strconv.Itoa(req.EventKind)})
		}
	}

	var s signer.Signer
	switch req.Type {
	case Anonymous:
		throwaway, err := signer.NewThrowawaySigner()
		if err != nil {
			return nil, newError(ZapRequestBuild, err, "could not create an anonymous key")
		}
		s = throwaway
		tags = append(tags, []string{"anon"})
	case Private:
		s = h.signer
		tags = append(tags, []string{"anon", ""})
	default:
		s = h.signer
	}
	if s == nil || !s.IsWriteable() {
		return nil, newError(ZapRequestBuild, signer.ErrNoPrivateKey, "no signer available for the zap request")
	}

	evt, err := s.Sign(ctx, time.Now().Unix(), types.KindZapRequest, tags, req.Comment)
	if err != nil {
		h.metrics.IncSignerOperation(signerLabel(s), "error")
		return nil, newError(ZapRequestBuild, err, "could not sign the zap request")
	}
	h.metrics.IncSignerOperation(signerLabel(s), "ok")
	return evt, nil
}

func signerLabel(s signer.Signer) string {
	if _, ok := s.(*signer.ExternalSigner); ok {
		return "external"
	}
	return "local"
}

func normalizeAll(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if n := nostr.NormalizeURL(u); n != "" {
			out = append(out, n)
		}
	}
	return out
}
