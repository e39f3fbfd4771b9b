package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"psilo/internal/nips"
	"psilo/internal/util"
)

// LNURL-pay handling for Lightning payments (LUD-06, LUD-16)

const (
	LNURLHTTPTimeout = 10 * time.Second

	maxLNURLResponse  = 64 * 1024
	payInfoCacheSize  = 256
	payInfoCacheTTL   = 10 * time.Minute
	payRequestTag     = "payRequest"
	lnurlErrorStatus  = "ERROR"
	lightningAddrSep  = "@"
	wellKnownLNURLFmt = "https://%s/.well-known/lnurlp/%s"
)

var (
	// ErrInvalidAddress is returned for lightning addresses that are not user@domain
	ErrInvalidAddress = errors.New("invalid lightning address: expected user@domain")
	// ErrUnsafeURL is returned when an LNURL endpoint points at a private destination
	ErrUnsafeURL = errors.New("unsafe LNURL destination")
	// ErrAmountOverflow is returned when a sat amount has no millisatoshi representation
	ErrAmountOverflow = errors.New("amount out of range")
)

// LNURLError is the error document an LNURL service returns
type LNURLError struct {
	Status string `json:"status"` // "ERROR"
	Reason string `json:"reason"`
}

func (e *LNURLError) Error() string {
	return "lnurl error: " + e.Reason
}

// LNURLPayInfo contains the payment endpoint info from initial LNURL fetch
type LNURLPayInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`    // millisats
	MaxSendable    int64  `json:"maxSendable"`    // millisats
	Metadata       string `json:"metadata"`       // JSON stringified metadata
	Tag            string `json:"tag"`            // should be "payRequest"
	AllowsNostr    bool   `json:"allowsNostr"`    // supports NIP-57 zaps
	NostrPubkey    string `json:"nostrPubkey"`    // pubkey for zap receipts
	CommentAllowed int    `json:"commentAllowed"` // max comment length, 0 = no comments

	// LNURL is the bech32 lnurl of the endpoint, sent back with zap requests
	LNURL string `json:"-"`
}

// InBounds reports whether amountMsats lies within [MinSendable, MaxSendable]
func (i *LNURLPayInfo) InBounds(amountMsats int64) bool {
	return amountMsats >= i.MinSendable && amountMsats <= i.MaxSendable
}

// LNURLPayResponse contains the invoice from callback
type LNURLPayResponse struct {
	PR     string `json:"pr"`     // BOLT11 invoice
	Routes []any  `json:"routes"` // ignored
}

// LNURLClient talks to LNURL-pay services
type LNURLClient struct {
	HTTP              *http.Client
	AllowPrivateHosts bool
	Logger            *slog.Logger

	cacheOnce sync.Once
	payInfo   *lru.Cache[string, cachedPayInfo]
	now       func() time.Time
}

type cachedPayInfo struct {
	info    LNURLPayInfo
	fetched time.Time
}

// NewLNURLClient returns a client with a dedicated HTTP transport and a pay-info cache
func NewLNURLClient() *LNURLClient {
	return &LNURLClient{
		HTTP: &http.Client{
			Timeout: LNURLHTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 5 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (c *LNURLClient) client() *http.Client {
	if c.HTTP == nil {
		return http.DefaultClient
	}
	return c.HTTP
}

func (c *LNURLClient) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c *LNURLClient) cache() *lru.Cache[string, cachedPayInfo] {
	c.cacheOnce.Do(func() {
		c.payInfo, _ = lru.New[string, cachedPayInfo](payInfoCacheSize)
	})
	return c.payInfo
}

func (c *LNURLClient) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// ValidateExternalURL validates that a URL is safe to fetch (SSRF prevention)
func (c *LNURLClient) ValidateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s (expected https)", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if c.AllowPrivateHosts {
		return nil
	}

	if util.IsPrivateHost(host) || host == "0.0.0.0" {
		return fmt.Errorf("%s: %w", host, ErrUnsafeURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLinkLocalMulticast() || ip.Equal(net.ParseIP("169.254.169.254")) {
			return fmt.Errorf("%s: %w", host, ErrUnsafeURL)
		}
	}
	return nil
}

// SplitLightningAddress splits user@domain into its two non-empty parts
func SplitLightningAddress(lud16 string) (user, domain string, err error) {
	parts := strings.Split(strings.TrimSpace(lud16), lightningAddrSep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidAddress
	}
	return parts[0], parts[1], nil
}

// LightningAddressURL returns the well-known LNURL-pay endpoint for user@domain
func LightningAddressURL(lud16 string) (string, error) {
	user, domain, err := SplitLightningAddress(lud16)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(wellKnownLNURLFmt, domain, strings.ToLower(user)), nil
}

// ResolveLud16 resolves a Lightning address (user@domain.com) to LNURL pay info
func (c *LNURLClient) ResolveLud16(ctx context.Context, lud16 string) (*LNURLPayInfo, error) {
	lnurlURL, err := LightningAddressURL(lud16)
	if err != nil {
		return nil, err
	}
	return c.FetchPayInfo(ctx, lnurlURL)
}

// ResolveLud06 decodes a bech32 LNURL and fetches the pay info
func (c *LNURLClient) ResolveLud06(ctx context.Context, lud06 string) (*LNURLPayInfo, error) {
	lnurlURL, err := DecodeLNURL(lud06)
	if err != nil {
		return nil, err
	}
	info, err := c.FetchPayInfo(ctx, lnurlURL)
	if err != nil {
		return nil, err
	}
	info.LNURL = strings.ToLower(lud06)
	return info, nil
}

// DecodeLNURL returns the URL inside a bech32 lnurl1... string
func DecodeLNURL(lud06 string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(lud06))
	if !strings.HasPrefix(lower, "lnurl1") {
		return "", errors.New("invalid lud06: must start with lnurl1")
	}
	hrp, data, err := nips.Bech32Decode(lower)
	if err != nil {
		return "", fmt.Errorf("failed to decode lnurl: %w", err)
	}
	if hrp != "lnurl" {
		return "", errors.New("invalid lnurl hrp")
	}
	urlBytes, err := nips.Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("failed to convert lnurl bits: %w", err)
	}
	return string(urlBytes), nil
}

// EncodeLNURL encodes a URL as a bech32 lnurl string
func EncodeLNURL(rawURL string) (string, error) {
	data, err := nips.Bech32ConvertBits([]byte(rawURL), 8, 5, true)
	if err != nil {
		return "", err
	}
	return nips.Bech32Encode("lnurl", data)
}

// FetchPayInfo fetches the LNURL-pay info from the endpoint.
// Successful responses are cached briefly per URL.
func (c *LNURLClient) FetchPayInfo(ctx context.Context, lnurlURL string) (*LNURLPayInfo, error) {
	if err := c.ValidateExternalURL(lnurlURL); err != nil {
		return nil, fmt.Errorf("invalid lnurl: %w", err)
	}

	if cached, ok := c.cache().Get(lnurlURL); ok && c.clock().Sub(cached.fetched) < payInfoCacheTTL {
		info := cached.info
		return &info, nil
	}

	body, err := c.get(ctx, lnurlURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lnurl: %w", err)
	}

	var info LNURLPayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lnurl response: %w", err)
	}
	if info.Tag != payRequestTag {
		return nil, fmt.Errorf("unexpected lnurl tag: %s (expected payRequest)", info.Tag)
	}
	if info.Callback == "" {
		return nil, errors.New("lnurl missing callback")
	}
	if info.MinSendable <= 0 || info.MaxSendable <= 0 || info.MinSendable > info.MaxSendable {
		return nil, errors.New("lnurl missing amount limits")
	}
	if info.LNURL, err = EncodeLNURL(lnurlURL); err != nil {
		return nil, err
	}

	c.cache().Add(lnurlURL, cachedPayInfo{info: info, fetched: c.clock()})
	c.logger().Debug("resolved lnurl pay endpoint", "url", lnurlURL, "allows_nostr", info.AllowsNostr)
	return &info, nil
}

// RequestInvoice requests a BOLT11 invoice from the LNURL callback.
// zapRequestJSON is an optional signed kind 9734 event for NIP-57 zaps;
// comment is dropped when the endpoint does not accept comments.
func (c *LNURLClient) RequestInvoice(ctx context.Context, info *LNURLPayInfo, amountMsats int64, zapRequestJSON, comment string) (string, error) {
	if err := c.ValidateExternalURL(info.Callback); err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}
	if amountMsats < info.MinSendable {
		return "", fmt.Errorf("amount %d msats below minimum %d", amountMsats, info.MinSendable)
	}
	if amountMsats > info.MaxSendable {
		return "", fmt.Errorf("amount %d msats above maximum %d", amountMsats, info.MaxSendable)
	}

	callbackURL, err := url.Parse(info.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback URL: %w", err)
	}

	query := callbackURL.Query()
	query.Set("amount", strconv.FormatInt(amountMsats, 10))
	if zapRequestJSON != "" {
		query.Set("nostr", zapRequestJSON)
		if info.LNURL != "" {
			query.Set("lnurl", info.LNURL)
		}
	} else if comment != "" && info.CommentAllowed > 0 {
		query.Set("comment", truncateRunes(comment, info.CommentAllowed))
	}
	callbackURL.RawQuery = query.Encode()

	body, err := c.get(ctx, callbackURL.String())
	if err != nil {
		return "", fmt.Errorf("failed to fetch invoice: %w", err)
	}

	var payResp LNURLPayResponse
	if err := json.Unmarshal(body, &payResp); err != nil {
		return "", fmt.Errorf("failed to parse callback response: %w", err)
	}
	if payResp.PR == "" {
		return "", errors.New("callback returned empty invoice")
	}
	return payResp.PR, nil
}

// get performs a GET and returns the body, converting status=ERROR documents into *LNURLError
func (c *LNURLClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, LNURLHTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLNURLResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var lnurlErr LNURLError
	if err := json.Unmarshal(body, &lnurlErr); err == nil && strings.EqualFold(lnurlErr.Status, lnurlErrorStatus) {
		return nil, &lnurlErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return body, nil
}

// MsatsToSats converts millisatoshis to satoshis (rounds down)
func MsatsToSats(msats int64) int64 {
	return msats / 1000
}

// SatsToMsats converts satoshis to millisatoshis.
// Negative amounts and amounts past math.MaxInt64 msats return ErrAmountOverflow.
func SatsToMsats(sats int64) (int64, error) {
	if sats < 0 || sats > math.MaxInt64/1000 {
		return 0, fmt.Errorf("%d sats: %w", sats, ErrAmountOverflow)
	}
	return sats * 1000, nil
}

// truncateRunes keeps at most n characters of s without splitting a UTF-8 sequence
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
