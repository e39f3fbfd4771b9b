package relayinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

const (
	fetchTimeout   = 10 * time.Second
	maxDocumentLen = 256 * 1024
)

// Fetcher retrieves the NIP-11 document for a normalized relay URL
type Fetcher interface {
	Fetch(ctx context.Context, relayURL string) (*types.RelayInformation, error)
}

// FetchError describes a failed document fetch
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay info %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("relay info %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPFetcher requests the document with Accept: application/nostr+json
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a dedicated client and conservative timeouts
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 5 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, relayURL string) (*types.RelayInformation, error) {
	target := nostr.HTTPURL(relayURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FetchError{URL: relayURL, Err: err}
	}
	req.Header.Set("Accept", "application/nostr+json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: relayURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: relayURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentLen))
	if err != nil {
		return nil, &FetchError{URL: relayURL, Err: err}
	}

	var info types.RelayInformation
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &FetchError{URL: relayURL, Err: fmt.Errorf("invalid document: %w", err)}
	}
	info.URL = nostr.NormalizeURL(relayURL)
	return &info, nil
}
