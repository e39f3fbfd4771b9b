// Package relayinfo retrieves and caches NIP-11 relay information documents.
//
// Two layers share one Fetcher: the Retriever keeps a one-hour in-memory state
// machine per relay (Empty, Loading, Success, Error) with fallback data for every
// state, and the Manager keeps a 24-hour durable cache with in-flight
// deduplication and a failure cooldown.
package relayinfo

import (
	"time"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

// RetrieveResult is one of EmptyResult, LoadingResult, SuccessResult or ErrorResult.
// Every variant carries displayable relay information and the time it was recorded.
type RetrieveResult interface {
	Info() types.RelayInformation
	At() time.Time
	retrieveResult()
}

type EmptyResult struct {
	Data types.RelayInformation
	Time time.Time
}

type LoadingResult struct {
	Data types.RelayInformation
	Time time.Time
}

type SuccessResult struct {
	Data types.RelayInformation
	Time time.Time
}

type ErrorResult struct {
	Data types.RelayInformation
	Time time.Time
	Err  error
}

func (r EmptyResult) Info() types.RelayInformation   { return r.Data }
func (r LoadingResult) Info() types.RelayInformation { return r.Data }
func (r SuccessResult) Info() types.RelayInformation { return r.Data }
func (r ErrorResult) Info() types.RelayInformation   { return r.Data }

func (r EmptyResult) At() time.Time   { return r.Time }
func (r LoadingResult) At() time.Time { return r.Time }
func (r SuccessResult) At() time.Time { return r.Time }
func (r ErrorResult) At() time.Time   { return r.Time }

func (EmptyResult) retrieveResult()   {}
func (LoadingResult) retrieveResult() {}
func (SuccessResult) retrieveResult() {}
func (ErrorResult) retrieveResult()   {}

// EmptyInfo derives placeholder information from the URL alone
func EmptyInfo(relayURL string) types.RelayInformation {
	n := nostr.NormalizeURL(relayURL)
	return types.RelayInformation{
		URL:  n,
		Name: nostr.DisplayName(n),
		Icon: nostr.FaviconURL(n),
	}
}

// withFallback fills blank display fields from the placeholder
func withFallback(info types.RelayInformation, fallback types.RelayInformation) types.RelayInformation {
	info.URL = fallback.URL
	if info.Name == "" {
		info.Name = fallback.Name
	}
	if info.Icon == "" {
		info.Icon = fallback.Icon
	}
	return info
}
