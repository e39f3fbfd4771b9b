package relayinfo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"psilo/internal/metrics"
	"psilo/internal/nostr"
	"psilo/internal/types"
)

// RetrieverTTL is how long any recorded state stays authoritative
const RetrieverTTL = time.Hour

// Option configures a Retriever or Manager
type Option func(*options)

type options struct {
	now     func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records fetch outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Retriever is the in-memory retrieval layer.
// At most one fetch per relay runs at a time.
type Retriever struct {
	fetcher Fetcher
	opts    options

	mu      sync.Mutex
	results map[string]RetrieveResult
	empties map[string]types.RelayInformation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetriever creates a retriever; Close stops in-flight fetches
func NewRetriever(fetcher Fetcher, opts ...Option) *Retriever {
	ctx, cancel := context.WithCancel(context.Background())
	return &Retriever{
		fetcher: fetcher,
		opts:    buildOptions(opts),
		results: make(map[string]RetrieveResult),
		empties: make(map[string]types.RelayInformation),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// GetEmpty returns the URL-derived placeholder, computed once per relay
func (r *Retriever) GetEmpty(relayURL string) types.RelayInformation {
	n := nostr.NormalizeURL(relayURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emptyLocked(n)
}

func (r *Retriever) emptyLocked(n string) types.RelayInformation {
	if info, ok := r.empties[n]; ok {
		return info
	}
	info := EmptyInfo(n)
	r.empties[n] = info
	return info
}

// GetFromCache returns the best known information without any I/O.
// The first access records an Empty state for the relay.
func (r *Retriever) GetFromCache(relayURL string) types.RelayInformation {
	n := nostr.NormalizeURL(relayURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.results[n]; ok {
		return res.Info()
	}
	empty := EmptyResult{Data: r.emptyLocked(n), Time: r.opts.now()}
	r.results[n] = empty
	return empty.Data
}

// Result returns the current state for a relay, or nil if it was never touched
func (r *Retriever) Result(relayURL string) RetrieveResult {
	n := nostr.NormalizeURL(relayURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[n]
}

// LoadRelayInfo delivers fresh cached data through onInfo or onError, or starts a
// fetch when the recorded state is missing, Empty, or older than RetrieverTTL.
// A fresh Loading state means a fetch is already running and nothing happens.
// Either callback may be nil.
func (r *Retriever) LoadRelayInfo(relayURL string, onInfo func(types.RelayInformation), onError func(string, error)) {
	n := nostr.NormalizeURL(relayURL)

	r.mu.Lock()
	now := r.opts.now()
	cur := r.results[n]
	fresh := cur != nil && now.Sub(cur.At()) < RetrieverTTL

	switch v := cur.(type) {
	case SuccessResult:
		if fresh {
			r.mu.Unlock()
			if onInfo != nil {
				onInfo(v.Data)
			}
			return
		}
	case LoadingResult:
		if fresh {
			r.mu.Unlock()
			return
		}
	case ErrorResult:
		if fresh {
			r.mu.Unlock()
			if onError != nil {
				onError(n, v.Err)
			}
			return
		}
	}

	r.startFetchLocked(n, now, onInfo, onError)
	r.mu.Unlock()
}

// ForceRefresh fetches regardless of the recorded state
func (r *Retriever) ForceRefresh(relayURL string, onInfo func(types.RelayInformation), onError func(string, error)) {
	n := nostr.NormalizeURL(relayURL)
	r.mu.Lock()
	r.startFetchLocked(n, r.opts.now(), onInfo, onError)
	r.mu.Unlock()
}

func (r *Retriever) startFetchLocked(n string, now time.Time, onInfo func(types.RelayInformation), onError func(string, error)) {
	empty := r.emptyLocked(n)
	loading := LoadingResult{Data: empty, Time: now}
	if prev, ok := r.results[n]; ok {
		loading.Data = prev.Info()
	}
	r.results[n] = loading

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, fetchTimeout)
		defer cancel()
		info, err := r.fetcher.Fetch(ctx, n)

		r.mu.Lock()
		at := r.opts.now()
		if err != nil {
			r.results[n] = ErrorResult{Data: loading.Data, Time: at, Err: err}
		} else {
			r.results[n] = SuccessResult{Data: withFallback(*info, empty), Time: at}
		}
		result := r.results[n]
		r.mu.Unlock()

		if err != nil {
			r.opts.metrics.IncRelayInfoFetch("error")
			r.opts.log.Debug("relay info fetch failed", "relay", n, "error", err)
			if onError != nil {
				onError(n, err)
			}
			return
		}
		r.opts.metrics.IncRelayInfoFetch("success")
		if onInfo != nil {
			onInfo(result.Info())
		}
	}()
}

// Close cancels running fetches and waits for them to finish
func (r *Retriever) Close() {
	r.cancel()
	r.wg.Wait()
}
