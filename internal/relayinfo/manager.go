package relayinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"psilo/internal/cache"
	"psilo/internal/nostr"
	"psilo/internal/types"
)

const (
	// ManagerTTL is how long a fetched document stays in the durable cache
	ManagerTTL = 24 * time.Hour
	// FailureCooldown suppresses refetching a relay that just failed
	FailureCooldown = 5 * time.Minute

	cacheKey      = "relayinfo:cache"
	timestampsKey = "relayinfo:timestamps"
)

// ErrCoolingDown is returned while a relay is inside its failure cooldown
var ErrCoolingDown = errors.New("relay info fetch cooling down after failure")

// Manager is the durable relay information cache.
// Entries persist through a cache.Store as two blobs: the documents keyed by URL
// and their fetch timestamps in unix milliseconds.
type Manager struct {
	fetcher Fetcher
	store   cache.Store
	opts    options

	mu        sync.RWMutex
	entries   map[string]types.RelayInformation
	fetchedAt map[string]time.Time

	inflight singleflight.Group
	failures sync.Map // normalized URL -> time.Time of last failure
}

// NewManager loads persisted state once. A missing or corrupt blob starts empty.
func NewManager(ctx context.Context, fetcher Fetcher, store cache.Store, opts ...Option) *Manager {
	m := &Manager{
		fetcher:   fetcher,
		store:     store,
		opts:      buildOptions(opts),
		entries:   make(map[string]types.RelayInformation),
		fetchedAt: make(map[string]time.Time),
	}
	m.load(ctx)
	return m
}

func (m *Manager) load(ctx context.Context) {
	if m.store == nil {
		return
	}
	blobs, err := m.store.GetMultiple(ctx, []string{cacheKey, timestampsKey})
	if err != nil {
		m.opts.log.Warn("failed to read relay info cache", "error", err)
		return
	}
	if len(blobs) < 2 {
		return
	}

	var entries map[string]types.RelayInformation
	var stamps map[string]int64
	if err := json.Unmarshal(blobs[cacheKey], &entries); err != nil {
		m.opts.log.Warn("discarding corrupt relay info cache", "error", err)
		return
	}
	if err := json.Unmarshal(blobs[timestampsKey], &stamps); err != nil {
		m.opts.log.Warn("discarding corrupt relay info timestamps", "error", err)
		return
	}

	now := m.opts.now()
	for url, info := range entries {
		ms, ok := stamps[url]
		if !ok {
			continue
		}
		at := time.UnixMilli(ms)
		if now.Sub(at) >= ManagerTTL {
			continue
		}
		info.URL = url
		m.entries[url] = info
		m.fetchedAt[url] = at
	}
	m.opts.log.Debug("loaded relay info cache", "entries", len(m.entries))
}

// persist writes both blobs; last writer wins
func (m *Manager) persist(ctx context.Context) {
	if m.store == nil {
		return
	}

	m.mu.RLock()
	entries, err := json.Marshal(m.entries)
	if err != nil {
		m.mu.RUnlock()
		m.opts.log.Warn("failed to encode relay info cache", "error", err)
		return
	}
	stamps := make(map[string]int64, len(m.fetchedAt))
	for url, at := range m.fetchedAt {
		stamps[url] = at.UnixMilli()
	}
	m.mu.RUnlock()

	encodedStamps, _ := json.Marshal(stamps)
	err = m.store.SetMultiple(ctx, map[string][]byte{
		cacheKey:      entries,
		timestampsKey: encodedStamps,
	}, 0)
	if err != nil {
		m.opts.log.Warn("failed to persist relay info cache", "error", err)
	}
}

// Cached returns a non-expired entry without any I/O
func (m *Manager) Cached(relayURL string) (*types.RelayInformation, bool) {
	n := nostr.NormalizeURL(relayURL)
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.entries[n]
	if !ok || m.opts.now().Sub(m.fetchedAt[n]) >= ManagerTTL {
		return nil, false
	}
	return &info, true
}

// Get returns the cached document or fetches it. Concurrent callers for the same
// relay share one fetch. A relay that failed within FailureCooldown returns
// ErrCoolingDown without a network attempt.
func (m *Manager) Get(ctx context.Context, relayURL string) (*types.RelayInformation, error) {
	n := nostr.NormalizeURL(relayURL)
	if info, ok := m.Cached(n); ok {
		return info, nil
	}

	if failedAt, ok := m.failures.Load(n); ok {
		if m.opts.now().Sub(failedAt.(time.Time)) < FailureCooldown {
			return nil, fmt.Errorf("%s: %w", n, ErrCoolingDown)
		}
		m.failures.CompareAndDelete(n, failedAt)
	}

	ch := m.inflight.DoChan(n, func() (interface{}, error) {
		// detached so one caller giving up does not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return m.fetch(fetchCtx, n)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		info := *res.Val.(*types.RelayInformation)
		return &info, nil
	}
}

func (m *Manager) fetch(ctx context.Context, n string) (*types.RelayInformation, error) {
	info, err := m.fetcher.Fetch(ctx, n)
	if err != nil {
		m.opts.metrics.IncRelayInfoFetch("error")
		// overwrite, a repeated failure restarts the cooldown
		m.failures.Store(n, m.opts.now())
		m.opts.log.Debug("relay info fetch failed", "relay", n, "error", err)
		return nil, err
	}
	m.opts.metrics.IncRelayInfoFetch("success")

	stored := withFallback(*info, EmptyInfo(n))
	m.mu.Lock()
	m.entries[n] = stored
	m.fetchedAt[n] = m.opts.now()
	m.mu.Unlock()
	m.failures.Delete(n)

	m.persist(ctx)
	return &stored, nil
}

// Invalidate drops the entry and any cooldown for a relay
func (m *Manager) Invalidate(ctx context.Context, relayURL string) {
	n := nostr.NormalizeURL(relayURL)
	m.mu.Lock()
	delete(m.entries, n)
	delete(m.fetchedAt, n)
	m.mu.Unlock()
	m.failures.Delete(n)
	m.persist(ctx)
}

// Flush writes the current state to the store
func (m *Manager) Flush(ctx context.Context) {
	m.persist(ctx)
}
