package relay

import (
	"context"
	"time"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

func (p *Pool) setStatus(url string, status types.RelayStatus, err error) {
	now := time.Now()
	change := types.RelayStatusChange{URL: url, Status: status, Err: err, At: now}

	p.mu.Lock()
	st, ok := p.states[url]
	if !ok {
		st = &relayState{}
		p.states[url] = st
	}
	st.status = status
	st.changed = now
	if err != nil {
		st.lastErr = err
	} else if status == types.RelayConnected {
		st.lastErr = nil
	}
	for _, ch := range p.watchers {
		select {
		case ch <- change:
		default:
			// slow watcher, Statuses() still has the truth
		}
	}
	p.mu.Unlock()

	p.metrics.SetRelayStatus(url, int(status))
	p.log.Debug("relay status", "relay", url, "status", status.String())
}

// Status returns the current state of a relay; unknown relays are DISCONNECTED
func (p *Pool) Status(relayURL string) types.RelayStatus {
	n := nostr.NormalizeURL(relayURL)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.states[n]; ok {
		return st.status
	}
	return types.RelayDisconnected
}

// LastError returns the most recent failure recorded for a relay
func (p *Pool) LastError(relayURL string) error {
	n := nostr.NormalizeURL(relayURL)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.states[n]; ok {
		return st.lastErr
	}
	return nil
}

// Statuses returns a snapshot of every relay the pool has seen
func (p *Pool) Statuses() map[string]types.RelayStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]types.RelayStatus, len(p.states))
	for url, st := range p.states {
		out[url] = st.status
	}
	return out
}

// WatchStatus streams every state transition until ctx is done.
// The channel is closed when ctx ends or the pool closes.
func (p *Pool) WatchStatus(ctx context.Context) <-chan types.RelayStatusChange {
	ch := make(chan types.RelayStatusChange, watcherBufferSize)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch
	}
	id := p.nextWatcher
	p.nextWatcher++
	p.watchers[id] = ch
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.ctx.Done():
			return
		}
		p.mu.Lock()
		if _, ok := p.watchers[id]; ok {
			delete(p.watchers, id)
			close(ch)
		}
		p.mu.Unlock()
	}()
	return ch
}
