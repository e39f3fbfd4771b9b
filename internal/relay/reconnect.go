package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 2 * time.Minute
	reconnectMaxElapsed      = 30 * time.Minute
)

var errNotWanted = errors.New("relay was disconnected on request")

// RequestReconnectOnResume reconnects every relay that dropped since it was last
// connected. Relays already connected or explicitly disconnected are left alone.
func (p *Pool) RequestReconnectOnResume(ctx context.Context) error {
	p.mu.RLock()
	var targets []string
	for url := range p.known {
		if _, ok := p.conns[url]; !ok {
			targets = append(targets, url)
		}
	}
	p.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}
	p.log.Info("reconnecting relays on resume", "count", len(targets))

	errs := make(chan error, len(targets))
	for _, url := range targets {
		go func(url string) {
			if _, err := p.ConnectToRelay(ctx, url); err != nil {
				errs <- fmt.Errorf("%s: %w", url, err)
				return
			}
			errs <- nil
		}(url)
	}

	var joined []error
	for range targets {
		if err := <-errs; err != nil {
			joined = append(joined, err)
		}
	}
	return errors.Join(joined...)
}

// scheduleReconnect starts a backoff loop for a dropped relay when auto reconnect is on.
// At most one loop runs per relay.
func (p *Pool) scheduleReconnect(url string) {
	if !p.autoReconnect {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, running := p.reconnects[url]; running {
		p.mu.Unlock()
		return
	}
	if _, wanted := p.known[url]; !wanted {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.reconnects[url] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.reconnects, url)
			p.mu.Unlock()
			cancel()
		}()

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = reconnectInitialInterval
		b.MaxInterval = reconnectMaxInterval

		_, err := backoff.Retry(ctx, func() (bool, error) {
			if p.IsConnectedTo(url) {
				return true, nil
			}
			p.mu.RLock()
			_, wanted := p.known[url]
			p.mu.RUnlock()
			if !wanted {
				return false, backoff.Permanent(errNotWanted)
			}
			// dial directly: ConnectToRelay would re-enter scheduleReconnect on failure
			ch := p.dials.DoChan(url, func() (interface{}, error) {
				dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
				defer cancel()
				return nil, p.dialOnce(dialCtx, url)
			})
			res := <-ch
			if errors.Is(res.Err, ErrPoolClosed) {
				return false, backoff.Permanent(res.Err)
			}
			return res.Err == nil, res.Err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(reconnectMaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				p.log.Debug("relay reconnect failed", "relay", url, "retry_in", next, "error", err)
			}),
		)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("giving up reconnecting relay", "relay", url, "error", err)
		}
	}()
}
