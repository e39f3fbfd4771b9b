package relay

import (
	"sync"

	"github.com/google/uuid"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

// Subscription is a filter set registered across one or more relays.
// Events are delivered to the callback on a dedicated goroutine, in arrival order.
type Subscription struct {
	ID        string
	temporary bool
	relays    []string
	filters   []types.Filter
	onEvent   func(types.InboundEvent)

	pool      *Pool
	events    chan types.InboundEvent
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	eosed  map[string]bool
	onEOSE func(relay string)
}

// Relays returns the normalized relay URLs the subscription targets
func (s *Subscription) Relays() []string {
	return append([]string(nil), s.relays...)
}

// Temporary reports whether the subscription was opened for a one-shot exchange
func (s *Subscription) Temporary() bool { return s.temporary }

// Done is closed once the subscription is closed
func (s *Subscription) Done() <-chan struct{} { return s.done }

// OnEOSE registers a callback for end-of-stored-events from each relay
func (s *Subscription) OnEOSE(fn func(relay string)) {
	s.mu.Lock()
	s.onEOSE = fn
	s.mu.Unlock()
}

// EOSE reports whether the relay has finished sending stored events
func (s *Subscription) EOSE(relayURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eosed[nostr.NormalizeURL(relayURL)]
}

// Close unregisters the subscription and sends CLOSE to connected relays.
// It is safe to call at any time and any number of times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.pool.unregister(s)
	})
}

func (s *Subscription) deliver(evt types.InboundEvent) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- evt:
	case <-s.done:
	default:
		s.pool.metrics.IncDroppedEvent("backpressure")
		s.pool.log.Debug("subscription buffer full, dropping event", "sub", s.ID, "event_id", nostr.ShortID(evt.Event.ID))
	}
}

func (s *Subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.events:
			if s.onEvent != nil {
				s.onEvent(evt)
			}
		}
	}
}

func (s *Subscription) markEOSE(relayURL string) {
	s.mu.Lock()
	s.eosed[relayURL] = true
	fn := s.onEOSE
	s.mu.Unlock()
	if fn != nil {
		fn(relayURL)
	}
}

func (s *Subscription) relayClosed(relayURL string) {
	s.mu.Lock()
	s.eosed[relayURL] = true
	s.mu.Unlock()
}

func (s *Subscription) targets(relayURL string) bool {
	for _, r := range s.relays {
		if r == relayURL {
			return true
		}
	}
	return false
}

// Subscribe registers a long-lived subscription. It is sent to every listed relay
// that is connected now and re-sent whenever one of them reconnects.
func (p *Pool) Subscribe(relayURLs []string, filters []types.Filter, onEvent func(types.InboundEvent)) *Subscription {
	return p.subscribe(relayURLs, filters, onEvent, false)
}

// RequestTemporarySubscription opens an ephemeral subscription for a
// request/response exchange. The caller must Close it when done.
func (p *Pool) RequestTemporarySubscription(relayURLs []string, filter types.Filter, onEvent func(types.InboundEvent)) *Subscription {
	return p.subscribe(relayURLs, []types.Filter{filter}, onEvent, true)
}

func (p *Pool) subscribe(relayURLs []string, filters []types.Filter, onEvent func(types.InboundEvent), temporary bool) *Subscription {
	relays := make([]string, 0, len(relayURLs))
	seen := make(map[string]bool, len(relayURLs))
	for _, u := range relayURLs {
		n := nostr.NormalizeURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		relays = append(relays, n)
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		temporary: temporary,
		relays:    relays,
		filters:   filters,
		onEvent:   onEvent,
		pool:      p,
		events:    make(chan types.InboundEvent, eventBufferSize),
		done:      make(chan struct{}),
		eosed:     make(map[string]bool),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.done) })
		return sub
	}
	p.subs[sub.ID] = sub
	conns := make([]*relayConn, 0, len(relays))
	for _, r := range relays {
		if rc, ok := p.conns[r]; ok {
			conns = append(conns, rc)
		}
	}
	p.mu.Unlock()

	go sub.dispatch()

	for _, rc := range conns {
		if err := rc.sendREQ(sub); err != nil {
			p.log.Debug("REQ failed", "relay", rc.url, "sub", sub.ID, "error", err)
		}
	}
	p.log.Debug("subscription opened", "sub", sub.ID, "relays", len(relays), "temporary", temporary)
	return sub
}

func (p *Pool) unregister(sub *Subscription) {
	p.mu.Lock()
	_, exists := p.subs[sub.ID]
	delete(p.subs, sub.ID)
	conns := make([]*relayConn, 0, len(sub.relays))
	for _, r := range sub.relays {
		if rc, ok := p.conns[r]; ok {
			conns = append(conns, rc)
		}
	}
	p.mu.Unlock()

	if !exists {
		return
	}
	// best effort, the connection may be gone
	for _, rc := range conns {
		_ = rc.send([]interface{}{"CLOSE", sub.ID})
	}
	p.log.Debug("subscription closed", "sub", sub.ID)
}

func (p *Pool) subscription(id string) *Subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subs[id]
}

func (p *Pool) subscriptionsForLocked(relayURL string) []*Subscription {
	var out []*Subscription
	for _, s := range p.subs {
		if s.targets(relayURL) {
			out = append(out, s)
		}
	}
	return out
}
