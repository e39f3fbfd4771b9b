// Package relay owns websocket connections to Nostr relays.
//
// Each relay URL moves through DISCONNECTED, CONNECTING, CONNECTED and ERROR.
// ERROR is transient and always followed by DISCONNECTED with the error recorded.
// Subscriptions live at pool level and are re-sent to a relay whenever it
// (re)connects. Inbound events are validated before fan-out.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"psilo/internal/metrics"
	"psilo/internal/nostr"
	"psilo/internal/signer"
	"psilo/internal/types"
)

const (
	maxMessageSize     = 1 << 20
	writeTimeout       = 10 * time.Second
	defaultDialTimeout = 10 * time.Second
	eventBufferSize    = 256
	watcherBufferSize  = 64
)

var (
	// ErrNotConnected is returned when sending to a relay without an open socket
	ErrNotConnected = errors.New("not connected to relay")
	// ErrRelayBlocked is returned for URLs that fail the safety check
	ErrRelayBlocked = errors.New("relay URL blocked: unsafe destination")
	// ErrPoolClosed is returned after Close
	ErrPoolClosed = errors.New("relay pool closed")
)

// SendError wraps a transport write failure
type SendError struct {
	URL string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.URL, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Option configures a Pool
type Option func(*Pool)

// WithDialer replaces the websocket dialer
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dialer = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics records status and message counters
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithAutoReconnect enables reconnecting dropped relays with exponential backoff
func WithAutoReconnect(enabled bool) Option {
	return func(p *Pool) { p.autoReconnect = enabled }
}

// WithAuthSigner answers NIP-42 AUTH challenges with the given signer
func WithAuthSigner(s signer.Signer) Option {
	return func(p *Pool) { p.authSigner = s }
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(d time.Duration) Option {
	return func(p *Pool) { p.dialTimeout = d }
}

// WithURLCheck replaces the relay URL safety check
func WithURLCheck(check func(string) bool) Option {
	return func(p *Pool) { p.urlCheck = check }
}

type relayState struct {
	status  types.RelayStatus
	lastErr error
	changed time.Time
}

// Pool manages connections to many relays
type Pool struct {
	dialer        Dialer
	log           *slog.Logger
	metrics       *metrics.Metrics
	autoReconnect bool
	authSigner    signer.Signer
	dialTimeout   time.Duration
	urlCheck      func(string) bool

	mu          sync.RWMutex
	conns       map[string]*relayConn
	states      map[string]*relayState
	known       map[string]struct{} // relays to restore on resume
	subs        map[string]*Subscription
	watchers    map[int]chan types.RelayStatusChange
	nextWatcher int
	reconnects  map[string]context.CancelFunc
	closed      bool

	dials singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates an empty pool
func NewPool(opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:         slog.Default(),
		dialTimeout: defaultDialTimeout,
		urlCheck:    nostr.IsValidRelayURL,
		conns:       make(map[string]*relayConn),
		states:      make(map[string]*relayState),
		known:       make(map[string]struct{}),
		subs:        make(map[string]*Subscription),
		watchers:    make(map[int]chan types.RelayStatusChange),
		reconnects:  make(map[string]context.CancelFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = NewWebsocketDialer(p.dialTimeout)
	}
	return p
}

// ConnectToRelay opens a socket to the relay unless one is already open.
// Concurrent calls for the same relay share a single dial.
func (p *Pool) ConnectToRelay(ctx context.Context, relayURL string) (bool, error) {
	n := nostr.NormalizeURL(relayURL)
	if !p.urlCheck(n) {
		return false, fmt.Errorf("%s: %w", n, ErrRelayBlocked)
	}
	if p.IsConnectedTo(n) {
		return true, nil
	}

	ch := p.dials.DoChan(n, func() (interface{}, error) {
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
		defer cancel()
		return nil, p.dial(dialCtx, n)
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return true, nil
	}
}

func (p *Pool) dial(ctx context.Context, n string) error {
	err := p.dialOnce(ctx, n)
	if err != nil && !errors.Is(err, ErrPoolClosed) {
		p.scheduleReconnect(n)
	}
	return err
}

func (p *Pool) dialOnce(ctx context.Context, n string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.conns[n]; ok {
		p.mu.Unlock()
		return nil
	}
	p.known[n] = struct{}{}
	p.mu.Unlock()

	p.setStatus(n, types.RelayConnecting, nil)
	p.log.Debug("connecting to relay", "relay", n)

	conn, err := p.dialer.Dial(ctx, n)
	if err != nil {
		p.log.Warn("relay connection failed", "relay", n, "error", err)
		p.setStatus(n, types.RelayError, err)
		p.setStatus(n, types.RelayDisconnected, err)
		return err
	}

	rc := newRelayConn(p, n, conn)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return ErrPoolClosed
	}
	p.conns[n] = rc
	subs := p.subscriptionsForLocked(n)
	p.mu.Unlock()

	p.setStatus(n, types.RelayConnected, nil)
	p.log.Info("connected to relay", "relay", n)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		rc.readLoop()
	}()

	for _, sub := range subs {
		if err := rc.sendREQ(sub); err != nil {
			p.log.Debug("resubscribe failed", "relay", n, "sub", sub.ID, "error", err)
		}
	}
	return nil
}

// IsConnectedTo reports whether an open socket exists for the relay
func (p *Pool) IsConnectedTo(relayURL string) bool {
	n := nostr.NormalizeURL(relayURL)
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[n]
	return ok
}

// ConnectedRelays returns the URLs with open sockets
func (p *Pool) ConnectedRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for url := range p.conns {
		urls = append(urls, url)
	}
	return urls
}

// DisconnectFromRelay closes the socket with a normal closure.
// It returns (false, nil) when the relay was not connected.
func (p *Pool) DisconnectFromRelay(relayURL string) (bool, error) {
	n := nostr.NormalizeURL(relayURL)

	p.mu.Lock()
	rc, ok := p.conns[n]
	delete(p.conns, n)
	delete(p.known, n)
	if cancel, pending := p.reconnects[n]; pending {
		cancel()
		delete(p.reconnects, n)
	}
	p.mu.Unlock()

	if !ok {
		return false, nil
	}

	err := rc.closeNormal()
	p.setStatus(n, types.RelayDisconnected, nil)
	p.log.Info("disconnected from relay", "relay", n)
	if err != nil {
		return true, &SendError{URL: n, Err: err}
	}
	return true, nil
}

// DisconnectFromAllRelays closes every socket, continuing past individual failures
func (p *Pool) DisconnectFromAllRelays() error {
	var errs []error
	for _, url := range p.ConnectedRelays() {
		if _, err := p.DisconnectFromRelay(url); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendMessage writes one message to a connected relay.
// msg may be raw JSON ([]byte, string) or any value to be JSON encoded.
func (p *Pool) SendMessage(relayURL string, msg interface{}) (bool, error) {
	n := nostr.NormalizeURL(relayURL)
	p.mu.RLock()
	rc, ok := p.conns[n]
	p.mu.RUnlock()
	if !ok {
		return false, ErrNotConnected
	}
	if err := rc.send(msg); err != nil {
		return false, err
	}
	return true, nil
}

// Publish connects to each relay as needed and sends ["EVENT", evt].
// It returns the relays that accepted the write and the joined failures.
func (p *Pool) Publish(ctx context.Context, relayURLs []string, evt *types.Event) ([]string, error) {
	if !evt.IsSigned() {
		return nil, errors.New("refusing to publish unsigned event")
	}

	var (
		mu   sync.Mutex
		sent []string
		errs []error
		wg   sync.WaitGroup
	)
	for _, url := range relayURLs {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			_, err := p.ConnectToRelay(ctx, url)
			if err == nil {
				_, err = p.SendMessage(url, []interface{}{"EVENT", evt})
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", url, err))
				return
			}
			sent = append(sent, nostr.NormalizeURL(url))
		}(url)
	}
	wg.Wait()
	return sent, errors.Join(errs...)
}

// Close disconnects everything and stops background reconnects
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	err := p.DisconnectFromAllRelays()

	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}

	p.wg.Wait()

	p.mu.Lock()
	for id, ch := range p.watchers {
		close(ch)
		delete(p.watchers, id)
	}
	p.mu.Unlock()
	return err
}

// connectionLost is called by a read loop that ended without a local close
func (p *Pool) connectionLost(rc *relayConn, err error) {
	p.mu.Lock()
	current, ok := p.conns[rc.url]
	if !ok || current != rc {
		p.mu.Unlock()
		return
	}
	delete(p.conns, rc.url)
	p.mu.Unlock()

	p.log.Warn("relay connection lost", "relay", rc.url, "error", err)
	p.setStatus(rc.url, types.RelayError, err)
	p.setStatus(rc.url, types.RelayDisconnected, err)
	p.scheduleReconnect(rc.url)
}

func closeMessage() []byte {
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
}
