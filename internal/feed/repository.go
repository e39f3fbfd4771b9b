// Package feed keeps the notes seen on relay subscriptions, deduplicated by id,
// and answers thread and reply queries over them. The newest profile of each
// author is kept alongside.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"

	"psilo/internal/cache"
	"psilo/internal/nostr"
	"psilo/internal/relay"
	"psilo/internal/types"
)

const (
	DefaultMaxNotes     = 5000
	DefaultThreadCache  = 500
	DefaultSnapshotSize = 500
	DefaultProfiles     = 1000

	seenFactor  = 4
	snapshotKey = "feed:snapshot"
)

// Option configures a Repository
type Option func(*Repository)

// WithMaxNotes bounds the number of notes kept in memory
func WithMaxNotes(n int) Option {
	return func(r *Repository) { r.maxNotes = n }
}

// WithThreadCacheSize bounds the reply cache
func WithThreadCacheSize(n int) Option {
	return func(r *Repository) { r.threadSize = n }
}

// WithSnapshotSize bounds how many notes Save persists
func WithSnapshotSize(n int) Option {
	return func(r *Repository) { r.snapshotSize = n }
}

// WithProfileCacheSize bounds the number of profiles kept
func WithProfileCacheSize(n int) Option {
	return func(r *Repository) { r.profileSize = n }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// Subscriber is the part of the relay pool the repository consumes
type Subscriber interface {
	Subscribe(relayURLs []string, filters []types.Filter, onEvent func(types.InboundEvent)) *relay.Subscription
}

// Repository stores notes. Events arrive from many relays in any order and
// duplicates are dropped by id.
type Repository struct {
	maxNotes     int
	threadSize   int
	snapshotSize int
	profileSize  int
	store        cache.Store
	log          *slog.Logger

	mu       sync.Mutex
	seen     *lru.Cache[string, struct{}]
	notes    *lru.Cache[string, types.Event]
	replies  *lru.Cache[string, []string] // parent id -> direct reply ids
	profiles *lru.Cache[string, types.Profile]
}

// NewRepository creates an empty repository. store may be nil when snapshots are not needed.
func NewRepository(store cache.Store, opts ...Option) (*Repository, error) {
	r := &Repository{
		maxNotes:     DefaultMaxNotes,
		threadSize:   DefaultThreadCache,
		snapshotSize: DefaultSnapshotSize,
		profileSize:  DefaultProfiles,
		store:        store,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.seen, err = lru.New[string, struct{}](r.maxNotes * seenFactor); err != nil {
		return nil, fmt.Errorf("seen cache: %w", err)
	}
	if r.notes, err = lru.New[string, types.Event](r.maxNotes); err != nil {
		return nil, fmt.Errorf("note cache: %w", err)
	}
	if r.replies, err = lru.New[string, []string](r.threadSize); err != nil {
		return nil, fmt.Errorf("thread cache: %w", err)
	}
	if r.profiles, err = lru.New[string, types.Profile](r.profileSize); err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	return r, nil
}

// Follow subscribes to the relays and feeds every matching event into the repository
func (r *Repository) Follow(pool Subscriber, relayURLs []string, filters []types.Filter) *relay.Subscription {
	return pool.Subscribe(relayURLs, filters, r.Consume)
}

// Consume is an event callback for relay subscriptions
func (r *Repository) Consume(in types.InboundEvent) {
	r.Add(in.Event)
}

// Add stores a text note or a profile. It returns false for duplicates, other
// kinds, and profiles older than the one already held.
func (r *Repository) Add(evt types.Event) bool {
	if (evt.Kind != types.KindTextNote && evt.Kind != types.KindMetadata) || evt.ID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ok, _ := r.seen.ContainsOrAdd(evt.ID, struct{}{}); ok {
		return false
	}
	if evt.Kind == types.KindMetadata {
		return r.addProfileLocked(&evt)
	}
	r.notes.Add(evt.ID, evt)

	refs := ParseThreadRefs(evt.Tags)
	if refs.IsReply() {
		// only extend cached entries; misses are rebuilt from notes on demand
		if ids, ok := r.replies.Peek(refs.Reply); ok {
			r.replies.Add(refs.Reply, append(ids[:len(ids):len(ids)], evt.ID))
		}
	}
	return true
}

func (r *Repository) addProfileLocked(evt *types.Event) bool {
	p, err := types.ParseProfile(evt)
	if err != nil {
		r.log.Debug("dropping unreadable profile", "event_id", nostr.ShortID(evt.ID), "error", err)
		return false
	}
	if cur, ok := r.profiles.Peek(p.PubKey); ok && cur.UpdatedAt >= p.UpdatedAt {
		return false
	}
	r.profiles.Add(p.PubKey, *p)
	return true
}

// Profile returns the newest profile seen for pubkey
func (r *Repository) Profile(pubkey string) (*types.Profile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles.Get(pubkey)
	if !ok {
		return nil, false
	}
	return &p, true
}

// Len returns the number of notes held
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes.Len()
}

// Note returns a note by id
func (r *Repository) Note(id string) (types.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notes.Peek(id)
}

// Notes returns up to limit notes, newest first. limit <= 0 returns all.
func (r *Repository) Notes(limit int) []types.Event {
	r.mu.Lock()
	all := r.notes.Values()
	r.mu.Unlock()

	sortNewestFirst(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Replies returns the direct replies to id, oldest first
func (r *Repository) Replies(id string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.repliesLocked(id)
}

func (r *Repository) repliesLocked(id string) []types.Event {
	ids, ok := r.replies.Get(id)
	if !ok {
		for _, evt := range r.notes.Values() {
			if refs := ParseThreadRefs(evt.Tags); refs.Reply == id {
				ids = append(ids, evt.ID)
			}
		}
		r.replies.Add(id, ids)
	}

	out := make([]types.Event, 0, len(ids))
	for _, rid := range ids {
		if evt, ok := r.notes.Peek(rid); ok {
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// Thread returns the root note (when known) followed by every descendant, oldest first
func (r *Repository) Thread(rootID string) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.Event
	if root, ok := r.notes.Peek(rootID); ok {
		out = append(out, root)
	}

	visited := map[string]bool{rootID: true}
	queue := []string{rootID}
	var descendants []types.Event
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, evt := range r.repliesLocked(id) {
			if visited[evt.ID] {
				continue
			}
			visited[evt.ID] = true
			descendants = append(descendants, evt)
			queue = append(queue, evt.ID)
		}
	}

	sort.SliceStable(descendants, func(i, j int) bool { return descendants[i].CreatedAt < descendants[j].CreatedAt })
	return append(out, descendants...)
}

// TrimToSize shrinks the thread reply cache to at most n entries.
// n <= 0 clears it. Subsequent queries rebuild entries from the stored notes.
func (r *Repository) TrimToSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		r.replies.Purge()
		return
	}
	for r.replies.Len() > n {
		r.replies.RemoveOldest()
	}
	r.log.Debug("trimmed thread cache", "size", r.replies.Len())
}

// Save persists the newest notes as a compressed snapshot
func (r *Repository) Save(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	notes := r.Notes(r.snapshotSize)
	data, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.store.Set(ctx, snapshotKey, snappy.Encode(nil, data), 0); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	r.log.Debug("saved feed snapshot", "notes", len(notes), "bytes", len(data))
	return nil
}

// Load restores a snapshot written by Save. Invalid events are skipped.
func (r *Repository) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	raw, found, err := r.store.Get(ctx, snapshotKey)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	if !found {
		return 0, nil
	}
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return 0, fmt.Errorf("decompress snapshot: %w", err)
	}
	var notes []types.Event
	if err := json.Unmarshal(data, &notes); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}

	loaded := 0
	for i := range notes {
		if err := nostr.Validate(&notes[i]); err != nil {
			r.log.Debug("skipping invalid snapshot note", "event_id", nostr.ShortID(notes[i].ID), "error", err)
			continue
		}
		if r.Add(notes[i]) {
			loaded++
		}
	}
	r.log.Info("loaded feed snapshot", "notes", loaded)
	return loaded, nil
}

func sortNewestFirst(events []types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
