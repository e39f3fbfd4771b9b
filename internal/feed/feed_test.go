package feed

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"psilo/internal/cache"
	"psilo/internal/relay"
	"psilo/internal/relay/relaytest"
	"psilo/internal/signer"
	"psilo/internal/types"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type noteFactory struct {
	t *testing.T
	s *signer.LocalSigner
	n int64
}

func newNoteFactory(t *testing.T) *noteFactory {
	s, err := signer.NewThrowawaySigner()
	if err != nil {
		t.Fatal(err)
	}
	return &noteFactory{t: t, s: s, n: 1700000000}
}

func (f *noteFactory) note(content string, tags ...[]string) types.Event {
	f.t.Helper()
	f.n++
	if tags == nil {
		tags = [][]string{}
	}
	evt, err := f.s.Sign(context.Background(), f.n, types.KindTextNote, tags, content)
	if err != nil {
		f.t.Fatal(err)
	}
	return *evt
}

func ids(events []types.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Content
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseThreadRefs(t *testing.T) {
	cases := []struct {
		name string
		tags [][]string
		want ThreadRefs
	}{
		{"none", [][]string{{"p", "x"}}, ThreadRefs{}},
		{"single positional", [][]string{{"e", "a"}}, ThreadRefs{Root: "a", Reply: "a"}},
		{"positional", [][]string{{"e", "a"}, {"e", "b"}, {"e", "c"}}, ThreadRefs{Root: "a", Reply: "c"}},
		{"marked", [][]string{{"e", "r", "", "root"}, {"e", "p", "wss://x", "reply"}}, ThreadRefs{Root: "r", Reply: "p"}},
		{"root only", [][]string{{"e", "r", "", "root"}}, ThreadRefs{Root: "r", Reply: "r"}},
		{"mention only", [][]string{{"e", "m", "", "mention"}}, ThreadRefs{}},
		{"marked wins", [][]string{{"e", "x"}, {"e", "r", "", "root"}}, ThreadRefs{Root: "r", Reply: "r"}},
		{"empty id", [][]string{{"e", ""}}, ThreadRefs{}},
	}
	for _, tc := range cases {
		if got := ParseThreadRefs(tc.tags); got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestAddDeduplicates(t *testing.T) {
	f := newNoteFactory(t)
	r, err := NewRepository(nil, WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}

	n := f.note("hello")
	if !r.Add(n) {
		t.Fatal("first add rejected")
	}
	if r.Add(n) {
		t.Error("duplicate accepted")
	}

	reaction := n
	reaction.ID = "other"
	reaction.Kind = types.KindReaction
	if r.Add(reaction) {
		t.Error("reaction stored as note")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}
	if got, ok := r.Note(n.ID); !ok || got.Content != "hello" {
		t.Errorf("Note = %+v, %v", got, ok)
	}
}

func TestNotesNewestFirst(t *testing.T) {
	f := newNoteFactory(t)
	r, _ := NewRepository(nil, WithLogger(quiet()))

	a, b, c := f.note("a"), f.note("b"), f.note("c")
	for _, n := range []types.Event{b, c, a} {
		r.Add(n)
	}
	if got := ids(r.Notes(0)); !equal(got, []string{"c", "b", "a"}) {
		t.Errorf("Notes = %v", got)
	}
	if got := ids(r.Notes(2)); !equal(got, []string{"c", "b"}) {
		t.Errorf("Notes(2) = %v", got)
	}
}

func TestMaxNotesEvicts(t *testing.T) {
	f := newNoteFactory(t)
	r, _ := NewRepository(nil, WithLogger(quiet()), WithMaxNotes(2))
	first := f.note("1")
	r.Add(first)
	r.Add(f.note("2"))
	r.Add(f.note("3"))
	if r.Len() != 2 {
		t.Errorf("Len = %d", r.Len())
	}
	if _, ok := r.Note(first.ID); ok {
		t.Error("oldest note not evicted")
	}
	if r.Add(first) {
		t.Error("evicted note re-added; seen set should still hold it")
	}
}

func TestThreadAndReplies(t *testing.T) {
	f := newNoteFactory(t)
	r, _ := NewRepository(nil, WithLogger(quiet()))

	root := f.note("root")
	r.Add(root)
	// warm the cache before replies arrive
	if len(r.Replies(root.ID)) != 0 {
		t.Fatal("unexpected replies")
	}

	reply1 := f.note("reply1", []string{"e", root.ID, "", "root"})
	reply2 := f.note("reply2", []string{"e", root.ID})
	nested := f.note("nested", []string{"e", root.ID, "", "root"}, []string{"e", reply1.ID, "", "reply"})
	unrelated := f.note("unrelated")

	// arrival order differs from creation order
	for _, n := range []types.Event{nested, reply2, unrelated, reply1} {
		r.Add(n)
	}

	if got := ids(r.Replies(root.ID)); !equal(got, []string{"reply1", "reply2"}) {
		t.Errorf("Replies(root) = %v", got)
	}
	if got := ids(r.Replies(reply1.ID)); !equal(got, []string{"nested"}) {
		t.Errorf("Replies(reply1) = %v", got)
	}
	want := []string{"root", "reply1", "reply2", "nested"}
	if got := ids(r.Thread(root.ID)); !equal(got, want) {
		t.Errorf("Thread = %v, want %v", got, want)
	}

	r.TrimToSize(0)
	if got := ids(r.Thread(root.ID)); !equal(got, want) {
		t.Errorf("Thread after trim = %v", got)
	}
}

func TestTrimToSize(t *testing.T) {
	f := newNoteFactory(t)
	r, _ := NewRepository(nil, WithLogger(quiet()))
	for i := 0; i < 10; i++ {
		r.Replies(f.note("x").ID)
	}
	r.TrimToSize(3)
	if n := r.replies.Len(); n != 3 {
		t.Errorf("thread cache size = %d, want 3", n)
	}
}

func TestSaveLoadSnapshot(t *testing.T) {
	f := newNoteFactory(t)
	store := cache.NewMemoryStore(100, time.Minute)
	defer store.Close()
	ctx := context.Background()

	r, _ := NewRepository(store, WithLogger(quiet()), WithSnapshotSize(2))
	r.Add(f.note("old"))
	r.Add(f.note("mid"))
	r.Add(f.note("new"))
	if err := r.Save(ctx); err != nil {
		t.Fatal(err)
	}

	restored, _ := NewRepository(store, WithLogger(quiet()))
	n, err := restored.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("loaded %d notes, want 2", n)
	}
	if got := ids(restored.Notes(0)); !equal(got, []string{"new", "mid"}) {
		t.Errorf("restored = %v", got)
	}

	empty, _ := NewRepository(cache.NewMemoryStore(10, time.Minute), WithLogger(quiet()))
	if n, err := empty.Load(ctx); n != 0 || err != nil {
		t.Errorf("Load without snapshot = (%d, %v)", n, err)
	}

	if err := store.Set(ctx, snapshotKey, []byte("not snappy"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := restored.Load(ctx); err == nil {
		t.Error("corrupt snapshot accepted")
	}
}

func TestFollowDeduplicatesAcrossRelays(t *testing.T) {
	f := newNoteFactory(t)
	a, b := relaytest.New(), relaytest.New()
	defer a.Close()
	defer b.Close()

	shared := f.note("shared")
	a.Inject(shared)
	b.Inject(shared)
	b.Inject(f.note("only b"))

	pool := relay.NewPool(relay.WithLogger(quiet()))
	defer pool.Close()
	for _, r := range []*relaytest.Relay{a, b} {
		if _, err := pool.ConnectToRelay(context.Background(), r.URL()); err != nil {
			t.Fatal(err)
		}
	}

	repo, _ := NewRepository(nil, WithLogger(quiet()))
	sub := repo.Follow(pool, []string{a.URL(), b.URL()}, []types.Filter{{Kinds: []int{types.KindTextNote}}})
	defer sub.Close()

	deadline := time.Now().Add(3 * time.Second)
	for (!sub.EOSE(a.URL()) || !sub.EOSE(b.URL())) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// EOSE is seen by the read loop before the dispatcher drains
	for repo.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if repo.Len() != 2 {
		t.Errorf("Len = %d, want 2", repo.Len())
	}
}

func (f *noteFactory) profile(createdAt int64, content string) types.Event {
	f.t.Helper()
	evt, err := f.s.Sign(context.Background(), createdAt, types.KindMetadata, [][]string{}, content)
	if err != nil {
		f.t.Fatal(err)
	}
	return *evt
}

func TestProfileKeepsNewest(t *testing.T) {
	r, err := NewRepository(nil, WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	f := newNoteFactory(t)
	pub := f.s.PubKey()

	if _, ok := r.Profile(pub); ok {
		t.Fatal("profile before any metadata event")
	}
	if !r.Add(f.profile(200, `{"name":"bob","lud16":" bob@pay.example.com "}`)) {
		t.Fatal("profile rejected")
	}
	if r.Add(f.profile(100, `{"name":"old","lud16":"old@pay.example.com"}`)) {
		t.Error("older profile replaced a newer one")
	}
	if r.Add(f.profile(300, `not json`)) {
		t.Error("unreadable profile accepted")
	}

	p, ok := r.Profile(pub)
	if !ok || p.Name != "bob" || p.PayAddress() != "bob@pay.example.com" || p.UpdatedAt != 200 {
		t.Errorf("profile = %+v", p)
	}
	if r.Len() != 0 {
		t.Errorf("profiles counted as notes: %d", r.Len())
	}

	if !r.Add(f.profile(400, `{"name":"bob","lud06":"lnurl1dp68gurn8ghj7"}`)) {
		t.Fatal("newer profile rejected")
	}
	if p, _ := r.Profile(pub); p.PayAddress() != "lnurl1dp68gurn8ghj7" {
		t.Errorf("pay address = %q", p.PayAddress())
	}
}
