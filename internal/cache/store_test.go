package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "relayinfo", []byte(`{"name":"x"}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "relayinfo")
	if err != nil || !ok || string(got) != `{"name":"x"}` {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	if err := s.SetMultiple(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, time.Hour); err != nil {
		t.Fatalf("SetMultiple: %v", err)
	}
	multi, err := s.GetMultiple(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMultiple: %v", err)
	}
	if len(multi) != 2 || string(multi["a"]) != "1" || string(multi["b"]) != "2" {
		t.Errorf("GetMultiple = %v", multi)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Error("deleted key still present")
	}

	if err := s.Set(ctx, "short", []byte("x"), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("expired key still present")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(100, time.Hour)
	defer s.Close()
	exerciseStore(t, s)
}

func TestMemoryStoreMaxSize(t *testing.T) {
	s := NewMemoryStore(2, time.Hour)
	defer s.Close()
	ctx := context.Background()
	for _, k := range []string{"one", "two", "three"} {
		s.Set(ctx, k, []byte(k), 0)
		time.Sleep(time.Millisecond)
	}
	s.cleanup()
	if _, ok, _ := s.Get(ctx, "one"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok, _ := s.Get(ctx, "three"); !ok {
		t.Error("newest entry evicted")
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore(10, time.Hour)
	defer s.Close()
	ctx := context.Background()
	buf := []byte("abc")
	s.Set(ctx, "k", buf, 0)
	buf[0] = 'z'
	got, _, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}
}

func TestLevelDBStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := NewLevelDBStore(path)
	if err != nil {
		t.Fatalf("NewLevelDBStore: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewLevelDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, ok, _ := reopened.Get(context.Background(), "relayinfo")
	if !ok || string(got) != `{"name":"x"}` {
		t.Errorf("value lost across reopen: %q", got)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(Config{Backend: "leveldb", Path: filepath.Join(t.TempDir(), "db")})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	if _, err := Open(Config{Backend: "etcd"}); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("PSILO_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PSILO_TEST_REDIS_URL not set")
	}
	s, err := NewRedisStore(url, "psilo-test:")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
