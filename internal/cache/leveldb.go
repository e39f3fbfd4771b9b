package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStore implements Store on a LevelDB directory.
// Each value is prefixed with its expiry as unix nanoseconds (0 = never).
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore opens or creates the database at path
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, errors.New("leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func encodeEntry(value []byte, ttl time.Duration) []byte {
	buf := make([]byte, 8+len(value))
	if exp := expiry(ttl); !exp.IsZero() {
		binary.BigEndian.PutUint64(buf[:8], uint64(exp.UnixNano()))
	}
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte, now time.Time) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	if exp := binary.BigEndian.Uint64(raw[:8]); exp != 0 && now.UnixNano() > int64(exp) {
		return nil, false
	}
	return raw[8:], true
}

func (l *LevelDBStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := l.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get from db: %w", err)
	}
	value, ok := decodeEntry(raw, time.Now())
	if !ok {
		_ = l.db.Delete([]byte(key), nil)
		return nil, false, nil
	}
	return value, true, nil
}

func (l *LevelDBStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := l.db.Put([]byte(key), encodeEntry(value, ttl), nil); err != nil {
		return fmt.Errorf("failed to put to db: %w", err)
	}
	return nil
}

func (l *LevelDBStore) Delete(ctx context.Context, key string) error {
	return l.db.Delete([]byte(key), nil)
}

func (l *LevelDBStore) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	for _, key := range keys {
		v, ok, err := l.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = v
		}
	}
	return result, nil
}

func (l *LevelDBStore) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for key, value := range items {
		batch.Put([]byte(key), encodeEntry(value, ttl))
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

func (l *LevelDBStore) Close() error {
	return l.db.Close()
}
