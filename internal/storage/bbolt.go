package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	dbFileName = "ratelimit.db"
	bucketRate = "rate"
)

// ErrStoreLocked is returned when another process holds the database file.
var ErrStoreLocked = errors.New("rate store is locked by another process")

// openTimeout is how long Open waits for the file lock.
var openTimeout = 5 * time.Second

type bboltRateStore struct {
	db  *bolt.DB
	mu  sync.Mutex // guards rate bucket sliding-window writes
	now func() time.Time
}

// NewBboltRateStore opens (or creates) a bbolt database at dataDir/ratelimit.db.
// bbolt locks the file, so only one process can have it open.
func NewBboltRateStore(dataDir string) (RateStore, error) {
	return newBboltRateStore(dataDir, time.Now)
}

func newBboltRateStore(dataDir string, now func() time.Time) (*bboltRateStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, ErrStoreLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRate)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketRate, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRateStore{db: db, now: now}, nil
}

// Allow implements the sliding window on a msgpack-encoded []int64 of Unix
// nanosecond timestamps per key.
func (s *bboltRateStore) Allow(key string, window time.Duration, max int) (RateDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var decision RateDecision
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		k := []byte(key)

		var timestamps []int64
		if raw := b.Get(k); raw != nil {
			if err := msgpack.Unmarshal(raw, &timestamps); err != nil {
				return fmt.Errorf("unmarshal rate timestamps for %s: %w", key, err)
			}
		}

		var log []int64
		log, decision = slide(timestamps, s.now(), window, max)
		if len(log) == 0 {
			return b.Delete(k)
		}
		data, err := msgpack.Marshal(log)
		if err != nil {
			return fmt.Errorf("marshal rate timestamps: %w", err)
		}
		return b.Put(k, data)
	})
	if err != nil {
		return RateDecision{}, err
	}
	return decision, nil
}

func (s *bboltRateStore) Prune(window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		var toDelete [][]byte
		updates := make(map[string][]byte)
		if err := b.ForEach(func(k, v []byte) error {
			var timestamps []int64
			if err := msgpack.Unmarshal(v, &timestamps); err != nil {
				// corrupt entry: drop it
				toDelete = append(toDelete, append([]byte(nil), k...))
				return nil
			}
			before := len(timestamps)
			filtered := expire(timestamps, now, window)
			pruned += before - len(filtered)
			switch {
			case len(filtered) == 0:
				toDelete = append(toDelete, append([]byte(nil), k...))
			case len(filtered) != before:
				data, err := msgpack.Marshal(filtered)
				if err != nil {
					return err
				}
				updates[string(k)] = data
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
	return pruned, err
}

func (s *bboltRateStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketRate)).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *bboltRateStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltRateStore) Close() error {
	return s.db.Close()
}
