package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	pendingBucket = []byte("pending")
	indexBucket   = []byte("index")
)

// Record is the persisted form of a queue entry
type Record struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	QueuedAt    time.Time `json:"queued_at"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Data        []byte    `json:"data"` // WAV container
}

// Store persists records in insertion order
type Store interface {
	Load() ([]Record, error)
	Put(r Record) error
	Delete(id string) error
	Close() error
}

// BoltStore is a Store backed by a single bbolt file. Records live in the
// pending bucket keyed by a big-endian sequence number, so iteration order is
// insertion order. The index bucket maps payload IDs to their sequence key.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the queue file at path
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory %s: %w", dir, err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue file %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Load returns all records, oldest first
func (s *BoltStore) Load() ([]Record, error) {
	var records []Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to decode record %d: %w", binary.BigEndian.Uint64(k), err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	return records, nil
}

// Put inserts a record, or replaces the stored record with the same ID in place
func (s *BoltStore) Put(r Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(pendingBucket)
		index := tx.Bucket(indexBucket)

		key := index.Get([]byte(r.ID))
		if key == nil {
			seq, err := pending.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)

			if err := index.Put([]byte(r.ID), key); err != nil {
				return err
			}
		} else {
			// Values returned by Get are only valid for the transaction
			key = append([]byte(nil), key...)
		}

		return pending.Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", r.ID, err)
	}

	return nil
}

// Delete removes the record with the given ID. Unknown IDs are ignored.
func (s *BoltStore) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)

		key := index.Get([]byte(id))
		if key == nil {
			return nil
		}
		key = append([]byte(nil), key...)

		if err := tx.Bucket(pendingBucket).Delete(key); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}

	return nil
}

// Close releases the file lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}
