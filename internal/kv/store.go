// Package kv is the RecordStore external collaborator: a bbolt-backed
// key/value engine with per-key advisory locks, hash (bucket) operations,
// and a single-consumer background queue that the ViewManager uses to
// serialise view updates with respect to other enqueued work.
package kv

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Store is the embedded storage engine backing records, index schemas and
// per-index id enumeration hashes.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	queue   chan task
	queueWG sync.WaitGroup
}

type task struct {
	label   string
	handler func()
}

// Options configures a Store.
type Options struct {
	Path         string // bbolt file path
	QueueBufSize int    // background queue buffer, 0 means unbuffered
	Logger       *slog.Logger
}

// Open opens (creating if needed) the bbolt file at opts.Path and starts the
// background queue consumer.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	db, err := bolt.Open(opts.Path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt store at %s: %w", opts.Path, err)
	}
	s := &Store{
		db:     db,
		logger: opts.Logger,
		locks:  make(map[string]*sync.Mutex),
		queue:  make(chan task, opts.QueueBufSize),
	}
	s.queueWG.Add(1)
	go s.runQueue()
	return s, nil
}

func (s *Store) runQueue() {
	defer s.queueWG.Done()
	for t := range s.queue {
		t.handler()
	}
}

// Enqueue pushes a task onto the single-consumer background queue. It
// returns immediately; handler runs later, in FIFO order with respect to
// every other enqueued task.
func (s *Store) Enqueue(label string, handler func()) {
	s.queue <- task{label: label, handler: handler}
}

// Close drains the queue and closes the underlying database.
func (s *Store) Close() error {
	close(s.queue)
	s.queueWG.Wait()
	return s.db.Close()
}

// lockFor returns the mutex guarding key, creating it on first use.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Lock acquires the exclusive advisory lock for key and returns a function
// that releases it. Every caller must invoke the returned unlock on every
// exit path.
func (s *Store) Lock(key string) (unlock func()) {
	m := s.lockFor(key)
	m.Lock()
	return m.Unlock
}

func bucketName(bucket string) []byte { return []byte(bucket) }

// Get retrieves the value stored at bucket/key. Returns (nil, false) if
// absent.
func (s *Store) Get(bucket, key string) ([]byte, bool, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return val, val != nil, nil
}

// Put stores value at bucket/key, creating bucket if needed.
func (s *Store) Put(bucket, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes bucket/key. It is not an error if it does not exist.
func (s *Store) Delete(bucket, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// GetMulti bulk-fetches keys from bucket in one transaction. Missing keys
// are omitted from the result.
func (s *Store) GetMulti(bucket string, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(bucket))
		if b == nil {
			return nil
		}
		for _, k := range keys {
			if v := b.Get([]byte(k)); v != nil {
				out[k] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get-multi %s: %w", bucket, err)
	}
	return out, nil
}

// HashPut stores field=value in the hash persisted as bucket.
func (s *Store) HashPut(bucket, field string, value []byte) error {
	return s.Put(bucket, field, value)
}

// HashGetAll returns every field=value pair in the hash persisted as
// bucket. Returns an empty map if the bucket does not exist.
func (s *Store) HashGetAll(bucket string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("hash-get-all %s: %w", bucket, err)
	}
	return out, nil
}

// HashDelete removes field from the hash persisted as bucket.
func (s *Store) HashDelete(bucket, field string) error {
	return s.Delete(bucket, field)
}

// HashDeleteAll drops the entire bucket.
func (s *Store) HashDeleteAll(bucket string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketName(bucket)) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(bucket))
	})
	if err != nil {
		return fmt.Errorf("hash-delete-all %s: %w", bucket, err)
	}
	return nil
}

// HashEachPage iterates the hash persisted as bucket in sorted-key pages of
// pageSize, calling pageFn with each page's keys. The whole iteration holds
// a single read transaction (bbolt's share-lock for the duration), so it
// must not be interleaved with a full-index mutation over the same bucket
// from the same goroutine.
func (s *Store) HashEachPage(bucket string, pageSize int, pageFn func(keys []string) error) error {
	if pageSize <= 0 {
		pageSize = 256
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(bucket))
		if b == nil {
			return nil
		}
		page := make([]string, 0, pageSize)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			page = append(page, string(k))
			if len(page) == pageSize {
				if err := pageFn(page); err != nil {
					return err
				}
				page = page[:0]
			}
		}
		if len(page) > 0 {
			if err := pageFn(page); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys returns every key in bucket, sorted.
func (s *Store) Keys(bucket string) ([]string, error) {
	all, err := s.HashGetAll(bucket)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
