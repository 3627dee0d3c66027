// SPDX-FileCopyrightText: © 2026 The veilroute Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay implements the per-node replay cache. Tags are digests
// of the key encapsulation a hop decrypts, so every wrap produces fresh
// tags and a retried packet on a new path never collides with its
// previous attempt.
package replay

import (
	"fmt"
	"sync"

	"github.com/yawning/bloom"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// TagLength is the replay tag length in bytes.
	TagLength = hash.HashSize

	defaultSizeLog2 = 23 // 1 MiB filter, ~582,000 entries at p=0.001.
)

var (
	dbOptions = &bolt.Options{
		NoFreelistSync: true,
	}

	metadataBucket = []byte("metadata")
	versionKey     = []byte("version")
	tagsBucket     = []byte("tags")
)

// Tag derives the replay tag for a decrypted layer from its key
// encapsulation ciphertext.
func Tag(kemCiphertext []byte) [TagLength]byte {
	return hash.Sum256(kemCiphertext)
}

// Cache is a replay cache: a bloom filter front, optionally backed by a
// bbolt tag set so detection survives restarts.
type Cache struct {
	sync.Mutex

	f       *bloom.Filter
	db      *bolt.DB
	pending [][]byte
}

// New creates an in-memory replay cache. sizeLog2 is the filter size in
// bits as a power of two; 0 selects the default.
func New(sizeLog2 int) (*Cache, error) {
	if sizeLog2 == 0 {
		sizeLog2 = defaultSizeLog2
	}
	f, err := bloom.New(rand.Reader, sizeLog2, 0.001)
	if err != nil {
		return nil, err
	}
	return &Cache{f: f}, nil
}

// NewPersistent creates a replay cache backed by the bbolt database at f,
// creating it if it does not exist. Previously recorded tags are loaded
// into the filter.
func NewPersistent(sizeLog2 int, f string) (*Cache, error) {
	c, err := New(sizeLog2)
	if err != nil {
		return nil, err
	}

	c.db, err = bolt.Open(f, 0600, dbOptions)
	if err != nil {
		return nil, err
	}

	if err = c.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists(metadataBucket)
		if err != nil {
			return err
		}
		tBkt, err := tx.CreateBucketIfNotExists(tagsBucket)
		if err != nil {
			return err
		}

		if b := mBkt.Get(versionKey); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("replay: incompatible version: %d", uint(b[0]))
			}
			return tBkt.ForEach(func(k, v []byte) error {
				c.f.TestAndSet(k)
				return nil
			})
		}
		return mBkt.Put(versionKey, []byte{0})
	}); err != nil {
		c.db.Close()
		return nil, err
	}

	return c, nil
}

// IsReplay marks a tag as seen and returns true iff it has been seen
// previously. Malformed tags and a saturated filter are both treated as
// replays.
func (c *Cache) IsReplay(rawTag []byte) bool {
	if len(rawTag) != TagLength {
		return true
	}

	c.Lock()
	defer c.Unlock()

	if c.f.Entries() >= c.f.MaxEntries() {
		return true
	}
	if c.f.TestAndSet(rawTag) {
		return true
	}
	if c.db != nil {
		tag := make([]byte, TagLength)
		copy(tag, rawTag)
		c.pending = append(c.pending, tag)
	}
	return false
}

// Flush writes buffered tags to the backing database, if any.
func (c *Cache) Flush() error {
	if c.db == nil {
		return nil
	}

	c.Lock()
	pending := c.pending
	c.pending = nil
	c.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(tagsBucket)
		for _, tag := range pending {
			if err := bkt.Put(tag, []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entries returns the number of distinct tags recorded.
func (c *Cache) Entries() uint64 {
	c.Lock()
	defer c.Unlock()
	return uint64(c.f.Entries())
}

// Close flushes buffered tags and closes the backing database, if any.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	if err := c.Flush(); err != nil {
		c.db.Close()
		return err
	}
	c.db.Sync()
	return c.db.Close()
}
