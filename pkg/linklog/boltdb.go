package linklog

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/skycoin/nodelink/pkg/routing"
)

var boltDBBucket = []byte("links")

// BoltDBStore implements Store on top of BoltDB.
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore opens or creates a BoltDB backed Store at path.
func NewBoltDBStore(path string) (*BoltDBStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open link log")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltDBBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &BoltDBStore{db: db}, nil
}

// Entry implements Store.
func (s *BoltDBStore) Entry(name routing.NodeName) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(boltDBBucket).Get(name[:])
		if raw == nil {
			return nil
		}
		entry = &Entry{}
		return json.Unmarshal(raw, entry)
	})
	return entry, err
}

// Record implements Store.
func (s *BoltDBStore) Record(name routing.NodeName, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltDBBucket).Put(name[:], raw)
	})
}

// RangeEntries iterates over all entries until rangeFunc returns false.
func (s *BoltDBStore) RangeEntries(rangeFunc func(name routing.NodeName, entry *Entry) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltDBBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var name routing.NodeName
			if len(k) != len(name) {
				return fmt.Errorf("invalid key of %d bytes", len(k))
			}
			copy(name[:], k)
			entry := &Entry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return errors.Wrapf(err, "entry of %s", name)
			}
			if !rangeFunc(name, entry) {
				return nil
			}
		}
		return nil
	})
}

// Count returns the number of stored entries.
func (s *BoltDBStore) Count() (count int) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(boltDBBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0
	}
	return count
}

// Close closes underlying BoltDB instance.
func (s *BoltDBStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
