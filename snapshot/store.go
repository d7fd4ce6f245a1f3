// Package snapshot persists the agent's last known tree per document so a
// restarted agent can resume from its log position instead of replaying the
// whole history.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"collabtext/tree"
)

var (
	bucketTrees = []byte("trees")
	bucketSeqs  = []byte("seqs")
)

// ErrNotFound is returned when no snapshot exists for a document.
var ErrNotFound = errors.New("snapshot not found")

// Store is a bbolt-backed snapshot store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTrees, bucketSeqs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores the tree of docID together with the last log position it
// includes.
func (s *Store) Save(docID string, t *tree.Tree, lastSeq int64) error {
	data, err := t.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(lastSeq))
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTrees).Put([]byte(docID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketSeqs).Put([]byte(docID), seq[:])
	})
}

// Load returns the stored tree of docID and its log position.
func (s *Store) Load(docID string) (*tree.Tree, int64, error) {
	var (
		data    []byte
		lastSeq int64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTrees).Get([]byte(docID))
		if raw == nil {
			return ErrNotFound
		}
		// bbolt values are only valid inside the transaction
		data = append([]byte(nil), raw...)
		if seq := tx.Bucket(bucketSeqs).Get([]byte(docID)); len(seq) == 8 {
			lastSeq = int64(binary.BigEndian.Uint64(seq))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	t, err := tree.FromJSON(data)
	if err != nil {
		return nil, 0, err
	}
	return t, lastSeq, nil
}
