package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketFirings   = []byte("firings")
	bucketGenealogy = []byte("genealogy")
	bucketJoins     = []byte("joins")
)

// BoltStore is the default journal backend: a single-file BoltDB with one
// bucket per record kind, keyed by bucket sequence so iteration preserves
// append order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the journal file
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open capture journal: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketFirings,
			bucketGenealogy,
			bucketJoins,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the journal file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) append(bucket []byte, record any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (s *BoltStore) AppendFiring(ctx context.Context, f *Firing) error {
	return s.append(bucketFirings, f)
}

func (s *BoltStore) AppendGenealogy(ctx context.Context, g *Genealogy) error {
	return s.append(bucketGenealogy, g)
}

func (s *BoltStore) AppendJoin(ctx context.Context, j *JoinSync) error {
	return s.append(bucketJoins, j)
}

// Firings replays every firing row in append order.
func (s *BoltStore) Firings(ctx context.Context) ([]Firing, error) {
	var out []Firing
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFirings)
		return b.ForEach(func(k, v []byte) error {
			var f Firing
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

// GenealogyEdges replays every fork edge in append order.
func (s *BoltStore) GenealogyEdges(ctx context.Context) ([]Genealogy, error) {
	var out []Genealogy
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGenealogy)
		return b.ForEach(func(k, v []byte) error {
			var g Genealogy
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, g)
			return nil
		})
	})
	return out, err
}

// JoinRecords replays every join row in append order.
func (s *BoltStore) JoinRecords(ctx context.Context) ([]JoinSync, error) {
	var out []JoinSync
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoins)
		return b.ForEach(func(k, v []byte) error {
			var j JoinSync
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			out = append(out, j)
			return nil
		})
	})
	return out, err
}
