package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var approvalsBucket = []byte("approvals")

// BoltStore persists requests in a bbolt file so pending approvals survive
// a restart.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating approval store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening approval store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(approvalsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating approvals bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Put inserts or replaces a request.
func (s *BoltStore) Put(_ context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding approval %s: %w", req.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(approvalsBucket).Put([]byte(req.ID), payload)
	})
}

// Get returns the request with the given ID.
func (s *BoltStore) Get(_ context.Context, id string) (Request, error) {
	var req Request
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(approvalsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(raw, &req)
	})
	return req, err
}

// List returns all requests ordered by creation time. Undecodable records
// are skipped.
func (s *BoltStore) List(_ context.Context) ([]Request, error) {
	var out []Request
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(approvalsBucket).ForEach(func(_, v []byte) error {
			var req Request
			if err := json.Unmarshal(v, &req); err != nil {
				return nil
			}
			out = append(out, req)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortByCreation(out)
	return out, nil
}

// Delete removes the given IDs in one transaction.
func (s *BoltStore) Delete(_ context.Context, ids ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(approvalsBucket)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
