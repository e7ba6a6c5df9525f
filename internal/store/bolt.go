package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStates      = []byte("states")
	bucketAutomations = []byte("automations")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStates, bucketAutomations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveState(st *StoredState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketStates, st.EntityID, st)
	})
}

func (s *BoltStore) GetState(entityID string) (*StoredState, error) {
	var st StoredState
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketStates, entityID, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) ListStates() ([]*StoredState, error) {
	var states []*StoredState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return nil // no bucket = no states
		}
		states = make([]*StoredState, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st StoredState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("state %s: %w", k, err)
			}
			states = append(states, &st)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) DeleteState(entityID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStates)
		}
		return b.Delete([]byte(entityID))
	})
}

// WriteStates saves and deletes states in a single transaction.
func (s *BoltStore) WriteStates(save []*StoredState, remove []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, st := range save {
			if err := put(tx, bucketStates, st.EntityID, st); err != nil {
				return err
			}
		}
		b := tx.Bucket(bucketStates)
		for _, id := range remove {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) SaveAutomation(rec *AutomationRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAutomations, rec.EntityID, rec)
	})
}

func (s *BoltStore) GetAutomation(entityID string) (*AutomationRecord, error) {
	var rec AutomationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketAutomations, entityID, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateAutomation(entityID string, fn func(rec *AutomationRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := AutomationRecord{EntityID: entityID}
		if b := tx.Bucket(bucketAutomations); b != nil {
			if data := b.Get([]byte(entityID)); data != nil {
				if err := json.Unmarshal(data, &rec); err != nil {
					return err
				}
			}
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.EntityID = entityID
		return put(tx, bucketAutomations, entityID, &rec)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
