// Package store persists drone snapshots in a local bolt database,
// keyed by port. Durability is best effort; callers treat failures
// as non-fatal.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"TelemetryHub/internal/state"
)

var bucketDrones = []byte("drones")

// Store is a key-by-port snapshot store backed by bbolt
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) the database file, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDrones)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create drones bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file
func (s *Store) Close() error {
	return s.db.Close()
}

func portKey(port int) []byte {
	return []byte(strconv.Itoa(port))
}

// Save writes one drone snapshot
func (s *Store) Save(record state.DroneState) error {
	return s.SaveAll([]state.DroneState{record})
}

// SaveAll writes a batch of drone snapshots in one transaction
func (s *Store) SaveAll(records []state.DroneState) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrones)
		for _, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode drone %d: %w", r.Port, err)
			}
			if err := b.Put(portKey(r.Port), data); err != nil {
				return fmt.Errorf("failed to store drone %d: %w", r.Port, err)
			}
		}
		return nil
	})
}

// FindByPort loads the snapshot stored for port
func (s *Store) FindByPort(port int) (state.DroneState, bool, error) {
	var record state.DroneState
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDrones).Get(portKey(port))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("failed to decode drone %d: %w", port, err)
		}
		found = true
		return nil
	})
	return record, found, err
}

// FindByGcsIp returns every stored snapshot whose most recent sender
// matches ip.
func (s *Store) FindByGcsIp(ip string) ([]state.DroneState, error) {
	var out []state.DroneState

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrones).ForEach(func(k, v []byte) error {
			var record state.DroneState
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to decode drone %s: %w", k, err)
			}
			if record.GcsIP == ip {
				out = append(out, record)
			}
			return nil
		})
	})
	return out, err
}

// DeleteByPort removes the snapshot stored for port
func (s *Store) DeleteByPort(port int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrones).Delete(portKey(port))
	})
}
