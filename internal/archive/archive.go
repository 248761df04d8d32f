// Package archive persists the final snapshot of finished rooms to an
// embedded bbolt database so results outlive the room's eviction from the
// live store.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"turnroom/internal/state"
)

var bucketRooms = []byte("rooms")

// ErrNotArchived reports a lookup for a room that was never archived.
var ErrNotArchived = errors.New("archive: room not found")

// Archive is a handle on the bolt database. Safe for concurrent use; bolt
// serializes writers internally.
type Archive struct {
	db *bolt.DB
}

// Open creates or opens the archive file and ensures the room bucket
// exists.
func Open(path string) (*Archive, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRooms)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: create bucket: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database file.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// SaveFinal stores the room's final snapshot, overwriting any earlier entry
// for the same room id.
func (a *Archive) SaveFinal(snap *state.Snapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: encode room %s: %w", snap.ID, err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Put([]byte(snap.ID), encoded)
	})
}

// Load returns the archived snapshot for the room id.
func (a *Archive) Load(roomID string) (*state.Snapshot, error) {
	var snap state.Snapshot
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRooms).Get([]byte(roomID))
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrNotArchived, roomID)
		}
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
