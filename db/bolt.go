package db

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt wraps a bbolt database file.
type Bolt struct {
	conn *bolt.DB
}

// NewBolt opens (or creates) a bbolt file and makes sure buckets exist
func NewBolt(path string, buckets ...string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	conn, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = conn.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Bolt{conn: conn}, nil
}

func (b *Bolt) Close() error {
	return b.conn.Close()
}

// Update runs fn in a read-write transaction
func (b *Bolt) Update(fn func(tx *bolt.Tx) error) error {
	return b.conn.Update(fn)
}

// View runs fn in a read-only transaction
func (b *Bolt) View(fn func(tx *bolt.Tx) error) error {
	return b.conn.View(fn)
}
