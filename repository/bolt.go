package repository

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"dagshard/db"
	"dagshard/models"
)

var (
	nodesBucket       = []byte("nodes")
	bundlesBucket     = []byte("bundles")
	checkpointsBucket = []byte("checkpoints")
)

// BoltRepository implements Archive on a single bbolt file.
type BoltRepository struct {
	db *db.Bolt
}

func OpenBolt(path string) (*BoltRepository, error) {
	b, err := db.NewBolt(path, string(nodesBucket), string(bundlesBucket), string(checkpointsBucket))
	if err != nil {
		return nil, err
	}
	return &BoltRepository{db: b}, nil
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}

func (r *BoltRepository) PutConfirmed(bundle *models.Bundle, node *models.DagNode) error {
	nodeData, err := encodeNode(node)
	if err != nil {
		return err
	}
	bundleData, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket(nodesBucket)
		key := nodeKey(node.ShardID, node.ID)
		if nodes.Get(key) != nil {
			return fmt.Errorf("node %s: %w", node.ID, models.ErrAlreadyExists)
		}
		if err := nodes.Put(key, nodeData); err != nil {
			return err
		}
		return tx.Bucket(bundlesBucket).Put(bundleKey(bundle.ShardID, bundle.BundleID), bundleData)
	})
}

func (r *BoltRepository) GetNode(shardID, id string) (*models.DagNode, error) {
	var node *models.DagNode
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(nodesBucket).Get(nodeKey(shardID, id))
		if data == nil {
			return fmt.Errorf("node %s: %w", id, models.ErrUnknownNode)
		}
		var err error
		node, err = decodeNode(data)
		return err
	})
	return node, err
}

func (r *BoltRepository) GetBundle(shardID, id string) (*models.Bundle, error) {
	var b *models.Bundle
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bundlesBucket).Get(bundleKey(shardID, id))
		if data == nil {
			return fmt.Errorf("bundle %s: %w", id, models.ErrUnknownBundle)
		}
		var err error
		b, err = decodeBundle(data)
		return err
	})
	return b, err
}

func (r *BoltRepository) GetAllNodes(shardID string) ([]*models.DagNode, error) {
	var nodes []*models.DagNode
	prefix := nodePrefix(shardID)
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(nodesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			node, err := decodeNode(v)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

func (r *BoltRepository) PutCheckpoint(cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointsBucket)
		key := checkpointKey(cp.ShardID)
		if cur := b.Get(key); cur != nil {
			existing, err := decodeCheckpoint(cur)
			if err != nil {
				return err
			}
			if !newer(cp, existing) {
				return nil
			}
		}
		return b.Put(key, data)
	})
}

func (r *BoltRepository) GetLatestCheckpoint(shardID string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(checkpointsBucket).Get(checkpointKey(shardID))
		if data == nil {
			return nil
		}
		var err error
		cp, err = decodeCheckpoint(data)
		return err
	})
	return cp, err
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
