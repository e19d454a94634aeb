package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"dagshard/db"
	"dagshard/models"
)

// LevelRepository implements Archive using LevelDB as the storage backend
type LevelRepository struct {
	db *db.LevelDB
	mu sync.Mutex // serializes write-once checks
}

// NewLevelRepository creates and returns a new LevelRepository instance
func NewLevelRepository(db *db.LevelDB) *LevelRepository {
	return &LevelRepository{db: db}
}

// OpenLevel opens LevelDB at path and wraps it
func OpenLevel(path string) (*LevelRepository, error) {
	ldb, err := db.NewLevelDB(path)
	if err != nil {
		return nil, err
	}
	return NewLevelRepository(ldb), nil
}

func (r *LevelRepository) Close() error {
	return r.db.Close()
}

// PutConfirmed stores a confirmed node and its bundle in one batch
func (r *LevelRepository) PutConfirmed(bundle *models.Bundle, node *models.DagNode) error {
	nodeData, err := encodeNode(node)
	if err != nil {
		return err
	}
	bundleData, err := json.Marshal(bundle)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := nodeKey(node.ShardID, node.ID)
	exists, err := r.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("node %s: %w", node.ID, models.ErrAlreadyExists)
	}

	batch := new(leveldb.Batch)
	batch.Put(key, nodeData)
	batch.Put(bundleKey(bundle.ShardID, bundle.BundleID), bundleData)
	return r.db.Write(batch)
}

// GetNode retrieves a node from LevelDB storage by its ID
func (r *LevelRepository) GetNode(shardID, id string) (*models.DagNode, error) {
	data, err := r.db.Get(nodeKey(shardID, id))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrUnknownNode)
	}
	if err != nil {
		return nil, err
	}
	return decodeNode(data)
}

func (r *LevelRepository) GetBundle(shardID, id string) (*models.Bundle, error) {
	data, err := r.db.Get(bundleKey(shardID, id))
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("bundle %s: %w", id, models.ErrUnknownBundle)
	}
	if err != nil {
		return nil, err
	}
	return decodeBundle(data)
}

// GetAllNodes retrieves all confirmed nodes of a shard
func (r *LevelRepository) GetAllNodes(shardID string) ([]*models.DagNode, error) {
	iter := r.db.NewPrefixIterator(nodePrefix(shardID))
	defer iter.Release()

	var nodes []*models.DagNode
	for iter.Next() {
		node, err := decodeNode(iter.Value())
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, iter.Error()
}

// PutCheckpoint keeps the highest confirmed frontier seen for the shard
func (r *LevelRepository) PutCheckpoint(cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.latestCheckpoint(cp.ShardID)
	if err != nil {
		return err
	}
	if !newer(cp, cur) {
		return nil
	}
	return r.db.Put(checkpointKey(cp.ShardID), data)
}

// GetLatestCheckpoint returns nil when the shard never confirmed a node
func (r *LevelRepository) GetLatestCheckpoint(shardID string) (*models.Checkpoint, error) {
	return r.latestCheckpoint(shardID)
}

func (r *LevelRepository) latestCheckpoint(shardID string) (*models.Checkpoint, error) {
	data, err := r.db.Get(checkpointKey(shardID))
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCheckpoint(data)
}
