package repository

import (
	"encoding/json"
	"strings"

	"dagshard/models"
)

// Archive durably stores confirmed bundles and nodes. Records are write-once:
// a second PutConfirmed for the same node fails with models.ErrAlreadyExists.
type Archive interface {
	PutConfirmed(bundle *models.Bundle, node *models.DagNode) error
	GetNode(shardID, id string) (*models.DagNode, error)
	GetBundle(shardID, id string) (*models.Bundle, error)
	GetAllNodes(shardID string) ([]*models.DagNode, error)
	PutCheckpoint(cp *models.Checkpoint) error
	GetLatestCheckpoint(shardID string) (*models.Checkpoint, error)
	Close() error
}

// record is what the key-value backends persist per confirmed node.
type record struct {
	Node   *models.DagNode `json:"node"`
	Bundle *models.Bundle  `json:"bundle"`
}

func nodeKey(shardID, id string) []byte {
	return []byte("node:" + shardID + ":" + id)
}

func bundleKey(shardID, id string) []byte {
	return []byte("bundle:" + shardID + ":" + id)
}

func nodePrefix(shardID string) []byte {
	return []byte("node:" + shardID + ":")
}

func checkpointKey(shardID string) []byte {
	return []byte("checkpoint:" + shardID)
}

func encodeNode(n *models.DagNode) ([]byte, error) {
	return json.Marshal(n)
}

func decodeNode(data []byte) (*models.DagNode, error) {
	var node models.DagNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func decodeBundle(data []byte) (*models.Bundle, error) {
	var b models.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func decodeCheckpoint(data []byte) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// newer reports whether cp should replace cur as the shard's latest checkpoint.
func newer(cp, cur *models.Checkpoint) bool {
	if cur == nil {
		return true
	}
	if cp.Level != cur.Level {
		return cp.Level > cur.Level
	}
	return cp.Timestamp >= cur.Timestamp
}

// Open selects a backend by driver name.
func Open(driver, path string) (Archive, error) {
	switch strings.ToLower(driver) {
	case "", "leveldb":
		return OpenLevel(path)
	case "bolt", "bbolt":
		return OpenBolt(path)
	case "memory":
		return NewMemory(), nil
	}
	return nil, models.ErrInvalidConfig
}
