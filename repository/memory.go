package repository

import (
	"fmt"
	"sort"
	"sync"

	"dagshard/models"
)

// Memory is a process-local Archive used by tests and the memory driver.
type Memory struct {
	mu          sync.RWMutex
	nodes       map[string]*models.DagNode
	bundles     map[string]*models.Bundle
	checkpoints map[string]*models.Checkpoint
}

func NewMemory() *Memory {
	return &Memory{
		nodes:       make(map[string]*models.DagNode),
		bundles:     make(map[string]*models.Bundle),
		checkpoints: make(map[string]*models.Checkpoint),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PutConfirmed(bundle *models.Bundle, node *models.DagNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(nodeKey(node.ShardID, node.ID))
	if _, ok := m.nodes[key]; ok {
		return fmt.Errorf("node %s: %w", node.ID, models.ErrAlreadyExists)
	}
	m.nodes[key] = node.Clone()
	m.bundles[string(bundleKey(bundle.ShardID, bundle.BundleID))] = bundle.Clone()
	return nil
}

func (m *Memory) GetNode(shardID, id string) (*models.DagNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[string(nodeKey(shardID, id))]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrUnknownNode)
	}
	return n.Clone(), nil
}

func (m *Memory) GetBundle(shardID, id string) (*models.Bundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bundles[string(bundleKey(shardID, id))]
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", id, models.ErrUnknownBundle)
	}
	return b.Clone(), nil
}

func (m *Memory) GetAllNodes(shardID string) ([]*models.DagNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DagNode
	for _, n := range m.nodes {
		if n.ShardID == shardID {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutCheckpoint(cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newer(cp, m.checkpoints[cp.ShardID]) {
		c := *cp
		m.checkpoints[cp.ShardID] = &c
	}
	return nil
}

func (m *Memory) GetLatestCheckpoint(shardID string) (*models.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[shardID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}
