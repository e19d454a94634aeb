package dag

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"dagshard/logger"
	"dagshard/models"
)

// Store is the authoritative in-memory DAG of one shard. It indexes nodes by
// id, by level and by confirmation status, and refuses to confirm a node
// while any parent is unconfirmed.
type Store struct {
	shardID string
	mux     sync.RWMutex

	nodes    map[string]*models.DagNode
	byLevel  map[uint64][]string
	children map[string][]string

	confirmedCount uint64
	frontier       uint64 // highest confirmed level
	frontierNode   string
	hasConfirmed   bool
}

func NewStore(shardID string) *Store {
	return &Store{
		shardID:  shardID,
		nodes:    make(map[string]*models.DagNode),
		byLevel:  make(map[uint64][]string),
		children: make(map[string][]string),
	}
}

func (s *Store) ShardID() string { return s.shardID }

// LevelFor returns 1 + max(parent levels), or 0 when parents is empty.
func (s *Store) LevelFor(parents []string) (uint64, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.levelFor(parents)
}

func (s *Store) levelFor(parents []string) (uint64, error) {
	if len(parents) == 0 {
		return 0, nil
	}
	var max uint64
	for _, pid := range parents {
		p, ok := s.nodes[pid]
		if !ok {
			return 0, fmt.Errorf("parent node %s: %w", pid, models.ErrInvalidParentReference)
		}
		if p.Level > max {
			max = p.Level
		}
	}
	return max + 1, nil
}

// Insert adds a pending node. Its parents must be present and its level must
// match LevelFor(parents).
func (s *Store) Insert(node *models.DagNode) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return fmt.Errorf("node %s: %w", node.ID, models.ErrAlreadyExists)
	}
	level, err := s.levelFor(node.Parents)
	if err != nil {
		return err
	}
	if node.Level != level {
		return fmt.Errorf("node %s declares level %d, parents imply %d: %w",
			node.ID, node.Level, level, models.ErrInvalidParentReference)
	}

	n := node.Clone()
	n.Confirmed = false
	s.nodes[n.ID] = n
	s.byLevel[n.Level] = append(s.byLevel[n.Level], n.ID)
	for _, pid := range n.Parents {
		s.children[pid] = append(s.children[pid], n.ID)
	}
	return nil
}

// Get returns a copy of the node.
func (s *Store) Get(id string) (*models.DagNode, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrUnknownNode)
	}
	return n.Clone(), nil
}

// Confirm flips the node to confirmed. ErrAlreadyConfirmed leaves state
// untouched; ErrAncestorUnconfirmed means a parent has to confirm first.
func (s *Store) Confirm(id string) (*models.DagNode, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, models.ErrUnknownNode)
	}
	if n.Confirmed {
		return n.Clone(), models.ErrAlreadyConfirmed
	}
	for _, pid := range n.Parents {
		p, ok := s.nodes[pid]
		if !ok || !p.Confirmed {
			return nil, fmt.Errorf("node %s waits on %s: %w", id, pid, models.ErrAncestorUnconfirmed)
		}
	}

	n.Confirmed = true
	s.confirmedCount++
	if !s.hasConfirmed || n.Level >= s.frontier {
		s.frontier = n.Level
		s.frontierNode = n.ID
		s.hasConfirmed = true
	}
	return n.Clone(), nil
}

// Discard drops a pending node from the active set after its bundle failed.
// Confirmed nodes are never discarded.
func (s *Store) Discard(id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, models.ErrUnknownNode)
	}
	if n.Confirmed {
		return fmt.Errorf("node %s: %w", id, models.ErrAlreadyConfirmed)
	}
	delete(s.nodes, id)
	s.byLevel[n.Level] = remove(s.byLevel[n.Level], id)
	if len(s.byLevel[n.Level]) == 0 {
		delete(s.byLevel, n.Level)
	}
	for _, pid := range n.Parents {
		s.children[pid] = remove(s.children[pid], id)
	}

	logger.Logger.Debug("Discarded pending node",
		zap.String("shard_id", s.shardID), zap.String("node_id", id), zap.Uint64("level", n.Level))
	return nil
}

// ListByLevel returns the active nodes at level in insertion order.
func (s *Store) ListByLevel(level uint64) []*models.DagNode {
	s.mux.RLock()
	defer s.mux.RUnlock()
	ids := s.byLevel[level]
	out := make([]*models.DagNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id].Clone())
	}
	return out
}

// LatestConfirmedLevel returns the highest confirmed level and the node that
// reached it. ok is false until something confirms.
func (s *Store) LatestConfirmedLevel() (level uint64, nodeID string, ok bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.frontier, s.frontierNode, s.hasConfirmed
}

// Children returns the ids of active nodes that reference id.
func (s *Store) Children(id string) []string {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return append([]string(nil), s.children[id]...)
}

// ConfirmedTips returns confirmed nodes with no confirmed child, highest
// level first, ties by id, capped at max (max <= 0 means no cap).
func (s *Store) ConfirmedTips(max int) []string {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var tips []*models.DagNode
	for _, n := range s.nodes {
		if !n.Confirmed {
			continue
		}
		tip := true
		for _, cid := range s.children[n.ID] {
			if c := s.nodes[cid]; c != nil && c.Confirmed {
				tip = false
				break
			}
		}
		if tip {
			tips = append(tips, n)
		}
	}
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Level != tips[j].Level {
			return tips[i].Level > tips[j].Level
		}
		return tips[i].ID < tips[j].ID
	})
	if max > 0 && len(tips) > max {
		tips = tips[:max]
	}
	ids := make([]string, len(tips))
	for i, n := range tips {
		ids[i] = n.ID
	}
	return ids
}

// Stats summarises the store.
type Stats struct {
	Nodes     int    `json:"nodes"`
	Confirmed uint64 `json:"confirmed"`
	Pending   int    `json:"pending"`
	Levels    int    `json:"levels"`
}

func (s *Store) Stats() Stats {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return Stats{
		Nodes:     len(s.nodes),
		Confirmed: s.confirmedCount,
		Pending:   len(s.nodes) - int(s.confirmedCount),
		Levels:    len(s.byLevel),
	}
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
