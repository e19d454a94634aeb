package models

import (
	"fmt"
	"sort"
)

// Validator is a member of a shard's validator set.
type Validator struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Region    string `json:"region"`
	Weight    uint64 `json:"weight"`
	PublicKey []byte `json:"public_key"`
}

// ValidatorSet is an immutable weighted validator set.
type ValidatorSet struct {
	byID  map[string]Validator
	ids   []string
	total uint64
}

func NewValidatorSet(validators ...Validator) (*ValidatorSet, error) {
	s := &ValidatorSet{byID: make(map[string]Validator, len(validators))}
	for _, v := range validators {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: validator without id", ErrInvalidConfig)
		}
		if v.Weight == 0 {
			return nil, fmt.Errorf("%w: validator %s has zero weight", ErrInvalidConfig, v.ID)
		}
		if _, dup := s.byID[v.ID]; dup {
			return nil, fmt.Errorf("%w: validator %s", ErrAlreadyExists, v.ID)
		}
		s.byID[v.ID] = v
		s.ids = append(s.ids, v.ID)
		s.total += v.Weight
	}
	sort.Strings(s.ids)
	return s, nil
}

func (s *ValidatorSet) Lookup(id string) (Validator, bool) {
	v, ok := s.byID[id]
	return v, ok
}

func (s *ValidatorSet) TotalWeight() uint64 { return s.total }

func (s *ValidatorSet) Len() int { return len(s.ids) }

// Validators returns the set ordered by id.
func (s *ValidatorSet) Validators() []Validator {
	out := make([]Validator, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}
