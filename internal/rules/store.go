// internal/rules/store.go
package rules

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/solatis/badgekeeper/internal/types"
)

/*
 * Concurrent rule store.
 *
 * Rules are partitioned across a power-of-two number of shards selected by
 * xxhash of the rule id. Each shard has its own RWMutex, so readers never
 * block each other and writers only contend within a shard.
 *
 * Ownership: Load stores a private deep copy and Get returns a fresh copy, so
 * callers can never mutate stored state. ListAll takes each shard's read lock
 * in turn; the result is a per-shard consistent snapshot, not a global one.
 * A concurrent Load of the same id is last-writer-wins.
 */

// DefaultStoreShards is the shard count used by NewStore(0).
const DefaultStoreShards = 32

// Store is a thread-safe map from RuleID to Rule.
type Store struct {
	shards []storeShard
	mask   uint64
}

type storeShard struct {
	mu    sync.RWMutex
	rules map[types.RuleID]*types.Rule
}

// NewStore creates a store with the given shard count, rounded up to a power
// of two. Zero or negative selects DefaultStoreShards.
func NewStore(shards int) *Store {
	if shards <= 0 {
		shards = DefaultStoreShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}
	s := &Store{
		shards: make([]storeShard, n),
		mask:   uint64(n - 1),
	}
	for i := range s.shards {
		s.shards[i].rules = make(map[types.RuleID]*types.Rule)
	}
	return s
}

func (s *Store) shard(id types.RuleID) *storeShard {
	return &s.shards[xxhash.Sum64String(string(id))&s.mask]
}

// Shards returns the number of shards.
func (s *Store) Shards() int {
	return len(s.shards)
}

// Load inserts or replaces a rule.
func (s *Store) Load(rule *types.Rule) error {
	_, err := s.insert(rule)
	return err
}

// insert stores a copy of rule and returns that copy. Another writer may
// replace it at any moment, so callers pairing state with the stored pointer
// must use the returned one rather than a later lookup.
func (s *Store) insert(rule *types.Rule) (*types.Rule, error) {
	if rule == nil {
		return nil, &types.RuleError{Kind: types.ErrInvalidRuleID, Detail: "rule is nil"}
	}
	if err := rule.ID.Validate(); err != nil {
		return nil, err
	}
	stored := rule.Clone()
	sh := s.shard(stored.ID)
	sh.mu.Lock()
	sh.rules[stored.ID] = stored
	sh.mu.Unlock()
	return stored, nil
}

// Get returns a copy of the rule stored under id.
func (s *Store) Get(id types.RuleID) (*types.Rule, error) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	return r.Clone(), nil
}

// lookup returns the stored pointer without copying. Stored rules are never
// mutated in place, so the pointer stays valid for read-only use.
func (s *Store) lookup(id types.RuleID) (*types.Rule, bool) {
	sh := s.shard(id)
	sh.mu.RLock()
	r, ok := sh.rules[id]
	sh.mu.RUnlock()
	return r, ok
}

// Contains reports whether id is stored.
func (s *Store) Contains(id types.RuleID) bool {
	_, ok := s.lookup(id)
	return ok
}

// Delete removes id and reports whether it was present.
func (s *Store) Delete(id types.RuleID) bool {
	sh := s.shard(id)
	sh.mu.Lock()
	_, ok := sh.rules[id]
	delete(sh.rules, id)
	sh.mu.Unlock()
	return ok
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.rules)
		sh.mu.RUnlock()
	}
	return n
}

// ListAll returns copies of every stored rule in unspecified order.
func (s *Store) ListAll() []*types.Rule {
	out := make([]*types.Rule, 0, s.Len())
	s.rangeShared(func(r *types.Rule) bool {
		out = append(out, r.Clone())
		return true
	})
	return out
}

// IDs returns the stored rule ids in ascending order.
func (s *Store) IDs() []types.RuleID {
	ids := make([]types.RuleID, 0, s.Len())
	s.rangeShared(func(r *types.Rule) bool {
		ids = append(ids, r.ID)
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Range calls fn with a copy of each stored rule until fn returns false.
func (s *Store) Range(fn func(*types.Rule) bool) {
	s.rangeShared(func(r *types.Rule) bool {
		return fn(r.Clone())
	})
}

// rangeShared iterates over stored pointers. fn runs outside the shard lock.
func (s *Store) rangeShared(fn func(*types.Rule) bool) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		snapshot := make([]*types.Rule, 0, len(sh.rules))
		for _, r := range sh.rules {
			snapshot = append(snapshot, r)
		}
		sh.mu.RUnlock()
		for _, r := range snapshot {
			if !fn(r) {
				return
			}
		}
	}
}

func notFound(id types.RuleID) error {
	return &types.RuleError{Kind: types.ErrRuleNotFound, RuleID: string(id)}
}
