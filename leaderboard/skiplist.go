package leaderboard

import (
	"math/rand"
	"sync"

	"greenmove/core"
)

const (
	maxLevel = 16
	pFactor  = 0.25
)

// node carries, per level, the forward pointer and the number of level-0
// hops that pointer skips. Spans let rank queries run in O(log n).
type node struct {
	e    Entry
	next [maxLevel]*node
	span [maxLevel]int
}

// SkipList is an indexable skip list ordered by points desc, carbon saved
// desc, then user id asc. The ordering is total so every user has exactly
// one position.
type SkipList struct {
	mu     sync.RWMutex
	head   *node
	lvl    int
	length int
	byUser map[core.UserID]*node
	rng    *rand.Rand
}

func NewSkipList() *SkipList {
	return &SkipList{
		head:   &node{},
		lvl:    1,
		byUser: map[core.UserID]*node{},
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

// less reports whether a ranks ahead of b.
func less(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.CarbonSaved != b.CarbonSaved {
		return a.CarbonSaved > b.CarbonSaved
	}
	return a.User < b.User
}

// Update inserts a user or moves them to the position their totals earn.
func (s *SkipList) Update(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Rank = 0
	if old, ok := s.byUser[e.User]; ok {
		if old.e == e {
			return
		}
		s.deleteLocked(old.e)
	}
	s.insertLocked(e)
}

func (s *SkipList) insertLocked(e Entry) {
	var update [maxLevel]*node
	var rank [maxLevel]int
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		if i < s.lvl-1 {
			rank[i] = rank[i+1]
		}
		for cur.next[i] != nil && less(cur.next[i].e, e) {
			rank[i] += cur.span[i]
			cur = cur.next[i]
		}
		update[i] = cur
	}
	lvl := s.randomLevel()
	if lvl > s.lvl {
		for i := s.lvl; i < lvl; i++ {
			rank[i] = 0
			update[i] = s.head
			s.head.span[i] = s.length
		}
		s.lvl = lvl
	}
	n := &node{e: e}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
		n.span[i] = update[i].span[i] - (rank[0] - rank[i])
		update[i].span[i] = rank[0] - rank[i] + 1
	}
	for i := lvl; i < s.lvl; i++ {
		update[i].span[i]++
	}
	s.length++
	s.byUser[e.User] = n
}

func (s *SkipList) deleteLocked(e Entry) {
	var update [maxLevel]*node
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && less(cur.next[i].e, e) {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	target := update[0].next[0]
	if target == nil || target.e.User != e.User {
		return
	}
	for i := 0; i < s.lvl; i++ {
		if update[i].next[i] == target {
			update[i].span[i] += target.span[i] - 1
			update[i].next[i] = target.next[i]
		} else {
			update[i].span[i]--
		}
	}
	for s.lvl > 1 && s.head.next[s.lvl-1] == nil {
		s.lvl--
	}
	s.length--
	delete(s.byUser, e.User)
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byUser[user]; ok {
		s.deleteLocked(n.e)
	}
}

// TopN returns the first n entries with ranks filled in.
func (s *SkipList) TopN(n int) []Entry {
	return s.Range(0, n)
}

// Range returns up to limit entries starting after offset entries.
func (s *SkipList) Range(offset, limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || offset < 0 || offset >= s.length {
		return nil
	}
	return s.collectLocked(offset+1, limit)
}

// Get returns the user's entry and 1-based rank.
func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byUser[user]
	if !ok {
		return Entry{}, false
	}
	e := n.e
	e.Rank = s.rankLocked(n.e)
	return e, true
}

// Around returns the user's entry plus up to radius neighbours on each side.
func (s *SkipList) Around(user core.UserID, radius int) ([]Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byUser[user]
	if !ok {
		return nil, false
	}
	if radius < 0 {
		radius = 0
	}
	first := s.rankLocked(n.e) - radius
	if first < 1 {
		first = 1
	}
	last := s.rankLocked(n.e) + radius
	return s.collectLocked(first, last-first+1), true
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.length
}

// rankLocked sums spans along the search path to e.
func (s *SkipList) rankLocked(e Entry) int {
	rank := 0
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && !less(e, cur.next[i].e) {
			rank += cur.span[i]
			cur = cur.next[i]
		}
		if cur != s.head && cur.e.User == e.User {
			return rank
		}
	}
	return 0
}

// nodeAtLocked returns the node holding the given 1-based rank.
func (s *SkipList) nodeAtLocked(rank int) *node {
	traversed := 0
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && traversed+cur.span[i] <= rank {
			traversed += cur.span[i]
			cur = cur.next[i]
		}
		if traversed == rank {
			return cur
		}
	}
	return nil
}

func (s *SkipList) collectLocked(firstRank, limit int) []Entry {
	cur := s.nodeAtLocked(firstRank)
	if cur == nil {
		return nil
	}
	if rest := s.length - firstRank + 1; limit > rest {
		limit = rest
	}
	out := make([]Entry, 0, limit)
	for rank := firstRank; cur != nil && len(out) < limit; rank++ {
		e := cur.e
		e.Rank = rank
		out = append(out, e)
		cur = cur.next[0]
	}
	return out
}

var _ Board = (*SkipList)(nil)
