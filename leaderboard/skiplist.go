package leaderboard

import (
	"sync"

	"rewardkit/core"
)

// SkipList is a Board ordered by (score desc, user asc) with O(log n) updates.

const maxLevel = 16
const pFactor = 0.25

type node struct {
	e    Entry
	next [maxLevel]*node
}

type SkipList struct {
	mu     sync.RWMutex
	head   *node
	lvl    int
	byUser map[core.UserID]*node
	rng    core.RandomSource
}

func NewSkipList() *SkipList {
	return &SkipList{
		head:   &node{},
		lvl:    1,
		byUser: map[core.UserID]*node{},
		rng:    core.NewRandomSource(),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

func less(a, b Entry) bool {
	if a.Score == b.Score {
		return a.User < b.User
	}
	return a.Score > b.Score // higher score first
}

// Add moves user by delta, inserting it at delta when absent.
func (s *SkipList) Add(user core.UserID, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := delta
	if old, ok := s.byUser[user]; ok {
		score += old.e.Score
		s.removeLocked(old.e)
	}
	s.insertLocked(Entry{User: user, Score: score})
	return score
}

func (s *SkipList) insertLocked(e Entry) {
	update := [maxLevel]*node{}
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && less(cur.next[i].e, e) {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	lvl := s.randomLevel()
	if lvl > s.lvl {
		for i := s.lvl; i < lvl; i++ {
			update[i] = s.head
		}
		s.lvl = lvl
	}
	n := &node{e: e}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	s.byUser[e.User] = n
}

func (s *SkipList) removeLocked(e Entry) {
	update := [maxLevel]*node{}
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
			update[i].next[i] = target.next[i]
		}
	}
	delete(s.byUser, e.User)
	for s.lvl > 1 && s.head.next[s.lvl-1] == nil {
		s.lvl--
	}
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byUser[user]; ok {
		s.removeLocked(n.e)
	}
}

func (s *SkipList) TopN(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return []Entry{}
	}
	out := make([]Entry, 0, min(n, len(s.byUser)))
	for cur := s.head.next[0]; cur != nil && len(out) < n; cur = cur.next[0] {
		out = append(out, cur.e)
	}
	return out
}

// Get returns user's entry with its 1-based rank.
func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byUser[user]
	if !ok {
		return Entry{}, false
	}
	e := n.e
	e.Rank = 1
	for cur := s.head.next[0]; cur != nil && cur != n; cur = cur.next[0] {
		e.Rank++
	}
	return e, true
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

var _ Board = (*SkipList)(nil)
