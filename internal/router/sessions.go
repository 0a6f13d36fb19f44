package router

import (
	"sync"
	"time"

	"github.com/stellarlinkco/deckbot/pkg/metrics"
)

// DefaultSessionCapacity bounds the session table when no capacity is configured.
const DefaultSessionCapacity = 1024

// Session is the in-memory state kept per conversation identity.
type Session struct {
	ConversationID string
	LastIntent     Intent
	LastSeen       time.Time
	Messages       int
}

const nilSlot = -1

type slot struct {
	session    Session
	prev, next int
}

// Sessions is a bounded table of Session values. Slots live in a fixed
// arena; index maps an identity to its slot and prev/next thread a
// recency list with head as the most recent entry. When full, the least
// recently seen session is evicted.
type Sessions struct {
	mu       sync.Mutex
	slots    []slot
	index    map[string]int
	free     []int
	head     int
	tail     int
	capacity int
	now      func() time.Time
}

func NewSessions(capacity int) *Sessions {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	return &Sessions{
		slots:    make([]slot, 0, capacity),
		index:    make(map[string]int, capacity),
		head:     nilSlot,
		tail:     nilSlot,
		capacity: capacity,
		now:      time.Now,
	}
}

// Touch records a message for id, creating the session on first use.
func (s *Sessions) Touch(id string, intent Intent) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		i = s.alloc()
		s.slots[i].session = Session{ConversationID: id}
		s.index[id] = i
		s.pushFront(i)
		metrics.SessionsActive.Set(float64(len(s.index)))
	} else {
		s.unlink(i)
		s.pushFront(i)
	}

	sess := &s.slots[i].session
	sess.LastIntent = intent
	sess.LastSeen = s.now()
	sess.Messages++
	return *sess
}

func (s *Sessions) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Session{}, false
	}
	return s.slots[i].session, true
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// EvictIdle drops sessions not seen within ttl and returns how many were removed.
func (s *Sessions) EvictIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	n := 0
	// The tail is the oldest entry, so stop at the first recent one.
	for s.tail != nilSlot && s.slots[s.tail].session.LastSeen.Before(cutoff) {
		s.remove(s.tail)
		n++
	}
	if n > 0 {
		metrics.SessionsEvictedTotal.WithLabelValues("idle").Add(float64(n))
		metrics.SessionsActive.Set(float64(len(s.index)))
	}
	return n
}

// alloc returns a free slot, evicting the least recent session when full.
// Caller holds mu.
func (s *Sessions) alloc() int {
	if n := len(s.free); n > 0 {
		i := s.free[n-1]
		s.free = s.free[:n-1]
		return i
	}
	if len(s.slots) < s.capacity {
		s.slots = append(s.slots, slot{prev: nilSlot, next: nilSlot})
		return len(s.slots) - 1
	}
	i := s.tail
	s.remove(i)
	metrics.SessionsEvictedTotal.WithLabelValues("capacity").Inc()
	s.free = s.free[:len(s.free)-1]
	return i
}

func (s *Sessions) remove(i int) {
	s.unlink(i)
	delete(s.index, s.slots[i].session.ConversationID)
	s.slots[i] = slot{prev: nilSlot, next: nilSlot}
	s.free = append(s.free, i)
}

func (s *Sessions) pushFront(i int) {
	s.slots[i].prev = nilSlot
	s.slots[i].next = s.head
	if s.head != nilSlot {
		s.slots[s.head].prev = i
	}
	s.head = i
	if s.tail == nilSlot {
		s.tail = i
	}
}

func (s *Sessions) unlink(i int) {
	sl := &s.slots[i]
	if sl.prev != nilSlot {
		s.slots[sl.prev].next = sl.next
	} else {
		s.head = sl.next
	}
	if sl.next != nilSlot {
		s.slots[sl.next].prev = sl.prev
	} else {
		s.tail = sl.prev
	}
	sl.prev, sl.next = nilSlot, nilSlot
}
