package message

import "sync"

// MessageStore keeps recent chat history per room.
type MessageStore interface {
	Append(msg *Message)
	Recent(room string, n int) []*Message
	Count(room string) int
}

// defaultMaxRooms bounds how many rooms an in-memory Store remembers.
const defaultMaxRooms = 1000

// Store keeps recent messages per room in memory. Once more than maxRooms
// rooms hold history, the room with the oldest last message is evicted.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*history
	maxSize  int
	maxRooms int
	seq      uint64
}

type history struct {
	msgs    []*Message
	touched uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxRooms caps the number of rooms kept. Values below one are ignored.
func WithMaxRooms(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxRooms = n
		}
	}
}

// NewStore creates a message store that retains up to maxSize messages per
// room, at least one.
func NewStore(maxSize int, opts ...StoreOption) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	s := &Store{
		rooms:    make(map[string]*history),
		maxSize:  maxSize,
		maxRooms: defaultMaxRooms,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds a message to the room's history.
func (s *Store) Append(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.rooms[msg.Room]
	if !ok {
		if len(s.rooms) >= s.maxRooms {
			s.evictOldest()
		}
		h = &history{}
		s.rooms[msg.Room] = h
	}
	s.seq++
	h.touched = s.seq
	h.msgs = append(h.msgs, msg)
	if len(h.msgs) > s.maxSize {
		h.msgs = h.msgs[len(h.msgs)-s.maxSize:]
	}
}

func (s *Store) evictOldest() {
	var (
		oldest string
		lowest uint64
		found  bool
	)
	for name, h := range s.rooms {
		if !found || h.touched < lowest {
			oldest, lowest, found = name, h.touched, true
		}
	}
	if found {
		delete(s.rooms, oldest)
	}
}

// Rooms returns the number of rooms holding history.
func (s *Store) Rooms() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// Recent returns up to the last n messages of a room, oldest first. The
// returned slice is a copy.
func (s *Store) Recent(room string, n int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.rooms[room]
	if h == nil || len(h.msgs) == 0 || n <= 0 {
		return nil
	}
	msgs := h.msgs
	if n > len(msgs) {
		n = len(msgs)
	}
	result := make([]*Message, n)
	copy(result, msgs[len(msgs)-n:])
	return result
}

// Count returns the number of stored messages for a room.
func (s *Store) Count(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.rooms[room]; h != nil {
		return len(h.msgs)
	}
	return 0
}
