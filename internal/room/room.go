// Package room keeps track of which connections are in which chat room.
package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotMember    = errors.New("not a member of room")
)

// StateError reports an operation on a room that does not exist or does
// not contain the handle. Callers usually treat it as a no-op.
type StateError struct {
	Op   string
	Room string
	Err  error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("room %s %q: %v", e.Op, e.Room, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Sender delivers an encoded frame to one connection without blocking.
// It returns false when the frame was dropped.
type Sender interface {
	Send(data []byte) bool
}

// Handle is one connection's identity inside the registry. A handle is a
// member of at most one room at a time.
type Handle struct {
	id     string
	sender Sender

	// mu serialises membership changes of this handle and guards the
	// fields below.
	mu       sync.Mutex
	username string
	room     string
}

// NewHandle wraps a connection.
func NewHandle(id string, s Sender) *Handle {
	return &Handle{id: id, sender: s}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Username() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.username
}

func (h *Handle) SetUsername(name string) {
	h.mu.Lock()
	h.username = name
	h.mu.Unlock()
}

// Room returns the room the handle is in, or "".
func (h *Handle) Room() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.room
}

// room is one live chat room. A closed room has been emptied and is about
// to be removed from the registry; it must not gain members.
type room struct {
	name    string
	mu      sync.RWMutex
	members map[*Handle]struct{}
	closed  bool
}

// Info is a point-in-time summary of a room.
type Info struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// Registry maps room names to their members. The registry lock only guards
// the map; each room has its own lock so traffic in one room never waits on
// another. Lock order is handle, then room, then registry.
type Registry struct {
	mu       sync.Mutex
	rooms    map[string]*room
	onChange func(active int)
	log      *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnChange registers a callback invoked with the number of active rooms
// whenever a room is created or removed.
func WithOnChange(fn func(active int)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*room),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join puts h into the named room, creating it if needed. If h was in a
// different room it leaves that room first. It returns the room h left, or
// "" if there was none.
func (r *Registry) Join(name string, h *Handle) (previous string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous = h.room
	if previous == name {
		return ""
	}
	if previous != "" {
		if err := r.remove("join", previous, h); err != nil {
			r.log.Debug("implicit leave", zap.String("handle", h.id), zap.Error(err))
		}
		h.room = ""
	}

	for {
		rm := r.getOrCreate(name)
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			r.drop(rm)
			continue
		}
		rm.members[h] = struct{}{}
		rm.mu.Unlock()
		break
	}
	h.room = name
	return previous
}

// Leave removes h from the named room. The room is removed once empty.
func (r *Registry) Leave(name string, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := r.remove("leave", name, h); err != nil {
		return err
	}
	if h.room == name {
		h.room = ""
	}
	return nil
}

// Disconnect removes h from whatever room it is in and returns that room's
// name, or "" if it was in none.
func (r *Registry) Disconnect(h *Handle) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := h.room
	if name == "" {
		return ""
	}
	if err := r.remove("disconnect", name, h); err != nil {
		r.log.Debug("disconnect", zap.String("handle", h.id), zap.Error(err))
	}
	h.room = ""
	return name
}

// Broadcast delivers data to every member of the room except exclude, which
// may be nil. Delivery is best effort: a failing member never prevents
// delivery to the others. It returns the number of members that accepted
// the frame.
func (r *Registry) Broadcast(name string, data []byte, exclude *Handle) (int, error) {
	rm := r.lookup(name)
	if rm == nil {
		return 0, &StateError{Op: "broadcast", Room: name, Err: ErrRoomNotFound}
	}

	// Membership cannot change while the read lock is held, so every
	// broadcast observes a single consistent member set.
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if rm.closed {
		return 0, &StateError{Op: "broadcast", Room: name, Err: ErrRoomNotFound}
	}

	delivered := 0
	for h := range rm.members {
		if h == exclude {
			continue
		}
		if r.deliver(h, data) {
			delivered++
		}
	}
	return delivered, nil
}

// Members returns a snapshot of the room's members.
func (r *Registry) Members(name string) []*Handle {
	rm := r.lookup(name)
	if rm == nil {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*Handle, 0, len(rm.members))
	for h := range rm.members {
		out = append(out, h)
	}
	return out
}

// Rooms lists active rooms, busiest first.
func (r *Registry) Rooms() []Info {
	r.mu.Lock()
	live := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		live = append(live, rm)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(live))
	for _, rm := range live {
		rm.mu.RLock()
		if !rm.closed {
			out = append(out, Info{Name: rm.name, Members: len(rm.members)})
		}
		rm.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Members != out[j].Members {
			return out[i].Members > out[j].Members
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of rooms in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) lookup(name string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[name]
}

func (r *Registry) getOrCreate(name string) *room {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		rm = &room{name: name, members: make(map[*Handle]struct{})}
		r.rooms[name] = rm
	}
	active := len(r.rooms)
	r.mu.Unlock()

	if !ok && r.onChange != nil {
		r.onChange(active)
	}
	return rm
}

// drop removes rm from the map if it is still the registered room for its
// name.
func (r *Registry) drop(rm *room) {
	r.mu.Lock()
	removed := false
	if r.rooms[rm.name] == rm {
		delete(r.rooms, rm.name)
		removed = true
	}
	active := len(r.rooms)
	r.mu.Unlock()

	if removed && r.onChange != nil {
		r.onChange(active)
	}
}

// remove takes h out of the named room. The caller holds h.mu.
func (r *Registry) remove(op, name string, h *Handle) error {
	rm := r.lookup(name)
	if rm == nil {
		return &StateError{Op: op, Room: name, Err: ErrRoomNotFound}
	}

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return &StateError{Op: op, Room: name, Err: ErrRoomNotFound}
	}
	if _, ok := rm.members[h]; !ok {
		rm.mu.Unlock()
		return &StateError{Op: op, Room: name, Err: ErrNotMember}
	}
	delete(rm.members, h)
	empty := len(rm.members) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if empty {
		r.drop(rm)
	}
	return nil
}

func (r *Registry) deliver(h *Handle, data []byte) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn("delivery panicked", zap.String("handle", h.id), zap.Any("panic", p))
			ok = false
		}
	}()
	return h.sender.Send(data)
}
