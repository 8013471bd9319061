package core

import (
	"sort"
	"sync"

	"github.com/orrn/printfarm/internal/transport"
)

// Registry maps printer ids to sessions. The lock covers the map only;
// session work never runs under it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[PrinterID]*Session
	// retired keeps the endpoint of every removed id for the life of the
	// process, so an id never comes back bound to another device.
	retired map[PrinterID]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[PrinterID]*Session),
		retired:  make(map[PrinterID]string),
	}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return ErrAlreadyExists
	}
	if prev, ok := r.retired[s.ID()]; ok && !sameDevice(prev, s.Endpoint()) {
		return ErrIDReused
	}
	r.sessions[s.ID()] = s
	return nil
}

// sameDevice compares endpoints by device, so "/dev/ttyACM0" and
// "serial:///dev/ttyACM0?baud=250000" match.
func sameDevice(a, b string) bool {
	ea, errA := transport.ParseEndpoint(a)
	eb, errB := transport.ParseEndpoint(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ea.Kind == eb.Kind && ea.Address == eb.Address
}

// Remove unregisters and returns the session. The caller stops it.
func (r *Registry) Remove(id PrinterID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	delete(r.sessions, id)
	r.retired[id] = s.Endpoint()
	return s, nil
}

func (r *Registry) Get(id PrinterID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the registered ids in ascending order.
func (r *Registry) List() []PrinterID {
	r.mu.RLock()
	ids := make([]PrinterID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops and removes every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		r.retired[id] = s.Endpoint()
	}
	r.sessions = make(map[PrinterID]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}
