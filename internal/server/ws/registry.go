package ws

import "sync"

// registry is the set of live sessions. Iteration always works on a copy,
// so sessions may join or leave while a caller walks the set.
type registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*session
	nextID   uint64
	sealed   bool
	live     sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uint64]*session)}
}

// add assigns s an id and inserts it. It returns false once the registry
// is sealed.
func (r *registry) add(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.nextID++
	s.id = r.nextID
	r.sessions[s.id] = s
	r.live.Add(1)
	return true
}

// remove deletes the session with id. Removing an unknown id is a no-op.
func (r *registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.live.Done()
}

func (r *registry) snapshot() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// seal stops further inserts.
func (r *registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// wait blocks until every inserted session has been removed. Call only
// after seal.
func (r *registry) wait() {
	r.live.Wait()
}
