package objective

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownObjective indicates a query or update for an id the loaded
// module never defines. It is a module or caller bug, never swallowed.
var ErrUnknownObjective = errors.New("unknown objective")

// Record is the stored progress for one objective.
type Record struct {
	ID        string
	State     State
	UpdatedAt time.Time
}

// Listener receives accepted state changes. Listeners run on the writer's
// goroutine, so they must not block.
type Listener func(id string, old, new State)

// Store is the canonical objective-id to state mapping for the currently
// loaded module. The tracker loop is the only writer; UI and broadcast
// consumers read concurrently, so access is guarded by a mutex. Records for
// ids outside the module's defined set are rejected, and Reset swaps the
// defined set wholesale so stale objectives never survive a module reload.
type Store struct {
	mu        sync.RWMutex
	defined   map[string]struct{}
	records   map[string]Record
	listeners []Listener
	clock     func() time.Time
}

// NewStore creates a store accepting exactly the given objective ids.
func NewStore(definedIDs []string) *Store {
	s := &Store{clock: time.Now}
	s.swapDefined(definedIDs)
	return s
}

func (s *Store) swapDefined(definedIDs []string) {
	defined := make(map[string]struct{}, len(definedIDs))
	for _, id := range definedIDs {
		defined[id] = struct{}{}
	}
	s.defined = defined
	s.records = make(map[string]Record, len(definedIDs))
}

// Apply creates or overwrites the record for id and reports whether the
// state actually changed. No-op writes are suppressed: they refresh nothing
// and fire no notification. Ids not defined by the loaded module fail with
// ErrUnknownObjective.
func (s *Store) Apply(id string, state State) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("apply %q: %w: %d", id, ErrInvalidState, int(state))
	}

	s.mu.Lock()
	if _, ok := s.defined[id]; !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("apply %q: %w", id, ErrUnknownObjective)
	}

	prev, existed := s.records[id]
	if existed && prev.State == state {
		s.mu.Unlock()
		return false, nil
	}

	s.records[id] = Record{ID: id, State: state, UpdatedAt: s.clock()}
	listeners := s.listeners
	s.mu.Unlock()

	old := Locked
	if existed {
		old = prev.State
	}
	for _, fn := range listeners {
		fn(id, old, state)
	}
	return true, nil
}

// Get returns the current state for id. An id without a record yet (no poll
// cycle has touched it) reports Locked; an id the module never defines fails
// with ErrUnknownObjective.
func (s *Store) Get(id string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.defined[id]; !ok {
		return Locked, fmt.Errorf("get %q: %w", id, ErrUnknownObjective)
	}
	if rec, ok := s.records[id]; ok {
		return rec.State, nil
	}
	return Locked, nil
}

// All returns a snapshot of every recorded objective state.
func (s *Store) All() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make(map[string]State, len(s.records))
	for id, rec := range s.records {
		all[id] = rec.State
	}
	return all
}

// Records returns a snapshot of the full records, timestamps included.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return records
}

// Reset clears every record and replaces the defined-id set. Called when a
// module is (re)loaded and when tracking stops.
func (s *Store) Reset(definedIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapDefined(definedIDs)
}

// Subscribe registers a listener for accepted changes. There is no ordering
// guarantee between listeners for the same change.
func (s *Store) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
