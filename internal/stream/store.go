package stream

import (
	"slices"
	"sync"
	"time"
)

// Change describes one write to the Store. State is a snapshot; it is the zero value when Removed is set.
type Change struct {
	ChatID  string
	State   State
	Removed bool
}

// Store holds the State of every conversation with a turn in flight, keyed by chat id. Readers only ever
// see copies. Writes go through the Controller, which applies events with Reduce; nothing else mutates an
// entry.
type Store struct {
	// writeMu serializes writes together with their notifications, so observers see changes in the
	// order they happened.
	writeMu sync.Mutex
	mu      sync.RWMutex
	states  map[string]State

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		states:    map[string]State{},
		observers: map[int]func(Change){},
	}
}

// Get returns a snapshot of the conversation's state.
func (s *Store) Get(chatID string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[chatID]
	if !ok {
		return State{}, false
	}
	return st.Clone(), true
}

// IsStreaming reports whether the conversation has a turn in flight.
func (s *Store) IsStreaming(chatID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.states[chatID]
	return ok
}

// Active returns the ids of all conversations with state, sorted.
func (s *Store) Active() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Len returns the number of conversations with state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Observe registers fn to be called after every write, in write order. fn runs on the writer's goroutine:
// it may read the store but must not block for long. The returned function unregisters it.
func (s *Store) Observe(fn func(Change)) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// begin registers the initial state of a turn, replacing any previous entry.
func (s *Store) begin(st State) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.states[st.ChatID] = st
	s.mu.Unlock()

	s.notify(Change{ChatID: st.ChatID, State: st.Clone()})
}

// apply reduces ev into the state of chatID if it still belongs to turnID. A terminal event removes the
// entry. ok is false when there was nothing to apply to, e.g. because the turn was cancelled.
func (s *Store) apply(chatID, turnID string, ev Event, now time.Time) (eff Effects, ok bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	st, found := s.states[chatID]
	if !found || st.TurnID != turnID {
		s.mu.Unlock()
		return Effects{}, false
	}

	next, eff := Reduce(st, ev, now)
	change := Change{ChatID: chatID}
	if eff.Terminal {
		delete(s.states, chatID)
		change.Removed = true
	} else {
		s.states[chatID] = next
		change.State = next.Clone()
	}
	s.mu.Unlock()

	s.notify(change)
	return eff, true
}

// remove drops the entry of chatID, optionally only if it belongs to turnID. It reports whether an entry
// was removed.
func (s *Store) remove(chatID, turnID string) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	st, found := s.states[chatID]
	if !found || (turnID != "" && st.TurnID != turnID) {
		s.mu.Unlock()
		return false
	}
	delete(s.states, chatID)
	s.mu.Unlock()

	s.notify(Change{ChatID: chatID, Removed: true})
	return true
}

func (s *Store) notify(c Change) {
	s.obsMu.Lock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
