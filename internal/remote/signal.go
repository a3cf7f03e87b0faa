package remote

import (
	"context"
	"sync"
)

// Signal is a Connectivity whose state is set by the caller. The CLI sets
// it from a flag. Tests flip it to simulate network transitions.
type Signal struct {
	mu     sync.Mutex
	state  NetState
	subs   map[int]chan NetState
	nextID int
}

// NewSignal creates a Signal with the given initial state.
func NewSignal(online bool) *Signal {
	return &Signal{
		state: NetState{Connected: online, InternetReachable: online},
		subs:  make(map[int]chan NetState),
	}
}

// Fetch implements Connectivity.
func (s *Signal) Fetch(ctx context.Context) (NetState, error) {
	if err := ctx.Err(); err != nil {
		return NetState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

// Subscribe implements Connectivity. A slow subscriber only ever sees the
// latest state.
func (s *Signal) Subscribe() (<-chan NetState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan NetState, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Signal) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Set changes the state and notifies subscribers if it changed.
func (s *Signal) Set(online bool) {
	s.SetState(NetState{Connected: online, InternetReachable: online})
}

// SetState changes the full state and notifies subscribers if it changed.
func (s *Signal) SetState(st NetState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == s.state {
		return
	}
	s.state = st
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
