package orchestrator

import "speech-to-video/internal/progress"

// RequestState is everything kept about one request while it runs and for a while
// after it finishes.
type RequestState struct {
	ID       string
	CallerID string
	Tracker  *progress.Tracker
	Result   AggregateResult
}

// Store is the persistence abstraction for request state.
// The Repository uses Store for all reads and writes and does the locking.
type Store interface {
	GetRequest(id string) (*RequestState, bool)
	SetRequest(s *RequestState)
	DeleteRequest(id string)
	ListRequestIDs() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	requests map[string]*RequestState
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*RequestState)}
}

func (s *InMemoryStore) GetRequest(id string) (*RequestState, bool) {
	st, ok := s.requests[id]
	return st, ok
}

func (s *InMemoryStore) SetRequest(st *RequestState) {
	s.requests[st.ID] = st
}

func (s *InMemoryStore) DeleteRequest(id string) {
	delete(s.requests, id)
}

func (s *InMemoryStore) ListRequestIDs() []string {
	ids := make([]string, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	return ids
}
