package orchestrator

import (
	"sync"
	"time"

	"speech-to-video/internal/errs"
	"speech-to-video/internal/progress"
)

// Repository is the concurrency-safe registry of in-flight and recently finished
// requests.
type Repository interface {
	// Create registers a running request. An id already in use is rejected.
	Create(id, callerID string, tracker *progress.Tracker, startedAt time.Time) error

	// Update replaces the result of a running request. Terminal results are final:
	// updating a finished request fails with ErrRequestFinished.
	Update(id string, result AggregateResult) error

	// Result returns a copy of the request's current result.
	Result(id string) (AggregateResult, bool)

	// Tracker returns the request's progress tracker.
	Tracker(id string) (*progress.Tracker, bool)

	// Evict drops finished requests whose FinishedAt is before cutoff.
	Evict(cutoff time.Time) int

	// ActiveCount returns the number of requests that have not finished.
	// Used for metrics.
	ActiveCount() int
}

var (
	// ErrDuplicateRequest is returned when a request id is reused while still known.
	ErrDuplicateRequest = errs.New(errs.KindInvalidRequest, "requests", "request id already in use")

	// ErrRequestFinished is returned when updating a request whose result is terminal.
	ErrRequestFinished = errs.New(errs.KindInternal, "requests", "request already finished")
)

// InMemoryRepository is a concurrency-safe implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

func (r *InMemoryRepository) Create(id, callerID string, tracker *progress.Tracker, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetRequest(id); exists {
		return ErrDuplicateRequest
	}
	r.store.SetRequest(&RequestState{
		ID:       id,
		CallerID: callerID,
		Tracker:  tracker,
		Result: AggregateResult{
			RequestID: id,
			CallerID:  callerID,
			Status:    StatusRunning,
			StartedAt: startedAt,
		},
	})
	return nil
}

func (r *InMemoryRepository) Update(id string, result AggregateResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetRequest(id)
	if !ok {
		return errs.Newf(errs.KindUnknownEntry, "requests", "no request %q", id)
	}
	if st.Result.Status.Terminal() {
		return ErrRequestFinished
	}
	st.Result = result.clone()
	return nil
}

func (r *InMemoryRepository) Result(id string) (AggregateResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetRequest(id)
	if !ok {
		return AggregateResult{}, false
	}
	return st.Result.clone(), true
}

func (r *InMemoryRepository) Tracker(id string) (*progress.Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetRequest(id)
	if !ok {
		return nil, false
	}
	return st.Tracker, true
}

func (r *InMemoryRepository) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range r.store.ListRequestIDs() {
		st, ok := r.store.GetRequest(id)
		if !ok || !st.Result.Status.Terminal() {
			continue
		}
		if st.Result.FinishedAt.Before(cutoff) {
			r.store.DeleteRequest(id)
			n++
		}
	}
	return n
}

func (r *InMemoryRepository) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListRequestIDs() {
		if st, ok := r.store.GetRequest(id); ok && !st.Result.Status.Terminal() {
			n++
		}
	}
	return n
}
