package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ignite/email-verifier/internal/domain"
)

// fakeStore is an in-memory backlog for testing.
type fakeStore struct {
	mu         sync.Mutex
	batches    [][]domain.Task // returned by successive fetches, then empty
	fetchErr   error
	fetchCalls int
	commitErr  error
	commits    map[domain.RecordID][]domain.Result

	// gate, when set, blocks FetchPending until closed.
	gate     chan struct{}
	entered  chan struct{}
	inFlight int
	maxIn    int
}

func newFakeStore(batches ...[]domain.Task) *fakeStore {
	return &fakeStore{batches: batches, commits: make(map[domain.RecordID][]domain.Result)}
}

func (s *fakeStore) FetchPending(ctx context.Context, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	s.fetchCalls++
	s.inFlight++
	if s.inFlight > s.maxIn {
		s.maxIn = s.inFlight
	}
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	if len(batch) > limit {
		s.batches = append([][]domain.Task{batch[limit:]}, s.batches...)
		batch = batch[:limit]
	}
	return batch, nil
}

func (s *fakeStore) Commit(ctx context.Context, id domain.RecordID, result domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits[id] = append(s.commits[id], result)
	return s.commitErr
}

func (s *fakeStore) Commits() map[domain.RecordID][]domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.RecordID][]domain.Result, len(s.commits))
	for k, v := range s.commits {
		out[k] = append([]domain.Result(nil), v...)
	}
	return out
}

func (s *fakeStore) FetchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls
}

// funcProber adapts a function to Prober.
type funcProber func(ctx context.Context, email string) (bool, error)

func (f funcProber) Probe(ctx context.Context, email string) (bool, error) { return f(ctx, email) }

var errProbe = errors.New("probe exploded")

func tasks(n int) []domain.Task {
	out := make([]domain.Task, n)
	for i := range out {
		out[i] = domain.Task{ID: domain.RecordID(fmt.Sprint(i + 1)), Email: fmt.Sprintf("user%d@example.com", i+1)}
	}
	return out
}
