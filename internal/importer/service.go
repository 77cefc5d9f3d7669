package importer

// service.go is the facade the web layer drives: validate a batch,
// start a job, subscribe to its progress, run the synchronous commit
// fallback, and take the one-shot error report.
//
// A started job stays pending until its first events stream opens; only
// then does the runner launch. A client whose stream never opens can
// therefore fall back to the synchronous commit knowing nothing has
// been written yet. Later disconnects never stop a launched runner.
//
// Both commit paths accept an optional client-supplied batch key. The
// key is reserved atomically before anything else happens, so a client
// that lost its progress stream cannot double-insert a batch by
// retrying through the other path, and two concurrent starts sharing a
// key admit at most one job.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicateBatch is returned when a batch key has already been used.
var ErrDuplicateBatch = errors.New("batch key already used")

// Options configures the import service.
type Options struct {
	// StepDelay is the cooperative pause between validation-phase steps.
	StepDelay time.Duration
	// CommitTimeout bounds the commit transaction for both paths.
	CommitTimeout time.Duration
	// RetainFor is how long terminal jobs stay in the registry before
	// TTL eviction. Pending jobs whose stream never opens are evicted
	// on the same clock.
	RetainFor time.Duration
}

// Service wires the registry, runner and store together.
type Service struct {
	store  Store
	reg    *Registry
	runner *Runner
	retain time.Duration

	mu        sync.Mutex
	batchKeys map[string]string // batch key -> job id ("" while reserved or for sync commits)
	idle      map[string]*Job   // created but not yet launched
}

// NewService creates a Service backed by the given store.
func NewService(store Store, opts Options) *Service {
	reg := NewRegistry(opts.RetainFor)
	return &Service{
		store:     store,
		reg:       reg,
		runner:    NewRunner(store, reg, opts.StepDelay, opts.CommitTimeout),
		retain:    opts.RetainFor,
		batchKeys: make(map[string]string),
		idle:      make(map[string]*Job),
	}
}

// Validate loads the tenant's reference data and validates the raw rows.
func (s *Service) Validate(ctx context.Context, schoolID string, kind ImportKind, rows [][]string) (*ValidateResult, error) {
	refs, err := s.store.References(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	return Validate(kind, rows, refs)
}

// StartJob registers a new job. The returned id identifies the job for
// the events and errors endpoints; the runner launches when the first
// events stream opens. When batchKey was already used, the original job
// id is returned with ErrDuplicateBatch and no new job is created.
func (s *Service) StartJob(kind ImportKind, items []PreparedItem, batchKey string) (string, error) {
	if batchKey != "" {
		s.mu.Lock()
		if prev, seen := s.batchKeys[batchKey]; seen {
			s.mu.Unlock()
			return prev, ErrDuplicateBatch
		}
		// Reserve the key before unlocking so a concurrent start or
		// commit on the same key cannot slip in while the job is being
		// created.
		s.batchKeys[batchKey] = ""
		s.mu.Unlock()
	}

	job, err := s.reg.Create(kind, items)
	if err != nil {
		if batchKey != "" {
			s.releaseKey(batchKey)
		}
		return "", err
	}

	s.mu.Lock()
	if batchKey != "" {
		s.batchKeys[batchKey] = job.ID
	}
	s.idle[job.ID] = job
	s.mu.Unlock()

	// An abandoned job, started but never streamed, would otherwise sit
	// pending forever.
	if s.retain > 0 {
		time.AfterFunc(s.retain, func() {
			if s.takeIdle(job.ID) != nil {
				s.reg.Remove(job.ID)
			}
		})
	}

	return job.ID, nil
}

// Subscribe attaches a progress listener to a job. The first event is
// always a status snapshot. Opening the first stream for a pending job
// launches its runner; once launched, the runner outlives every
// listener, the commit transaction must not die with a client
// connection.
func (s *Service) Subscribe(jobID string) (<-chan ProgressEvent, error) {
	ch, err := s.reg.Subscribe(jobID)
	if err != nil {
		return nil, err
	}
	if job := s.takeIdle(jobID); job != nil {
		go s.runner.Run(context.Background(), job)
	}
	return ch, nil
}

// Commit runs the synchronous fallback commit. A failed commit rolls
// everything back and releases the batch key, so the same batch can be
// retried with the same key.
func (s *Service) Commit(ctx context.Context, kind ImportKind, items []PreparedItem, batchKey string) (int, *int, error) {
	if batchKey != "" {
		s.mu.Lock()
		if _, seen := s.batchKeys[batchKey]; seen {
			s.mu.Unlock()
			return 0, nil, ErrDuplicateBatch
		}
		s.batchKeys[batchKey] = ""
		s.mu.Unlock()
	}

	inserted, failedIndex, err := s.runner.CommitSync(ctx, kind, items)
	if err != nil && batchKey != "" {
		s.releaseKey(batchKey)
	}
	return inserted, failedIndex, err
}

// TakeErrorReport returns a failed job's errors and evicts the job, so
// a second request for the same id comes back empty. Returns false when
// the job does not exist or recorded no errors.
func (s *Service) TakeErrorReport(jobID string) ([]RowError, bool) {
	job, err := s.reg.Get(jobID)
	if err != nil {
		return nil, false
	}
	errs := job.Errors()
	if len(errs) == 0 {
		return nil, false
	}
	s.reg.Remove(jobID)
	return errs, true
}

// takeIdle claims a not-yet-launched job, or nil when it was already
// claimed or never existed. At most one caller wins.
func (s *Service) takeIdle(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.idle[id]
	delete(s.idle, id)
	return job
}

func (s *Service) releaseKey(batchKey string) {
	s.mu.Lock()
	delete(s.batchKeys, batchKey)
	s.mu.Unlock()
}

// Registry exposes the underlying registry for tests.
func (s *Service) Registry() *Registry { return s.reg }
