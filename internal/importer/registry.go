package importer

// registry.go holds in-flight import jobs. The registry is process-local
// and deliberately ephemeral: jobs do not survive a restart and are not
// shared across instances. Terminal jobs are evicted either explicitly
// (a successful error-report download) or by TTL, whichever comes first.

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyBatch  = errors.New("batch has no items")
	ErrJobNotFound = errors.New("job not found")
)

// Job is one in-flight bulk-import execution. Items are immutable after
// creation; all other state is mutated only by the runner goroutine and
// read by subscribers through the mutex.
type Job struct {
	ID    string
	Kind  ImportKind
	Items []PreparedItem

	mu        sync.Mutex
	status    JobStatus
	processed int
	errs      []RowError
	listeners []chan ProgressEvent
	closed    bool
}

// Total returns the fixed item count of the job.
func (j *Job) Total() int { return len(j.Items) }

// Status returns the current lifecycle state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Processed returns the number of items handled in the current phase.
func (j *Job) Processed() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.processed
}

// Errors returns a copy of the recorded row errors.
func (j *Job) Errors() []RowError {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]RowError, len(j.errs))
	copy(out, j.errs)
	return out
}

// Snapshot returns the job state as a status event for late subscribers.
func (j *Job) Snapshot() ProgressEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ProgressEvent{
		Type:      "status",
		Status:    j.status,
		Total:     len(j.Items),
		Processed: j.processed,
		Errors:    len(j.errs),
	}
}

// setStatus advances the lifecycle state. Backward transitions and
// transitions out of a terminal state are ignored.
func (j *Job) setStatus(next JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() || next.rank() < j.status.rank() {
		return
	}
	j.status = next
}

// resetProcessed rewinds the phase counter when entering the commit
// phase. The counter is monotonic within a phase, not across phases.
func (j *Job) resetProcessed() {
	j.mu.Lock()
	j.processed = 0
	j.mu.Unlock()
}

func (j *Job) setProcessed(n int) {
	j.mu.Lock()
	if n > j.processed && n <= len(j.Items) {
		j.processed = n
	}
	j.mu.Unlock()
}

// fail records the single synthesized error and moves the job to its
// failure terminal state.
func (j *Job) fail(re RowError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.errs = append(j.errs, re)
	j.status = StatusFailed
}

// notify relays the current state to every listener. Sends never block:
// a lagging subscriber just misses intermediate events.
func (j *Job) notify(eventType string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := ProgressEvent{
		Type:      eventType,
		Status:    j.status,
		Total:     len(j.Items),
		Processed: j.processed,
		Errors:    len(j.errs),
	}
	for _, ch := range j.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeListeners tears down all subscriber channels after the terminal
// event has been relayed.
func (j *Job) closeListeners() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.closed = true
	for _, ch := range j.listeners {
		close(ch)
	}
	j.listeners = nil
}

// subscribe attaches a listener channel and seeds it with a snapshot.
// A subscriber attaching after the job closed gets the snapshot and an
// immediately closed channel.
func (j *Job) subscribe() <-chan ProgressEvent {
	ch := make(chan ProgressEvent, 16)
	j.mu.Lock()
	ch <- ProgressEvent{
		Type:      "status",
		Status:    j.status,
		Total:     len(j.Items),
		Processed: j.processed,
		Errors:    len(j.errs),
	}
	if j.closed {
		close(ch)
	} else {
		j.listeners = append(j.listeners, ch)
	}
	j.mu.Unlock()
	return ch
}

// Registry is the process-wide store of in-flight import jobs.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	retain time.Duration
}

// NewRegistry creates a registry that evicts terminal jobs after retain.
// A non-positive retain disables TTL eviction.
func NewRegistry(retain time.Duration) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		retain: retain,
	}
}

// Create allocates a new pending job for the given items.
func (r *Registry) Create(kind ImportKind, items []PreparedItem) (*Job, error) {
	if len(items) == 0 {
		return nil, ErrEmptyBatch
	}

	job := &Job{
		ID:     uuid.New().String(),
		Kind:   kind,
		Items:  items,
		status: StatusPending,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	return job, nil
}

// Get returns the job for the id, or ErrJobNotFound.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Remove deletes the job from the registry. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

// Subscribe attaches a progress listener to the job.
func (r *Registry) Subscribe(id string) (<-chan ProgressEvent, error) {
	job, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return job.subscribe(), nil
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// scheduleEvict removes the job after the retention window. Called by
// the runner when a job reaches a terminal state, so abandoned jobs do
// not accumulate.
func (r *Registry) scheduleEvict(id string) {
	if r.retain <= 0 {
		return
	}
	time.AfterFunc(r.retain, func() {
		r.Remove(id)
	})
}
