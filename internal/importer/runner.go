package importer

// runner.go drives a job through its lifecycle:
//
//	pending -> validating -> committing -> completed
//	                  \____________\____-> failed
//
// The validating phase walks the items once without touching the store
// (row validation already happened before the job was created) so the
// client sees the counter move while the batch is queued up; each step
// yields briefly to keep the process responsive. The committing phase
// writes every record inside one transaction: any single failure rolls
// the whole batch back and records exactly one attributed error.
//
// There is no cancellation. A subscriber disconnecting only detaches
// its listener; once the commit transaction has started it runs to its
// own conclusion regardless of who is watching.

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Runner executes import jobs against a Store.
type Runner struct {
	store         Store
	reg           *Registry
	stepDelay     time.Duration
	commitTimeout time.Duration
}

// NewRunner creates a runner. stepDelay is the cooperative pause between
// validation steps; commitTimeout bounds the whole commit transaction.
func NewRunner(store Store, reg *Registry, stepDelay, commitTimeout time.Duration) *Runner {
	return &Runner{
		store:         store,
		reg:           reg,
		stepDelay:     stepDelay,
		commitTimeout: commitTimeout,
	}
}

// Run advances the job to a terminal state. It is called once per job,
// on its own goroutine; the job's listeners receive a progress event
// after every step and a final event at the terminal state.
func (r *Runner) Run(ctx context.Context, job *Job) {
	logger := slog.Default().With("job_id", job.ID, "kind", job.Kind, "total", job.Total())

	defer func() {
		job.closeListeners()
		r.reg.scheduleEvict(job.ID)
	}()

	job.setStatus(StatusValidating)
	job.notify("progress")

	for i := range job.Items {
		if r.stepDelay > 0 {
			time.Sleep(r.stepDelay)
		}
		job.setProcessed(i + 1)
		job.notify("progress")
	}

	job.resetProcessed()
	job.setStatus(StatusCommitting)
	job.notify("progress")

	cctx := ctx
	if r.commitTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.commitTimeout)
		defer cancel()
	}

	err := r.store.CommitBatch(cctx, job.Kind, job.Items, func(done int) {
		job.setProcessed(done)
		job.notify("progress")
	})
	if err != nil {
		job.fail(attributeError(err, job))
		job.notify("progress")
		logger.Error("import job failed", "error", err, "processed", job.Processed())
		return
	}

	job.setProcessed(job.Total())
	job.setStatus(StatusCompleted)
	job.notify("progress")
	logger.Info("import job completed")
}

// CommitSync is the non-streamed fallback: the same all-or-nothing
// transaction without a job or progress events. Returns the number of
// inserted items and, on failure, the zero-based index of the failing
// item when it is known.
func (r *Runner) CommitSync(ctx context.Context, kind ImportKind, items []PreparedItem) (int, *int, error) {
	if len(items) == 0 {
		return 0, nil, ErrEmptyBatch
	}

	cctx := ctx
	if r.commitTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.commitTimeout)
		defer cancel()
	}

	if err := r.store.CommitBatch(cctx, kind, items, nil); err != nil {
		var ce *CommitError
		if errors.As(err, &ce) {
			idx := ce.Index
			return 0, &idx, err
		}
		return 0, nil, err
	}
	return len(items), nil, nil
}

// attributeError synthesizes the single recorded error for a failed
// commit. When the store reports which item faulted, the error carries
// that item's original sheet row; otherwise it falls back to the row
// after the last processed item.
func attributeError(err error, job *Job) RowError {
	var ce *CommitError
	if errors.As(err, &ce) && ce.Index >= 0 && ce.Index < len(job.Items) {
		row := job.Items[ce.Index].Row
		return RowError{Row: &row, Message: ce.Err.Error()}
	}

	if done := job.Processed(); done < len(job.Items) {
		row := job.Items[done].Row
		return RowError{Row: &row, Message: err.Error()}
	}
	return RowError{Message: err.Error()}
}
