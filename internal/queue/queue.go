package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrUnknownJob is returned when acknowledging a job that holds no lease.
	ErrUnknownJob = errors.New("job is not leased")
)

// EnabledFunc reports whether jobs of an integration may still run.
type EnabledFunc func(ctx context.Context, integrationID string) (bool, error)

// DeadLetterFunc receives jobs that exhausted their retries or failed permanently.
type DeadLetterFunc func(job Job, reason error)

// CombineFunc merges an incoming job into the pending one for the same key.
type CombineFunc func(pending, incoming Job) Job

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending      int `json:"pending"`
	Delayed      int `json:"delayed"`
	Leased       int `json:"leased"`
	Enqueued     int `json:"enqueued"`
	Coalesced    int `json:"coalesced"`
	Discarded    int `json:"discarded"`
	DeadLettered int `json:"dead_lettered"`
}

// Options configures a Queue.
type Options struct {
	Policy     Policy
	Clock      Clock
	Enabled    EnabledFunc
	DeadLetter DeadLetterFunc
	Logger     logrus.FieldLogger
}

// Queue holds at most one pending job per key and leases at most one job per key.
type Queue struct {
	policy     Policy
	clock      Clock
	enabled    EnabledFunc
	deadLetter DeadLetterFunc
	logger     logrus.FieldLogger

	mu      sync.Mutex
	pending map[Key]*Job
	leased  map[Key]*Job
	byID    map[string]*Job
	changed chan struct{}
	closed  bool
	seq     uint64
	stats   Stats
}

// New creates a queue.
func New(opts Options) *Queue {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Queue{
		policy:     opts.Policy,
		clock:      opts.Clock,
		enabled:    opts.Enabled,
		deadLetter: opts.DeadLetter,
		logger:     opts.Logger,
		pending:    make(map[Key]*Job),
		leased:     make(map[Key]*Job),
		byID:       make(map[string]*Job),
		changed:    make(chan struct{}),
	}
}

// SetDeadLetter installs the dead-letter handler. Call before workers start.
func (q *Queue) SetDeadLetter(fn DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = fn
}

// Enqueue adds a job. A pending job for the same key is superseded by the incoming one.
func (q *Queue) Enqueue(job Job) Job {
	return q.EnqueueFunc(job, nil)
}

// EnqueueFunc adds a job, letting combine decide the merged job when one is already
// pending for the key. A nil combine keeps the incoming job.
func (q *Queue) EnqueueFunc(job Job, combine CombineFunc) Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	key := job.Key()
	q.stats.Enqueued++

	if existing, ok := q.pending[key]; ok {
		merged := job
		if combine != nil {
			merged = combine(*existing, job)
		}
		existing.ChangeType = merged.ChangeType
		existing.Priority = merged.Priority
		existing.Synthetic = merged.Synthetic
		existing.NotBefore = merged.NotBefore
		existing.Attempts = 0
		existing.RateLimited = 0
		existing.LastError = ""
		q.stats.Coalesced++
		q.signal()

		q.logger.WithFields(logrus.Fields{
			"job_id":      existing.ID,
			"key":         key.String(),
			"change_type": existing.ChangeType,
		}).Debug("Coalesced job into pending job")
		return *existing
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	q.seq++
	job.seq = q.seq

	stored := job
	q.pending[key] = &stored
	q.signal()
	return stored
}

// Pending returns the pending job for a key, if any.
func (q *Queue) Pending(key Key) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.pending[key]; ok {
		return *job, true
	}
	return Job{}, false
}

// Dequeue blocks until an eligible job is available, leases it and returns it.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		job, wait, changed, err := q.next(ctx)
		if err != nil || job != nil {
			return job, err
		}

		var (
			timer *time.Timer
			due   <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-changed:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

// TryDequeue leases the next eligible job without blocking. It returns nil when
// nothing is eligible.
func (q *Queue) TryDequeue(ctx context.Context) (*Job, error) {
	job, _, _, err := q.next(ctx)
	return job, err
}

// next leases the best eligible job. When none is eligible it returns how long
// until a delayed job becomes due (zero if none) and a channel closed on change.
func (q *Queue) next(ctx context.Context) (*Job, time.Duration, <-chan struct{}, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, 0, nil, ErrClosed
		}

		now := q.clock.Now()
		var best *Job
		var wait time.Duration
		for key, job := range q.pending {
			if _, busy := q.leased[key]; busy {
				continue
			}
			if job.NotBefore.After(now) {
				if d := job.NotBefore.Sub(now); wait == 0 || d < wait {
					wait = d
				}
				continue
			}
			if best == nil || job.before(best) {
				best = job
			}
		}

		if best == nil {
			changed := q.changed
			q.mu.Unlock()
			return nil, wait, changed, nil
		}

		key := best.Key()
		delete(q.pending, key)
		q.leased[key] = best
		q.byID[best.ID] = best
		leased := *best
		q.mu.Unlock()

		if q.allowed(ctx, leased.IntegrationID) {
			return &leased, 0, nil, nil
		}

		q.mu.Lock()
		q.release(best)
		q.stats.Discarded++
		q.mu.Unlock()
		q.logger.WithFields(logrus.Fields{
			"job_id":         leased.ID,
			"integration_id": leased.IntegrationID,
		}).Info("Discarded job for disabled integration")
	}
}

// allowed is evaluated outside the queue lock.
func (q *Queue) allowed(ctx context.Context, integrationID string) bool {
	if q.enabled == nil {
		return true
	}
	ok, err := q.enabled(ctx, integrationID)
	if err != nil {
		q.logger.WithError(err).WithField("integration_id", integrationID).Warn("Failed to check integration status, running job")
		return true
	}
	return ok
}

// Ack completes a leased job.
func (q *Queue) Ack(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	q.release(job)
	return nil
}

// Nack returns a leased job for retry under the backoff policy. Errors that carry
// a provider delay are retried after that delay against a separate, larger budget.
// Returns true when the job was dead-lettered instead.
func (q *Queue) Nack(jobID string, reason error) (bool, error) {
	q.mu.Lock()

	job, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	q.release(job)

	now := q.clock.Now()
	if reason != nil {
		job.LastError = reason.Error()
	}

	var delay time.Duration
	if retryAfter := retryAfterOf(reason); retryAfter > 0 {
		job.RateLimited++
		if job.RateLimited > q.policy.RateLimitBudget() {
			return true, q.deadLetterLocked(job, reason)
		}
		delay = retryAfter
	} else {
		job.Attempts++
		if q.policy.Exhausted(job.Attempts) {
			return true, q.deadLetterLocked(job, reason)
		}
		delay = q.policy.Delay(job.Attempts)
	}

	key := job.Key()
	if _, superseded := q.pending[key]; superseded {
		// A newer job for the same key arrived while this one ran and will pick up
		// the current state anyway.
		q.mu.Unlock()
		return false, nil
	}

	job.NotBefore = now.Add(delay)
	q.pending[key] = job
	q.signal()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"key":      key.String(),
		"attempts": job.Attempts,
		"delay":    delay,
	}).WithError(reason).Info("Requeued job after failure")
	return false, nil
}

// Defer returns a leased job to the queue after delay without counting an attempt.
// It is dropped when a newer job for the same key is already pending.
func (q *Queue) Defer(jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	q.release(job)

	key := job.Key()
	if _, superseded := q.pending[key]; superseded {
		return nil
	}
	job.NotBefore = q.clock.Now().Add(delay)
	q.pending[key] = job
	return nil
}

// Fail dead-letters a leased job without retrying.
func (q *Queue) Fail(jobID string, reason error) error {
	q.mu.Lock()
	job, ok := q.byID[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	q.release(job)
	if reason != nil {
		job.LastError = reason.Error()
	}
	return q.deadLetterLocked(job, reason)
}

// deadLetterLocked is entered with q.mu held and releases it before calling the handler.
func (q *Queue) deadLetterLocked(job *Job, reason error) error {
	q.stats.DeadLettered++
	handler := q.deadLetter
	dead := *job
	q.signal()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"job_id":         dead.ID,
		"integration_id": dead.IntegrationID,
		"key":            dead.Key().String(),
		"attempts":       dead.Attempts,
	}).WithError(reason).Warn("Dead-lettered job")

	if handler != nil {
		handler(dead, reason)
	}
	return nil
}

// release drops the lease of job. Caller holds q.mu.
func (q *Queue) release(job *Job) {
	delete(q.byID, job.ID)
	if current, ok := q.leased[job.Key()]; ok && current == job {
		delete(q.leased, job.Key())
	}
	q.signal()
}

// signal wakes every blocked Dequeue. Caller holds q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Close wakes blocked consumers and makes further Dequeue calls fail.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signal()
	}
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	now := q.clock.Now()
	for _, job := range q.pending {
		if job.NotBefore.After(now) {
			s.Delayed++
		} else {
			s.Pending++
		}
	}
	s.Leased = len(q.leased)
	return s
}

func retryAfterOf(err error) time.Duration {
	var delayed interface{ RetryAfterDelay() time.Duration }
	if errors.As(err, &delayed) {
		return delayed.RetryAfterDelay()
	}
	return 0
}
