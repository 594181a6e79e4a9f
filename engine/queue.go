package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/franksops/sharesync/store"
	"github.com/franksops/sharesync/transfer"
)

// DefaultWorkers is the size of the worker pool when none is configured.
const DefaultWorkers = 3

// wakeBuffer bounds outstanding wake tokens. Tokens beyond it are dropped,
// which is harmless: there are never more runnable jobs than tokens needed.
const wakeBuffer = 1 << 16

// Runner performs the transfers claimed by queue workers. *Executor is the
// production implementation.
type Runner interface {
	EstimateSize(ctx context.Context, req transfer.Request) (int64, error)
	Execute(ctx context.Context, jobID string, req transfer.Request, cp *transfer.Checkpoint, progress ProgressFunc) error
}

// EnqueueResult is returned by EnqueueOrGetExisting.
type EnqueueResult struct {
	Snapshot transfer.Snapshot
	// AddedNew is false when an active job with the same identity already
	// existed and was returned instead.
	AddedNew bool
}

// runState is the per-job attempt state machine. It is only changed while
// holding the job's lock, and read without it by the claim scan.
type runState int32

const (
	runIdle runState = iota
	runActive
	runPauseRequested
	runCancelRequested
)

type jobCell struct {
	mu       sync.Mutex
	snap     transfer.Snapshot
	identity transfer.Identity
	run      atomic.Int32

	// ctx and cancel scope the current attempt.
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *jobCell) state() runState {
	return runState(c.run.Load())
}

// Queue schedules transfer jobs onto a fixed pool of workers.
type Queue struct {
	runner      Runner
	checkpoints store.CheckpointStore
	tracker     *JobTracker
	clock       clockwork.Clock
	log         logrus.FieldLogger
	workers     int

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
	events *broker
	closed atomic.Bool

	// enqueueMu makes the dedup check and insert one step.
	enqueueMu sync.Mutex

	regMu sync.RWMutex
	jobs  map[string]*jobCell
	order []*jobCell
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of worker loops.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) { q.workers = n }
}

// WithJournal persists every job change through tracker so Restore can bring
// jobs back after a restart.
func WithJournal(tracker *JobTracker) QueueOption {
	return func(q *Queue) { q.tracker = tracker }
}

func WithQueueClock(c clockwork.Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

func WithQueueLogger(l logrus.FieldLogger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// NewQueue creates a Queue and starts its workers. They run until Close is
// called or ctx is canceled.
func NewQueue(ctx context.Context, runner Runner, checkpoints store.CheckpointStore, opts ...QueueOption) *Queue {
	q := &Queue{
		runner:      runner,
		checkpoints: checkpoints,
		clock:       clockwork.NewRealClock(),
		log:         logrus.StandardLogger(),
		workers:     DefaultWorkers,
		wake:        make(chan struct{}, wakeBuffer),
		events:      newBroker(),
		jobs:        make(map[string]*jobCell),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.workers = max(q.workers, 1)
	q.ctx, q.stop = context.WithCancel(ctx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Close interrupts running attempts, which end up Paused with their
// checkpoints kept, and waits for the workers to exit. Subscriber channels are
// closed afterwards.
func (q *Queue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	q.stop()
	q.wg.Wait()
	q.events.close()
}

// Subscribe returns a channel receiving a snapshot on every job change and a
// function that ends the subscription. Updates are dropped for a subscriber
// whose buffer is full.
func (q *Queue) Subscribe(buffer int) (<-chan transfer.Snapshot, func()) {
	return q.events.subscribe(buffer)
}

// EnqueueOrGetExisting adds req as a new job unless an active job with the
// same identity exists, in which case that job is returned unchanged. New jobs
// start Queued when start is set and Paused otherwise.
func (q *Queue) EnqueueOrGetExisting(req transfer.Request, start bool) (EnqueueResult, error) {
	if q.closed.Load() {
		return EnqueueResult{}, ErrQueueClosed
	}
	identity := req.Identity()

	q.enqueueMu.Lock()
	for _, c := range q.cells() {
		c.mu.Lock()
		if c.identity == identity && c.snap.Status.Active() {
			s := c.snap
			c.mu.Unlock()
			q.enqueueMu.Unlock()
			return EnqueueResult{Snapshot: s}, nil
		}
		c.mu.Unlock()
	}

	status := transfer.StatusPaused
	if start {
		status = transfer.StatusQueued
	}
	c := &jobCell{
		identity: identity,
		snap: transfer.Snapshot{
			ID:      uuid.NewString(),
			Request: req,
			Status:  status,
		},
	}
	c.mu.Lock()
	q.add(c)
	s := q.commitLocked(c)
	c.mu.Unlock()
	q.enqueueMu.Unlock()

	q.recordTransition(s)
	if start {
		q.signal(1)
	}
	return EnqueueResult{Snapshot: s, AddedNew: true}, nil
}

// Enqueue adds req and starts it, returning the job id.
func (q *Queue) Enqueue(req transfer.Request) (string, error) {
	res, err := q.EnqueueOrGetExisting(req, true)
	if err != nil {
		return "", err
	}
	return res.Snapshot.ID, nil
}

// Pause stops a job. A Queued job becomes Paused at once; a Running job is
// interrupted and becomes Paused once its worker has unwound. Other states
// are left alone.
func (q *Queue) Pause(id string) error {
	c, err := q.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	s, changed := q.pauseLocked(c)
	c.mu.Unlock()
	if changed {
		q.recordTransition(s)
	}
	return nil
}

func (q *Queue) pauseLocked(c *jobCell) (transfer.Snapshot, bool) {
	if c.state() == runIdle && c.snap.Status == transfer.StatusQueued {
		c.snap.Status = transfer.StatusPaused
		c.snap.Message = ""
		return q.commitLocked(c), true
	}
	if c.run.CompareAndSwap(int32(runActive), int32(runPauseRequested)) {
		c.cancel()
	}
	return transfer.Snapshot{}, false
}

// PauseAll pauses every Queued and Running job.
func (q *Queue) PauseAll() {
	for _, c := range q.cells() {
		c.mu.Lock()
		s, changed := q.pauseLocked(c)
		c.mu.Unlock()
		if changed {
			q.recordTransition(s)
		}
	}
}

// Resume moves a Paused job back to Queued.
func (q *Queue) Resume(id string) error {
	c, err := q.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.snap.Status != transfer.StatusPaused || c.state() != runIdle {
		status := c.snap.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot resume a %s job", ErrInvalidTransition, status)
	}
	c.snap.Status = transfer.StatusQueued
	c.snap.Message = ""
	s := q.commitLocked(c)
	c.mu.Unlock()

	q.recordTransition(s)
	q.signal(1)
	return nil
}

// RunQueued queues every Paused job and wakes one worker per runnable job. It
// returns the number of runnable jobs.
func (q *Queue) RunQueued() int {
	var (
		runnable int
		changed  []transfer.Snapshot
	)
	for _, c := range q.cells() {
		c.mu.Lock()
		if c.state() == runIdle {
			switch c.snap.Status {
			case transfer.StatusPaused:
				c.snap.Status = transfer.StatusQueued
				c.snap.Message = ""
				changed = append(changed, q.commitLocked(c))
				runnable++
			case transfer.StatusQueued:
				runnable++
			}
		}
		c.mu.Unlock()
	}
	for _, s := range changed {
		q.recordTransition(s)
	}
	q.signal(runnable)
	return runnable
}

// Retry moves a Failed job back to Queued and bumps its retry count.
func (q *Queue) Retry(id string) error {
	c, err := q.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.snap.Status != transfer.StatusFailed {
		status := c.snap.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot retry a %s job", ErrInvalidTransition, status)
	}
	c.snap.Status = transfer.StatusQueued
	c.snap.Message = ""
	c.snap.RetryCount++
	s := q.commitLocked(c)
	c.mu.Unlock()

	q.recordTransition(s)
	q.signal(1)
	return nil
}

// Cancel marks a job Canceled, interrupts any running attempt and discards
// its checkpoint. Completed and already Canceled jobs are left alone.
func (q *Queue) Cancel(id string) error {
	c, err := q.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.snap.Status == transfer.StatusCompleted || c.snap.Status == transfer.StatusCanceled {
		c.mu.Unlock()
		return nil
	}
	if c.state() != runIdle {
		c.run.Store(int32(runCancelRequested))
		c.cancel()
	}
	c.snap.Status = transfer.StatusCanceled
	c.snap.Message = "canceled by user"
	s := q.commitLocked(c)
	c.mu.Unlock()

	q.deleteCheckpoint(id)
	q.recordTransition(s)
	return nil
}

// Remove forgets a Completed, Failed or Canceled job.
func (q *Queue) Remove(id string) error {
	c, err := q.cell(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if !c.snap.Status.Terminal() || c.state() != runIdle {
		status := c.snap.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot remove a %s job", ErrInvalidTransition, status)
	}
	c.mu.Unlock()

	q.regMu.Lock()
	delete(q.jobs, id)
	for i, other := range q.order {
		if other == c {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.regMu.Unlock()

	q.deleteCheckpoint(id)
	if q.tracker != nil {
		if err := q.tracker.Forget(id); err != nil {
			q.log.WithError(err).WithField("job", id).Warn("Failed to remove job from journal")
		}
	}
	return nil
}

// Get returns the current snapshot of one job.
func (q *Queue) Get(id string) (transfer.Snapshot, bool) {
	c, err := q.cell(id)
	if err != nil {
		return transfer.Snapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap, true
}

// Snapshot returns a copy of every job, running first and completed last.
// Jobs with the same status keep their enqueue order.
func (q *Queue) Snapshot() []transfer.Snapshot {
	cells := q.cells()
	out := make([]transfer.Snapshot, 0, len(cells))
	for _, c := range cells {
		c.mu.Lock()
		out = append(out, c.snap)
		c.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Status.Order() < out[j].Status.Order()
	})
	return out
}

// Restore loads journaled jobs. Jobs that were active when the process
// stopped come back Paused so their checkpoints can be resumed. It returns the
// number of jobs loaded.
func (q *Queue) Restore() (int, error) {
	if q.tracker == nil {
		return 0, nil
	}
	jobs, err := q.tracker.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load job journal: %w", err)
	}

	q.enqueueMu.Lock()
	var restored []transfer.Snapshot
	for _, s := range jobs {
		if _, err := q.cell(s.ID); err == nil {
			continue
		}
		c := &jobCell{identity: s.Request.Identity(), snap: s}
		c.mu.Lock()
		q.add(c)
		if s.Status.Active() {
			c.snap.Status = transfer.StatusPaused
			c.snap.Message = "interrupted by restart"
		}
		restored = append(restored, q.commitLocked(c))
		c.mu.Unlock()
	}
	q.enqueueMu.Unlock()

	for _, s := range restored {
		q.persist(s)
	}
	q.log.WithField("jobs", len(restored)).Info("Restored jobs from journal")
	return len(restored), nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		// Prioritize shutdown over pending wake tokens.
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			if c := q.claim(); c != nil {
				q.run(c)
			}
		}
	}
}

// claim takes the first Queued job whose lock is free. Jobs that are briefly
// locked by a reader are rescanned rather than left behind.
func (q *Queue) claim() *jobCell {
	for {
		skipped := false
		for _, c := range q.cells() {
			if !c.mu.TryLock() {
				skipped = true
				continue
			}
			if c.snap.Status == transfer.StatusQueued && c.run.CompareAndSwap(int32(runIdle), int32(runActive)) {
				c.ctx, c.cancel = context.WithCancel(q.ctx)
				c.mu.Unlock()
				return c
			}
			c.mu.Unlock()
		}
		if !skipped {
			return nil
		}
		runtime.Gosched()
	}
}

func (q *Queue) run(c *jobCell) {
	c.mu.Lock()
	id, req, ctx, cancel := c.snap.ID, c.snap.Request, c.ctx, c.cancel
	c.mu.Unlock()
	defer cancel()

	err := q.attempt(ctx, c, id, req)
	q.finish(c, ctx, err)
}

func (q *Queue) attempt(ctx context.Context, c *jobCell, id string, req transfer.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer panicked: %v", r)
		}
	}()

	total, err := q.runner.EstimateSize(ctx, req)
	if err != nil {
		return err
	}
	cp := q.loadCheckpoint(id)
	var start int64
	if cp != nil && cp.TotalBytes == total {
		start = min(max(cp.NextOffset, 0), total)
	}

	c.mu.Lock()
	if c.state() != runActive {
		c.mu.Unlock()
		return ctx.Err()
	}
	c.snap.Status = transfer.StatusRunning
	c.snap.TotalBytes = total
	c.snap.BytesTransferred = start
	c.snap.Message = ""
	s := q.commitLocked(c)
	c.mu.Unlock()
	q.recordTransition(s)

	return q.runner.Execute(ctx, id, req, cp, func(done, total int64) {
		q.progress(c, done, total)
	})
}

func (q *Queue) progress(c *jobCell, done, total int64) {
	c.mu.Lock()
	if c.snap.Status != transfer.StatusRunning {
		c.mu.Unlock()
		return
	}
	c.snap.BytesTransferred = done
	c.snap.TotalBytes = total
	s := q.commitLocked(c)
	c.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"job":   s.ID,
		"bytes": done,
		"total": total,
	}).Debug("Job progress")
	q.persist(s)
}

// finish decides the outcome of an attempt. It is the only place a worker
// sets a terminal or paused status.
func (q *Queue) finish(c *jobCell, ctx context.Context, err error) {
	c.mu.Lock()
	state := runState(c.run.Swap(int32(runIdle)))
	c.ctx, c.cancel = nil, nil
	id := c.snap.ID

	publish, dropCheckpoint := true, false
	switch {
	case state == runCancelRequested:
		// Cancel already published the Canceled snapshot. The attempt may
		// have checkpointed after that, so discard again.
		publish, dropCheckpoint = false, true
	case err == nil:
		c.snap.Status = transfer.StatusCompleted
		c.snap.BytesTransferred = c.snap.TotalBytes
		c.snap.Message = ""
		dropCheckpoint = true
	case state == runPauseRequested:
		c.snap.Status = transfer.StatusPaused
		c.snap.Message = ""
	case q.ctx.Err() != nil && ctx.Err() != nil && errors.Is(err, context.Canceled):
		c.snap.Status = transfer.StatusPaused
		c.snap.Message = "interrupted by shutdown"
	case isUnresolvedConflict(err):
		c.snap.Status = transfer.StatusCanceled
		c.snap.Message = err.Error()
		dropCheckpoint = true
	default:
		c.snap.Status = transfer.StatusFailed
		c.snap.Message = err.Error()
	}
	var s transfer.Snapshot
	if publish {
		s = q.commitLocked(c)
	}
	c.mu.Unlock()

	if dropCheckpoint {
		q.deleteCheckpoint(id)
	}
	if publish {
		if s.Status == transfer.StatusFailed {
			q.log.WithError(err).WithField("job", id).Warn("Job failed")
		}
		q.recordTransition(s)
	}
}

func isUnresolvedConflict(err error) bool {
	return err != nil && (errors.Is(err, ErrUnresolvedConflict) ||
		strings.Contains(err.Error(), unresolvedConflictMarker))
}

// commitLocked stamps the job's snapshot and publishes it. Callers hold c.mu,
// which keeps events for one job in order.
func (q *Queue) commitLocked(c *jobCell) transfer.Snapshot {
	c.snap.Version++
	c.snap.UpdatedAt = q.clock.Now()
	s := c.snap
	q.events.publish(s)
	return s
}

func (q *Queue) recordTransition(s transfer.Snapshot) {
	q.log.WithFields(logrus.Fields{
		"job":       s.ID,
		"status":    s.Status,
		"direction": s.Request.Direction,
		"remote":    s.Request.Remote.String(),
	}).Info("Job " + strings.ToLower(string(s.Status)))
	q.persist(s)
}

func (q *Queue) persist(s transfer.Snapshot) {
	if q.tracker == nil {
		return
	}
	if err := q.tracker.Record(s); err != nil {
		q.log.WithError(err).WithField("job", s.ID).Warn("Failed to journal job")
	}
}

func (q *Queue) loadCheckpoint(id string) *transfer.Checkpoint {
	if q.checkpoints == nil {
		return nil
	}
	cp, err := q.checkpoints.LoadCheckpoint(id)
	if errors.Is(err, store.ErrCheckpointNotFound) {
		return nil
	}
	if err != nil {
		q.log.WithError(err).WithField("job", id).Warn("Failed to load checkpoint, starting over")
		return nil
	}
	return cp
}

func (q *Queue) deleteCheckpoint(id string) {
	if q.checkpoints == nil {
		return
	}
	if err := q.checkpoints.DeleteCheckpoint(id); err != nil {
		q.log.WithError(err).WithField("job", id).Warn("Failed to delete checkpoint")
	}
}

func (q *Queue) signal(n int) {
	for i := 0; i < n; i++ {
		select {
		case q.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (q *Queue) add(c *jobCell) {
	q.regMu.Lock()
	defer q.regMu.Unlock()
	q.jobs[c.snap.ID] = c
	q.order = append(q.order, c)
}

func (q *Queue) cell(id string) (*jobCell, error) {
	q.regMu.RLock()
	defer q.regMu.RUnlock()
	c, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return c, nil
}

func (q *Queue) cells() []*jobCell {
	q.regMu.RLock()
	defer q.regMu.RUnlock()
	return append([]*jobCell(nil), q.order...)
}
