package engine

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/franksops/sharesync/store"
	"github.com/franksops/sharesync/transfer"
)

// CheckpointConfig defines when a progress-only change to a job is written to
// the journal. Status changes are always written.
type CheckpointConfig struct {
	// BytesInterval triggers a save after this many bytes have been transferred
	BytesInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for journaling
var DefaultCheckpointConfig = CheckpointConfig{
	BytesInterval: 10 * 1024 * 1024, // 10 MB
	TimeInterval:  5 * time.Second,
}

// JobTracker journals job snapshots to a store so the queue can be restored
// after a restart.
type JobTracker struct {
	store  store.JobStore
	config CheckpointConfig
	clock  clockwork.Clock

	mu    sync.Mutex
	marks map[string]journalMark
}

type journalMark struct {
	version uint64
	status  transfer.Status
	bytes   int64
	at      time.Time
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(store store.JobStore, config CheckpointConfig, clock clockwork.Clock) *JobTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JobTracker{
		store:  store,
		config: config,
		clock:  clock,
		marks:  make(map[string]journalMark),
	}
}

// Record writes snap unless it is older than what was last written, or only
// moves progress by less than the configured intervals.
func (jt *JobTracker) Record(snap transfer.Snapshot) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	now := jt.clock.Now()
	last, seen := jt.marks[snap.ID]
	if seen {
		if snap.Version <= last.version {
			return nil
		}
		if snap.Status == last.status &&
			snap.BytesTransferred-last.bytes < jt.config.BytesInterval &&
			now.Sub(last.at) < jt.config.TimeInterval {
			return nil
		}
	}

	if err := jt.store.SaveJob(&snap); err != nil {
		return err
	}
	jt.marks[snap.ID] = journalMark{
		version: snap.Version,
		status:  snap.Status,
		bytes:   snap.BytesTransferred,
		at:      now,
	}
	return nil
}

// Forget removes a job from the journal.
func (jt *JobTracker) Forget(id string) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	delete(jt.marks, id)
	return jt.store.DeleteJob(id)
}

// Load returns every journaled job.
func (jt *JobTracker) Load() ([]transfer.Snapshot, error) {
	jobs, err := jt.store.ListJobs()
	if err != nil {
		return nil, err
	}
	jt.mu.Lock()
	defer jt.mu.Unlock()
	for _, s := range jobs {
		jt.marks[s.ID] = journalMark{
			version: s.Version,
			status:  s.Status,
			bytes:   s.BytesTransferred,
			at:      jt.clock.Now(),
		}
	}
	return jobs, nil
}
