package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/franksops/sharesync/transfer"
)

var (
	// ErrCheckpointNotFound is returned when no checkpoint exists for a job.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrJobNotFound is returned when a job is not found in the journal.
	ErrJobNotFound = errors.New("job not found")
)

var (
	checkpointsBucket = []byte("checkpoints")
	jobsBucket        = []byte("jobs")
)

// CheckpointStore persists resume cursors keyed by job id.
type CheckpointStore interface {
	LoadCheckpoint(jobID string) (*transfer.Checkpoint, error)
	SaveCheckpoint(cp *transfer.Checkpoint) error
	DeleteCheckpoint(jobID string) error
}

// JobStore journals job snapshots so the queue survives restarts.
type JobStore interface {
	SaveJob(job *transfer.Snapshot) error
	GetJob(id string) (*transfer.Snapshot, error)
	ListJobs() ([]transfer.Snapshot, error)
	DeleteJob(id string) error
}

// Store is the full persistence surface.
type Store interface {
	CheckpointStore
	JobStore
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{checkpointsBucket, jobsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveCheckpoint writes cp, replacing any previous checkpoint for the job.
func (s *BoltStore) SaveCheckpoint(cp *transfer.Checkpoint) error {
	if cp.JobID == "" {
		return errors.New("checkpoint has no job id")
	}
	if cp.NextOffset < 0 || cp.NextOffset > cp.TotalBytes {
		return fmt.Errorf("checkpoint offset %d outside [0, %d]", cp.NextOffset, cp.TotalBytes)
	}
	return s.put(checkpointsBucket, cp.JobID, cp)
}

// LoadCheckpoint retrieves the checkpoint for jobID.
func (s *BoltStore) LoadCheckpoint(jobID string) (*transfer.Checkpoint, error) {
	var cp transfer.Checkpoint
	if err := s.get(checkpointsBucket, jobID, &cp, ErrCheckpointNotFound); err != nil {
		return nil, err
	}
	return &cp, nil
}

// DeleteCheckpoint removes the checkpoint for jobID. Deleting a missing
// checkpoint is not an error.
func (s *BoltStore) DeleteCheckpoint(jobID string) error {
	return s.delete(checkpointsBucket, jobID)
}

// SaveJob journals a job snapshot.
func (s *BoltStore) SaveJob(job *transfer.Snapshot) error {
	return s.put(jobsBucket, job.ID, job)
}

// GetJob retrieves a journaled job.
func (s *BoltStore) GetJob(id string) (*transfer.Snapshot, error) {
	var job transfer.Snapshot
	if err := s.get(jobsBucket, id, &job, ErrJobNotFound); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns every journaled job in key order.
func (s *BoltStore) ListJobs() ([]transfer.Snapshot, error) {
	var jobs []transfer.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var job transfer.Snapshot
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes a job from the journal.
func (s *BoltStore) DeleteJob(id string) error {
	return s.delete(jobsBucket, id)
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, value any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", bucket, err)
		}
		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to put %s: %w", bucket, err)
		}
		return nil
	})
}

func (s *BoltStore) get(bucket []byte, key string, into any, notFound error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return notFound
		}
		if err := json.Unmarshal(data, into); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", bucket, err)
		}
		return nil
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}
