package transfer

import "time"

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusCanceled  Status = "Canceled"
)

// Active reports whether a job in this state still occupies its identity.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}

// Terminal reports whether no worker will touch the job again without a
// user command.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Order is the sort rank used when listing jobs.
func (s Status) Order() int {
	switch s {
	case StatusRunning:
		return 0
	case StatusQueued:
		return 1
	case StatusPaused:
		return 2
	case StatusFailed:
		return 3
	case StatusCanceled:
		return 4
	case StatusCompleted:
		return 5
	}
	return 6
}

// Snapshot is a point-in-time copy of one job.
type Snapshot struct {
	ID               string    `json:"id"`
	Request          Request   `json:"request"`
	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytes_transferred"`
	TotalBytes       int64     `json:"total_bytes"`
	Message          string    `json:"message,omitempty"`
	RetryCount       int       `json:"retry_count"`
	UpdatedAt        time.Time `json:"updated_at"`
	// Version increases with every change to the job. Consumers use it to
	// drop snapshots that arrive out of order.
	Version uint64 `json:"version"`
}

// Checkpoint is the durable resume cursor of a job. NextOffset is always
// within [0, TotalBytes].
type Checkpoint struct {
	JobID      string     `json:"job_id"`
	Direction  Direction  `json:"direction"`
	LocalPath  string     `json:"local_path"`
	Remote     RemotePath `json:"remote"`
	TotalBytes int64      `json:"total_bytes"`
	NextOffset int64      `json:"next_offset"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clamp forces NextOffset into [0, TotalBytes].
func (c *Checkpoint) Clamp() {
	if c.NextOffset < 0 {
		c.NextOffset = 0
	}
	if c.NextOffset > c.TotalBytes {
		c.NextOffset = c.TotalBytes
	}
}
