package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/franksops/sharesync/provider"
	"github.com/franksops/sharesync/store"
	"github.com/franksops/sharesync/transfer"
)

const (
	// MinChunkSize and MaxChunkSize bound the per-range transfer size.
	MinChunkSize = 64 * 1024
	MaxChunkSize = 64 * 1024 * 1024

	DefaultChunkSize      = DefaultBufferSize
	DefaultMaxConcurrency = 4
)

// ProgressFunc receives the absolute number of bytes done and the total.
type ProgressFunc func(done, total int64)

// Defaults fill in request fields that are left at zero.
type Defaults struct {
	ChunkSize      int64
	MaxConcurrency int
	MaxBytesPerSec int64
}

// Executor moves the bytes of a single request between the local
// filesystem and a share.
type Executor struct {
	local       *provider.LocalProvider
	share       provider.Share
	checkpoints store.CheckpointStore

	retry    RetryPolicy
	clock    clockwork.Clock
	log      logrus.FieldLogger
	defaults Defaults
	buffers  bufferPools
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

func WithClock(c clockwork.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

func WithLogger(l logrus.FieldLogger) ExecutorOption {
	return func(e *Executor) { e.log = l }
}

func WithDefaults(d Defaults) ExecutorOption {
	return func(e *Executor) { e.defaults = d }
}

// NewExecutor creates an Executor. checkpoints may be nil, in which case
// nothing is resumable.
func NewExecutor(local *provider.LocalProvider, share provider.Share, checkpoints store.CheckpointStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		local:       local,
		share:       share,
		checkpoints: checkpoints,
		retry:       DefaultRetryPolicy,
		clock:       clockwork.NewRealClock(),
		log:         logrus.StandardLogger(),
		defaults: Defaults{
			ChunkSize:      DefaultChunkSize,
			MaxConcurrency: DefaultMaxConcurrency,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.retry.Clock == nil {
		e.retry.Clock = e.clock
	}
	if e.retry.Log == nil {
		e.retry.Log = e.log
	}
	return e
}

// EstimateSize returns the number of bytes req will move. Directory requests
// report zero.
func (e *Executor) EstimateSize(ctx context.Context, req transfer.Request) (int64, error) {
	if req.IsDirectory {
		return 0, nil
	}
	switch req.Direction {
	case transfer.Upload:
		info, err := e.local.Fs().Stat(req.LocalPath)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", req.LocalPath, err)
		}
		if info.IsDir() {
			return 0, nil
		}
		return info.Size(), nil
	case transfer.Download:
		props, err := retryValue(ctx, e.retry, "get properties", func(ctx context.Context) (provider.Properties, error) {
			return e.share.GetProperties(ctx, req.Remote)
		})
		if err != nil {
			return 0, fmt.Errorf("failed to probe %s: %w", req.Remote, err)
		}
		return props.Length, nil
	}
	return 0, fmt.Errorf("unknown direction %q", req.Direction)
}

// Execute runs one attempt of req. A non-nil cp resumes from its offset when
// it still describes the same source. The conflict policy is only consulted
// when cp is nil: every attempt that reaches the destination leaves a
// checkpoint, so later attempts of the same job never mistake their own
// partial file for a conflict.
func (e *Executor) Execute(ctx context.Context, jobID string, req transfer.Request, cp *transfer.Checkpoint, progress ProgressFunc) error {
	if progress == nil {
		progress = func(int64, int64) {}
	}
	switch req.Direction {
	case transfer.Upload:
		return e.upload(ctx, jobID, req, cp, progress)
	case transfer.Download:
		return e.download(ctx, jobID, req, cp, progress)
	}
	return fmt.Errorf("unknown direction %q", req.Direction)
}

func (e *Executor) upload(ctx context.Context, jobID string, req transfer.Request, cp *transfer.Checkpoint, progress ProgressFunc) error {
	if req.IsDirectory {
		return e.retry.Do(ctx, "create directory", func(ctx context.Context) error {
			return e.share.CreateDirectory(ctx, req.Remote)
		})
	}

	info, err := e.local.Fs().Stat(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", req.LocalPath, err)
	}
	total := info.Size()
	offset := e.resumeOffset(jobID, cp, total)

	// A checkpoint means an earlier attempt of this job already claimed the
	// destination, so whatever is there now is its own partial write.
	if cp == nil {
		exists, err := retryValue(ctx, e.retry, "exists", func(ctx context.Context) (bool, error) {
			return e.share.Exists(ctx, req.Remote)
		})
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", req.Remote, err)
		}
		if exists {
			switch req.Conflict {
			case transfer.ConflictAsk:
				return unresolvedConflict(req)
			case transfer.ConflictSkip:
				progress(total, total)
				return nil
			}
		}
	}

	create := offset == 0
	if !create {
		props, err := retryValue(ctx, e.retry, "get properties", func(ctx context.Context) (provider.Properties, error) {
			return e.share.GetProperties(ctx, req.Remote)
		})
		switch {
		case provider.IsNotFound(err):
			create = true
		case err != nil:
			return fmt.Errorf("failed to probe %s: %w", req.Remote, err)
		case props.Length != total:
			create = true
		}
	}
	if create {
		if err := e.ensureRemoteParent(ctx, req.Remote); err != nil {
			return err
		}
		if err := e.createRemote(ctx, req, total); err != nil {
			return err
		}
		offset = 0
		e.saveCheckpoint(jobID, req, total, 0)
	}

	progress(offset, total)
	if total == 0 {
		return nil
	}

	chunk := e.chunkSize(req)
	throttle := NewThrottle(e.maxBytesPerSec(req), e.clock)
	if conc := e.concurrency(req); offset == 0 && conc > 1 && total > chunk {
		return e.uploadParallel(ctx, req, total, chunk, conc, throttle, progress)
	}
	return e.uploadSequential(ctx, jobID, req, offset, total, chunk, throttle, progress)
}

// createRemote creates the upload destination, handing the source MD5 to
// shares that record it.
func (e *Executor) createRemote(ctx context.Context, req transfer.Request, total int64) error {
	recorder, ok := e.share.(provider.ContentHashRecorder)
	var sum []byte
	if ok {
		pool := e.buffers.get(int(e.chunkSize(req)))
		buf := pool.Get()
		var err error
		sum, err = HashFile(e.local.Fs(), req.LocalPath, *buf)
		pool.Put(buf)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", req.LocalPath, err)
		}
	}
	err := e.retry.Do(ctx, "create", func(ctx context.Context) error {
		if ok {
			return recorder.CreateWithMD5(ctx, req.Remote, total, sum)
		}
		return e.share.Create(ctx, req.Remote, total)
	})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", req.Remote, err)
	}
	return nil
}

func (e *Executor) uploadSequential(ctx context.Context, jobID string, req transfer.Request, offset, total, chunk int64, throttle *Throttle, progress ProgressFunc) error {
	f, err := e.local.Fs().Open(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", req.LocalPath, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek %s: %w", req.LocalPath, err)
	}

	pool := e.buffers.get(int(chunk))
	buf := pool.Get()
	defer pool.Put(buf)

	for offset < total {
		n := min(chunk, total-offset)
		data := (*buf)[:n]
		if _, err := io.ReadFull(f, data); err != nil {
			return fmt.Errorf("failed to read %s at %d: %w", req.LocalPath, offset, err)
		}
		if err := throttle.Wait(ctx, int(n)); err != nil {
			return err
		}
		at := offset
		err := e.retry.Do(ctx, "write range", func(ctx context.Context) error {
			return e.share.WriteRange(ctx, req.Remote, at, data)
		})
		if err != nil {
			return fmt.Errorf("failed to write %s at %d: %w", req.Remote, at, err)
		}
		offset += n
		progress(offset, total)
		e.saveCheckpoint(jobID, req, total, offset)
	}
	return nil
}

func (e *Executor) uploadParallel(ctx context.Context, req transfer.Request, total, chunk int64, conc int, throttle *Throttle, progress ProgressFunc) error {
	f, err := e.local.Fs().Open(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", req.LocalPath, err)
	}
	defer f.Close()
	// afero's in-memory files move a shared cursor inside ReadAt.
	var readMu sync.Mutex

	pool := e.buffers.get(int(chunk))
	counter := progressCounter{total: total, report: progress}

	return runRanges(ctx, partition(total, chunk), conc, func(ctx context.Context, r byteRange) error {
		buf := pool.Get()
		defer pool.Put(buf)
		data := (*buf)[:r.length]

		readMu.Lock()
		n, err := f.ReadAt(data, r.offset)
		readMu.Unlock()
		if int64(n) < r.length {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("failed to read %s at %d: %w", req.LocalPath, r.offset, err)
		}

		if err := throttle.Wait(ctx, int(r.length)); err != nil {
			return err
		}
		err = e.retry.Do(ctx, "write range", func(ctx context.Context) error {
			return e.share.WriteRange(ctx, req.Remote, r.offset, data)
		})
		if err != nil {
			return fmt.Errorf("failed to write %s at %d: %w", req.Remote, r.offset, err)
		}
		counter.add(r.length)
		return nil
	})
}

func (e *Executor) download(ctx context.Context, jobID string, req transfer.Request, cp *transfer.Checkpoint, progress ProgressFunc) error {
	fsys := e.local.Fs()
	if req.IsDirectory {
		if err := fsys.MkdirAll(req.LocalPath, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", req.LocalPath, err)
		}
		return nil
	}

	props, err := retryValue(ctx, e.retry, "get properties", func(ctx context.Context) (provider.Properties, error) {
		return e.share.GetProperties(ctx, req.Remote)
	})
	if err != nil {
		return fmt.Errorf("failed to probe %s: %w", req.Remote, err)
	}
	total := props.Length

	if err := fsys.MkdirAll(filepath.Dir(req.LocalPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", req.LocalPath, err)
	}
	localLen := int64(-1)
	info, err := fsys.Stat(req.LocalPath)
	switch {
	case err == nil && info.IsDir():
		return fmt.Errorf("%s is a directory", req.LocalPath)
	case err == nil:
		localLen = info.Size()
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to stat %s: %w", req.LocalPath, err)
	}

	offset := min(e.resumeOffset(jobID, cp, total), max(localLen, 0))
	if cp == nil && localLen >= 0 {
		switch req.Conflict {
		case transfer.ConflictAsk:
			return unresolvedConflict(req)
		case transfer.ConflictSkip:
			progress(total, total)
			return nil
		}
	}

	f, err := fsys.OpenFile(req.LocalPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", req.LocalPath, err)
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return fmt.Errorf("failed to size %s: %w", req.LocalPath, err)
	}
	e.saveCheckpoint(jobID, req, total, offset)

	progress(offset, total)
	if total > 0 {
		chunk := e.chunkSize(req)
		throttle := NewThrottle(e.maxBytesPerSec(req), e.clock)
		if conc := e.concurrency(req); offset == 0 && conc > 1 && total > chunk {
			err = e.downloadParallel(ctx, req, f, total, chunk, conc, throttle, progress)
		} else {
			err = e.downloadSequential(ctx, jobID, req, f, offset, total, chunk, throttle, progress)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", req.LocalPath, cerr)
	}
	if err != nil {
		return err
	}

	if len(props.ContentMD5) > 0 {
		actual, err := HashFile(fsys, req.LocalPath, nil)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", req.LocalPath, err)
		}
		if err := VerifyChecksum(req.LocalPath, props.ContentMD5, actual); err != nil {
			// A retry must start over rather than resume past the corruption.
			e.saveCheckpoint(jobID, req, total, 0)
			return err
		}
	}
	if err := e.local.SetModTime(req.LocalPath, props.LastWrite); err != nil {
		e.log.WithError(err).WithField("path", req.LocalPath).Warn("Failed to preserve modification time")
	}
	return nil
}

func (e *Executor) downloadSequential(ctx context.Context, jobID string, req transfer.Request, f io.WriterAt, offset, total, chunk int64, throttle *Throttle, progress ProgressFunc) error {
	for offset < total {
		n := min(chunk, total-offset)
		at := offset
		data, err := retryValue(ctx, e.retry, "read range", func(ctx context.Context) ([]byte, error) {
			return e.share.ReadRange(ctx, req.Remote, at, n)
		})
		if err != nil {
			return fmt.Errorf("failed to read %s at %d: %w", req.Remote, at, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%s ended at %d of %d bytes: %w", req.Remote, at, total, io.ErrUnexpectedEOF)
		}
		if _, err := f.WriteAt(data, at); err != nil {
			return fmt.Errorf("failed to write %s at %d: %w", req.LocalPath, at, err)
		}
		if err := throttle.Wait(ctx, len(data)); err != nil {
			return err
		}
		offset += int64(len(data))
		progress(offset, total)
		e.saveCheckpoint(jobID, req, total, offset)
	}
	return nil
}

func (e *Executor) downloadParallel(ctx context.Context, req transfer.Request, f io.WriterAt, total, chunk int64, conc int, throttle *Throttle, progress ProgressFunc) error {
	var writeMu sync.Mutex
	counter := progressCounter{total: total, report: progress}

	return runRanges(ctx, partition(total, chunk), conc, func(ctx context.Context, r byteRange) error {
		data, err := retryValue(ctx, e.retry, "read range", func(ctx context.Context) ([]byte, error) {
			return e.share.ReadRange(ctx, req.Remote, r.offset, r.length)
		})
		if err != nil {
			return fmt.Errorf("failed to read %s at %d: %w", req.Remote, r.offset, err)
		}
		if int64(len(data)) != r.length {
			return fmt.Errorf("short read of %s at %d: got %d of %d bytes: %w",
				req.Remote, r.offset, len(data), r.length, io.ErrUnexpectedEOF)
		}

		writeMu.Lock()
		_, err = f.WriteAt(data, r.offset)
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to write %s at %d: %w", req.LocalPath, r.offset, err)
		}
		if err := throttle.Wait(ctx, len(data)); err != nil {
			return err
		}
		counter.add(r.length)
		return nil
	})
}

func (e *Executor) ensureRemoteParent(ctx context.Context, p transfer.RemotePath) error {
	parent := p.Join("..")
	if parent.Path == "" {
		return nil
	}
	err := e.retry.Do(ctx, "create directory", func(ctx context.Context) error {
		return e.share.CreateDirectory(ctx, parent)
	})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}
	return nil
}

// resumeOffset returns where a resumed attempt starts, or zero when cp is
// missing or was taken against a source of a different length.
func (e *Executor) resumeOffset(jobID string, cp *transfer.Checkpoint, total int64) int64 {
	if cp == nil {
		return 0
	}
	if cp.TotalBytes != total {
		e.log.WithFields(logrus.Fields{
			"job":        jobID,
			"checkpoint": cp.TotalBytes,
			"source":     total,
		}).Info("Source size changed since checkpoint, starting over")
		return 0
	}
	c := *cp
	c.Clamp()
	return c.NextOffset
}

func (e *Executor) saveCheckpoint(jobID string, req transfer.Request, total, offset int64) {
	if e.checkpoints == nil || jobID == "" {
		return
	}
	cp := &transfer.Checkpoint{
		JobID:      jobID,
		Direction:  req.Direction,
		LocalPath:  req.LocalPath,
		Remote:     req.Remote,
		TotalBytes: total,
		NextOffset: offset,
		UpdatedAt:  e.clock.Now(),
	}
	if err := e.checkpoints.SaveCheckpoint(cp); err != nil {
		e.log.WithError(err).WithField("job", jobID).Warn("Failed to save checkpoint")
	}
}

func (e *Executor) chunkSize(req transfer.Request) int64 {
	size := req.ChunkSize
	if size <= 0 {
		size = e.defaults.ChunkSize
	}
	size = min(max(size, MinChunkSize), MaxChunkSize)
	if req.Direction == transfer.Upload {
		if a, ok := e.share.(provider.WriteAligner); ok {
			if g := a.WriteGranularity(); g > 0 {
				size = (size + g - 1) / g * g
			}
		}
	}
	return size
}

func (e *Executor) concurrency(req transfer.Request) int {
	if req.MaxConcurrency > 0 {
		return req.MaxConcurrency
	}
	return max(e.defaults.MaxConcurrency, 1)
}

func (e *Executor) maxBytesPerSec(req transfer.Request) int64 {
	if req.MaxBytesPerSec > 0 {
		return req.MaxBytesPerSec
	}
	return e.defaults.MaxBytesPerSec
}

type byteRange struct {
	offset int64
	length int64
}

func partition(total, chunk int64) []byteRange {
	ranges := make([]byteRange, 0, (total+chunk-1)/chunk)
	for off := int64(0); off < total; off += chunk {
		ranges = append(ranges, byteRange{offset: off, length: min(chunk, total-off)})
	}
	return ranges
}

// runRanges feeds ranges to conc goroutines. The first failure cancels the
// rest and is returned.
func runRanges(ctx context.Context, ranges []byteRange, conc int, fn func(ctx context.Context, r byteRange) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		work     = make(chan byteRange)
	)
	for i := 0; i < min(conc, len(ranges)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range work {
				if err := fn(ctx, r); err != nil {
					once.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
			}
		}()
	}

feed:
	for _, r := range ranges {
		select {
		case work <- r:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// progressCounter serializes progress reports so they never go backwards.
type progressCounter struct {
	mu     sync.Mutex
	done   int64
	total  int64
	report ProgressFunc
}

func (c *progressCounter) add(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done += n
	c.report(c.done, c.total)
}
