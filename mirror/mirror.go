package mirror

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/franksops/sharesync/engine"
	"github.com/franksops/sharesync/transfer"
)

// Enqueuer accepts transfer requests. *engine.Queue implements it.
type Enqueuer interface {
	EnqueueOrGetExisting(req transfer.Request, start bool) (engine.EnqueueResult, error)
}

// LocalDeleter removes local files. *provider.LocalProvider implements it.
type LocalDeleter interface {
	Delete(ctx context.Context, fullPath string) error
}

// RemoteDeleter removes files from a share. Every provider.Share implements
// it.
type RemoteDeleter interface {
	Delete(ctx context.Context, p transfer.RemotePath) error
}

// Planner builds mirror plans.
type Planner struct {
	walker *Walker
	log    logrus.FieldLogger
}

// NewPlanner creates a Planner that enumerates both sides with walker.
func NewPlanner(walker *Walker, log logrus.FieldLogger) *Planner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Planner{walker: walker, log: log}
}

// BuildPlan enumerates both subtrees and diffs them. Listing errors are
// returned as is.
func (p *Planner) BuildPlan(ctx context.Context, spec Spec) (*Plan, error) {
	if spec.Direction != transfer.Upload && spec.Direction != transfer.Download {
		return nil, fmt.Errorf("unknown direction %q", spec.Direction)
	}
	local, err := p.walker.Local(ctx, spec.LocalRoot)
	if err != nil {
		return nil, err
	}
	remote, err := p.walker.Remote(ctx, spec.RemoteRoot)
	if err != nil {
		return nil, err
	}

	plan := newPlan(spec, Diff(spec.Direction, spec.IncludeDeletes, local, remote))
	p.log.WithFields(logrus.Fields{
		"direction": spec.Direction,
		"local":     spec.LocalRoot,
		"remote":    spec.RemoteRoot.String(),
		"creates":   plan.Creates,
		"updates":   plan.Updates,
		"deletes":   plan.Deletes,
		"skips":     plan.Skips,
	}).Info("Built mirror plan")
	return plan, nil
}

// ExecuteOptions controls Execute.
type ExecuteOptions struct {
	// ApplyDeletes removes Delete items from the destination. Without it
	// they are counted as skipped.
	ApplyDeletes  bool
	LocalDeleter  LocalDeleter
	RemoteDeleter RemoteDeleter
	// Paused enqueues jobs without starting them.
	Paused bool
}

// Result summarizes an Execute call.
type Result struct {
	// JobIDs holds one id per Create or Update item, including jobs that
	// already existed for the same transfer.
	JobIDs   []string
	Existing int
	Deleted  int
	Skipped  int
}

// Execute enqueues a transfer for every Create and Update item. Deletes are
// applied only when opts.ApplyDeletes is set; failures there do not stop the
// remaining items and are returned together.
func Execute(ctx context.Context, plan *Plan, queue Enqueuer, opts ExecuteOptions) (Result, error) {
	var (
		res        Result
		deleteErrs []error
	)
	for _, it := range plan.Items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch it.Action {
		case Create, Update:
			out, err := queue.EnqueueOrGetExisting(plan.request(it), !opts.Paused)
			if err != nil {
				return res, fmt.Errorf("failed to enqueue %s: %w", it.RelativePath, err)
			}
			res.JobIDs = append(res.JobIDs, out.Snapshot.ID)
			if !out.AddedNew {
				res.Existing++
			}
		case Delete:
			if !opts.ApplyDeletes {
				res.Skipped++
				continue
			}
			if err := plan.delete(ctx, it, opts); err != nil {
				deleteErrs = append(deleteErrs, err)
				continue
			}
			res.Deleted++
		default:
			res.Skipped++
		}
	}
	return res, errors.Join(deleteErrs...)
}

func (p *Plan) localPath(rel string) string {
	return filepath.Join(p.Spec.LocalRoot, filepath.FromSlash(rel))
}

// request reads the source under its own casing and writes the destination
// under the casing it already has, so an update replaces the matched file
// instead of adding a sibling.
func (p *Plan) request(it Item) transfer.Request {
	localRel, remoteRel := it.RelativePath, it.destination()
	if p.Spec.Direction == transfer.Download {
		localRel, remoteRel = remoteRel, localRel
	}
	return transfer.Request{
		Direction:      p.Spec.Direction,
		LocalPath:      p.localPath(localRel),
		Remote:         p.Spec.RemoteRoot.Join(remoteRel),
		MaxConcurrency: p.Spec.MaxConcurrency,
		ChunkSize:      p.Spec.ChunkSize,
		MaxBytesPerSec: p.Spec.MaxBytesPerSec,
		// The plan already decided this destination should be replaced.
		Conflict: transfer.ConflictOverwrite,
	}
}

func (p *Plan) delete(ctx context.Context, it Item, opts ExecuteOptions) error {
	if p.Spec.Direction == transfer.Upload {
		if opts.RemoteDeleter == nil {
			return fmt.Errorf("cannot delete %s: no remote deleter configured", it.RelativePath)
		}
		target := p.Spec.RemoteRoot.Join(it.destination())
		if err := opts.RemoteDeleter.Delete(ctx, target); err != nil {
			return fmt.Errorf("failed to delete %s: %w", target, err)
		}
		return nil
	}

	if opts.LocalDeleter == nil {
		return fmt.Errorf("cannot delete %s: no local deleter configured", it.RelativePath)
	}
	target := p.localPath(it.destination())
	if err := opts.LocalDeleter.Delete(ctx, target); err != nil {
		return fmt.Errorf("failed to delete %s: %w", target, err)
	}
	return nil
}
